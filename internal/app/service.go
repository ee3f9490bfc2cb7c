package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"quorum/api/internal/auth"
	"quorum/api/internal/config"
	"quorum/api/internal/export"
	"quorum/api/internal/metrics"
	"quorum/api/internal/motion"
	"quorum/api/internal/rbac"
	"quorum/api/internal/realtime"
	"quorum/api/internal/search"
	"quorum/api/internal/store"
)

// casAttempts bounds the read-modify-write retries of a single mutation.
const casAttempts = 5

// DataStore is the document store contract shared by the Postgres and bbolt stores.
type DataStore interface {
	Ping(ctx context.Context) error

	ListCommittees(ctx context.Context) ([]store.Committee, error)
	GetCommittee(ctx context.Context, id string) (store.Committee, error)
	InsertCommittee(ctx context.Context, c store.Committee) (store.Committee, error)
	UpdateCommittee(ctx context.Context, c store.Committee) (store.Committee, error)
	DeleteCommittee(ctx context.Context, id string) error

	ListMotions(ctx context.Context, committeeID string) ([]motion.Motion, error)
	ListMotionsByStatus(ctx context.Context, statuses ...motion.Status) ([]motion.Motion, error)
	GetMotion(ctx context.Context, id string) (motion.Motion, error)
	InsertMotion(ctx context.Context, m motion.Motion) (motion.Motion, error)
	UpdateMotion(ctx context.Context, m motion.Motion) (motion.Motion, error)
	DeleteMotions(ctx context.Context, ids []string) (int, error)

	ListDiscussions(ctx context.Context, motionID string) ([]store.Discussion, error)
	GetDiscussion(ctx context.Context, id string) (store.Discussion, error)
	InsertDiscussion(ctx context.Context, d store.Discussion) error
	DeleteDiscussions(ctx context.Context, motionIDs []string) (int, error)

	ListMeetings(ctx context.Context, committeeID string) ([]store.Meeting, error)
	GetMeeting(ctx context.Context, id string) (store.Meeting, error)
	InsertMeeting(ctx context.Context, m store.Meeting) error
	UpdateMeeting(ctx context.Context, m store.Meeting) error
	DeleteMeetings(ctx context.Context, committeeID string) (int, error)

	GetProfile(ctx context.Context, id string) (store.Profile, error)
	FindProfileByEmail(ctx context.Context, email string) (store.Profile, error)
	FindProfileByUsername(ctx context.Context, username string) (store.Profile, error)
	InsertProfile(ctx context.Context, p store.Profile) error
	UpdateProfile(ctx context.Context, p store.Profile) error
	ClaimProfile(ctx context.Context, placeholderID string, p store.Profile) error
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexMotion(m motion.Motion)
	IndexDiscussion(d store.Discussion)
	Forget(motionIDs, discussionIDs []string)
}

type minutesExporter interface {
	Minutes(ctx context.Context, req export.MinutesRequest) (*export.Result, error)
}

// Deps are the optional collaborators of a Service. Nil members are replaced by
// no-op or in-process defaults.
type Deps struct {
	Logger  *slog.Logger
	Broker  realtime.Broker
	Search  searchService
	Metrics *metrics.Metrics
	Export  minutesExporter
	Now     func() time.Time
}

type Service struct {
	cfg     config.Config
	store   DataStore
	logger  *slog.Logger
	broker  realtime.Broker
	search  searchService
	metrics *metrics.Metrics
	export  minutesExporter
	now     func() time.Time
}

func New(cfg config.Config, dataStore DataStore, deps Deps) *Service {
	s := &Service{
		cfg:     cfg,
		store:   dataStore,
		logger:  deps.Logger,
		broker:  deps.Broker,
		search:  deps.Search,
		metrics: deps.Metrics,
		export:  deps.Export,
		now:     deps.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.broker == nil {
		s.broker = realtime.NewLocalBroker()
	}
	if s.search == nil {
		s.search = search.NewService(nil, search.NewScan(dataStore), s.logger)
	}
	if s.export == nil {
		s.export = export.NewService(dataStore)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// RoleOf resolves the caller's role by a case-insensitive username match against the
// committee roster. It returns the empty role when the caller is not a member.
func RoleOf(committee store.Committee, username string) rbac.Role {
	username = strings.TrimSpace(username)
	if username == "" {
		return ""
	}
	for _, member := range committee.Members {
		if strings.EqualFold(member.Username, username) {
			return rbac.Normalize(member.Role)
		}
	}
	return ""
}

// storeErr converts store sentinels into domain errors. what names the missing entity.
func (s *Service) storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound(what + " not found")
	case errors.Is(err, store.ErrConflict):
		return conflict("CONFLICT", what+" was modified concurrently", nil)
	case errors.Is(err, store.ErrUnavailable):
		s.metrics.StoreUnavailable()
		return unavailable("Storage unavailable")
	default:
		return err
	}
}

func (s *Service) publish(eventType, committeeID, id string) {
	event := realtime.Event{Type: eventType, CommitteeID: committeeID, ID: id, At: s.clock()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.broker.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed", "type", eventType, "committeeId", committeeID, "error", err)
	}
}

// Subscribe streams change events for a committee, or for all committees when
// committeeID is empty.
func (s *Service) Subscribe(ctx context.Context, committeeID string) (<-chan realtime.Event, error) {
	return s.broker.Subscribe(ctx, committeeID)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

// Minutes renders meeting minutes. The committee and meeting must exist.
func (s *Service) Minutes(ctx context.Context, req export.MinutesRequest) (*export.Result, error) {
	if strings.TrimSpace(req.CommitteeID) == "" {
		return nil, validationError("committeeId is required", nil)
	}
	result, err := s.export.Minutes(ctx, req)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil)
		}
		if errors.Is(err, export.ErrUnsupportedFormat) {
			return nil, validationError("format must be html or pdf", nil)
		}
		return nil, s.storeErr(err, "Committee or meeting")
	}
	return result, nil
}

// caller helpers

func displayName(id auth.Identity) string {
	if name := strings.TrimSpace(id.Name); name != "" {
		return name
	}
	return id.Username
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
