package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"quorum/api/internal/motion"
)

const (
	DefaultSyncInterval = 3 * time.Second
	DefaultLiftInterval = 30 * time.Second
	defaultWatchRetry   = 5 * time.Second
)

var (
	ErrUnknownMotion = errors.New("motion is not in this room")
	ErrAlreadyVoted  = errors.New("ballot already cast")
)

type Options struct {
	// VoterID identifies this participant's ballots; the server counts one per id.
	VoterID      string
	SyncInterval time.Duration
	LiftInterval time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Room is one participant's view of a committee's motions. Every change is sent to
// the API first. When the API cannot be reached the change is applied to the local
// copy with the same rules the server uses and queued, and the queue is replayed in
// order before the next refresh.
type Room struct {
	client      *Client
	committeeID string
	opts        Options
	logger      *slog.Logger
	notify      chan struct{}

	// writeMu orders requests that change server state, so queued changes are
	// replayed before anything newer is sent.
	writeMu sync.Mutex

	mu      sync.Mutex
	motions []motion.Motion
	pending []Patch
	online  bool
}

func NewRoom(client *Client, committeeID string, opts Options) *Room {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.LiftInterval <= 0 {
		opts.LiftInterval = DefaultLiftInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Room{
		client:      client,
		committeeID: committeeID,
		opts:        opts,
		logger:      logger.With("committee_id", committeeID),
		notify:      make(chan struct{}, 1),
	}
}

// Motions returns the room's motions in server order.
func (r *Room) Motions() []Motion {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Motion, 0, len(r.motions))
	for _, m := range r.motions {
		out = append(out, view(m))
	}
	return out
}

func (r *Room) Motion(id string) (Motion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.index(id); i >= 0 {
		return view(r.motions[i]), true
	}
	return Motion{}, false
}

// Pending is the number of changes waiting to be replayed.
func (r *Room) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Online reports whether the last exchange with the API succeeded.
func (r *Room) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// Propose creates a motion. It needs the server to assign an id, so it is never
// applied offline.
func (r *Room) Propose(ctx context.Context, title, description string) (Motion, error) {
	created, err := r.client.CreateMotion(ctx, NewMotion{CommitteeID: r.committeeID, Title: title, Description: description})
	if err != nil {
		r.markOnline(!Retryable(err))
		return Motion{}, err
	}
	m := motion.Normalize(created.Motion)
	r.mu.Lock()
	r.put(m)
	r.online = true
	r.mu.Unlock()
	return view(m), nil
}

func (r *Room) StartVote(ctx context.Context, id string) (Motion, error) {
	return r.apply(ctx, Patch{ID: id, Status: motion.StateVoting})
}

func (r *Room) Pause(ctx context.Context, id string) (Motion, error) {
	return r.apply(ctx, Patch{ID: id, Status: motion.StatePaused})
}

func (r *Room) Resume(ctx context.Context, id string) (Motion, error) {
	return r.apply(ctx, Patch{ID: id, Status: motion.StateInProgress})
}

func (r *Room) CastVote(ctx context.Context, id string, choice motion.Choice) (Motion, error) {
	if m, ok := r.Motion(id); ok && r.opts.VoterID != "" && m.HasVoted(r.opts.VoterID) {
		return m, ErrAlreadyVoted
	}
	return r.apply(ctx, Patch{ID: id, Vote: choice, VoterID: r.opts.VoterID})
}

// EndVote closes voting and records the outcome the tally produces.
func (r *Room) EndVote(ctx context.Context, id string) (Motion, error) {
	m, ok := r.Motion(id)
	if !ok {
		return Motion{}, ErrUnknownMotion
	}
	outcome := motion.ComputeOutcome(m.Votes)
	return r.apply(ctx, Patch{ID: id, Decision: &motion.DecisionInput{Outcome: string(outcome)}})
}

// Postpone sets the motion aside until the given time.
func (r *Room) Postpone(ctx context.Context, id string, until time.Time) (Motion, error) {
	resume := until.UTC()
	return r.apply(ctx, Patch{ID: id, Meta: &motion.MetaInput{
		PostponeInfo: &motion.PostponeRequest{Type: motion.PostponeDateTime, ResumeAt: &resume},
	}})
}

func (r *Room) apply(ctx context.Context, patch Patch) (Motion, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	known := r.index(patch.ID) >= 0
	queued := len(r.pending) > 0
	r.mu.Unlock()
	if !known {
		return Motion{}, ErrUnknownMotion
	}

	if !queued {
		saved, err := r.client.PatchMotion(ctx, patch)
		if err == nil {
			m := motion.Normalize(saved.Motion)
			r.mu.Lock()
			r.put(m)
			r.online = true
			r.mu.Unlock()
			return view(m), nil
		}
		if !Retryable(err) {
			r.markOnline(true)
			return Motion{}, err
		}
		r.logger.Warn("api unreachable, applying change locally", "motion_id", patch.ID, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(patch.ID)
	if i < 0 {
		return Motion{}, ErrUnknownMotion
	}
	next := clone(r.motions[i])
	if err := applyLocal(&next, patch, r.opts.Now(), r.opts.VoterID); err != nil {
		return Motion{}, err
	}
	r.motions[i] = next
	r.pending = append(r.pending, patch)
	r.online = false
	return view(next), nil
}

// applyLocal makes the change the server would make for patch.
func applyLocal(m *motion.Motion, patch Patch, now time.Time, by string) error {
	if patch.Status != "" {
		if err := m.Transition(patch.Status, now, by); err != nil {
			return err
		}
	}
	if patch.Vote != "" {
		m.CastVote(patch.Vote, patch.VoterID)
	}
	if patch.Decision != nil {
		m.RecordDecision(*patch.Decision, now, by)
	}
	if patch.Meta != nil {
		if req := patch.Meta.Postpone(); req != nil {
			info := req.Resolve(now, 0)
			info.PostponedBy = by
			m.Postpone(info)
		}
	}
	m.UpdatedAt = now
	return nil
}

// Sync replays queued changes and then replaces the local copy with the server's.
// It stops at the first change the API still cannot take; a change the API rejects
// outright is dropped.
func (r *Room) Sync(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.flush(ctx); err != nil {
		r.markOnline(false)
		return err
	}
	items, err := r.client.ListMotions(ctx, r.committeeID)
	if err != nil {
		r.markOnline(!Retryable(err))
		return err
	}
	fresh := make([]motion.Motion, 0, len(items))
	for _, item := range items {
		fresh = append(fresh, motion.Normalize(item.Motion))
	}
	r.mu.Lock()
	r.motions = fresh
	r.online = true
	r.mu.Unlock()
	return nil
}

func (r *Room) flush(ctx context.Context) error {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.mu.Unlock()
			return nil
		}
		patch := r.pending[0]
		r.mu.Unlock()

		if _, err := r.client.PatchMotion(ctx, patch); err != nil {
			if Retryable(err) {
				return err
			}
			r.logger.Warn("queued change rejected, dropping", "motion_id", patch.ID, "error", err)
		}
		r.mu.Lock()
		r.pending = r.pending[1:]
		r.mu.Unlock()
	}
}

// LiftDue resumes postponed motions whose time has come. The server does the lift
// when it is reachable; otherwise the local copy is lifted and the server catches up
// on its own schedule.
func (r *Room) LiftDue(ctx context.Context) (int, error) {
	lifted, err := r.client.LiftDuePostponements(ctx)
	if err == nil {
		r.markOnline(true)
		if lifted > 0 {
			r.Notify()
		}
		return lifted, nil
	}
	if !Retryable(err) {
		return 0, err
	}
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = false
	for i, m := range r.motions {
		if m.State() != motion.StatePostponed || m.Meta.PostponeInfo == nil || !m.Meta.PostponeInfo.Due(now) {
			continue
		}
		next := clone(m)
		next.Lift()
		next.UpdatedAt = now
		r.motions[i] = next
		lifted++
	}
	return lifted, nil
}

// Notify asks a running room to refresh now instead of at the next tick.
func (r *Room) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run keeps the room current until ctx ends: a refresh every SyncInterval and on
// Notify, and a postponement lift every LiftInterval.
func (r *Room) Run(ctx context.Context) {
	r.refresh(ctx)
	syncTicker := time.NewTicker(r.opts.SyncInterval)
	defer syncTicker.Stop()
	liftTicker := time.NewTicker(r.opts.LiftInterval)
	defer liftTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			r.refresh(ctx)
		case <-r.notify:
			r.refresh(ctx)
		case <-liftTicker.C:
			if _, err := r.LiftDue(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("postponement lift failed", "error", err)
			}
		}
	}
}

// Watch turns the server's change stream into Notify calls, reconnecting after a
// pause whenever the stream drops. It returns when ctx ends.
func (r *Room) Watch(ctx context.Context) {
	for {
		events, err := r.client.Events(ctx, r.committeeID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("event stream unavailable", "error", err)
		} else {
			for range events {
				r.Notify()
			}
		}
		timer := time.NewTimer(defaultWatchRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Room) refresh(ctx context.Context) {
	if err := r.Sync(ctx); err != nil && ctx.Err() == nil {
		r.logger.Debug("sync failed", "pending", r.Pending(), "error", err)
	}
}

func (r *Room) markOnline(online bool) {
	r.mu.Lock()
	r.online = online
	r.mu.Unlock()
}

func (r *Room) index(id string) int {
	for i, m := range r.motions {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (r *Room) put(m motion.Motion) {
	if i := r.index(m.ID); i >= 0 {
		r.motions[i] = m
		return
	}
	r.motions = append(r.motions, m)
}

// clone copies the parts of a motion that local updates mutate in place.
func clone(m motion.Motion) motion.Motion {
	m.Meta.VoterChoices = maps.Clone(m.Meta.VoterChoices)
	return m
}

func view(m motion.Motion) Motion {
	return Motion{Motion: m, State: m.State()}
}
