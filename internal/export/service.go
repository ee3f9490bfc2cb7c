package export

import (
	"context"
	"fmt"
	"sort"
	"time"

	"quorum/api/internal/motion"
	"quorum/api/internal/store"
)

// DataStore is the read side of the store needed to assemble minutes.
type DataStore interface {
	GetCommittee(ctx context.Context, id string) (store.Committee, error)
	GetMeeting(ctx context.Context, id string) (store.Meeting, error)
	ListMeetings(ctx context.Context, committeeID string) ([]store.Meeting, error)
	ListMotions(ctx context.Context, committeeID string) ([]motion.Motion, error)
	ListDiscussions(ctx context.Context, motionID string) ([]store.Discussion, error)
}

// Service provides minutes export functionality
type Service struct {
	store DataStore
	now   func() time.Time
	pdf   func(ctx context.Context, html, title string) (*Result, error)
}

func NewService(store DataStore) *Service {
	return &Service{store: store, now: time.Now, pdf: renderPDF}
}

// Minutes renders the minutes of a meeting, or of the whole committee when no meeting
// is named, in the requested format.
func (s *Service) Minutes(ctx context.Context, req MinutesRequest) (*Result, error) {
	data, err := s.Collect(ctx, req)
	if err != nil {
		return nil, err
	}
	html, err := RenderMinutesHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return s.pdf(ctx, html, data.Title())
	case FormatHTML, "":
		return &Result{
			Data:     []byte(html),
			Filename: slug(data.Title()) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// Collect gathers the template data for a minutes request.
func (s *Service) Collect(ctx context.Context, req MinutesRequest) (MinutesData, error) {
	committee, err := s.store.GetCommittee(ctx, req.CommitteeID)
	if err != nil {
		return MinutesData{}, fmt.Errorf("get committee: %w", err)
	}
	data := MinutesData{
		CommitteeName: committee.Name,
		GeneratedAt:   s.now().UTC(),
	}
	for _, member := range committee.Members {
		name := member.Name
		if name == "" {
			name = member.Username
		}
		data.Members = append(data.Members, MinutesMember{Name: name, Role: member.Role})
	}

	var from, until time.Time
	if req.MeetingID != "" {
		meeting, err := s.store.GetMeeting(ctx, req.MeetingID)
		if err != nil {
			return MinutesData{}, fmt.Errorf("get meeting: %w", err)
		}
		if meeting.CommitteeID != committee.ID {
			return MinutesData{}, fmt.Errorf("get meeting: %w", store.ErrNotFound)
		}
		data.MeetingSeq = meeting.Seq
		data.MeetingDate = meeting.CreatedAt
		if meeting.Date != nil {
			data.MeetingDate = *meeting.Date
		}
		from = meeting.CreatedAt
		until, err = s.nextMeetingStart(ctx, meeting)
		if err != nil {
			return MinutesData{}, err
		}
	}

	motions, err := s.store.ListMotions(ctx, committee.ID)
	if err != nil {
		return MinutesData{}, fmt.Errorf("list motions: %w", err)
	}
	sort.SliceStable(motions, func(i, j int) bool { return motions[i].CreatedAt.Before(motions[j].CreatedAt) })

	children := make(map[string][]motion.Motion)
	for _, m := range motions {
		if m.ParentMotionID != "" {
			children[m.ParentMotionID] = append(children[m.ParentMotionID], m)
		}
	}
	for _, m := range motions {
		if m.ParentMotionID != "" || !considered(m, from, until, children[m.ID]) {
			continue
		}
		entry, err := s.minutesMotion(ctx, m)
		if err != nil {
			return MinutesData{}, err
		}
		for _, sub := range children[m.ID] {
			subEntry, err := s.minutesMotion(ctx, sub)
			if err != nil {
				return MinutesData{}, err
			}
			entry.Submotions = append(entry.Submotions, subEntry)
		}
		data.Motions = append(data.Motions, entry)
	}
	return data, nil
}

func (s *Service) nextMeetingStart(ctx context.Context, meeting store.Meeting) (time.Time, error) {
	meetings, err := s.store.ListMeetings(ctx, meeting.CommitteeID)
	if err != nil {
		return time.Time{}, fmt.Errorf("list meetings: %w", err)
	}
	for _, other := range meetings {
		if other.Seq == meeting.Seq+1 {
			return other.CreatedAt, nil
		}
	}
	return time.Time{}, nil
}

// considered reports whether the motion, or one of its submotions, was touched within
// [from, until). Zero bounds are open.
func considered(m motion.Motion, from, until time.Time, subs []motion.Motion) bool {
	touched := func(item motion.Motion) bool {
		if !until.IsZero() && !item.CreatedAt.Before(until) {
			return false
		}
		return from.IsZero() || !item.UpdatedAt.Before(from)
	}
	if touched(m) {
		return true
	}
	for _, sub := range subs {
		if touched(sub) {
			return true
		}
	}
	return false
}

func (s *Service) minutesMotion(ctx context.Context, m motion.Motion) (MinutesMotion, error) {
	entry := MinutesMotion{
		Title:       m.Title,
		Description: m.Description,
		State:       string(m.State()),
		Mover:       m.CreatedByName,
		Yes:         m.Votes.Yes,
		No:          m.Votes.No,
		Abstain:     m.Votes.Abstain,
	}
	if entry.Mover == "" {
		entry.Mover = m.CreatedBy
	}
	if d := m.Decision; d != nil {
		entry.Outcome = d.Outcome
		entry.Summary = d.Summary
		entry.Pros = d.Pros
		entry.Cons = d.Cons
		entry.Note = d.Note
	}
	if info := m.Meta.ReferInfo; info != nil && entry.Note == "" {
		entry.ReferredTo = info.DestinationCommitteeName
		if entry.ReferredTo == "" {
			entry.ReferredTo = info.DestinationCommitteeID
		}
	}
	if from := m.Meta.ReferredFrom; from != nil {
		entry.FromOrigin = from.CommitteeName
		if entry.FromOrigin == "" {
			entry.FromOrigin = from.CommitteeID
		}
	}

	comments, err := s.store.ListDiscussions(ctx, m.ID)
	if err != nil {
		return MinutesMotion{}, fmt.Errorf("list discussions: %w", err)
	}
	for _, c := range comments {
		entry.Discussion = append(entry.Discussion, MinutesComment{
			Author:   c.Author,
			Position: string(c.Position),
			Text:     c.Text,
		})
	}
	return entry, nil
}
