package app

import (
	"context"
	"strings"

	"quorum/api/internal/auth"
	"quorum/api/internal/realtime"
	"quorum/api/internal/store"
	"quorum/api/internal/util"
)

type CreateDiscussionInput struct {
	MotionID  string `json:"motionId"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Position  string `json:"position"`
	Stance    string `json:"stance"`
	AvatarURL string `json:"avatarUrl"`
}

func normalizePosition(values ...string) store.Position {
	for _, value := range values {
		switch p := store.Position(strings.ToLower(strings.TrimSpace(value))); p {
		case store.PositionPro, store.PositionCon, store.PositionNeutral:
			return p
		}
	}
	return store.PositionNeutral
}

func (s *Service) ListDiscussions(ctx context.Context, motionID string) ([]store.Discussion, error) {
	motionID = strings.TrimSpace(motionID)
	if motionID == "" {
		return nil, validationError("motionId or id is required", nil)
	}
	items, err := s.store.ListDiscussions(ctx, motionID)
	if err != nil {
		return nil, s.storeErr(err, "Discussions")
	}
	if items == nil {
		items = []store.Discussion{}
	}
	return items, nil
}

func (s *Service) GetDiscussion(ctx context.Context, id string) (store.Discussion, error) {
	d, err := s.store.GetDiscussion(ctx, strings.TrimSpace(id))
	if err != nil {
		return store.Discussion{}, s.storeErr(err, "Discussion")
	}
	return d, nil
}

func (s *Service) CreateDiscussion(ctx context.Context, caller auth.Identity, in CreateDiscussionInput) (store.Discussion, error) {
	motionID := strings.TrimSpace(in.MotionID)
	text := strings.TrimSpace(in.Text)
	if motionID == "" || text == "" {
		return store.Discussion{}, validationError("motionId and text are required", nil)
	}
	m, err := s.store.GetMotion(ctx, motionID)
	if err != nil {
		return store.Discussion{}, s.storeErr(err, "Motion")
	}
	d := store.Discussion{
		ID:          util.NewID("dsc"),
		MotionID:    motionID,
		CommitteeID: m.CommitteeID,
		AuthorID:    caller.Subject,
		Author:      firstNonBlank(in.Author, displayName(caller)),
		Text:        text,
		Position:    normalizePosition(in.Position, in.Stance),
		AvatarURL:   firstNonBlank(in.AvatarURL, caller.AvatarURL),
		CreatedAt:   s.clock(),
	}
	if err := s.store.InsertDiscussion(ctx, d); err != nil {
		return store.Discussion{}, s.storeErr(err, "Discussion")
	}
	s.search.IndexDiscussion(d)
	s.publish(realtime.EventDiscussionCreated, d.CommitteeID, d.ID)
	return d, nil
}
