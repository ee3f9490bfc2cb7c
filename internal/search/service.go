package search

import (
	"context"
	"log/slog"

	"quorum/api/internal/motion"
	"quorum/api/internal/store"
)

type index interface {
	Searcher
	Healthy() bool
	IndexMotions(records ...MotionRecord) error
	IndexDiscussions(records ...DiscussionRecord) error
	DeleteMotion(id string) error
	DeleteDiscussion(id string) error
}

// Service tries Meilisearch first and falls back to the store-native searcher.
type Service struct {
	primary  index
	fallback Searcher
	logger   *slog.Logger
}

// NewService creates a search service. primary may be nil when Meilisearch is not
// configured.
func NewService(primary *Meili, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{fallback: fallback, logger: logger}
	if primary != nil {
		s.primary = primary
	}
	return s
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: s.primary.Name()}
		}
		s.logger.Warn("search: primary engine failed, falling back", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("search: fallback engine failed", "engine", s.fallback.Name(), "error", err)
		return Response{Results: []Result{}, Query: q.Text, Engine: s.fallback.Name()}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: s.fallback.Name()}
}

func MotionToRecord(m motion.Motion) MotionRecord {
	return MotionRecord{ID: m.ID, CommitteeID: m.CommitteeID, Title: m.Title, Description: m.Description, Status: string(m.State())}
}

func DiscussionToRecord(d store.Discussion) DiscussionRecord {
	return DiscussionRecord{ID: d.ID, MotionID: d.MotionID, CommitteeID: d.CommitteeID, Author: d.Author, Text: d.Text, Position: string(d.Position)}
}

// IndexMotion pushes a motion to Meilisearch in the background.
func (s *Service) IndexMotion(m motion.Motion) {
	if !s.primaryReady() {
		return
	}
	record := MotionToRecord(m)
	go func() {
		if err := s.primary.IndexMotions(record); err != nil {
			s.logger.Warn("search: index motion", "motionId", record.ID, "error", err)
		}
	}()
}

// IndexDiscussion pushes a discussion entry to Meilisearch in the background.
func (s *Service) IndexDiscussion(d store.Discussion) {
	if !s.primaryReady() {
		return
	}
	record := DiscussionToRecord(d)
	go func() {
		if err := s.primary.IndexDiscussions(record); err != nil {
			s.logger.Warn("search: index discussion", "discussionId", record.ID, "error", err)
		}
	}()
}

// Forget removes motions and discussions from the index in the background.
func (s *Service) Forget(motionIDs, discussionIDs []string) {
	if !s.primaryReady() || len(motionIDs)+len(discussionIDs) == 0 {
		return
	}
	go func() {
		for _, id := range motionIDs {
			if err := s.primary.DeleteMotion(id); err != nil {
				s.logger.Warn("search: delete motion", "motionId", id, "error", err)
			}
		}
		for _, id := range discussionIDs {
			if err := s.primary.DeleteDiscussion(id); err != nil {
				s.logger.Warn("search: delete discussion", "discussionId", id, "error", err)
			}
		}
	}()
}

// Reindex loads every motion and discussion from source and pushes them to
// Meilisearch. It is a no-op while Meilisearch is not configured or unhealthy.
func (s *Service) Reindex(ctx context.Context, source Source) error {
	if !s.primaryReady() {
		return nil
	}
	motions, err := source.ListMotions(ctx, "")
	if err != nil {
		return err
	}
	discussions, err := source.ListDiscussions(ctx, "")
	if err != nil {
		return err
	}
	motionRecords := make([]MotionRecord, 0, len(motions))
	for _, m := range motions {
		motionRecords = append(motionRecords, MotionToRecord(motion.Normalize(m)))
	}
	discussionRecords := make([]DiscussionRecord, 0, len(discussions))
	for _, d := range discussions {
		discussionRecords = append(discussionRecords, DiscussionToRecord(d))
	}
	if err := s.primary.IndexMotions(motionRecords...); err != nil {
		return err
	}
	if err := s.primary.IndexDiscussions(discussionRecords...); err != nil {
		return err
	}
	s.logger.Info("search: reindexed", "motions", len(motionRecords), "discussions", len(discussionRecords))
	return nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
