package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"quorum/api/internal/auth"
	"quorum/api/internal/motion"
	"quorum/api/internal/rbac"
	"quorum/api/internal/realtime"
	"quorum/api/internal/store"
	"quorum/api/internal/util"
)

type StartMeetingInput struct {
	CommitteeID string     `json:"committeeId"`
	Date        *time.Time `json:"date"`
}

type UpdateMeetingInput struct {
	ID       string `json:"id"`
	Active   *bool  `json:"active"`
	Recessed *bool  `json:"recessed"`
}

// CurrentMeeting returns the active meeting of a committee, else its most recent
// one, else nil.
func (s *Service) CurrentMeeting(ctx context.Context, committeeID string) (*store.Meeting, error) {
	committeeID = strings.TrimSpace(committeeID)
	if committeeID == "" {
		return nil, validationError("committeeId is required", nil)
	}
	meetings, err := s.store.ListMeetings(ctx, committeeID)
	if err != nil {
		return nil, s.storeErr(err, "Meetings")
	}
	if len(meetings) == 0 {
		return nil, nil
	}
	for i := len(meetings) - 1; i >= 0; i-- {
		if meetings[i].Active {
			return &meetings[i], nil
		}
	}
	return &meetings[len(meetings)-1], nil
}

func (s *Service) presidingRole(ctx context.Context, committeeID string, caller auth.Identity) error {
	committee, err := s.store.GetCommittee(ctx, committeeID)
	if err != nil {
		return s.storeErr(err, "Committee")
	}
	if !rbac.Presides(RoleOf(committee, caller.Username)) {
		return forbidden("Only the chair or owner may run meetings")
	}
	return nil
}

// StartMeeting opens the committee's next meeting, deactivates any other active
// meeting and brings back the business scheduled for it. It also reports how many
// motions returned to consideration.
func (s *Service) StartMeeting(ctx context.Context, caller auth.Identity, in StartMeetingInput) (store.Meeting, int, error) {
	committeeID := strings.TrimSpace(in.CommitteeID)
	if committeeID == "" {
		return store.Meeting{}, 0, validationError("committeeId is required", nil)
	}
	if err := s.presidingRole(ctx, committeeID, caller); err != nil {
		return store.Meeting{}, 0, err
	}

	var meeting store.Meeting
	var previous []store.Meeting
	for attempt := 0; ; attempt++ {
		if attempt == casAttempts {
			return store.Meeting{}, 0, conflict("CONFLICT", "Another meeting was started concurrently, retry", nil)
		}
		existing, err := s.store.ListMeetings(ctx, committeeID)
		if err != nil {
			return store.Meeting{}, 0, s.storeErr(err, "Meetings")
		}
		seq := 1
		if len(existing) > 0 {
			seq = existing[len(existing)-1].Seq + 1
		}
		meeting = store.Meeting{
			ID:          util.NewID("mtg"),
			CommitteeID: committeeID,
			Seq:         seq,
			Active:      true,
			Date:        in.Date,
			CreatedAt:   s.clock(),
			CreatedBy:   caller.Username,
		}
		err = s.store.InsertMeeting(ctx, meeting)
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return store.Meeting{}, 0, s.storeErr(err, "Meeting")
		}
		previous = existing
		break
	}

	s.deactivateOthers(ctx, previous, meeting.ID)
	lifted := s.liftForMeeting(ctx, committeeID, meeting.Seq)
	s.publish(realtime.EventMeetingUpdated, committeeID, meeting.ID)
	s.logger.Info("meeting started", "committeeId", committeeID, "seq", meeting.Seq, "lifted", lifted)
	return meeting, lifted, nil
}

func (s *Service) deactivateOthers(ctx context.Context, meetings []store.Meeting, keepID string) {
	for _, other := range meetings {
		if other.ID == keepID || !other.Active {
			continue
		}
		other.Active = false
		if err := s.store.UpdateMeeting(ctx, other); err != nil {
			s.logger.Warn("deactivate meeting failed", "meetingId", other.ID, "error", err)
		}
	}
}

func (s *Service) UpdateMeeting(ctx context.Context, caller auth.Identity, in UpdateMeetingInput) (store.Meeting, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return store.Meeting{}, validationError("id is required", nil)
	}
	meeting, err := s.store.GetMeeting(ctx, id)
	if err != nil {
		return store.Meeting{}, s.storeErr(err, "Meeting")
	}
	if err := s.presidingRole(ctx, meeting.CommitteeID, caller); err != nil {
		return store.Meeting{}, err
	}
	if in.Active != nil {
		meeting.Active = *in.Active
	}
	if in.Recessed != nil {
		meeting.Recessed = *in.Recessed
	}
	if err := s.store.UpdateMeeting(ctx, meeting); err != nil {
		return store.Meeting{}, s.storeErr(err, "Meeting")
	}
	if meeting.Active {
		if others, err := s.store.ListMeetings(ctx, meeting.CommitteeID); err == nil {
			s.deactivateOthers(ctx, others, meeting.ID)
		}
	}
	s.publish(realtime.EventMeetingUpdated, meeting.CommitteeID, meeting.ID)
	return meeting, nil
}

// liftForMeeting returns to consideration the motions postponed to a meeting with
// sequence at most seq, and the unfinished or carried-over business.
func (s *Service) liftForMeeting(ctx context.Context, committeeID string, seq int) int {
	motions, err := s.store.ListMotions(ctx, committeeID)
	if err != nil {
		s.logger.Error("list motions for meeting lift failed", "committeeId", committeeID, "error", err)
		return 0
	}
	lifted := 0
	for _, m := range motions {
		if !dueAtMeeting(motion.Normalize(m), seq) {
			continue
		}
		_, err := s.mutateMotion(ctx, m.ID, func(p *motion.Motion) (bool, error) {
			if !dueAtMeeting(*p, seq) {
				return false, nil
			}
			p.Lift()
			p.Meta.CarryOver = false
			p.Restore(motion.StateInProgress)
			return true, nil
		})
		if err != nil {
			s.logger.Warn("lift motion for meeting failed", "motionId", m.ID, "error", err)
			continue
		}
		lifted++
	}
	s.metrics.Lifted(lifted)
	return lifted
}

func dueAtMeeting(m motion.Motion, seq int) bool {
	switch state := m.State(); {
	case state == motion.StatePostponed:
		info := m.Meta.PostponeInfo
		return info != nil && info.Type == motion.PostponeMeeting && info.TargetMeetingSeq > 0 && info.TargetMeetingSeq <= seq
	case state == motion.StateUnfinished:
		return true
	case m.Meta.CarryOver:
		return state == motion.StatePaused || state == motion.StateInProgress
	default:
		return false
	}
}

// LiftDuePostponements restores postponed motions whose resume time has passed to
// the state they had before postponement.
func (s *Service) LiftDuePostponements(ctx context.Context, now time.Time) (int, error) {
	postponed, err := s.store.ListMotionsByStatus(ctx, motion.StatusPostponed)
	if err != nil {
		return 0, s.storeErr(err, "Motions")
	}
	lifted := 0
	for _, m := range postponed {
		if m.Meta.PostponeInfo == nil || !m.Meta.PostponeInfo.Due(now) {
			continue
		}
		_, err := s.mutateMotion(ctx, m.ID, func(p *motion.Motion) (bool, error) {
			if p.Meta.PostponeInfo == nil || !p.Meta.PostponeInfo.Due(now) {
				return false, nil
			}
			return p.Lift(), nil
		})
		if err != nil {
			s.logger.Warn("lift postponed motion failed", "motionId", m.ID, "error", err)
			continue
		}
		lifted++
	}
	s.metrics.Lifted(lifted)
	return lifted, nil
}

// RunMaintenance lifts due postponements and reconciles pending referrals on the
// configured intervals until ctx is done.
func (s *Service) RunMaintenance(ctx context.Context) {
	liftEvery := s.cfg.LiftInterval
	if liftEvery <= 0 {
		liftEvery = 30 * time.Second
	}
	reconcileEvery := s.cfg.ReconcileInterval
	if reconcileEvery <= 0 {
		reconcileEvery = time.Minute
	}
	lift := time.NewTicker(liftEvery)
	defer lift.Stop()
	reconcile := time.NewTicker(reconcileEvery)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lift.C:
			if _, err := s.LiftDuePostponements(ctx, s.clock()); err != nil {
				s.logger.Warn("postponement lift failed", "error", err)
			}
		case <-reconcile.C:
			if _, err := s.ReconcileReferrals(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("referral reconcile failed", "error", err)
			}
		}
	}
}
