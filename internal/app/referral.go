package app

import (
	"context"
	"errors"
	"strings"

	"quorum/api/internal/auth"
	"quorum/api/internal/motion"
	"quorum/api/internal/realtime"
	"quorum/api/internal/store"
	"quorum/api/internal/util"
)

// Referral delivery runs in three phases. The source motion is first written with a
// pending ReferralInfo whose DestinationMotionID is assigned up front. The destination
// copy is then inserted under that id, so a repeated insert reports ErrAlreadyExists
// instead of creating a second copy. Finally the source is marked delivered. A
// failure after the first phase leaves the referral pending for ReconcileReferrals.

func (s *Service) destinationCommittee(ctx context.Context, originID string, req motion.ReferralRequest) (store.Committee, error) {
	dest := req.Destination()
	if dest == "" {
		return store.Committee{}, validationError("destination committee is required", nil)
	}
	if dest == originID {
		return store.Committee{}, validationError("a motion cannot be referred to its own committee", nil)
	}
	committee, err := s.store.GetCommittee(ctx, dest)
	if err != nil {
		return store.Committee{}, s.storeErr(err, "Destination committee")
	}
	return committee, nil
}

// prepareReferral builds the pending ReferralInfo for source. Re-referring to the
// same destination keeps the destination motion id, which keeps delivery idempotent.
func (s *Service) prepareReferral(ctx context.Context, source motion.Motion, req motion.ReferralRequest, by string) (motion.ReferralInfo, error) {
	dest, err := s.destinationCommittee(ctx, source.CommitteeID, req)
	if err != nil {
		return motion.ReferralInfo{}, err
	}
	info := motion.ReferralInfo{
		DestinationCommitteeID:   dest.ID,
		DestinationCommitteeName: dest.Name,
		DestinationMotionID:      util.NewID("mot"),
		Note:                     strings.TrimSpace(req.Note),
		ReferredAt:               s.clock(),
		ReferredBy:               by,
		Delivery:                 motion.DeliveryPending,
	}
	if existing := source.Meta.ReferInfo; existing != nil && existing.DestinationCommitteeID == dest.ID && existing.DestinationMotionID != "" {
		info.DestinationMotionID = existing.DestinationMotionID
		info.ReferredAt = existing.ReferredAt
		info.Delivery = existing.Delivery
		info.Attempts = existing.Attempts
	}
	return info, nil
}

// deliverReferral inserts the destination copy of a pending referral and marks the
// source delivered. It returns the source as last written.
func (s *Service) deliverReferral(ctx context.Context, source motion.Motion) (motion.Motion, error) {
	info := source.Meta.ReferInfo
	if info == nil || info.Delivery == motion.DeliveryDelivered || info.DestinationMotionID == "" {
		return source, nil
	}

	originName := ""
	if origin, err := s.store.GetCommittee(ctx, source.CommitteeID); err == nil {
		originName = origin.Name
	}
	inserted, err := s.store.InsertMotion(ctx, motion.Normalize(source.ReferralCopy(*info, originName)))
	switch {
	case err == nil:
		s.metrics.Referral("delivered")
		s.motionChanged(inserted, realtime.EventMotionCreated)
	case errors.Is(err, store.ErrAlreadyExists):
		s.metrics.Referral("duplicate")
	default:
		s.metrics.Referral("failed")
		s.logger.Error("referral delivery failed",
			"motionId", source.ID,
			"destinationCommitteeId", info.DestinationCommitteeID,
			"destinationMotionId", info.DestinationMotionID,
			"error", err,
		)
		s.recordDeliveryFailure(ctx, source.ID, info.DestinationMotionID, err)
		return source, err
	}

	marked, err := s.mutateMotion(ctx, source.ID, func(m *motion.Motion) (bool, error) {
		ref := m.Meta.ReferInfo
		if ref == nil || ref.DestinationMotionID != info.DestinationMotionID || ref.Delivery == motion.DeliveryDelivered {
			return false, nil
		}
		ref.Delivery = motion.DeliveryDelivered
		ref.Attempts++
		ref.LastError = ""
		return true, nil
	})
	if err != nil {
		s.logger.Error("mark referral delivered failed", "motionId", source.ID, "error", err)
		return source, err
	}
	return marked, nil
}

func (s *Service) recordDeliveryFailure(ctx context.Context, sourceID, destinationMotionID string, cause error) {
	_, err := s.mutateMotion(ctx, sourceID, func(m *motion.Motion) (bool, error) {
		ref := m.Meta.ReferInfo
		if ref == nil || ref.DestinationMotionID != destinationMotionID || ref.Delivery == motion.DeliveryDelivered {
			return false, nil
		}
		ref.Attempts++
		ref.LastError = cause.Error()
		return true, nil
	})
	if err != nil {
		s.logger.Warn("record referral failure failed", "motionId", sourceID, "error", err)
	}
}

// ReconcileReferrals retries every pending referral delivery and reports how many
// were completed.
func (s *Service) ReconcileReferrals(ctx context.Context) (int, error) {
	candidates, err := s.store.ListMotionsByStatus(ctx, motion.StatusReferred, motion.StatusClosed)
	if err != nil {
		return 0, s.storeErr(err, "Motions")
	}
	delivered := 0
	for _, m := range candidates {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		ref := m.Meta.ReferInfo
		if ref == nil || ref.Delivery != motion.DeliveryPending {
			continue
		}
		if _, err := s.deliverReferral(ctx, motion.Normalize(m)); err == nil {
			delivered++
		}
	}
	if delivered > 0 {
		s.logger.Info("reconciled referrals", "delivered", delivered)
	}
	return delivered, nil
}

// propagate applies a decided submotion's effect to its parent. It is a best-effort
// cascade: failures are logged and the submotion's own write stands.
func (s *Service) propagate(ctx context.Context, caller auth.Identity, sub motion.Motion) {
	effect := motion.ParentEffect(sub)
	if effect.Kind == motion.EffectNone {
		return
	}
	now := s.clock()
	by := caller.Username
	logger := s.logger.With("submotionId", sub.ID, "parentId", effect.ParentID, "effect", effect.Kind.String())

	if effect.Kind == motion.EffectRefer {
		parent, err := s.store.GetMotion(ctx, effect.ParentID)
		if err != nil {
			logger.Error("load parent for referral failed", "error", err)
			return
		}
		info, err := s.prepareReferral(ctx, motion.Normalize(parent), effect.Refer, by)
		if err != nil {
			logger.Error("referral destination unavailable, restoring parent", "error", err)
			effect.Kind = motion.EffectRestore
		} else {
			closed, err := s.mutateMotion(ctx, effect.ParentID, func(p *motion.Motion) (bool, error) {
				p.CloseAsReferred(info, now, by)
				return true, nil
			})
			if err != nil {
				logger.Error("close parent as referred failed", "error", err)
				return
			}
			_, _ = s.deliverReferral(ctx, closed)
			return
		}
	}

	seq := 0
	if effect.Kind == motion.EffectPostpone {
		seq = s.nextMeetingSeq(ctx, sub.CommitteeID)
	}
	if _, err := s.mutateMotion(ctx, effect.ParentID, func(p *motion.Motion) (bool, error) {
		return effect.Apply(p, now, by, seq), nil
	}); err != nil {
		logger.Error("apply submotion effect failed", "error", err)
	}
}
