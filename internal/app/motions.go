package app

import (
	"context"
	"errors"
	"strings"

	"quorum/api/internal/auth"
	"quorum/api/internal/motion"
	"quorum/api/internal/rbac"
	"quorum/api/internal/realtime"
	"quorum/api/internal/store"
	"quorum/api/internal/util"
)

type CreateMotionInput struct {
	Title          string            `json:"title"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	CommitteeID    string            `json:"committeeId"`
	Type           string            `json:"type"`
	ParentMotionID string            `json:"parentMotionId"`
	Meta           *motion.MetaInput `json:"meta"`
	CreatedByName  string            `json:"createdByName"`
}

// UpdateMotionInput is a PATCH body. Any combination of fields may be present.
type UpdateMotionInput struct {
	ID       string                `json:"id"`
	Status   string                `json:"status"`
	Vote     string                `json:"vote"`
	VoterID  string                `json:"voterId"`
	Decision *motion.DecisionInput `json:"decisionDetails"`
	Meta     *motion.MetaInput     `json:"meta"`
	Version  *int                  `json:"version"`
}

type DeleteResult struct {
	DeletedMotions     int `json:"deletedMotions"`
	DeletedDiscussions int `json:"deletedDiscussions"`
	DeletedMeetings    int `json:"deletedMeetings,omitempty"`
}

// updatePlan records what applyUpdate changed so metrics and side effects run once,
// after the write lands.
type updatePlan struct {
	dirty       bool
	transition  bool
	from, to    motion.State
	voted       bool
	voteCounted bool
	decided     bool
	propagate   bool
	referral    bool
}

func (s *Service) ListMotions(ctx context.Context, committeeID string) ([]motion.Motion, error) {
	items, err := s.store.ListMotions(ctx, strings.TrimSpace(committeeID))
	if err != nil {
		return nil, s.storeErr(err, "Motions")
	}
	out := make([]motion.Motion, 0, len(items))
	for _, m := range items {
		out = append(out, motion.Normalize(m))
	}
	return out, nil
}

func (s *Service) GetMotion(ctx context.Context, id string) (motion.Motion, error) {
	m, err := s.store.GetMotion(ctx, strings.TrimSpace(id))
	if err != nil {
		return motion.Motion{}, s.storeErr(err, "Motion")
	}
	return motion.Normalize(m), nil
}

func (s *Service) CreateMotion(ctx context.Context, caller auth.Identity, in CreateMotionInput) (motion.Motion, error) {
	title := firstNonBlank(in.Title, in.Name)
	committeeID := strings.TrimSpace(in.CommitteeID)
	if title == "" || committeeID == "" {
		return motion.Motion{}, validationError("title and committeeId are required", map[string]any{
			"title":       title != "",
			"committeeId": committeeID != "",
		})
	}
	meta := motion.MetaInput{}
	if in.Meta != nil {
		meta = *in.Meta
	}
	parentID := firstNonBlank(in.ParentMotionID, meta.Parent())
	isSubmotion := parentID != "" || strings.EqualFold(strings.TrimSpace(in.Type), string(motion.TypeSubmotion))
	if isSubmotion && parentID == "" {
		return motion.Motion{}, validationError("parentMotionId is required for a submotion", nil)
	}

	_, role, err := s.ensureMember(ctx, committeeID, caller)
	if err != nil {
		return motion.Motion{}, err
	}

	now := s.clock()
	by := caller.Username
	m := motion.Motion{
		ID:            util.NewID("mot"),
		CommitteeID:   committeeID,
		Type:          motion.TypeMain,
		Title:         title,
		Description:   strings.TrimSpace(in.Description),
		Status:        motion.StatusInProgress,
		CreatedBy:     by,
		CreatedByName: firstNonBlank(in.CreatedByName, displayName(caller)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if isSubmotion {
		parent, err := s.store.GetMotion(ctx, parentID)
		if err != nil {
			return motion.Motion{}, s.storeErr(err, "Parent motion")
		}
		if parent.CommitteeID != committeeID {
			return motion.Motion{}, validationError("parent motion belongs to another committee", nil)
		}
		link := &motion.SubmotionLink{
			ParentMotionID:  parentID,
			Kind:            meta.SubmotionKind(),
			ParentPrevState: motion.Normalize(parent).State(),
			Postpone:        meta.Postpone(),
			Amendment:       meta.Amendment,
		}
		if refer := meta.Refer(); refer != nil {
			if _, err := s.destinationCommittee(ctx, committeeID, *refer); err != nil {
				return motion.Motion{}, err
			}
			link.Refer = refer
		}
		m.Type = motion.TypeSubmotion
		m.ParentMotionID = parentID
		m.Meta.Submotion = link
	}

	if err := s.applyPlainMeta(ctx, &m, meta); err != nil {
		return motion.Motion{}, err
	}

	var referral bool
	if !isSubmotion && meta.Privileged() {
		if !rbac.Presides(role) {
			return motion.Motion{}, forbidden("Only the chair or owner may postpone or refer a motion")
		}
		if referral, err = s.applyPrivilegedMeta(ctx, &m, meta, by); err != nil {
			return motion.Motion{}, err
		}
	}

	saved, err := s.store.InsertMotion(ctx, motion.Normalize(m))
	if err != nil {
		return motion.Motion{}, s.storeErr(err, "Motion")
	}
	if isSubmotion {
		s.pauseParent(ctx, parentID, by)
	}
	if referral {
		if delivered, err := s.deliverReferral(ctx, saved); err == nil {
			saved = delivered
		}
	}
	s.motionChanged(saved, realtime.EventMotionCreated)
	return saved, nil
}

// UpdateMotion applies a PATCH as a compare-and-swap read-modify-write.
func (s *Service) UpdateMotion(ctx context.Context, caller auth.Identity, in UpdateMotionInput) (motion.Motion, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return motion.Motion{}, validationError("id is required", nil)
	}
	var target motion.State
	if strings.TrimSpace(in.Status) != "" {
		state, err := motion.ParseState(in.Status)
		if err != nil {
			return motion.Motion{}, validationError(err.Error(), map[string]any{"status": in.Status})
		}
		target = state
	}
	var choice motion.Choice
	if strings.TrimSpace(in.Vote) != "" {
		parsed, err := motion.ParseChoice(in.Vote)
		if err != nil {
			return motion.Motion{}, validationError("vote must be yes, no or abstain", map[string]any{"vote": in.Vote})
		}
		choice = parsed
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := s.store.GetMotion(ctx, id)
		if err != nil {
			return motion.Motion{}, s.storeErr(err, "Motion")
		}
		current = motion.Normalize(current)
		if in.Version != nil && *in.Version != current.Version {
			return motion.Motion{}, conflict("CONFLICT", "Motion has been modified", map[string]any{"currentVersion": current.Version})
		}
		committee, err := s.store.GetCommittee(ctx, current.CommitteeID)
		if err != nil {
			return motion.Motion{}, s.storeErr(err, "Committee")
		}
		role := RoleOf(committee, caller.Username)

		next := current
		plan, err := s.applyUpdate(ctx, &next, role, caller, in, target, choice)
		if err != nil {
			return motion.Motion{}, err
		}
		if !plan.dirty {
			if plan.voted {
				s.metrics.Vote(string(choice), false)
			}
			return current, nil
		}
		next.UpdatedAt = s.clock()
		saved, err := s.store.UpdateMotion(ctx, next)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return motion.Motion{}, s.storeErr(err, "Motion")
		}
		if plan.voted {
			s.metrics.Vote(string(choice), plan.voteCounted)
		}
		return s.afterUpdate(ctx, caller, saved, plan), nil
	}
	return motion.Motion{}, conflict("CONFLICT", "Motion is being modified concurrently, retry", nil)
}

func (s *Service) applyUpdate(ctx context.Context, next *motion.Motion, role rbac.Role, caller auth.Identity, in UpdateMotionInput, target motion.State, choice motion.Choice) (updatePlan, error) {
	var plan updatePlan
	now := s.clock()
	by := caller.Username

	if target != "" {
		if !rbac.Presides(role) {
			return plan, forbidden("Only the chair or owner may change a motion's status")
		}
		from := next.State()
		if err := next.Transition(target, now, by); err != nil {
			return plan, conflict("INVALID_TRANSITION", err.Error(), map[string]any{"from": from, "to": target})
		}
		if from != target {
			plan.dirty, plan.transition, plan.from, plan.to = true, true, from, target
		}
	}

	if choice != "" {
		if !rbac.Can(role, rbac.ActionVote) {
			return plan, forbidden("Only committee members may vote")
		}
		plan.voted = true
		plan.voteCounted = next.CastVote(choice, in.VoterID)
		plan.dirty = plan.dirty || plan.voteCounted
	}

	if in.Decision != nil {
		if !rbac.Presides(role) {
			return plan, forbidden("Only the chair or owner may record a decision")
		}
		prior := next.Decision
		decision := next.RecordDecision(*in.Decision, now, by)
		plan.dirty, plan.decided = true, true
		// Re-recording an outcome of the same class must not re-apply it to the parent.
		plan.propagate = prior == nil || motion.Classify(prior.Outcome) != motion.Classify(decision.Outcome)
	}

	if in.Meta != nil {
		meta := *in.Meta
		if meta.Privileged() && !rbac.Presides(role) {
			return plan, forbidden("Only the chair or owner may postpone or refer a motion")
		}
		if touchesPlainMeta(meta) && !rbac.Can(role, rbac.ActionPropose) {
			return plan, forbidden("Only committee members may annotate a motion")
		}
		if err := s.applyPlainMeta(ctx, next, meta); err != nil {
			return plan, err
		}
		referral, err := s.applyPrivilegedMeta(ctx, next, meta, by)
		if err != nil {
			return plan, err
		}
		plan.referral = referral
		plan.dirty = plan.dirty || touchesPlainMeta(meta) || meta.Privileged()
	}
	return plan, nil
}

func touchesPlainMeta(meta motion.MetaInput) bool {
	return strings.TrimSpace(meta.OverturnOf) != "" || meta.SpecialVote != nil || meta.CarryOver != nil
}

func (s *Service) applyPlainMeta(ctx context.Context, m *motion.Motion, meta motion.MetaInput) error {
	if overturn := strings.TrimSpace(meta.OverturnOf); overturn != "" {
		if _, err := s.store.GetMotion(ctx, overturn); err != nil {
			return s.storeErr(err, "Motion to overturn")
		}
		m.Meta.OverturnOf = overturn
	}
	if meta.SpecialVote != nil {
		m.Meta.SpecialVote = meta.SpecialVote
	}
	if meta.CarryOver != nil {
		m.Meta.CarryOver = *meta.CarryOver
	}
	return nil
}

// applyPrivilegedMeta forces postponed or referred status from a meta write. It
// reports whether a referral delivery must follow the write.
func (s *Service) applyPrivilegedMeta(ctx context.Context, m *motion.Motion, meta motion.MetaInput, by string) (bool, error) {
	now := s.clock()
	if postpone := meta.Postpone(); postpone != nil {
		info := postpone.Resolve(now, s.nextMeetingSeq(ctx, m.CommitteeID))
		info.PostponedBy = by
		m.Postpone(info)
	}
	refer := meta.Refer()
	if refer == nil {
		return false, nil
	}
	info, err := s.prepareReferral(ctx, *m, *refer, by)
	if err != nil {
		return false, err
	}
	m.MarkReferred(info)
	return true, nil
}

// afterUpdate runs the side effects of a landed PATCH: parent propagation, referral
// delivery and change notification. Failures are logged and never fail the request.
func (s *Service) afterUpdate(ctx context.Context, caller auth.Identity, saved motion.Motion, plan updatePlan) motion.Motion {
	if plan.transition {
		s.metrics.Transition(string(plan.from), string(plan.to))
	}
	if plan.decided {
		s.metrics.Decision(string(saved.Status))
	}
	if plan.referral {
		if delivered, err := s.deliverReferral(ctx, saved); err == nil {
			saved = delivered
		}
	}
	s.motionChanged(saved, realtime.EventMotionUpdated)
	if plan.propagate && saved.Meta.Submotion != nil {
		s.propagate(ctx, caller, saved)
	}
	return saved
}

func (s *Service) motionChanged(m motion.Motion, eventType string) {
	s.search.IndexMotion(m)
	s.publish(eventType, m.CommitteeID, m.ID)
}

// mutateMotion is the internal compare-and-swap loop used by side effects. fn reports
// whether it changed the motion; unchanged motions are not written.
func (s *Service) mutateMotion(ctx context.Context, id string, fn func(*motion.Motion) (bool, error)) (motion.Motion, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := s.store.GetMotion(ctx, id)
		if err != nil {
			return motion.Motion{}, err
		}
		next := motion.Normalize(current)
		changed, err := fn(&next)
		if err != nil || !changed {
			return next, err
		}
		next.UpdatedAt = s.clock()
		saved, err := s.store.UpdateMotion(ctx, next)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return motion.Motion{}, err
		}
		s.motionChanged(saved, realtime.EventMotionUpdated)
		return saved, nil
	}
	return motion.Motion{}, store.ErrConflict
}

// pauseParent suspends a parent that is under consideration while a submotion on it
// is open.
func (s *Service) pauseParent(ctx context.Context, parentID, by string) {
	_, err := s.mutateMotion(ctx, parentID, func(p *motion.Motion) (bool, error) {
		switch p.State() {
		case motion.StateInProgress, motion.StateVoting:
			return true, p.Transition(motion.StatePaused, s.clock(), by)
		default:
			return false, nil
		}
	})
	if err != nil {
		s.logger.Error("pause parent motion failed", "motionId", parentID, "error", err)
	}
}

// nextMeetingSeq is the sequence number the committee's next meeting will get.
func (s *Service) nextMeetingSeq(ctx context.Context, committeeID string) int {
	meetings, err := s.store.ListMeetings(ctx, committeeID)
	if err != nil {
		s.logger.Warn("list meetings failed, assuming first meeting", "committeeId", committeeID, "error", err)
		return 1
	}
	if len(meetings) == 0 {
		return 1
	}
	return meetings[len(meetings)-1].Seq + 1
}

// ensureMember loads the committee and provisions the caller as a member when the
// caller is not on the roster yet.
func (s *Service) ensureMember(ctx context.Context, committeeID string, caller auth.Identity) (store.Committee, rbac.Role, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		committee, err := s.store.GetCommittee(ctx, committeeID)
		if err != nil {
			return store.Committee{}, "", s.storeErr(err, "Committee")
		}
		if role := RoleOf(committee, caller.Username); role != "" || strings.TrimSpace(caller.Username) == "" {
			return committee, role, nil
		}
		committee.Members = NormalizeMembers(append(committee.Members, store.Member{
			Username:  caller.Username,
			Name:      displayName(caller),
			Role:      string(rbac.RoleMember),
			AvatarURL: caller.AvatarURL,
			Email:     caller.Email,
			ProfileID: caller.Subject,
		}), committee.OwnerID)
		committee.UpdatedAt = s.clock()
		updated, err := s.store.UpdateCommittee(ctx, committee)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return store.Committee{}, "", s.storeErr(err, "Committee")
		}
		s.logger.Info("provisioned committee member", "committeeId", committeeID, "username", caller.Username)
		s.publish(realtime.EventCommitteeUpdated, committeeID, committeeID)
		return updated, RoleOf(updated, caller.Username), nil
	}
	return store.Committee{}, "", conflict("CONFLICT", "Committee is being modified concurrently, retry", nil)
}

// DeleteMotions deletes one motion (with its submotions), every motion of a
// committee, or, when bulk deletion is enabled, every motion. Discussions of the
// deleted motions are removed as a best-effort cascade.
func (s *Service) DeleteMotions(ctx context.Context, id, committeeID string) (DeleteResult, error) {
	id, committeeID = strings.TrimSpace(id), strings.TrimSpace(committeeID)
	var doomed []motion.Motion
	switch {
	case id != "":
		target, err := s.store.GetMotion(ctx, id)
		if err != nil {
			return DeleteResult{}, s.storeErr(err, "Motion")
		}
		siblings, err := s.store.ListMotions(ctx, target.CommitteeID)
		if err != nil {
			return DeleteResult{}, s.storeErr(err, "Motions")
		}
		doomed = append(doomed, target)
		for _, m := range siblings {
			if m.ParentMotionID == target.ID {
				doomed = append(doomed, m)
			}
		}
	case committeeID != "":
		items, err := s.store.ListMotions(ctx, committeeID)
		if err != nil {
			return DeleteResult{}, s.storeErr(err, "Motions")
		}
		doomed = items
	default:
		if !s.cfg.AllowBulkDelete {
			return DeleteResult{}, forbidden("Deleting every motion is disabled")
		}
		items, err := s.store.ListMotions(ctx, "")
		if err != nil {
			return DeleteResult{}, s.storeErr(err, "Motions")
		}
		doomed = items
	}
	result, err := s.deleteMotionSet(ctx, doomed, id == "" && committeeID == "")
	if err == nil && id != "" {
		s.releaseParent(ctx, motion.Normalize(doomed[0]))
	}
	return result, err
}

// releaseParent resumes the parent a withdrawn submotion had paused. A decided
// submotion already applied its effect.
func (s *Service) releaseParent(ctx context.Context, sub motion.Motion) {
	link := sub.Meta.Submotion
	if link == nil || sub.Decision != nil {
		return
	}
	effect := motion.Effect{
		Kind:      motion.EffectRestore,
		ParentID:  firstNonBlank(sub.ParentMotionID, link.ParentMotionID),
		PrevState: link.ParentPrevState,
	}
	if effect.ParentID == "" {
		return
	}
	_, err := s.mutateMotion(ctx, effect.ParentID, func(p *motion.Motion) (bool, error) {
		return effect.Apply(p, s.clock(), "", 0), nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("resume parent after submotion delete failed", "motionId", effect.ParentID, "error", err)
	}
}

func (s *Service) deleteMotionSet(ctx context.Context, doomed []motion.Motion, everything bool) (DeleteResult, error) {
	ids := make([]string, 0, len(doomed))
	committees := make(map[string]bool)
	for _, m := range doomed {
		ids = append(ids, m.ID)
		committees[m.CommitteeID] = true
	}

	discussions, err := s.store.ListDiscussions(ctx, "")
	if err != nil {
		s.logger.Warn("list discussions for cascade failed", "error", err)
	}
	owners := make(map[string]bool, len(ids))
	for _, motionID := range ids {
		owners[motionID] = true
	}
	var discussionIDs []string
	cascade := append([]string(nil), ids...)
	for _, d := range discussions {
		if everything && !owners[d.MotionID] {
			owners[d.MotionID] = true
			cascade = append(cascade, d.MotionID)
		}
		if owners[d.MotionID] {
			discussionIDs = append(discussionIDs, d.ID)
		}
	}

	var result DeleteResult
	if len(ids) > 0 {
		n, err := s.store.DeleteMotions(ctx, ids)
		if err != nil {
			return DeleteResult{}, s.storeErr(err, "Motions")
		}
		result.DeletedMotions = n
	}
	if len(cascade) > 0 {
		n, err := s.store.DeleteDiscussions(ctx, cascade)
		if err != nil {
			s.logger.Error("cascade delete discussions failed", "motions", len(cascade), "error", err)
		}
		result.DeletedDiscussions = n
	}

	s.search.Forget(ids, discussionIDs)
	for committeeID := range committees {
		s.publish(realtime.EventMotionDeleted, committeeID, "")
	}
	return result, nil
}
