package motion

import "time"

type EffectKind int

const (
	EffectNone EffectKind = iota
	EffectPostpone
	EffectRefer
	EffectAmend
	EffectRestore
)

func (k EffectKind) String() string {
	switch k {
	case EffectPostpone:
		return "postpone"
	case EffectRefer:
		return "refer"
	case EffectAmend:
		return "amend"
	case EffectRestore:
		return "restore"
	default:
		return "none"
	}
}

// Effect is what a decided submotion does to its parent.
type Effect struct {
	Kind      EffectKind
	ParentID  string
	PrevState State
	Postpone  PostponeRequest
	Refer     ReferralRequest
	Amendment Amendment
}

// ParentEffect derives the parent effect of a submotion once a decision is recorded
// on it. Motions without a submotion link or a decision have no effect.
func ParentEffect(sub Motion) Effect {
	link := sub.Meta.Submotion
	if link == nil || sub.Decision == nil {
		return Effect{Kind: EffectNone}
	}
	effect := Effect{
		Kind:      EffectRestore,
		ParentID:  firstNonBlank(sub.ParentMotionID, link.ParentMotionID),
		PrevState: link.ParentPrevState,
	}
	if effect.ParentID == "" {
		return Effect{Kind: EffectNone}
	}
	if Classify(sub.Decision.Outcome) != ClassPass {
		return effect
	}

	switch link.Kind {
	case KindPostpone:
		effect.Kind = EffectPostpone
		if link.Postpone != nil {
			effect.Postpone = *link.Postpone
		}
	case KindRefer:
		if link.Refer == nil || link.Refer.Destination() == "" {
			return effect
		}
		effect.Kind = EffectRefer
		effect.Refer = *link.Refer
	case KindAmend:
		effect.Kind = EffectAmend
		if link.Amendment != nil {
			effect.Amendment = *link.Amendment
		}
	}
	return effect
}

// Apply performs the effect on the parent for every kind except EffectRefer, which
// needs the destination committee and is carried out by the caller. It reports
// whether the parent changed.
func (e Effect) Apply(parent *Motion, now time.Time, by string, nextMeetingSeq int) bool {
	switch e.Kind {
	case EffectPostpone:
		info := e.Postpone.Resolve(now, nextMeetingSeq)
		info.PrevState = e.PrevState
		info.PostponedBy = by
		parent.Postpone(info)
		return true
	case EffectAmend:
		parent.Amend(e.Amendment)
		if parent.State() == StatePaused {
			parent.Restore(e.PrevState)
		}
		return true
	case EffectRestore:
		if parent.State() != StatePaused {
			return false
		}
		parent.Restore(e.PrevState)
		return true
	default:
		return false
	}
}
