// Package motion implements the motion lifecycle: status transitions, ballots,
// decision recording and the effects a decided submotion has on its parent. It holds
// no storage or transport concerns; callers load a Motion, mutate it through these
// methods and persist the result.
package motion

import (
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	TypeMain      Type = "main"
	TypeSubmotion Type = "submotion"
)

// Decision is recorded by a presiding officer when consideration ends.
type Decision struct {
	Outcome    string    `json:"outcome"`
	Summary    string    `json:"summary,omitempty"`
	Pros       []string  `json:"pros,omitempty"`
	Cons       []string  `json:"cons,omitempty"`
	Note       string    `json:"note,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
	RecordedBy string    `json:"recordedBy,omitempty"`
}

type DecisionInput struct {
	Outcome string   `json:"outcome"`
	Summary string   `json:"summary"`
	Pros    []string `json:"pros"`
	Cons    []string `json:"cons"`
	Note    string   `json:"note"`
}

type Motion struct {
	ID             string    `json:"id"`
	CommitteeID    string    `json:"committeeId"`
	Type           Type      `json:"type"`
	ParentMotionID string    `json:"parentMotionId,omitempty"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Status         Status    `json:"status"`
	Stage          Stage     `json:"stage,omitempty"`
	Votes          Votes     `json:"votes"`
	Meta           Meta      `json:"meta"`
	Decision       *Decision `json:"decisionDetails,omitempty"`
	CreatedBy      string    `json:"createdBy,omitempty"`
	CreatedByName  string    `json:"createdByName,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Version        int       `json:"version"`
}

// Normalize canonicalizes a motion read from storage or a client. It is idempotent.
// A legacy "voting" status becomes in-progress with the voting stage, so the state a
// client sees is unchanged.
func Normalize(m Motion) Motion {
	raw := strings.ToLower(strings.TrimSpace(string(m.Status)))
	m.Status = NormalizeStatus(raw)
	if raw == string(StageVoting) {
		m.Stage = StageVoting
	}
	if m.Status != StatusInProgress || m.Stage != StageVoting {
		m.Stage = StageNone
	}

	if m.Meta.Submotion != nil {
		if m.ParentMotionID == "" {
			m.ParentMotionID = m.Meta.Submotion.ParentMotionID
		}
		m.Meta.Submotion.ParentMotionID = m.ParentMotionID
	}
	switch {
	case m.ParentMotionID != "":
		m.Type = TypeSubmotion
	case m.Type != TypeSubmotion:
		m.Type = TypeMain
	}

	if m.Votes.Yes < 0 {
		m.Votes.Yes = 0
	}
	if m.Votes.No < 0 {
		m.Votes.No = 0
	}
	if m.Votes.Abstain < 0 {
		m.Votes.Abstain = 0
	}
	return m
}

// State folds status, stage and decision into the shared state vocabulary.
func (m Motion) State() State {
	status := NormalizeStatus(string(m.Status))
	if status == StatusInProgress && m.Stage == StageVoting {
		return StateVoting
	}
	if status == StatusClosed && m.Decision != nil {
		switch Classify(m.Decision.Outcome) {
		case ClassPass:
			return StatePassed
		case ClassFail:
			return StateFailed
		}
	}
	return State(status)
}

func (m *Motion) setState(state State) {
	m.Status, m.Stage = state.Persisted()
}

// Transition performs an explicit status change requested by a presiding officer.
func (m *Motion) Transition(to State, now time.Time, by string) error {
	from := m.State()
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	switch {
	case to == StatePostponed:
		m.Meta.PostponeInfo = &PostponeInfo{PrevState: from, PostponedAt: now, PostponedBy: by}
	case from == StatePostponed:
		m.Meta.PostponeInfo = nil
	}
	m.setState(to)
	return nil
}

// CastVote records a ballot. With a voter id the ballot counts at most once and the
// return value reports whether it did. Without one the counter always moves.
func (m *Motion) CastVote(choice Choice, voterID string) bool {
	voterID = strings.TrimSpace(voterID)
	if voterID == "" {
		m.Votes.Add(choice)
		return true
	}
	if _, seen := m.Meta.VoterChoices[voterID]; seen {
		return false
	}
	if m.Meta.VoterChoices == nil {
		m.Meta.VoterChoices = make(map[string]Choice)
	}
	m.Meta.VoterChoices[voterID] = choice
	m.Votes.Add(choice)
	return true
}

// HasVoted reports whether voterID already has a recorded ballot.
func (m Motion) HasVoted(voterID string) bool {
	_, ok := m.Meta.VoterChoices[strings.TrimSpace(voterID)]
	return ok
}

// RecordDecision stores the decision and derives the resulting status. The outcome is
// locked to the vote whenever one side holds two-thirds. A postponed or referred
// motion keeps its status.
func (m *Motion) RecordDecision(in DecisionInput, now time.Time, by string) Decision {
	decision := Decision{
		Outcome:    SupermajorityOutcome(m.Votes, strings.TrimSpace(in.Outcome)),
		Summary:    strings.TrimSpace(in.Summary),
		Pros:       trimAll(in.Pros),
		Cons:       trimAll(in.Cons),
		Note:       strings.TrimSpace(in.Note),
		RecordedAt: now,
		RecordedBy: by,
	}
	m.Decision = &decision
	switch NormalizeStatus(string(m.Status)) {
	case StatusPostponed, StatusReferred:
		m.Stage = StageNone
	default:
		m.Status = StatusForOutcome(decision.Outcome)
		m.Stage = StageNone
	}
	return decision
}

// Postpone forces the motion into postponed. The state to return to is taken from
// info.PrevState when set, else from the current state; postponing an already
// postponed motion keeps the original return state.
func (m *Motion) Postpone(info PostponeInfo) {
	current := m.State()
	if info.PrevState == "" {
		info.PrevState = current
		if current == StatePostponed && m.Meta.PostponeInfo != nil {
			info.PrevState = m.Meta.PostponeInfo.PrevState
		}
	}
	m.Meta.PostponeInfo = &info
	m.setState(StatePostponed)
}

// Lift ends a postponement and returns the motion to the state it had before. It
// reports false when the motion was not postponed.
func (m *Motion) Lift() bool {
	if m.State() != StatePostponed {
		return false
	}
	prev := StateInProgress
	if m.Meta.PostponeInfo != nil {
		prev = resumable(m.Meta.PostponeInfo.PrevState)
	}
	m.Meta.PostponeInfo = nil
	m.setState(prev)
	return true
}

// MarkReferred forces the referred status and attaches delivery tracking.
func (m *Motion) MarkReferred(info ReferralInfo) {
	m.Meta.ReferInfo = &info
	m.setState(StateReferred)
}

// CloseAsReferred ends consideration of a parent whose refer submotion passed.
func (m *Motion) CloseAsReferred(info ReferralInfo, now time.Time, by string) {
	m.Meta.ReferInfo = &info
	m.Decision = &Decision{
		Outcome:    "Referred",
		Note:       "Referred to " + firstNonBlank(info.DestinationCommitteeName, info.DestinationCommitteeID),
		RecordedAt: now,
		RecordedBy: by,
	}
	m.setState(StateClosed)
}

// Restore returns a motion to a previously captured state.
func (m *Motion) Restore(prev State) {
	m.setState(resumable(prev))
}

// Amend applies an adopted amendment's text.
func (m *Motion) Amend(a Amendment) {
	if title := strings.TrimSpace(a.Title); title != "" {
		m.Title = title
	}
	if description := strings.TrimSpace(a.Description); description != "" {
		m.Description = description
	}
}

// ReferralCopy builds the motion delivered to the destination committee. Linkage that
// only makes sense in the origin committee is dropped.
func (m Motion) ReferralCopy(info ReferralInfo, originName string) Motion {
	return Motion{
		ID:          info.DestinationMotionID,
		CommitteeID: info.DestinationCommitteeID,
		Type:        TypeMain,
		Title:       m.Title,
		Description: m.Description,
		Status:      StatusReferred,
		Meta: Meta{
			ReferredFrom: &ReferredFrom{
				CommitteeID:      m.CommitteeID,
				CommitteeName:    originName,
				OriginalMotionID: m.ID,
				ReferredAt:       info.ReferredAt,
			},
			SpecialVote: m.Meta.SpecialVote,
		},
		CreatedBy:     m.CreatedBy,
		CreatedByName: m.CreatedByName,
		CreatedAt:     info.ReferredAt,
		UpdatedAt:     info.ReferredAt,
	}
}

func resumable(prev State) State {
	switch prev {
	case StateInProgress, StateVoting, StatePaused, StateUnfinished:
		return prev
	default:
		return StateInProgress
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
