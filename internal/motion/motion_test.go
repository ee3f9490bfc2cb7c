package motion

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []Motion{
		{Status: "active"},
		{Status: "voting"},
		{Status: "VOTING", Stage: StageVoting},
		{Status: "paused", Stage: StageVoting},
		{Status: "bogus", Votes: Votes{Yes: -1}},
		{Status: "closed", ParentMotionID: "mot_parent"},
		{Meta: Meta{Submotion: &SubmotionLink{ParentMotionID: "mot_parent", Kind: KindAmend}}},
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "input %+v", in)
	}
}

func TestNormalizeLegacyStatuses(t *testing.T) {
	active := Normalize(Motion{Status: "active"})
	assert.Equal(t, StatusInProgress, active.Status)
	assert.Equal(t, StateInProgress, active.State())

	voting := Normalize(Motion{Status: "voting"})
	assert.Equal(t, StatusInProgress, voting.Status)
	assert.Equal(t, StateVoting, voting.State())

	paused := Normalize(Motion{Status: "paused", Stage: StageVoting})
	assert.Equal(t, StageNone, paused.Stage)
}

func TestNormalizeSubmotionType(t *testing.T) {
	m := Normalize(Motion{Meta: Meta{Submotion: &SubmotionLink{ParentMotionID: "mot_a"}}})
	assert.Equal(t, TypeSubmotion, m.Type)
	assert.Equal(t, "mot_a", m.ParentMotionID)

	main := Normalize(Motion{})
	assert.Equal(t, TypeMain, main.Type)
}

func TestStateDisplaysDecisionLabel(t *testing.T) {
	m := Motion{Status: StatusClosed, Decision: &Decision{Outcome: "Adopted"}}
	assert.Equal(t, StatePassed, m.State())
	m.Decision.Outcome = "Rejected"
	assert.Equal(t, StateFailed, m.State())
	m.Decision.Outcome = "Withdrawn"
	assert.Equal(t, StateClosed, m.State())
}

func TestTransition(t *testing.T) {
	m := Motion{Status: StatusInProgress}
	require.NoError(t, m.Transition(StateVoting, now, "alice"))
	assert.Equal(t, StatusInProgress, m.Status)
	assert.Equal(t, StageVoting, m.Stage)

	require.NoError(t, m.Transition(StatePaused, now, "alice"))
	assert.Equal(t, StageNone, m.Stage)

	require.NoError(t, m.Transition(StatePostponed, now, "alice"))
	require.NotNil(t, m.Meta.PostponeInfo)
	assert.Equal(t, StatePaused, m.Meta.PostponeInfo.PrevState)

	err := m.Transition(StateVoting, now, "alice")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, m.Transition(StateInProgress, now, "alice"))
	assert.Nil(t, m.Meta.PostponeInfo)

	require.NoError(t, m.Transition(StateInProgress, now, "alice"))
}

func TestTransitionFromTerminalOnlyRelabels(t *testing.T) {
	m := Motion{Status: StatusPassed}
	assert.ErrorIs(t, m.Transition(StateInProgress, now, "alice"), ErrInvalidTransition)
	require.NoError(t, m.Transition(StateFailed, now, "alice"))
	assert.Equal(t, StatusFailed, m.Status)
}

func TestParseState(t *testing.T) {
	s, err := ParseState("active")
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, s)

	s, err = ParseState(" Voting ")
	require.NoError(t, err)
	assert.Equal(t, StateVoting, s)

	_, err = ParseState("tabled")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCastVoteWithVoterIDCountsOnce(t *testing.T) {
	m := Motion{Status: StatusInProgress}
	assert.True(t, m.CastVote(ChoiceYes, "bob"))
	assert.False(t, m.CastVote(ChoiceNo, "bob"))
	assert.True(t, m.HasVoted("bob"))
	assert.Equal(t, Votes{Yes: 1}, m.Votes)
	assert.Equal(t, ChoiceYes, m.Meta.VoterChoices["bob"])
}

func TestCastVoteWithoutVoterIDAlwaysCounts(t *testing.T) {
	m := Motion{}
	m.CastVote(ChoiceNo, "")
	m.CastVote(ChoiceNo, " ")
	assert.Equal(t, Votes{No: 2}, m.Votes)
	assert.Empty(t, m.Meta.VoterChoices)
}

func TestRecordDecisionLockedToSupermajority(t *testing.T) {
	m := Motion{Status: StatusInProgress, Stage: StageVoting, Votes: Votes{Yes: 4, No: 1}}
	d := m.RecordDecision(DecisionInput{Outcome: "Failed", Pros: []string{" cheap ", ""}}, now, "alice")
	assert.Equal(t, "Passed", d.Outcome)
	assert.Equal(t, []string{"cheap"}, d.Pros)
	assert.Equal(t, StatusPassed, m.Status)
	assert.Equal(t, StageNone, m.Stage)
}

func TestRecordDecisionNeutralOutcomeCloses(t *testing.T) {
	m := Motion{Status: StatusInProgress, Votes: Votes{Yes: 3, No: 2}}
	m.RecordDecision(DecisionInput{Outcome: "Withdrawn"}, now, "alice")
	assert.Equal(t, StatusClosed, m.Status)
	assert.Equal(t, StateClosed, m.State())
}

func TestRecordDecisionKeepsPostponedAndReferred(t *testing.T) {
	for _, status := range []Status{StatusPostponed, StatusReferred} {
		m := Motion{Status: status, Votes: Votes{Yes: 5}}
		m.RecordDecision(DecisionInput{Outcome: "Passed"}, now, "alice")
		assert.Equal(t, status, m.Status)
		require.NotNil(t, m.Decision)
	}
}

func TestPostponeAndLift(t *testing.T) {
	m := Motion{Status: StatusInProgress, Stage: StageVoting}
	resume := now.Add(time.Hour)
	m.Postpone(PostponeInfo{Type: PostponeDateTime, ResumeAt: &resume, PostponedAt: now})
	assert.Equal(t, StatePostponed, m.State())
	assert.Equal(t, StateVoting, m.Meta.PostponeInfo.PrevState)
	assert.False(t, m.Meta.PostponeInfo.Due(now))
	assert.True(t, m.Meta.PostponeInfo.Due(resume))

	// a second postponement keeps the original return state
	m.Postpone(PostponeInfo{Type: PostponeMeeting, TargetMeetingSeq: 3})
	assert.Equal(t, StateVoting, m.Meta.PostponeInfo.PrevState)

	assert.True(t, m.Lift())
	assert.Equal(t, StateVoting, m.State())
	assert.Nil(t, m.Meta.PostponeInfo)
	assert.False(t, m.Lift())
}

func TestLiftWithoutInfoResumes(t *testing.T) {
	m := Motion{Status: StatusPostponed}
	assert.True(t, m.Lift())
	assert.Equal(t, StateInProgress, m.State())
}

func TestPostponeRequestResolve(t *testing.T) {
	info := PostponeRequest{}.Resolve(now, 4)
	assert.Equal(t, PostponeDateTime, info.Type)
	require.NotNil(t, info.ResumeAt)
	assert.Equal(t, now.Add(DefaultPostponement), *info.ResumeAt)

	info = PostponeRequest{Type: PostponeMeeting}.Resolve(now, 4)
	assert.Equal(t, PostponeMeeting, info.Type)
	assert.Equal(t, 4, info.TargetMeetingSeq)

	info = PostponeRequest{TargetMeetingSeq: 9}.Resolve(now, 4)
	assert.Equal(t, PostponeMeeting, info.Type)
	assert.Equal(t, 9, info.TargetMeetingSeq)

	at := now.Add(48 * time.Hour)
	info = PostponeRequest{At: &at}.Resolve(now, 4)
	assert.Equal(t, at, *info.ResumeAt)
}

func TestReferralCopySanitizes(t *testing.T) {
	src := Motion{
		ID:          "mot_src",
		CommitteeID: "cmt_board",
		Title:       "Buy chairs",
		Status:      StatusInProgress,
		Votes:       Votes{Yes: 2},
		Meta: Meta{
			VoterChoices: map[string]Choice{"bob": ChoiceYes},
			PostponeInfo: &PostponeInfo{Type: PostponeMeeting},
			SpecialVote:  &SpecialVote{Kind: "roll-call"},
		},
	}
	info := ReferralInfo{DestinationCommitteeID: "cmt_budget", DestinationMotionID: "mot_dst", ReferredAt: now}
	dst := src.ReferralCopy(info, "Board")

	assert.Equal(t, "mot_dst", dst.ID)
	assert.Equal(t, "cmt_budget", dst.CommitteeID)
	assert.Equal(t, StatusReferred, dst.Status)
	assert.Equal(t, Votes{}, dst.Votes)
	assert.Nil(t, dst.Meta.VoterChoices)
	assert.Nil(t, dst.Meta.PostponeInfo)
	assert.Nil(t, dst.Meta.Submotion)
	require.NotNil(t, dst.Meta.ReferredFrom)
	assert.Equal(t, "mot_src", dst.Meta.ReferredFrom.OriginalMotionID)
	assert.Equal(t, "Board", dst.Meta.ReferredFrom.CommitteeName)
}

func TestCloseAsReferred(t *testing.T) {
	m := Motion{Status: StatusPaused}
	m.CloseAsReferred(ReferralInfo{DestinationCommitteeID: "cmt_budget", DestinationCommitteeName: "Budget"}, now, "alice")
	assert.Equal(t, StatusClosed, m.Status)
	require.NotNil(t, m.Decision)
	assert.Equal(t, "Referred", m.Decision.Outcome)
	assert.Equal(t, "Referred to Budget", m.Decision.Note)
	assert.Equal(t, StateClosed, m.State())
}

func TestMetaInputAliases(t *testing.T) {
	var in MetaInput
	require.NoError(t, json.Unmarshal([]byte(`{"postponeOption":{"type":"meeting"},"referDetails":{"committeeId":"cmt_b"},"kind":"sub","subType":"refer","submotionOf":"mot_p"}`), &in))
	require.NotNil(t, in.Postpone())
	assert.Equal(t, PostponeMeeting, in.Postpone().Type)
	require.NotNil(t, in.Refer())
	assert.Equal(t, "cmt_b", in.Refer().Destination())
	assert.Equal(t, KindRefer, in.SubmotionKind())
	assert.Equal(t, "mot_p", in.Parent())
	assert.True(t, in.Privileged())

	assert.Equal(t, KindAmend, MetaInput{Kind: "amendment"}.SubmotionKind())
	assert.Equal(t, KindProcedural, MetaInput{Kind: "sub"}.SubmotionKind())
	assert.False(t, MetaInput{}.Privileged())
}
