package app

import (
	"net/http"
	"testing"

	"quorum/api/internal/config"
	"quorum/api/internal/motion"
)

func TestMotionVotingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()

	created := env.createMotion("alice", map[string]any{"name": "Adopt the budget", "committeeId": "board", "description": "FY27"})
	if created.Title != "Adopt the budget" || created.Name != created.Title {
		t.Fatalf("expected name alias to fill title, got title=%q name=%q", created.Title, created.Name)
	}
	if created.State != motion.StateInProgress || created.CreatedBy != "alice" || created.Version != 1 {
		t.Fatalf("unexpected created motion: %+v", created)
	}

	voting := env.mustPatchMotion("alice", map[string]any{"id": created.ID, "status": "voting"})
	if voting.State != motion.StateVoting || voting.Status != motion.StatusInProgress {
		t.Fatalf("expected voting stage on in-progress status, got state=%s status=%s", voting.State, voting.Status)
	}

	first := env.mustPatchMotion("bob", map[string]any{"id": created.ID, "vote": "yes", "voterId": "bob"})
	if first.Votes.Yes != 1 {
		t.Fatalf("expected one yes vote, got %+v", first.Votes)
	}
	repeat := env.mustPatchMotion("bob", map[string]any{"id": created.ID, "vote": "no", "voterId": "bob"})
	if repeat.Votes.Yes != 1 || repeat.Votes.No != 0 || repeat.Version != first.Version {
		t.Fatalf("expected repeat ballot to be ignored, got votes=%+v version=%d", repeat.Votes, repeat.Version)
	}
	if repeat.Meta.VoterChoices["bob"] != motion.ChoiceYes {
		t.Fatalf("expected bob's first choice to stand, got %v", repeat.Meta.VoterChoices)
	}

	expectError(t, env.patchMotion("olive", map[string]any{"id": created.ID, "vote": "yes", "voterId": "olive"}), http.StatusForbidden, "FORBIDDEN")
	expectError(t, env.patchMotion("stranger", map[string]any{"id": created.ID, "vote": "yes"}), http.StatusForbidden, "FORBIDDEN")

	// Ballots without a voter id are counted every time.
	env.mustPatchMotion("alice", map[string]any{"id": created.ID, "vote": "yes"})
	tallied := env.mustPatchMotion("alice", map[string]any{"id": created.ID, "vote": "yes"})
	if tallied.Votes.Yes != 3 {
		t.Fatalf("expected three yes votes, got %+v", tallied.Votes)
	}

	// A two-thirds majority overrides the label the chair supplies.
	decided := env.mustPatchMotion("alice", map[string]any{
		"id":              created.ID,
		"decisionDetails": map[string]any{"outcome": "Failed", "summary": "Carried", "pros": []string{" cheaper "}},
	})
	if decided.Decision == nil || decided.Decision.Outcome != "Passed" {
		t.Fatalf("expected supermajority outcome Passed, got %+v", decided.Decision)
	}
	if decided.State != motion.StatePassed || decided.Stage != motion.StageNone {
		t.Fatalf("expected passed with stage cleared, got state=%s stage=%q", decided.State, decided.Stage)
	}
	if len(decided.Decision.Pros) != 1 || decided.Decision.Pros[0] != "cheaper" {
		t.Fatalf("expected trimmed pros, got %v", decided.Decision.Pros)
	}

	expectError(t, env.patchMotion("bob", map[string]any{"id": created.ID, "decisionDetails": map[string]any{"outcome": "Passed"}}), http.StatusForbidden, "FORBIDDEN")
}

func TestUpdateMotionRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()
	m := env.createMotion("alice", map[string]any{"title": "Rename the park", "committeeId": "board"})

	tests := []struct {
		name     string
		username string
		body     map[string]any
		status   int
		code     string
	}{
		{name: "missing id", username: "alice", body: map[string]any{"status": "closed"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "unknown status", username: "alice", body: map[string]any{"id": m.ID, "status": "tabled"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "unknown vote", username: "bob", body: map[string]any{"id": m.ID, "vote": "maybe"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "member changes status", username: "bob", body: map[string]any{"id": m.ID, "status": "closed"}, status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "member postpones", username: "bob", body: map[string]any{"id": m.ID, "meta": map[string]any{"postponeInfo": map[string]any{"type": "meeting"}}}, status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "observer annotates", username: "olive", body: map[string]any{"id": m.ID, "meta": map[string]any{"carryOver": true}}, status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "stale version", username: "alice", body: map[string]any{"id": m.ID, "status": "paused", "version": 7}, status: http.StatusConflict, code: "CONFLICT"},
		{name: "unknown motion", username: "alice", body: map[string]any{"id": "mot_missing", "status": "paused"}, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "overturn unknown motion", username: "alice", body: map[string]any{"id": m.ID, "meta": map[string]any{"overturnOf": "mot_missing"}}, status: http.StatusNotFound, code: "NOT_FOUND"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectError(t, env.patchMotion(tc.username, tc.body), tc.status, tc.code)
		})
	}

	if got := env.getMotion(m.ID); got.Version != 1 || got.State != motion.StateInProgress {
		t.Fatalf("rejected updates must not write, got version=%d state=%s", got.Version, got.State)
	}

	env.mustPatchMotion("alice", map[string]any{"id": m.ID, "status": "closed", "version": 1})
	rr := env.patchMotion("alice", map[string]any{"id": m.ID, "status": "in-progress"})
	expectError(t, rr, http.StatusConflict, "INVALID_TRANSITION")
}

func TestLegacyActiveStatusIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()
	m := env.createMotion("alice", map[string]any{"title": "Legacy", "committeeId": "board"})
	env.mustPatchMotion("alice", map[string]any{"id": m.ID, "status": "paused"})

	resumed := env.mustPatchMotion("alice", map[string]any{"id": m.ID, "status": "active"})
	if resumed.State != motion.StateInProgress {
		t.Fatalf("expected active to resume in-progress, got %s", resumed.State)
	}
	same := env.mustPatchMotion("alice", map[string]any{"id": m.ID, "status": "in-progress"})
	if same.Version != resumed.Version {
		t.Fatalf("same-state status change should not write, version %d -> %d", resumed.Version, same.Version)
	}
}

func TestCreateMotionValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()
	parent := env.createMotion("alice", map[string]any{"title": "Parent", "committeeId": "board"})
	elsewhere := env.createMotion("alice", map[string]any{"title": "Budget item", "committeeId": "budget"})

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{name: "missing title", body: map[string]any{"committeeId": "board"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "missing committee", body: map[string]any{"title": "Orphan"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "unknown committee", body: map[string]any{"title": "Lost", "committeeId": "nope"}, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "submotion without parent", body: map[string]any{"title": "Sub", "committeeId": "board", "type": "submotion"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "unknown parent", body: map[string]any{"title": "Sub", "committeeId": "board", "parentMotionId": "mot_missing"}, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "parent in another committee", body: map[string]any{"title": "Sub", "committeeId": "board", "parentMotionId": elsewhere.ID}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "unknown overturn target", body: map[string]any{"title": "Overturn", "committeeId": "board", "meta": map[string]any{"overturnOf": "mot_missing"}}, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "member refers on create", body: map[string]any{"title": "Refer", "committeeId": "board", "meta": map[string]any{"referInfo": map[string]any{"destinationCommitteeId": "budget"}}}, status: http.StatusForbidden, code: "FORBIDDEN"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectError(t, env.do(http.MethodPost, "/api/motions", "bob", tc.body), tc.status, tc.code)
		})
	}

	overturn := env.createMotion("bob", map[string]any{"title": "Reconsider", "committeeId": "board", "meta": map[string]any{"overturnOf": parent.ID, "specialVote": map[string]any{"kind": "two-thirds"}}})
	if overturn.Meta.OverturnOf != parent.ID || overturn.Meta.SpecialVote == nil {
		t.Fatalf("expected plain meta to be kept, got %+v", overturn.Meta)
	}
}

func TestCreateMotionProvisionsMember(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()

	env.createMotion("erin", map[string]any{"title": "Newcomer", "committeeId": "board"})

	rr := env.do(http.MethodGet, "/api/committees?id=board", "", nil)
	expectStatus(t, rr, http.StatusOK)
	board := decodeJSON[struct {
		Members []struct {
			Username  string `json:"username"`
			Role      string `json:"role"`
			ProfileID string `json:"profileId"`
		} `json:"members"`
	}](t, rr)
	for _, m := range board.Members {
		if m.Username == "erin" {
			if m.Role != "member" || m.ProfileID != "sub-erin" {
				t.Fatalf("unexpected provisioned member %+v", m)
			}
			return
		}
	}
	t.Fatalf("erin was not provisioned: %+v", board.Members)
}

func TestPostponeAndCarryOverMeta(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()
	m := env.createMotion("alice", map[string]any{"title": "Later", "committeeId": "board"})

	postponed := env.mustPatchMotion("alice", map[string]any{"id": m.ID, "meta": map[string]any{"postponeOption": map[string]any{"type": "meeting"}}})
	info := postponed.Meta.PostponeInfo
	if postponed.State != motion.StatePostponed || info == nil {
		t.Fatalf("expected postponed with info, got state=%s info=%+v", postponed.State, info)
	}
	if info.Type != motion.PostponeMeeting || info.TargetMeetingSeq != 1 || info.PrevState != motion.StateInProgress || info.PostponedBy != "alice" {
		t.Fatalf("unexpected postpone info %+v", info)
	}

	carried := env.mustPatchMotion("bob", map[string]any{"id": m.ID, "meta": map[string]any{"carryOver": true}})
	if !carried.Meta.CarryOver {
		t.Fatal("expected carryOver to be set by a member")
	}
}

func TestListMotionsNormalizesLegacyDocuments(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()
	legacy := motion.Motion{ID: "mot_legacy", CommitteeID: "board", Title: "Old", Status: "voting"}
	if _, err := env.db.InsertMotion(t.Context(), legacy); err != nil {
		t.Fatalf("InsertMotion: %v", err)
	}

	items := env.listMotions("board")
	if len(items) != 1 {
		t.Fatalf("expected one motion, got %d", len(items))
	}
	got := items[0]
	if got.Status != motion.StatusInProgress || got.State != motion.StateVoting || got.Type != motion.TypeMain || got.Name != "Old" {
		t.Fatalf("legacy motion not normalized: %+v", got)
	}
}

func TestDeleteMotionsCascade(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()
	main := env.createMotion("alice", map[string]any{"title": "Main", "committeeId": "board"})
	sub := env.createMotion("alice", map[string]any{"title": "Amend main", "committeeId": "board", "parentMotionId": main.ID, "meta": map[string]any{"subType": "amend"}})
	other := env.createMotion("alice", map[string]any{"title": "Other", "committeeId": "board"})
	for _, id := range []string{main.ID, sub.ID, other.ID} {
		rr := env.do(http.MethodPost, "/api/discussions", "bob", map[string]any{"motionId": id, "text": "comment on " + id})
		expectStatus(t, rr, http.StatusCreated)
	}

	expectError(t, env.do(http.MethodDelete, "/api/motions?id="+main.ID, "", nil), http.StatusUnauthorized, "UNAUTHORIZED")

	rr := env.do(http.MethodDelete, "/api/motions?id="+main.ID, "alice", nil)
	expectStatus(t, rr, http.StatusOK)
	result := decodeJSON[DeleteResult](t, rr)
	if result.DeletedMotions != 2 || result.DeletedDiscussions != 2 {
		t.Fatalf("expected motion and submotion with their discussions, got %+v", result)
	}
	for _, id := range []string{main.ID, sub.ID} {
		expectError(t, env.do(http.MethodGet, "/api/motions?id="+id, "", nil), http.StatusNotFound, "NOT_FOUND")
		rr = env.do(http.MethodGet, "/api/discussions?motionId="+id, "", nil)
		expectStatus(t, rr, http.StatusOK)
		if got := decodeJSON[[]map[string]any](t, rr); len(got) != 0 {
			t.Fatalf("expected no discussions for %s, got %v", id, got)
		}
	}
	if remaining := env.listMotions("board"); len(remaining) != 1 || remaining[0].ID != other.ID {
		t.Fatalf("expected only the unrelated motion to remain, got %+v", remaining)
	}
	expectError(t, env.do(http.MethodDelete, "/api/motions?id="+main.ID, "alice", nil), http.StatusNotFound, "NOT_FOUND")

	rr = env.do(http.MethodDelete, "/api/motions?committeeId=board", "alice", nil)
	expectStatus(t, rr, http.StatusOK)
	if result := decodeJSON[DeleteResult](t, rr); result.DeletedMotions != 1 || result.DeletedDiscussions != 1 {
		t.Fatalf("unexpected committee delete result %+v", result)
	}
}

func TestBulkDeleteIsGated(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()
	env.createMotion("alice", map[string]any{"title": "One", "committeeId": "board"})
	expectError(t, env.do(http.MethodDelete, "/api/motions", "alice", nil), http.StatusForbidden, "FORBIDDEN")

	open := newTestEnv(t, func(cfg *config.Config) { cfg.AllowBulkDelete = true })
	open.seedBoard()
	first := open.createMotion("alice", map[string]any{"title": "One", "committeeId": "board"})
	open.createMotion("alice", map[string]any{"title": "Two", "committeeId": "budget"})
	expectStatus(t, open.do(http.MethodPost, "/api/discussions", "bob", map[string]any{"motionId": first.ID, "text": "hi"}), http.StatusCreated)

	rr := open.do(http.MethodDelete, "/api/motions", "alice", nil)
	expectStatus(t, rr, http.StatusOK)
	if result := decodeJSON[DeleteResult](t, rr); result.DeletedMotions != 2 || result.DeletedDiscussions != 1 {
		t.Fatalf("unexpected bulk delete result %+v", result)
	}
}
