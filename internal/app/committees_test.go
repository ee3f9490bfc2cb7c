package app

import (
	"net/http"
	"reflect"
	"testing"

	"quorum/api/internal/config"
	"quorum/api/internal/rbac"
	"quorum/api/internal/store"
)

func TestNormalizeMembers(t *testing.T) {
	tests := []struct {
		name    string
		members []store.Member
		owner   string
		want    []store.Member
	}{
		{
			name:  "owner inserted first",
			owner: "alice",
			members: []store.Member{
				{Username: "bob", Role: "member"},
			},
			want: []store.Member{
				{Username: "alice", Role: "owner"},
				{Username: "bob", Role: "member"},
			},
		},
		{
			name:  "first chair wins and duplicates collapse",
			owner: "alice",
			members: []store.Member{
				{Username: " Bob ", Role: "chair"},
				{Username: "carol", Role: "CHAIR"},
				{Username: "bob", Role: "member"},
				{Username: "", Role: "member"},
				{Username: "alice", Role: "observer"},
			},
			want: []store.Member{
				{Username: "Bob", Role: "chair"},
				{Username: "carol", Role: "member"},
				{Username: "alice", Role: "owner"},
			},
		},
		{
			name:  "stray owners and unknown roles demoted",
			owner: "alice",
			members: []store.Member{
				{Username: "alice", Role: "owner"},
				{Username: "mallory", Role: "owner"},
				{Username: "zed", Role: "wizard"},
				{Username: "olive", Role: "observer", Email: "Olive@Example.org"},
			},
			want: []store.Member{
				{Username: "alice", Role: "owner"},
				{Username: "mallory", Role: "member"},
				{Username: "zed", Role: "member"},
				{Username: "olive", Role: "observer", Email: "olive@example.org"},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeMembers(tc.members, tc.owner)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("NormalizeMembers() =\n%+v\nwant\n%+v", got, tc.want)
			}
		})
	}
}

func TestRoleOf(t *testing.T) {
	board := store.Committee{Members: []store.Member{{Username: "Alice", Role: "owner"}, {Username: "bob", Role: "bogus"}}}
	if got := RoleOf(board, "alice"); got != rbac.RoleOwner {
		t.Fatalf("expected case-insensitive owner match, got %q", got)
	}
	if got := RoleOf(board, "bob"); got != rbac.RoleMember {
		t.Fatalf("expected unknown role to read as member, got %q", got)
	}
	if got := RoleOf(board, "carol"); got != "" {
		t.Fatalf("expected no role for a stranger, got %q", got)
	}
	if got := RoleOf(board, " "); got != "" {
		t.Fatalf("expected no role for a blank username, got %q", got)
	}
}

func TestCommitteeCreateResolvesProfiles(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodPost, "/api/committees", "alice", map[string]any{
		"name": "Parks",
		"members": []memberSpec{
			{"username": "Bob", "role": "chair"},
			{"username": "bob", "role": "member"},
			{"username": "pat", "email": "pat@example.org"},
		},
	})
	expectStatus(t, rr, http.StatusCreated)
	parks := decodeJSON[store.Committee](t, rr)
	if parks.ID == "" || parks.OwnerID != "alice" || parks.Version != 1 {
		t.Fatalf("unexpected committee %+v", parks)
	}
	if len(parks.Members) != 3 {
		t.Fatalf("expected alice, Bob and pat, got %+v", parks.Members)
	}
	for _, m := range parks.Members {
		if m.ProfileID == "" {
			t.Fatalf("expected every member linked to a profile, got %+v", m)
		}
	}

	// Later rosters link to existing profiles by email, then by the email local part.
	rr = env.do(http.MethodPost, "/api/committees", "alice", map[string]any{
		"name": "Trails",
		"members": []memberSpec{
			{"username": "patricia", "email": "PAT@example.org"},
			{"username": "samuel", "email": "bob@elsewhere.org"},
		},
	})
	expectStatus(t, rr, http.StatusCreated)
	trails := decodeJSON[store.Committee](t, rr)
	if trails.Members[1].ProfileID != parks.Members[2].ProfileID {
		t.Fatalf("expected email match to reuse pat's profile, got %s want %s", trails.Members[1].ProfileID, parks.Members[2].ProfileID)
	}
	if trails.Members[2].ProfileID != parks.Members[1].ProfileID {
		t.Fatalf("expected local part match to reuse Bob's profile, got %s want %s", trails.Members[2].ProfileID, parks.Members[1].ProfileID)
	}
	if trails.Members[1].Email != "pat@example.org" {
		t.Fatalf("expected lowercased email, got %q", trails.Members[1].Email)
	}

	expectError(t, env.do(http.MethodPost, "/api/committees", "alice", map[string]any{"name": "  "}), http.StatusBadRequest, "VALIDATION_ERROR")
	expectError(t, env.do(http.MethodPost, "/api/committees", "alice", map[string]any{"id": parks.ID, "name": "Again"}), http.StatusConflict, "CONFLICT")
}

func TestCommitteeListFilterAndGet(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()

	rr := env.do(http.MethodGet, "/api/committees?member=OLIVE", "", nil)
	expectStatus(t, rr, http.StatusOK)
	if got := decodeJSON[[]store.Committee](t, rr); len(got) != 1 || got[0].ID != "board" {
		t.Fatalf("expected only board for olive, got %+v", got)
	}
	rr = env.do(http.MethodGet, "/api/committees", "", nil)
	if got := decodeJSON[[]store.Committee](t, rr); len(got) != 2 {
		t.Fatalf("expected both committees, got %d", len(got))
	}
	expectError(t, env.do(http.MethodGet, "/api/committees?id=nope", "", nil), http.StatusNotFound, "NOT_FOUND")
}

func TestCommitteePatchUpsertsAndVersions(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()

	rr := env.do(http.MethodPatch, "/api/committees", "bob", map[string]any{"id": "audit", "members": []memberSpec{{"username": "carol", "role": "chair"}}})
	expectStatus(t, rr, http.StatusCreated)
	audit := decodeJSON[store.Committee](t, rr)
	if audit.Name != "audit" || audit.OwnerID != "bob" {
		t.Fatalf("expected upsert owned by caller, got %+v", audit)
	}

	rr = env.do(http.MethodPatch, "/api/committees", "bob", map[string]any{"id": "board", "name": "Board of Trustees", "version": 1})
	expectStatus(t, rr, http.StatusOK)
	board := decodeJSON[store.Committee](t, rr)
	if board.Name != "Board of Trustees" || board.Version != 2 || len(board.Members) != 3 {
		t.Fatalf("unexpected patched board %+v", board)
	}
	expectError(t, env.do(http.MethodPatch, "/api/committees", "bob", map[string]any{"id": "board", "name": "Stale", "version": 1}), http.StatusConflict, "CONFLICT")

	rr = env.do(http.MethodPatch, "/api/committees?id=board", "alice", map[string]any{"ownerId": "bob"})
	expectStatus(t, rr, http.StatusOK)
	board = decodeJSON[store.Committee](t, rr)
	if RoleOf(board, "bob") != rbac.RoleOwner || RoleOf(board, "alice") != rbac.RoleMember {
		t.Fatalf("expected ownership to move to bob, got %+v", board.Members)
	}
}

func TestCommitteeOwnerPolicy(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.CommitteePolicy = config.PolicyOwner })
	env.seedBoard()

	expectError(t, env.do(http.MethodPatch, "/api/committees", "bob", map[string]any{"id": "board", "name": "Hijacked"}), http.StatusForbidden, "FORBIDDEN")
	expectError(t, env.do(http.MethodDelete, "/api/committees?id=board", "bob", nil), http.StatusForbidden, "FORBIDDEN")
	expectStatus(t, env.do(http.MethodPatch, "/api/committees", "alice", map[string]any{"id": "board", "name": "Board II"}), http.StatusOK)
}

func TestDeleteCommitteeCascades(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()
	expectStatus(t, env.do(http.MethodPost, "/api/meetings", "alice", map[string]any{"committeeId": "board"}), http.StatusCreated)
	m := env.createMotion("alice", map[string]any{"title": "Doomed", "committeeId": "board"})
	env.createMotion("alice", map[string]any{"title": "Doomed sub", "committeeId": "board", "parentMotionId": m.ID})
	expectStatus(t, env.do(http.MethodPost, "/api/discussions", "bob", map[string]any{"motionId": m.ID, "text": "bye"}), http.StatusCreated)
	kept := env.createMotion("alice", map[string]any{"title": "Kept", "committeeId": "budget"})

	expectError(t, env.do(http.MethodDelete, "/api/committees", "alice", nil), http.StatusBadRequest, "VALIDATION_ERROR")

	rr := env.do(http.MethodDelete, "/api/committees?id=board", "alice", nil)
	expectStatus(t, rr, http.StatusOK)
	result := decodeJSON[DeleteResult](t, rr)
	if result.DeletedMotions != 2 || result.DeletedDiscussions != 1 || result.DeletedMeetings != 1 {
		t.Fatalf("unexpected cascade %+v", result)
	}
	expectError(t, env.do(http.MethodGet, "/api/committees?id=board", "", nil), http.StatusNotFound, "NOT_FOUND")
	expectError(t, env.do(http.MethodGet, "/api/motions?id="+m.ID, "", nil), http.StatusNotFound, "NOT_FOUND")
	if got := env.getMotion(kept.ID); got.ID != kept.ID {
		t.Fatalf("other committees must be untouched")
	}
	expectError(t, env.do(http.MethodDelete, "/api/committees?id=board", "alice", nil), http.StatusNotFound, "NOT_FOUND")
}

func TestSyncProfileRefreshesRosters(t *testing.T) {
	env := newTestEnv(t)
	env.seedBoard()
	env.createMotion("erin", map[string]any{"title": "Join board", "committeeId": "board"})
	env.createMotion("erin", map[string]any{"title": "Join budget", "committeeId": "budget"})

	profile, err := env.db.GetProfile(t.Context(), "sub-erin")
	if err == nil {
		t.Fatalf("profile should not exist before first access, got %+v", profile)
	}
	expectStatus(t, env.do(http.MethodGet, "/api/profile", "erin", nil), http.StatusOK)
	profile, err = env.db.GetProfile(t.Context(), "sub-erin")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	profile.Name = "Erin Example"
	profile.AvatarURL = "https://example.org/erin.png"
	if err := env.db.UpdateProfile(t.Context(), profile); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	rr := env.do(http.MethodPost, "/api/committees?syncProfile=1", "erin", nil)
	expectStatus(t, rr, http.StatusOK)
	if updated := decodeJSON[map[string]int](t, rr)["updated"]; updated != 2 {
		t.Fatalf("expected both committees updated, got %d", updated)
	}
	board, err := env.db.GetCommittee(t.Context(), "board")
	if err != nil {
		t.Fatalf("GetCommittee: %v", err)
	}
	for _, m := range board.Members {
		if m.Username == "erin" && (m.Name != "Erin Example" || m.AvatarURL != "https://example.org/erin.png") {
			t.Fatalf("expected synced display fields, got %+v", m)
		}
	}

	expectError(t, env.do(http.MethodPatch, "/api/committees?syncProfile=1", "erin", map[string]any{"profileId": "prf_missing"}), http.StatusNotFound, "NOT_FOUND")
}
