package export

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"quorum/api/internal/motion"
	"quorum/api/internal/store"
)

type fakeStore struct {
	committee   store.Committee
	meetings    []store.Meeting
	motions     []motion.Motion
	discussions map[string][]store.Discussion
}

func (f fakeStore) GetCommittee(_ context.Context, id string) (store.Committee, error) {
	if id != f.committee.ID {
		return store.Committee{}, store.ErrNotFound
	}
	return f.committee, nil
}

func (f fakeStore) GetMeeting(_ context.Context, id string) (store.Meeting, error) {
	for _, m := range f.meetings {
		if m.ID == id {
			return m, nil
		}
	}
	return store.Meeting{}, store.ErrNotFound
}

func (f fakeStore) ListMeetings(context.Context, string) ([]store.Meeting, error) {
	return f.meetings, nil
}

func (f fakeStore) ListMotions(context.Context, string) ([]motion.Motion, error) {
	return append([]motion.Motion(nil), f.motions...), nil
}

func (f fakeStore) ListDiscussions(_ context.Context, motionID string) ([]store.Discussion, error) {
	return f.discussions[motionID], nil
}

func boardFixture() fakeStore {
	t0 := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	t1 := t0.Add(7 * 24 * time.Hour)
	return fakeStore{
		committee: store.Committee{
			ID:   "cmt-board",
			Name: "Board",
			Members: []store.Member{
				{Username: "alice", Name: "Alice", Role: "owner"},
				{Username: "bob", Role: "member"},
			},
		},
		meetings: []store.Meeting{
			{ID: "mtg-1", CommitteeID: "cmt-board", Seq: 1, CreatedAt: t0},
			{ID: "mtg-2", CommitteeID: "cmt-board", Seq: 2, CreatedAt: t1},
		},
		motions: []motion.Motion{
			{
				ID: "mot-budget", CommitteeID: "cmt-board", Title: "Budget", Status: motion.StatusClosed,
				Votes:     motion.Votes{Yes: 2},
				Decision:  &motion.Decision{Outcome: "Passed", Summary: "Budget adopted", Pros: []string{"balanced"}},
				CreatedBy: "alice", CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Hour),
			},
			{
				ID: "mot-amend", CommitteeID: "cmt-board", ParentMotionID: "mot-budget", Type: motion.TypeSubmotion,
				Title: "Amend budget", Status: motion.StatusFailed,
				CreatedAt: t0.Add(2 * time.Minute), UpdatedAt: t0.Add(30 * time.Minute),
			},
			{
				ID: "mot-later", CommitteeID: "cmt-board", Title: "Picnic", Status: motion.StatusInProgress,
				CreatedAt: t1.Add(time.Minute), UpdatedAt: t1.Add(time.Minute),
			},
		},
		discussions: map[string][]store.Discussion{
			"mot-budget": {{ID: "dsc-1", MotionID: "mot-budget", Author: "Bob", Text: "Looks <fine>", Position: store.PositionPro}},
		},
	}
}

func TestMinutesForMeetingWindow(t *testing.T) {
	svc := NewService(boardFixture())
	svc.now = func() time.Time { return time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC) }

	data, err := svc.Collect(context.Background(), MinutesRequest{CommitteeID: "cmt-board", MeetingID: "mtg-1"})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if data.Title() != "Board Meeting 1 Minutes" {
		t.Fatalf("unexpected title %q", data.Title())
	}
	if len(data.Motions) != 1 || data.Motions[0].Title != "Budget" {
		t.Fatalf("expected only the budget motion, got %+v", data.Motions)
	}
	budget := data.Motions[0]
	if budget.State != string(motion.StatePassed) || len(budget.Submotions) != 1 || len(budget.Discussion) != 1 {
		t.Fatalf("unexpected budget entry: %+v", budget)
	}
	if data.Members[1].Name != "bob" {
		t.Fatalf("member without a name should fall back to username, got %q", data.Members[1].Name)
	}

	result, err := svc.Minutes(context.Background(), MinutesRequest{CommitteeID: "cmt-board", MeetingID: "mtg-1", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Minutes() error = %v", err)
	}
	html := string(result.Data)
	for _, want := range []string{"Board Meeting 1 Minutes", "Budget adopted", "Amend budget", "Yes 2 / No 0 / Abstain 0", "Looks &lt;fine&gt;"} {
		if !strings.Contains(html, want) {
			t.Errorf("minutes HTML missing %q", want)
		}
	}
	if strings.Contains(html, "Picnic") {
		t.Error("minutes should not include business from a later meeting")
	}
	if result.Filename != "Board-Meeting-1-Minutes.html" || !strings.HasPrefix(result.MimeType, "text/html") {
		t.Fatalf("unexpected result metadata: %q %q", result.Filename, result.MimeType)
	}
}

func TestMinutesWholeCommittee(t *testing.T) {
	svc := NewService(boardFixture())
	data, err := svc.Collect(context.Background(), MinutesRequest{CommitteeID: "cmt-board"})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(data.Motions) != 2 {
		t.Fatalf("expected both main motions, got %d", len(data.Motions))
	}
}

func TestMinutesErrors(t *testing.T) {
	svc := NewService(boardFixture())
	if _, err := svc.Minutes(context.Background(), MinutesRequest{CommitteeID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown committee, got %v", err)
	}
	if _, err := svc.Minutes(context.Background(), MinutesRequest{CommitteeID: "cmt-board", MeetingID: "mtg-9"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown meeting, got %v", err)
	}
	if _, err := svc.Minutes(context.Background(), MinutesRequest{CommitteeID: "cmt-board", Format: "docx"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestMinutesPDFUsesRenderer(t *testing.T) {
	svc := NewService(boardFixture())
	var gotTitle string
	svc.pdf = func(_ context.Context, html, title string) (*Result, error) {
		gotTitle = title
		if !strings.Contains(html, "<h1>") {
			t.Errorf("renderer received unexpected html")
		}
		return &Result{Data: []byte("%PDF"), Filename: slug(title) + ".pdf", MimeType: "application/pdf"}, nil
	}
	result, err := svc.Minutes(context.Background(), MinutesRequest{CommitteeID: "cmt-board", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Minutes() error = %v", err)
	}
	if gotTitle != "Board Minutes" || result.Filename != "Board-Minutes.pdf" {
		t.Fatalf("unexpected pdf result: %q %q", gotTitle, result.Filename)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"", FormatHTML, false},
		{"HTML", FormatHTML, false},
		{" pdf ", FormatPDF, false},
		{"docx", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.input, got, err)
		}
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Board Meeting 1.2", "Board-Meeting-12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"Café Board", "Caf-Board"},
		{"", "minutes"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := slug(tt.input); got != tt.expected {
				t.Errorf("slug(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestHTMLDataURL(t *testing.T) {
	doc := "<p>café & 100% <b>adopted</b></p>"
	got := htmlDataURL(doc)
	encoded, ok := strings.CutPrefix(got, "data:text/html;charset=utf-8;base64,")
	if !ok {
		t.Fatalf("unexpected prefix: %q", got)
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || string(decoded) != doc {
		t.Fatalf("data url does not round-trip: %q, %v", decoded, err)
	}
}
