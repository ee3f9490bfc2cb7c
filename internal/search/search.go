package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMotion     ResultType = "motion"
	ResultDiscussion ResultType = "discussion"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	CommitteeID string     `json:"committeeId"`
	MotionID    string     `json:"motionId"`
	Status      string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	CommitteeID string
	Limit       int
	Offset      int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Name() string
}

// MotionRecord is the data indexed for a motion.
type MotionRecord struct {
	ID          string `json:"id"`
	CommitteeID string `json:"committeeId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// DiscussionRecord is the data indexed for a discussion entry.
type DiscussionRecord struct {
	ID          string `json:"id"`
	MotionID    string `json:"motionId"`
	CommitteeID string `json:"committeeId"`
	Author      string `json:"author"`
	Text        string `json:"text"`
	Position    string `json:"position"`
}
