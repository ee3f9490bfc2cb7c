package motion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Choice is a single ballot.
type Choice string

const (
	ChoiceYes     Choice = "yes"
	ChoiceNo      Choice = "no"
	ChoiceAbstain Choice = "abstain"
)

func ParseChoice(raw string) (Choice, error) {
	switch c := Choice(strings.ToLower(strings.TrimSpace(raw))); c {
	case ChoiceYes, ChoiceNo, ChoiceAbstain:
		return c, nil
	default:
		return "", fmt.Errorf("invalid vote %q", raw)
	}
}

// Votes holds the aggregate counters of a motion.
type Votes struct {
	Yes     int `json:"yes"`
	No      int `json:"no"`
	Abstain int `json:"abstain"`
}

// UnmarshalJSON tolerates null, missing, negative and string-encoded counters, all of
// which appear in older documents.
func (v *Votes) UnmarshalJSON(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		*v = Votes{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode votes: %w", err)
	}
	*v = Votes{
		Yes:     coerceCount(raw["yes"]),
		No:      coerceCount(raw["no"]),
		Abstain: coerceCount(raw["abstain"]),
	}
	return nil
}

func coerceCount(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			return 0
		}
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}

func (v *Votes) Add(choice Choice) {
	switch choice {
	case ChoiceYes:
		v.Yes++
	case ChoiceNo:
		v.No++
	case ChoiceAbstain:
		v.Abstain++
	}
}

func (v Votes) Total() int {
	return v.Yes + v.No + v.Abstain
}

// Tally counts a list of ballots.
func Tally(choices []Choice) Votes {
	var v Votes
	for _, c := range choices {
		v.Add(c)
	}
	return v
}

// Outcome is the result label computed when a vote is closed.
type Outcome string

const (
	OutcomeAdopted  Outcome = "Adopted"
	OutcomeRejected Outcome = "Rejected"
)

// ComputeOutcome applies the closing-vote rule. Abstentions break exact ties against
// the larger side, an abstention plurality rejects, and otherwise adoption needs
// two-thirds of the yes+no votes. The comparison is done in integers so every caller
// agrees on the boundary.
func ComputeOutcome(v Votes) Outcome {
	switch {
	case v.Yes == v.Abstain && v.Yes > v.No:
		return OutcomeAdopted
	case v.No == v.Abstain && v.No > v.Yes:
		return OutcomeRejected
	case v.Abstain > v.Yes && v.Abstain > v.No:
		return OutcomeRejected
	case v.Yes+v.No == 0:
		return OutcomeRejected
	case 3*v.Yes >= 2*(v.Yes+v.No):
		return OutcomeAdopted
	default:
		return OutcomeRejected
	}
}

// SupermajorityOutcome is the outcome a chair's recorded decision is locked to. When
// either side holds two-thirds of yes+no it wins regardless of the supplied label;
// otherwise the supplied label stands.
func SupermajorityOutcome(v Votes, supplied string) string {
	decisive := v.Yes + v.No
	if decisive == 0 {
		return supplied
	}
	if 3*v.Yes >= 2*decisive {
		return "Passed"
	}
	if 3*v.No >= 2*decisive {
		return "Failed"
	}
	return supplied
}

// OutcomeClass buckets free-text outcome labels.
type OutcomeClass int

const (
	ClassNeutral OutcomeClass = iota
	ClassPass
	ClassFail
)

func Classify(outcome string) OutcomeClass {
	lower := strings.ToLower(outcome)
	switch {
	case strings.Contains(lower, "pass"), strings.Contains(lower, "adopt"):
		return ClassPass
	case strings.Contains(lower, "fail"), strings.Contains(lower, "reject"), strings.Contains(lower, "tie"):
		return ClassFail
	default:
		return ClassNeutral
	}
}

// StatusForOutcome derives the persisted status of a decided motion.
func StatusForOutcome(outcome string) Status {
	switch Classify(outcome) {
	case ClassPass:
		return StatusPassed
	case ClassFail:
		return StatusFailed
	default:
		return StatusClosed
	}
}
