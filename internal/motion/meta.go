package motion

import (
	"strings"
	"time"
)

// DefaultPostponement is used when a dateTime postponement arrives without a timestamp.
const DefaultPostponement = 7 * 24 * time.Hour

type SubmotionKind string

const (
	KindAmend      SubmotionKind = "amend"
	KindPostpone   SubmotionKind = "postpone"
	KindRefer      SubmotionKind = "refer"
	KindProcedural SubmotionKind = "procedural"
)

func parseKind(raw string) (SubmotionKind, bool) {
	switch k := SubmotionKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindAmend, KindPostpone, KindRefer, KindProcedural:
		return k, true
	case "amendment":
		return KindAmend, true
	case "referral":
		return KindRefer, true
	default:
		return "", false
	}
}

type PostponeType string

const (
	PostponeMeeting  PostponeType = "meeting"
	PostponeDateTime PostponeType = "dateTime"
)

// PostponeInfo is attached while a motion is postponed.
type PostponeInfo struct {
	Type             PostponeType `json:"type,omitempty"`
	TargetMeetingSeq int          `json:"targetMeetingSeq,omitempty"`
	ResumeAt         *time.Time   `json:"resumeAt,omitempty"`
	PrevState        State        `json:"prevState,omitempty"`
	PostponedAt      time.Time    `json:"postponedAt"`
	PostponedBy      string       `json:"postponedBy,omitempty"`
}

// Due reports whether the postponement should lift at now for a dateTime target.
func (p PostponeInfo) Due(now time.Time) bool {
	return p.Type == PostponeDateTime && p.ResumeAt != nil && !now.Before(*p.ResumeAt)
}

// PostponeRequest is the client's description of a postponement target.
type PostponeRequest struct {
	Type             PostponeType `json:"type,omitempty"`
	TargetMeetingSeq int          `json:"targetMeetingSeq,omitempty"`
	ResumeAt         *time.Time   `json:"resumeAt,omitempty"`
	At               *time.Time   `json:"at,omitempty"`
}

// Resolve turns the request into PostponeInfo. A meeting target without a sequence
// means the next meeting.
func (r PostponeRequest) Resolve(now time.Time, nextMeetingSeq int) PostponeInfo {
	info := PostponeInfo{PostponedAt: now}
	at := r.ResumeAt
	if at == nil {
		at = r.At
	}
	if r.Type == PostponeMeeting || (r.Type == "" && at == nil && r.TargetMeetingSeq > 0) {
		info.Type = PostponeMeeting
		info.TargetMeetingSeq = r.TargetMeetingSeq
		if info.TargetMeetingSeq <= 0 {
			info.TargetMeetingSeq = nextMeetingSeq
		}
		return info
	}
	info.Type = PostponeDateTime
	if at == nil {
		resume := now.Add(DefaultPostponement)
		at = &resume
	}
	resume := at.UTC()
	info.ResumeAt = &resume
	return info
}

// ReferralRequest names the committee a motion is sent to.
type ReferralRequest struct {
	DestinationCommitteeID string `json:"destinationCommitteeId,omitempty"`
	CommitteeID            string `json:"committeeId,omitempty"`
	Note                   string `json:"note,omitempty"`
}

func (r ReferralRequest) Destination() string {
	if id := strings.TrimSpace(r.DestinationCommitteeID); id != "" {
		return id
	}
	return strings.TrimSpace(r.CommitteeID)
}

type Amendment struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// SubmotionLink ties a procedural motion to the motion it acts upon.
type SubmotionLink struct {
	ParentMotionID  string           `json:"parentMotionId"`
	Kind            SubmotionKind    `json:"kind"`
	ParentPrevState State            `json:"parentPrevState,omitempty"`
	Postpone        *PostponeRequest `json:"postpone,omitempty"`
	Refer           *ReferralRequest `json:"refer,omitempty"`
	Amendment       *Amendment       `json:"amendment,omitempty"`
}

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
)

// ReferralInfo tracks a referral on the source motion. DestinationMotionID is assigned
// before delivery and doubles as the idempotency key of the destination insert.
type ReferralInfo struct {
	DestinationCommitteeID   string        `json:"destinationCommitteeId"`
	DestinationCommitteeName string        `json:"destinationCommitteeName,omitempty"`
	DestinationMotionID      string        `json:"destinationMotionId"`
	Note                     string        `json:"note,omitempty"`
	ReferredAt               time.Time     `json:"referredAt"`
	ReferredBy               string        `json:"referredBy,omitempty"`
	Delivery                 DeliveryState `json:"delivery"`
	Attempts                 int           `json:"attempts,omitempty"`
	LastError                string        `json:"lastError,omitempty"`
}

type ReferredFrom struct {
	CommitteeID      string    `json:"committeeId"`
	CommitteeName    string    `json:"committeeName,omitempty"`
	OriginalMotionID string    `json:"originalMotionId"`
	ReferredAt       time.Time `json:"referredAt"`
}

type SpecialVote struct {
	Kind string `json:"kind"`
	Note string `json:"note,omitempty"`
}

// Meta carries the optional, typed annotations of a motion.
type Meta struct {
	VoterChoices map[string]Choice `json:"voterChoices,omitempty"`
	Submotion    *SubmotionLink    `json:"submotion,omitempty"`
	PostponeInfo *PostponeInfo     `json:"postponeInfo,omitempty"`
	ReferInfo    *ReferralInfo     `json:"referInfo,omitempty"`
	ReferredFrom *ReferredFrom     `json:"referredFrom,omitempty"`
	OverturnOf   string            `json:"overturnOf,omitempty"`
	SpecialVote  *SpecialVote      `json:"specialVote,omitempty"`
	CarryOver    bool              `json:"carryOver,omitempty"`
}

// MetaInput is the meta object accepted on create and update. It understands the
// older key spellings so existing clients keep working.
type MetaInput struct {
	PostponeInfo   *PostponeRequest `json:"postponeInfo,omitempty"`
	PostponeOption *PostponeRequest `json:"postponeOption,omitempty"`
	ReferInfo      *ReferralRequest `json:"referInfo,omitempty"`
	ReferDetails   *ReferralRequest `json:"referDetails,omitempty"`
	Kind           string           `json:"kind,omitempty"`
	SubType        string           `json:"subType,omitempty"`
	ParentMotionID string           `json:"parentMotionId,omitempty"`
	SubmotionOf    string           `json:"submotionOf,omitempty"`
	Amendment      *Amendment       `json:"amendment,omitempty"`
	OverturnOf     string           `json:"overturnOf,omitempty"`
	SpecialVote    *SpecialVote     `json:"specialVote,omitempty"`
	CarryOver      *bool            `json:"carryOver,omitempty"`
}

func (in MetaInput) Postpone() *PostponeRequest {
	if in.PostponeInfo != nil {
		return in.PostponeInfo
	}
	return in.PostponeOption
}

func (in MetaInput) Refer() *ReferralRequest {
	if in.ReferInfo != nil {
		return in.ReferInfo
	}
	return in.ReferDetails
}

func (in MetaInput) Parent() string {
	if id := strings.TrimSpace(in.ParentMotionID); id != "" {
		return id
	}
	return strings.TrimSpace(in.SubmotionOf)
}

// SubmotionKind prefers subType; "kind" is consulted too because older clients put
// the procedural type there and used kind="sub" as a marker.
func (in MetaInput) SubmotionKind() SubmotionKind {
	if k, ok := parseKind(in.SubType); ok {
		return k
	}
	if k, ok := parseKind(in.Kind); ok {
		return k
	}
	return KindProcedural
}

// Privileged reports whether the input carries keys only a presiding officer may write.
func (in MetaInput) Privileged() bool {
	return in.Postpone() != nil || in.Refer() != nil
}
