package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("version conflict")
	ErrUnavailable   = errors.New("storage unavailable")
)

type Member struct {
	Username  string `json:"username"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Email     string `json:"email,omitempty"`
	ProfileID string `json:"profileId,omitempty"`
}

type Committee struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	OwnerID   string         `json:"ownerId"`
	Members   []Member       `json:"members"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Version   int            `json:"version"`
}

type Meeting struct {
	ID          string     `json:"id"`
	CommitteeID string     `json:"committeeId"`
	Seq         int        `json:"seq"`
	Active      bool       `json:"active"`
	Recessed    bool       `json:"recessed"`
	Date        *time.Time `json:"date,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CreatedBy   string     `json:"createdBy,omitempty"`
}

type Position string

const (
	PositionPro     Position = "pro"
	PositionCon     Position = "con"
	PositionNeutral Position = "neutral"
)

type Discussion struct {
	ID          string    `json:"id"`
	MotionID    string    `json:"motionId"`
	CommitteeID string    `json:"committeeId,omitempty"`
	AuthorID    string    `json:"authorId,omitempty"`
	Author      string    `json:"author"`
	Text        string    `json:"text"`
	Position    Position  `json:"position"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username,omitempty"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
