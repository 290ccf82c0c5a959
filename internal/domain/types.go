package domain

import "time"

// Status is the offer lifecycle state. pending is the only non-terminal
// state; accepted and expired are terminal and mutually exclusive.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusExpired  Status = "expired"
)

func (s Status) Terminal() bool { return s == StatusAccepted || s == StatusExpired }

// Offer is the aggregate root. The durable record is the canonical audit
// trail; the ephemeral status mirror is the concurrency-control authority.
type Offer struct {
	ID              string         `json:"id"`
	RouteID         string         `json:"route_id"`
	Candidates      []string       `json:"candidates"`
	DurationMinutes int            `json:"duration_minutes"`
	Status          Status         `json:"status"`
	Notified        []Notification `json:"notified_candidates,omitempty"`
	AcceptedBy      string         `json:"accepted_by,omitempty"`
	AcceptedAt      *time.Time     `json:"accepted_at,omitempty"`
	ExpiredAt       *time.Time     `json:"expired_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Notification is one entry of the append-only notification history.
type Notification struct {
	CandidateID string    `json:"candidate_id"`
	NotifiedAt  time.Time `json:"notified_at"`
}

// Job is a unit of delayed work drained by the worker pool. The id is
// deterministic per (offer, kind, index), which makes enqueueing idempotent.
type Job struct {
	ID                string
	Kind              string
	Payload           []byte
	Attempts          int
	MaxAttempts       int
	State             string
	RunAt             time.Time
	VisibilityTimeout int // seconds
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
