// Package retryq is the durable, priority-tiered store for payloads the
// publisher failed to deliver. Messages survive restarts as one JSON
// record per file and are retried with the shared backoff until
// delivered, expired, or past the retry ceiling.
package retryq

import "time"

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	tierCount = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "invalid"
}

// demote steps one tier down; LOW stays LOW. Prevents a stuck message
// from starving the rest of its tier.
func (p Priority) demote() Priority {
	if p >= PriorityLow {
		return PriorityLow
	}
	return p + 1
}

type Status int

const (
	StatusQueued Status = iota
	StatusSending
	StatusSent
	StatusFailed
	StatusExpired
)

// Message is one queued payload. The json tags define the durable
// record format; NextRetryAt is in-memory only, a restart retries
// immediately.
type Message struct {
	ID         uint64   `json:"id"`
	Topic      string   `json:"topic"`
	Payload    []byte   `json:"payload"`
	Priority   Priority `json:"priority"`
	Status     Status   `json:"status"`
	EnqueueMs  int64    `json:"enqueue_ms"`
	RetryCount int      `json:"retry_count"`
	TimeoutMs  int64    `json:"timeout_ms"`

	NextRetryAt time.Time `json:"-"`
}

func (m *Message) enqueueTime() time.Time { return time.UnixMilli(m.EnqueueMs) }

func (m *Message) expired(now time.Time) bool {
	return now.Sub(m.enqueueTime()) > time.Duration(m.TimeoutMs)*time.Millisecond
}
