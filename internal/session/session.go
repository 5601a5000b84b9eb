// Package session holds the meeting-session model and the orchestrator that
// drives a recording from start through finalization.
package session

import (
	"time"

	"github.com/meetcap/meetcap/internal/provider"
)

// Status is the lifecycle stage of a session. Transitions are monotonic:
// recording, then processing, then completed.
type Status string

const (
	StatusRecording  Status = "recording"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// rank orders statuses for the monotonic-transition check.
func (s Status) rank() int {
	switch s {
	case StatusRecording:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted:
		return 2
	}
	return -1
}

// Advance moves to the target status and reports whether the move was legal.
// Regressions are rejected; repeating the current status is a no-op.
func (s *Status) Advance(to Status) bool {
	if to.rank() < 0 || to.rank() < s.rank() {
		return false
	}
	*s = to
	return true
}

// Session is one captured meeting.
type Session struct {
	ID         string
	Title      string
	StartedAt  time.Time
	Duration   time.Duration
	Status     Status
	Transcript string
	AudioPath  string
	Summary    *provider.SummaryResult
}

// Segment is one finalized piece of transcript, ordered within its session.
type Segment struct {
	ID        string
	SessionID string
	Seq       int
	Text      string
	CreatedAt time.Time
}

// Question is a suggested follow-up question raised during a session.
type Question struct {
	ID        string
	SessionID string
	Text      string
	CreatedAt time.Time
}

// ChatTurn is one exchange in a post-session conversation.
type ChatTurn struct {
	ID        string
	SessionID string
	Role      string
	Text      string
	CreatedAt time.Time
}
