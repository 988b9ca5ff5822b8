// Package audit is the fire-and-forget event trail. Every submission,
// correction, and lifecycle change produces exactly one event carrying the
// precise internal cause, even when the caller-facing error is coalesced.
// Sink failures are swallowed: the trail must never break the operation it
// records.
package audit

import (
	"context"
	"sync"
	"time"
)

// Event types mirror the operations they record.
const (
	EventSessionCreated       = "SESSION_CREATED"
	EventSessionCreateFailed  = "SESSION_CREATE_FAILED"
	EventSessionClosed        = "SESSION_CLOSED"
	EventSessionCloseFailed   = "SESSION_CLOSE_FAILED"
	EventSessionsLocked       = "SESSIONS_LOCKED"
	EventAttendanceSubmitted  = "ATTENDANCE_SUBMITTED"
	EventAttendanceSubmitFail = "ATTENDANCE_SUBMIT_FAILED"
	EventAttendanceEdited     = "ATTENDANCE_EDITED"
	EventAttendanceEditFail   = "ATTENDANCE_EDIT_FAILED"
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"event_type"`
	SessionID string         `json:"session_id,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sink consumes events. Implementations must not propagate failures.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Event) {}

// Memory collects events in-process; used in tests and dev mode.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory { return &Memory{} }

// Record implements Sink.
func (m *Memory) Record(_ context.Context, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, e)
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns recorded events of one type.
func (m *Memory) ByType(eventType string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
