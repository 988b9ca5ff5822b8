package audit

import (
	"context"
	"testing"

	"unimark/internal/queue"
)

func TestMemorySink(t *testing.T) {
	m := NewMemory()
	m.Record(context.Background(), Event{Type: EventSessionCreated, SessionID: "s1"})
	m.Record(context.Background(), Event{Type: EventAttendanceSubmitted, SessionID: "s1", SubjectID: "u1"})

	if got := len(m.Events()); got != 2 {
		t.Fatalf("events = %d, want 2", got)
	}
	created := m.ByType(EventSessionCreated)
	if len(created) != 1 || created[0].SessionID != "s1" {
		t.Fatalf("ByType = %+v", created)
	}
	if m.Events()[0].CreatedAt.IsZero() {
		t.Fatal("CreatedAt not stamped")
	}
}

func TestQueueSinkRoundTrip(t *testing.T) {
	q := queue.NewInMemory(4)
	sink := NewQueueSink(q)

	sink.Record(context.Background(), Event{
		Type:      EventAttendanceSubmitFail,
		SessionID: "s1",
		SubjectID: "u1",
		Details:   map[string]any{"cause": "invalid_code", "code": 164},
	})

	msgs, err := q.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	msg := <-msgs
	if msg.Type != queue.TypeAudit {
		t.Fatalf("message type = %q", msg.Type)
	}
	event, err := Decode(msg.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Type != EventAttendanceSubmitFail || event.SessionID != "s1" {
		t.Fatalf("event = %+v", event)
	}
	if event.ID == "" || event.CreatedAt.IsZero() {
		t.Fatal("id or timestamp not stamped on publish")
	}
	if cause, _ := event.Details["cause"].(string); cause != "invalid_code" {
		t.Fatalf("details = %+v", event.Details)
	}
}

func TestQueueSinkSwallowsPublishFailure(t *testing.T) {
	// A full queue with a cancelled context makes Publish fail; Record
	// must not panic or block.
	q := queue.NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	sink := NewQueueSink(q)
	sink.Record(ctx, Event{Type: EventSessionClosed})
	cancel()
	sink.Record(ctx, Event{Type: EventSessionClosed})
}
