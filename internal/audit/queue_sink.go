package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"unimark/internal/queue"
)

// QueueSink publishes events onto a queue for asynchronous persistence by
// the worker. Publish failures are logged and dropped.
type QueueSink struct {
	q queue.Queue
}

// NewQueueSink wraps a queue as an audit sink.
func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{q: q}
}

// Record implements Sink.
func (s *QueueSink) Record(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		log.Printf("audit: marshal %s failed: %v", e.Type, err)
		return
	}
	if err := s.q.Publish(ctx, queue.Message{Type: queue.TypeAudit, Body: body}); err != nil {
		log.Printf("audit: publish %s failed: %v", e.Type, err)
	}
}

// Decode parses a queued audit message back into an event.
func Decode(body []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(body, &e)
	return e, err
}
