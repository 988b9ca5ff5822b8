package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryPublishConsume(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, Message{Type: TypeAudit, Body: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	select {
	case msg := <-msgs:
		if msg.Type != TypeAudit || string(msg.Body) != `{"a":1}` {
			t.Fatalf("message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestInMemoryPublishHonorsCancel(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := q.Publish(ctx, Message{Type: TypeAudit}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	cancel()
	if err := q.Publish(ctx, Message{Type: TypeAudit}); err == nil {
		t.Fatal("publish into full queue with cancelled context succeeded")
	}
}

func TestEncodeDecode(t *testing.T) {
	msg := Message{Type: TypeAudit, Body: []byte(`{"cause":"a|b"}`)}
	got := decode(encode(msg))
	if got.Type != msg.Type || string(got.Body) != string(msg.Body) {
		t.Fatalf("round trip = %+v", got)
	}

	// Legacy payload without a type prefix separator.
	got = decode("bare-body")
	if got.Type != "" || string(got.Body) != "bare-body" {
		t.Fatalf("bare decode = %+v", got)
	}
}
