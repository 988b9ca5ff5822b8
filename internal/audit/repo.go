package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

func timeNow() time.Time { return time.Now().UTC() }

// Repository persists audit events in Postgres. Only the worker writes
// through it; the serving path publishes to the queue instead.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes one event.
func (r *Repository) Insert(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, event_type, session_id, subject_id, actor_id, ip, user_agent, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.Type, nullable(e.SessionID), nullable(e.SubjectID), nullable(e.ActorID),
		nullable(e.IP), nullable(e.UserAgent), details, e.CreatedAt)
	return err
}

// Record implements Sink for callers that sit next to the database, like
// the worker's sweep. Failures are logged and swallowed.
func (r *Repository) Record(ctx context.Context, e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = timeNow()
	}
	if err := r.Insert(ctx, e); err != nil {
		log.Printf("audit: insert %s failed: %v", e.Type, err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
