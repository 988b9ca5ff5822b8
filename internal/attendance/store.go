package attendance

import (
	"context"
	"time"

	"unimark/internal/identity"
)

// Store is the persistent-store contract. Implementations must make
// CommitSubmission the single atomic unit for record creation, counter
// increments, and first-use device binding, and must enforce the one
// record per (session, subject) invariant inside that unit rather than by
// a separate existence check.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	Session(ctx context.Context, id string) (Session, error)
	// TransitionSession applies a status change when the session is
	// currently in from. It reports whether a row changed.
	TransitionSession(ctx context.Context, id string, from, to Status) (bool, error)
	// LockExpired moves every non-locked session whose edit window has
	// elapsed to locked and returns how many changed. Idempotent.
	LockExpired(ctx context.Context, now time.Time) (int, error)

	Record(ctx context.Context, sessionID, subjectID string) (*Record, error)
	// CommitSubmission atomically inserts the record, bumps the session
	// counters, and persists a first-use device binding when one is
	// supplied. A concurrent or prior record for the same (session,
	// subject) yields KindDuplicate; nothing is written in that case.
	CommitSubmission(ctx context.Context, rec Record, binding *identity.DeviceBinding) (SessionStats, error)
	// UpdateRecordOutcome rewrites a record's outcome and adjusts the
	// session's present counter by delta in the same transaction.
	UpdateRecordOutcome(ctx context.Context, sessionID, subjectID string, outcome Outcome, reason, editedBy string, editedAt time.Time, delta int) error
}

// IdentityStore is the read-side contract on participants.
type IdentityStore interface {
	Participant(ctx context.Context, id string) (identity.Participant, error)
	Secret(ctx context.Context, participantID string) ([]byte, error)
}

// AttestationGate vouches for device/app integrity. The verdict is trusted
// as-is; the core never re-derives it.
type AttestationGate interface {
	Verify(ctx context.Context, token string) (bool, error)
}
