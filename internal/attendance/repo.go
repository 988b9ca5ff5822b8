package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"unimark/internal/identity"
)

// Repository persists sessions and attendance records in Postgres. The
// one-record-per-(session, subject) invariant rides on the table's primary
// key: CommitSubmission inserts with ON CONFLICT DO NOTHING inside the
// same transaction as the counter bump and binding write, so concurrent
// submissions cannot both commit.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateSession inserts a new session.
func (r *Repository) CreateSession(ctx context.Context, s Session) error {
	cohorts, err := json.Marshal(s.Scope.CohortIDs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, organizer_id, branch, class_id, cohort_ids, subject,
			base_code, nonce, created_at, expires_at, editable_until,
			center_lat, center_lng, center_acc_m, radius_m, status,
			present_count, total_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,0,0)
	`, s.ID, s.OrganizerID, s.Scope.Branch, s.Scope.ClassID, cohorts, s.Subject,
		s.BaseCode, s.Nonce, s.CreatedAt, s.ExpiresAt, s.EditableUntil,
		s.Center.Lat, s.Center.Lng, s.CenterAccM, s.RadiusM, s.Status)
	return err
}

// Session returns a session by id.
func (r *Repository) Session(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, organizer_id, branch, class_id, cohort_ids, subject,
		       base_code, nonce, created_at, expires_at, editable_until,
		       center_lat, center_lng, center_acc_m, radius_m, status,
		       present_count, total_count
		FROM sessions WHERE id = $1
	`, id)
	var s Session
	var cohorts []byte
	err := row.Scan(&s.ID, &s.OrganizerID, &s.Scope.Branch, &s.Scope.ClassID,
		&cohorts, &s.Subject, &s.BaseCode, &s.Nonce, &s.CreatedAt, &s.ExpiresAt,
		&s.EditableUntil, &s.Center.Lat, &s.Center.Lng, &s.CenterAccM,
		&s.RadiusM, &s.Status, &s.Stats.PresentCount, &s.Stats.TotalCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, E(KindNotFound, "session not found")
		}
		return Session{}, err
	}
	if err := json.Unmarshal(cohorts, &s.Scope.CohortIDs); err != nil {
		return Session{}, fmt.Errorf("decode cohort ids for %s: %w", id, err)
	}
	return s, nil
}

// TransitionSession applies a guarded status change.
func (r *Repository) TransitionSession(ctx context.Context, id string, from, to Status) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LockExpired locks every non-locked session whose edit window has elapsed.
func (r *Repository) LockExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'locked'
		WHERE status <> 'locked' AND editable_until < $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Record returns the attendance record for a (session, subject) pair, or
// nil when none exists.
func (r *Repository) Record(ctx context.Context, sessionID, subjectID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, subject_id, enrollment_no, submitted_at, code,
		       device_inst_id_hash, lat, lng, acc_m, distance_m,
		       time_ok, code_ok, device_ok, integrity_ok, location_ok,
		       result, reason, edited_by, edited_at
		FROM attendance_records WHERE session_id = $1 AND subject_id = $2
	`, sessionID, subjectID)
	var rec Record
	var reason, editedBy sql.NullString
	var editedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.SubjectID, &rec.EnrollmentNo,
		&rec.SubmittedAt, &rec.Code, &rec.DeviceInstIDHash,
		&rec.Location.Lat, &rec.Location.Lng, &rec.Location.AccM, &rec.DistanceM,
		&rec.Verified.TimeOK, &rec.Verified.CodeOK, &rec.Verified.DeviceOK,
		&rec.Verified.IntegrityOK, &rec.Verified.LocationOK,
		&rec.Result, &reason, &editedBy, &editedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Reason = reason.String
	rec.EditedBy = editedBy.String
	if editedAt.Valid {
		t := editedAt.Time
		rec.EditedAt = &t
	}
	return &rec, nil
}

// CommitSubmission writes the record, counters, and any first-use binding
// in one transaction.
func (r *Repository) CommitSubmission(ctx context.Context, rec Record, binding *identity.DeviceBinding) (SessionStats, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return SessionStats{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_records (
			id, session_id, subject_id, enrollment_no, submitted_at, code,
			device_inst_id_hash, lat, lng, acc_m, distance_m,
			time_ok, code_ok, device_ok, integrity_ok, location_ok, result
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (session_id, subject_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.SubjectID, rec.EnrollmentNo, rec.SubmittedAt,
		rec.Code, rec.DeviceInstIDHash, rec.Location.Lat, rec.Location.Lng,
		rec.Location.AccM, rec.DistanceM, rec.Verified.TimeOK, rec.Verified.CodeOK,
		rec.Verified.DeviceOK, rec.Verified.IntegrityOK, rec.Verified.LocationOK,
		rec.Result)
	if err != nil {
		return SessionStats{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return SessionStats{}, err
	} else if n == 0 {
		return SessionStats{}, E(KindDuplicate, "record already exists")
	}

	var stats SessionStats
	err = tx.QueryRowContext(ctx, `
		UPDATE sessions
		SET present_count = present_count + 1, total_count = total_count + 1
		WHERE id = $1
		RETURNING present_count, total_count
	`, rec.SessionID).Scan(&stats.PresentCount, &stats.TotalCount)
	if err != nil {
		return SessionStats{}, err
	}

	if binding != nil {
		// Guard against overwriting a binding raced in by another commit.
		_, err = tx.ExecContext(ctx, `
			UPDATE participants
			SET device_inst_id_hash = $2, device_platform = $3, device_bound_at = $4
			WHERE id = $1 AND device_inst_id_hash IS NULL
		`, rec.SubjectID, binding.InstIDHash, binding.Platform, binding.BoundAt)
		if err != nil {
			return SessionStats{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return SessionStats{}, err
	}
	return stats, nil
}

// UpdateRecordOutcome rewrites a record's outcome and adjusts the present
// counter in the same transaction.
func (r *Repository) UpdateRecordOutcome(ctx context.Context, sessionID, subjectID string, outcome Outcome, reason, editedBy string, editedAt time.Time, delta int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE attendance_records
		SET result = $3, reason = $4, edited_by = $5, edited_at = $6
		WHERE session_id = $1 AND subject_id = $2
	`, sessionID, subjectID, outcome, reason, editedBy, editedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return E(KindNotFound, "record not found")
	}

	if delta != 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET present_count = present_count + $2 WHERE id = $1`,
			sessionID, delta)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
