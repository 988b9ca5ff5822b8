package identity

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound signals a missing participant or secret.
var ErrNotFound = errors.New("identity: not found")

// Repository reads participants and their code-derivation secrets from
// Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Participant returns a participant by id.
func (r *Repository) Participant(ctx context.Context, id string) (Participant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, role, enrollment_no, branch, class_id, cohort_id,
		       device_inst_id_hash, device_platform, device_bound_at,
		       pin_digest, created_at
		FROM participants WHERE id = $1
	`, id)

	var p Participant
	var instIDHash, platform, pinDigest sql.NullString
	var boundAt sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &p.Role, &p.EnrollmentNo, &p.Branch,
		&p.ClassID, &p.CohortID, &instIDHash, &platform, &boundAt,
		&pinDigest, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Participant{}, ErrNotFound
		}
		return Participant{}, err
	}
	if instIDHash.Valid {
		p.Device = &DeviceBinding{
			InstIDHash: instIDHash.String,
			Platform:   platform.String,
			BoundAt:    boundAt.Time,
		}
	}
	p.PINDigest = pinDigest.String
	return p, nil
}

// Secret returns the per-participant code-derivation secret. Secrets are
// stored hex-encoded, one row per participant, written once at
// registration.
func (r *Repository) Secret(ctx context.Context, participantID string) ([]byte, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT seed FROM participant_seeds WHERE participant_id = $1`, participantID)
	var encoded string
	if err := row.Scan(&encoded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	secret, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode seed for %s: %w", participantID, err)
	}
	return secret, nil
}
