// Package identity models participants and the store the core reads them
// from. Account provisioning lives elsewhere; the core only looks
// participants up and binds devices on first use.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// Role is a participant's role in the system.
type Role string

const (
	RoleOrganizer Role = "organizer"
	RoleSubject   Role = "subject"
	RoleOperator  Role = "operator"
)

// DeviceBinding ties a participant to one physical device across sessions.
type DeviceBinding struct {
	InstIDHash string    `json:"inst_id_hash"`
	Platform   string    `json:"platform"`
	BoundAt    time.Time `json:"bound_at"`
}

// Participant is a registered user as the core sees it.
type Participant struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Role         Role           `json:"role"`
	EnrollmentNo string         `json:"enrollment_no,omitempty"`
	Branch       string         `json:"branch,omitempty"`
	ClassID      string         `json:"class_id,omitempty"`
	CohortID     string         `json:"cohort_id,omitempty"`
	Device       *DeviceBinding `json:"device_binding,omitempty"`
	PINDigest    string         `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
}

// PINMatches checks a presented PIN against the stored SHA-256 hex digest.
func (p Participant) PINMatches(pin string) bool {
	if p.PINDigest == "" {
		return false
	}
	sum := sha256.Sum256([]byte(pin))
	digest := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(digest), []byte(p.PINDigest)) == 1
}

// DigestPIN returns the stored form of a PIN.
func DigestPIN(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}
