package attendance

import (
	"time"

	"unimark/internal/geo"
)

// Status is a session's lifecycle state. Transitions are one-directional:
// open -> closed -> locked, and locked is terminal.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
	StatusLocked Status = "locked"
)

var statusRank = map[Status]int{StatusOpen: 0, StatusClosed: 1, StatusLocked: 2}

// CanTransition reports whether moving to the given status respects the
// monotonic lifecycle.
func (s Status) CanTransition(to Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	next, ok := statusRank[to]
	if !ok {
		return false
	}
	return next > from
}

// Scope restricts a session to a group membership tuple. A subject is
// eligible when branch and class match and their cohort is one of the
// session's cohorts.
type Scope struct {
	Branch    string   `json:"branch"`
	ClassID   string   `json:"class_id"`
	CohortIDs []string `json:"cohort_ids"`
}

// Covers reports whether a subject's membership tuple falls inside the scope.
func (s Scope) Covers(branch, classID, cohortID string) bool {
	if branch != s.Branch || classID != s.ClassID {
		return false
	}
	for _, id := range s.CohortIDs {
		if id == cohortID {
			return true
		}
	}
	return false
}

// SessionStats are the running counters on a session.
type SessionStats struct {
	PresentCount int `json:"present_count"`
	TotalCount   int `json:"total_count"`
}

// Session is a time-boxed verification window owned by one organizer.
type Session struct {
	ID            string       `json:"id"`
	OrganizerID   string       `json:"organizer_id"`
	Scope         Scope        `json:"scope"`
	Subject       string       `json:"subject"`
	BaseCode      int          `json:"-"`
	Nonce         []byte       `json:"-"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	EditableUntil time.Time    `json:"editable_until"`
	Center        geo.Point    `json:"center"`
	CenterAccM    float64      `json:"center_acc_m"`
	RadiusM       float64      `json:"radius_m"`
	Status        Status       `json:"status"`
	Stats         SessionStats `json:"stats"`
}

// AcceptsSubmissions reports whether the submission freshness gate passes.
func (s Session) AcceptsSubmissions(now time.Time) bool {
	return s.Status == StatusOpen && !now.After(s.ExpiresAt)
}

// Editable reports whether the correction gate passes, status aside.
func (s Session) Editable(now time.Time) bool {
	return !now.After(s.EditableUntil)
}

// Location is a claimed position with its reported accuracy radius.
type Location struct {
	geo.Point
	AccM float64 `json:"acc_m"`
}

// VerificationFlags record which checks a submission passed.
type VerificationFlags struct {
	TimeOK      bool `json:"time_ok"`
	CodeOK      bool `json:"code_ok"`
	DeviceOK    bool `json:"device_ok"`
	IntegrityOK bool `json:"integrity_ok"`
	LocationOK  bool `json:"location_ok"`
}

// Outcome is the recorded result of a submission.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Record is the attendance record for one (session, subject) pair. At most
// one exists per pair, ever; after creation only the correction path may
// change it.
type Record struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id"`
	SubjectID        string            `json:"subject_id"`
	EnrollmentNo     string            `json:"enrollment_no"`
	SubmittedAt      time.Time         `json:"submitted_at"`
	Code             int               `json:"code"`
	DeviceInstIDHash string            `json:"device_inst_id_hash"`
	Location         Location          `json:"location"`
	DistanceM        float64           `json:"distance_m"`
	Verified         VerificationFlags `json:"verified"`
	Result           Outcome           `json:"result"`
	Reason           string            `json:"reason,omitempty"`
	EditedBy         string            `json:"edited_by,omitempty"`
	EditedAt         *time.Time        `json:"edited_at,omitempty"`
}
