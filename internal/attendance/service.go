package attendance

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"unimark/internal/audit"
	"unimark/internal/geo"
	"unimark/internal/identity"
	"unimark/internal/proofcode"
)

// Policy holds the tunable limits of the verification pipeline.
type Policy struct {
	DefaultTTL     time.Duration // session lifetime when the organizer gives none
	DefaultRadiusM float64       // geofence radius when the organizer gives none
	EditWindow     time.Duration // how long after creation outcomes stay editable
	MinAccuracyM   float64       // maximum tolerated reported GPS accuracy
	Clock          func() time.Time
}

// DefaultPolicy mirrors the system constants: 5 minute sessions, 500 m
// radius, 48 hour edit window, 50 m accuracy floor.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL:     5 * time.Minute,
		DefaultRadiusM: 500,
		EditWindow:     48 * time.Hour,
		MinAccuracyM:   50,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.DefaultTTL <= 0 {
		p.DefaultTTL = d.DefaultTTL
	}
	if p.DefaultRadiusM <= 0 {
		p.DefaultRadiusM = d.DefaultRadiusM
	}
	if p.EditWindow <= 0 {
		p.EditWindow = d.EditWindow
	}
	if p.MinAccuracyM <= 0 {
		p.MinAccuracyM = d.MinAccuracyM
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	return p
}

// Service is the verification core: session lifecycle, the submission
// pipeline, and post-hoc correction.
type Service struct {
	store Store
	ids   IdentityStore
	gate  AttestationGate
	sink  audit.Sink
	pol   Policy
	now   func() time.Time
}

// NewService wires the core against its collaborators.
func NewService(store Store, ids IdentityStore, gate AttestationGate, sink audit.Sink, pol Policy) *Service {
	if sink == nil {
		sink = audit.Nop{}
	}
	pol = pol.normalized()
	return &Service{store: store, ids: ids, gate: gate, sink: sink, pol: pol, now: pol.Clock}
}

// CreateSessionRequest carries organizer input for a new session.
type CreateSessionRequest struct {
	Scope      Scope     `json:"scope"`
	Subject    string    `json:"subject"`
	TTLSeconds int       `json:"ttl_seconds"`
	RadiusM    float64   `json:"radius_m"`
	Center     geo.Point `json:"center"`
	CenterAccM float64   `json:"center_acc_m"`
}

// CreateSession opens a new verification window owned by the organizer.
// Every failure emits one SESSION_CREATE_FAILED audit event carrying the
// precise cause.
func (s *Service) CreateSession(ctx context.Context, organizerID string, req CreateSessionRequest) (Session, error) {
	fail := func(err *Error, cause string, extra map[string]any) (Session, error) {
		details := map[string]any{"cause": cause}
		for k, v := range extra {
			details[k] = v
		}
		s.sink.Record(ctx, audit.Event{
			Type: audit.EventSessionCreateFailed, ActorID: organizerID, Details: details,
		})
		return Session{}, err
	}

	actor, err := s.ids.Participant(ctx, organizerID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return fail(E(KindNotFound, "organizer not found"), "organizer_not_found", nil)
		}
		return fail(Wrap(KindInternal, "identity lookup failed", err), "identity_store_error", nil)
	}
	if actor.Role != identity.RoleOrganizer {
		return fail(E(KindNotAuthorized, "only organizers can create sessions"), "not_organizer_role", map[string]any{"role": string(actor.Role)})
	}
	if req.Scope.Branch == "" || req.Scope.ClassID == "" || len(req.Scope.CohortIDs) == 0 {
		return fail(E(KindNotAuthorized, "session scope requires branch, class, and at least one cohort"), "invalid_scope", nil)
	}
	if req.Subject == "" {
		return fail(E(KindNotAuthorized, "subject label required"), "subject_missing", nil)
	}

	base, err := rand.Int(rand.Reader, big.NewInt(1000))
	if err != nil {
		return fail(Wrap(KindInternal, "code generation failed", err), "code_generation_failed", nil)
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fail(Wrap(KindInternal, "nonce generation failed", err), "nonce_generation_failed", nil)
	}

	ttl := s.pol.DefaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	radius := s.pol.DefaultRadiusM
	if req.RadiusM > 0 {
		radius = req.RadiusM
	}
	now := s.now().UTC()
	sess := Session{
		ID:            uuid.NewString(),
		OrganizerID:   organizerID,
		Scope:         req.Scope,
		Subject:       req.Subject,
		BaseCode:      int(base.Int64()),
		Nonce:         nonce,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		EditableUntil: now.Add(s.pol.EditWindow),
		Center:        req.Center,
		CenterAccM:    req.CenterAccM,
		RadiusM:       radius,
		Status:        StatusOpen,
	}
	if !sess.EditableUntil.After(sess.ExpiresAt) {
		return fail(E(KindNotAuthorized, "session lifetime exceeds the edit window"), "ttl_exceeds_edit_window", map[string]any{"ttl_s": int(ttl.Seconds())})
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return fail(Wrap(KindInternal, "session create failed", err), "store_create_failed", nil)
	}

	s.sink.Record(ctx, audit.Event{
		Type: audit.EventSessionCreated, SessionID: sess.ID, ActorID: organizerID,
		Details: map[string]any{
			"subject":    sess.Subject,
			"branch":     sess.Scope.Branch,
			"class_id":   sess.Scope.ClassID,
			"cohort_ids": sess.Scope.CohortIDs,
			"ttl_s":      int(ttl.Seconds()),
			"radius_m":   radius,
		},
	})
	return sess, nil
}

// SubmitRequest is one attendance submission from an authenticated subject.
type SubmitRequest struct {
	SessionID        string
	SubjectID        string
	Code             int
	Location         Location
	DeviceInstIDHash string
	DevicePlatform   string
	UseBiometric     bool
	AttestationToken string
	PIN              string
	IP               string
	UserAgent        string
}

// SubmitResult reports an accepted submission.
type SubmitResult struct {
	RecordID string       `json:"record_id"`
	Stats    SessionStats `json:"session_stats"`
}

// Submit runs the ordered verification gates and, when all pass, commits
// the attendance record atomically with the session counters and any
// first-use device binding. The first failing gate aborts with its kind;
// no gate leaves partial state behind. Exactly one audit event is emitted
// per call.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	fail := func(err *Error, cause string, extra map[string]any) (SubmitResult, error) {
		details := map[string]any{"cause": cause, "code": req.Code}
		for k, v := range extra {
			details[k] = v
		}
		s.sink.Record(ctx, audit.Event{
			Type: audit.EventAttendanceSubmitFail, SessionID: req.SessionID,
			SubjectID: req.SubjectID, IP: req.IP, UserAgent: req.UserAgent,
			Details: details,
		})
		return SubmitResult{}, err
	}

	// Gate 1: identity and role.
	subject, err := s.ids.Participant(ctx, req.SubjectID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return fail(E(KindNotFound, "participant not found"), "not_registered", nil)
		}
		return fail(Wrap(KindInternal, "identity lookup failed", err), "identity_store_error", nil)
	}
	if subject.Role != identity.RoleSubject {
		return fail(E(KindNotAuthorized, "only subjects can submit attendance"), "not_subject_role", map[string]any{"role": string(subject.Role)})
	}

	sess, err := s.store.Session(ctx, req.SessionID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return fail(E(KindNotFound, "session not found"), "session_not_found", nil)
		}
		return fail(Wrap(KindInternal, "session lookup failed", err), "store_error", nil)
	}

	// Gate 2: scope eligibility.
	if !sess.Scope.Covers(subject.Branch, subject.ClassID, subject.CohortID) {
		return fail(E(KindNotAuthorized, "not eligible for this session"), "not_eligible", map[string]any{
			"branch": subject.Branch, "class_id": subject.ClassID, "cohort_id": subject.CohortID,
		})
	}

	// Gate 3: freshness. The caller sees a uniform NotAuthorized; the
	// audit trail distinguishes a closed session from an expired one.
	now := s.now().UTC()
	if !sess.AcceptsSubmissions(now) {
		cause := "session_not_open"
		if sess.Status == StatusOpen {
			cause = "session_expired"
		}
		return fail(E(KindNotAuthorized, "session is not accepting submissions"), cause, map[string]any{"status": string(sess.Status)})
	}

	// Gate 4: non-duplication. This read gives the common case a precise
	// error; the commit below enforces the invariant under races.
	existing, err := s.store.Record(ctx, req.SessionID, req.SubjectID)
	if err != nil {
		return fail(Wrap(KindInternal, "record lookup failed", err), "store_error", nil)
	}
	if existing != nil {
		return fail(E(KindDuplicate, "attendance already submitted for this session"), "duplicate", nil)
	}

	// Gate 5: location accuracy. A coarse fix is rejected before any
	// distance math to avoid false accepts from low-confidence GPS.
	if req.Location.AccM > s.pol.MinAccuracyM {
		return fail(Ef(KindOutOfRange, "location accuracy %.0fm exceeds the %.0fm limit", req.Location.AccM, s.pol.MinAccuracyM),
			"accuracy_too_low", map[string]any{"acc_m": req.Location.AccM})
	}

	// Gate 6: geofence, boundary inclusive.
	distance := geo.DistanceMeters(req.Location.Point, sess.Center)
	if distance > sess.RadiusM {
		return fail(Ef(KindOutOfRange, "location %.0fm from session (limit %.0fm)", distance, sess.RadiusM),
			"out_of_range", map[string]any{"distance_m": distance, "radius_m": sess.RadiusM})
	}

	// Gate 7: device binding; first use binds inside the commit below.
	var newBinding *identity.DeviceBinding
	if subject.Device == nil {
		newBinding = &identity.DeviceBinding{
			InstIDHash: req.DeviceInstIDHash,
			Platform:   req.DevicePlatform,
			BoundAt:    now,
		}
	} else if subject.Device.InstIDHash != req.DeviceInstIDHash {
		return fail(E(KindDeviceMismatch, "device binding mismatch"), "device_mismatch", nil)
	}

	// Gate 8: exactly one authentication method.
	switch {
	case req.UseBiometric:
		ok, err := s.gate.Verify(ctx, req.AttestationToken)
		if err != nil {
			return fail(Wrap(KindAttestationFailed, "attestation verification unavailable", err), "attestation_error", nil)
		}
		if !ok {
			return fail(E(KindAttestationFailed, "device integrity verdict failed"), "attestation_failed", nil)
		}
	case req.PIN != "":
		if subject.PINDigest == "" {
			return fail(E(KindNotAuthorized, "PIN not set"), "pin_not_set", nil)
		}
		if !subject.PINMatches(req.PIN) {
			return fail(E(KindNotAuthorized, "invalid PIN"), "pin_invalid", nil)
		}
	default:
		return fail(E(KindNotAuthorized, "authentication method required"), "auth_method_missing", nil)
	}

	// Gate 9: proof code.
	secret, err := s.ids.Secret(ctx, req.SubjectID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return fail(E(KindNotFound, "participant secret not found"), "secret_missing", nil)
		}
		return fail(Wrap(KindInternal, "secret lookup failed", err), "identity_store_error", nil)
	}
	if !proofcode.Verify(req.Code, sess.BaseCode, secret, sess.Nonce) {
		return fail(E(KindInvalidCode, "invalid session code"), "invalid_code", nil)
	}

	rec := Record{
		ID:               uuid.NewString(),
		SessionID:        req.SessionID,
		SubjectID:        req.SubjectID,
		EnrollmentNo:     subject.EnrollmentNo,
		SubmittedAt:      now,
		Code:             req.Code,
		DeviceInstIDHash: req.DeviceInstIDHash,
		Location:         req.Location,
		DistanceM:        distance,
		Verified: VerificationFlags{
			TimeOK: true, CodeOK: true, DeviceOK: true, IntegrityOK: true, LocationOK: true,
		},
		Result: OutcomeAccepted,
	}
	stats, err := s.store.CommitSubmission(ctx, rec, newBinding)
	if err != nil {
		if KindOf(err) == KindDuplicate {
			// A concurrent submission won the insert.
			return fail(E(KindDuplicate, "attendance already submitted for this session"), "duplicate", nil)
		}
		// Neither accepted nor rejected: the commit wrote nothing.
		return fail(Wrap(KindInternal, "attendance commit failed", err), "store_commit_failed", nil)
	}

	s.sink.Record(ctx, audit.Event{
		Type: audit.EventAttendanceSubmitted, SessionID: req.SessionID,
		SubjectID: req.SubjectID, IP: req.IP, UserAgent: req.UserAgent,
		Details: map[string]any{
			"enrollment_no": subject.EnrollmentNo,
			"code":          req.Code,
			"distance_m":    distance,
			"acc_m":         req.Location.AccM,
			"biometric":     req.UseBiometric,
			"device_bound":  newBinding != nil,
		},
	})
	return SubmitResult{RecordID: rec.ID, Stats: stats}, nil
}

// Correct amends a committed outcome within the edit window. Verification
// checks are not re-run; only the outcome, reason, and edit stamps change.
// The present counter is recomputed atomically with the write. Failures
// emit one ATTENDANCE_EDIT_FAILED audit event with the cause.
func (s *Service) Correct(ctx context.Context, sessionID, subjectID string, newOutcome Outcome, reason, actorID string) error {
	fail := func(err *Error, cause string) error {
		s.sink.Record(ctx, audit.Event{
			Type: audit.EventAttendanceEditFail, SessionID: sessionID,
			SubjectID: subjectID, ActorID: actorID,
			Details: map[string]any{"cause": cause},
		})
		return err
	}

	if newOutcome != OutcomeAccepted && newOutcome != OutcomeRejected {
		return fail(Ef(KindNotAuthorized, "unknown outcome %q", newOutcome), "invalid_outcome")
	}
	actor, err := s.ids.Participant(ctx, actorID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return fail(E(KindNotFound, "actor not found"), "actor_not_found")
		}
		return fail(Wrap(KindInternal, "identity lookup failed", err), "identity_store_error")
	}

	sess, err := s.store.Session(ctx, sessionID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return fail(E(KindNotFound, "session not found"), "session_not_found")
		}
		return fail(Wrap(KindInternal, "session lookup failed", err), "store_error")
	}
	switch actor.Role {
	case identity.RoleOperator:
	case identity.RoleOrganizer:
		if sess.OrganizerID != actorID {
			return fail(E(KindNotAuthorized, "not the session organizer"), "not_session_organizer")
		}
	default:
		return fail(E(KindNotAuthorized, "actor may not edit attendance"), "not_editor_role")
	}
	if sess.Status == StatusLocked {
		return fail(E(KindSessionLocked, "session is locked"), "session_locked")
	}
	now := s.now().UTC()
	if !sess.Editable(now) {
		return fail(E(KindEditWindowExpired, "edit window has elapsed"), "edit_window_expired")
	}

	rec, err := s.store.Record(ctx, sessionID, subjectID)
	if err != nil {
		return fail(Wrap(KindInternal, "record lookup failed", err), "store_error")
	}
	if rec == nil {
		return fail(E(KindNotFound, "no attendance record for this subject"), "record_not_found")
	}

	delta := 0
	switch {
	case rec.Result == OutcomeAccepted && newOutcome == OutcomeRejected:
		delta = -1
	case rec.Result == OutcomeRejected && newOutcome == OutcomeAccepted:
		delta = 1
	}
	if err := s.store.UpdateRecordOutcome(ctx, sessionID, subjectID, newOutcome, reason, actorID, now, delta); err != nil {
		return fail(Wrap(KindInternal, "attendance edit failed", err), "store_edit_failed")
	}

	s.sink.Record(ctx, audit.Event{
		Type: audit.EventAttendanceEdited, SessionID: sessionID, SubjectID: subjectID, ActorID: actorID,
		Details: map[string]any{
			"previous": string(rec.Result),
			"new":      string(newOutcome),
			"reason":   reason,
		},
	})
	return nil
}

// CloseSession moves an open session to closed. Closing an already-closed
// session is a no-op; a locked session cannot be closed. Failures emit one
// SESSION_CLOSE_FAILED audit event with the cause.
func (s *Service) CloseSession(ctx context.Context, sessionID, actorID string) error {
	fail := func(err *Error, cause string) error {
		s.sink.Record(ctx, audit.Event{
			Type: audit.EventSessionCloseFailed, SessionID: sessionID, ActorID: actorID,
			Details: map[string]any{"cause": cause},
		})
		return err
	}

	actor, err := s.ids.Participant(ctx, actorID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return fail(E(KindNotFound, "actor not found"), "actor_not_found")
		}
		return fail(Wrap(KindInternal, "identity lookup failed", err), "identity_store_error")
	}
	sess, err := s.store.Session(ctx, sessionID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return fail(E(KindNotFound, "session not found"), "session_not_found")
		}
		return fail(Wrap(KindInternal, "session lookup failed", err), "store_error")
	}
	switch actor.Role {
	case identity.RoleOperator:
	case identity.RoleOrganizer:
		if sess.OrganizerID != actorID {
			return fail(E(KindNotAuthorized, "not the session organizer"), "not_session_organizer")
		}
	default:
		return fail(E(KindNotAuthorized, "actor may not close sessions"), "not_closer_role")
	}

	changed, err := s.store.TransitionSession(ctx, sessionID, StatusOpen, StatusClosed)
	if err != nil {
		return fail(Wrap(KindInternal, "session close failed", err), "store_close_failed")
	}
	if !changed {
		if sess.Status == StatusLocked {
			return fail(E(KindSessionLocked, "session is locked"), "session_locked")
		}
		return nil // already closed
	}

	s.sink.Record(ctx, audit.Event{
		Type: audit.EventSessionClosed, SessionID: sessionID, ActorID: actorID,
	})
	return nil
}

// SweepExpiredSessions locks every non-locked session whose edit window
// has elapsed. Running it twice is a no-op; it is scheduled hourly by the
// worker.
func (s *Service) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	locked, err := s.store.LockExpired(ctx, now.UTC())
	if err != nil {
		return 0, Wrap(KindInternal, "lock sweep failed", err)
	}
	if locked > 0 {
		s.sink.Record(ctx, audit.Event{
			Type:    audit.EventSessionsLocked,
			Details: map[string]any{"locked": locked},
		})
	}
	return locked, nil
}

// Session returns a session by id.
func (s *Service) Session(ctx context.Context, id string) (Session, error) {
	return s.store.Session(ctx, id)
}
