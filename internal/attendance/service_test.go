package attendance

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"unimark/internal/audit"
	"unimark/internal/geo"
	"unimark/internal/identity"
	"unimark/internal/proofcode"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubGate struct {
	ok  bool
	err error
}

func (g stubGate) Verify(context.Context, string) (bool, error) { return g.ok, g.err }

type fixture struct {
	svc   *Service
	store *MemStore
	sink  *audit.Memory
	clock *fakeClock
	gate  *stubGate
}

const (
	organizerID = "fac-1"
	subjectID   = "stu-1"
	operatorID  = "ops-1"
	deviceHash  = "device-hash-1"
	subjectPIN  = "1234"
)

func participantOrganizer(id string) identity.Participant {
	return identity.Participant{ID: id, Role: identity.RoleOrganizer}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemStore()
	sink := audit.NewMemory()
	clock := newFakeClock()
	gate := &stubGate{ok: true}

	store.AddParticipant(identity.Participant{
		ID: organizerID, Name: "Prof. Mehta", Role: identity.RoleOrganizer,
	})
	store.AddParticipant(identity.Participant{
		ID: operatorID, Name: "Registrar", Role: identity.RoleOperator,
	})
	store.AddParticipant(identity.Participant{
		ID: subjectID, Name: "Asha", Role: identity.RoleSubject,
		EnrollmentNo: "EN001", Branch: "CE", ClassID: "CE-3", CohortID: "B1",
		PINDigest: identity.DigestPIN(subjectPIN),
	})
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("rand: %v", err)
	}
	store.SetSecret(subjectID, secret)

	svc := NewService(store, store, gate, sink, Policy{Clock: clock.Now})
	return &fixture{svc: svc, store: store, sink: sink, clock: clock, gate: gate}
}

func (f *fixture) createSession(t *testing.T) Session {
	t.Helper()
	sess, err := f.svc.CreateSession(context.Background(), organizerID, CreateSessionRequest{
		Scope:   Scope{Branch: "CE", ClassID: "CE-3", CohortIDs: []string{"B1", "B2"}},
		Subject: "Distributed Systems",
		Center:  geo.Point{Lat: 22.3039, Lng: 70.8022},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func (f *fixture) validSubmit(t *testing.T, sess Session) SubmitRequest {
	t.Helper()
	secret, err := f.store.Secret(context.Background(), subjectID)
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	return SubmitRequest{
		SessionID:        sess.ID,
		SubjectID:        subjectID,
		Code:             proofcode.Expected(sess.BaseCode, secret, sess.Nonce),
		Location:         Location{Point: sess.Center, AccM: 10},
		DeviceInstIDHash: deviceHash,
		DevicePlatform:   "android",
		PIN:              subjectPIN,
	}
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("want error kind %s, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("error kind = %s, want %s (err: %v)", got, kind, err)
	}
}

func lastFailCause(t *testing.T, sink *audit.Memory) string {
	t.Helper()
	fails := sink.ByType(audit.EventAttendanceSubmitFail)
	if len(fails) == 0 {
		t.Fatal("no submit-failure audit event recorded")
	}
	cause, _ := fails[len(fails)-1].Details["cause"].(string)
	return cause
}

func TestSubmitAccepted(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)

	res, err := f.svc.Submit(context.Background(), f.validSubmit(t, sess))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.RecordID == "" {
		t.Fatal("empty record id")
	}
	if res.Stats.PresentCount != 1 || res.Stats.TotalCount != 1 {
		t.Fatalf("stats = %+v, want (1,1)", res.Stats)
	}

	rec, err := f.store.Record(context.Background(), sess.ID, subjectID)
	if err != nil || rec == nil {
		t.Fatalf("record lookup: %v, %v", rec, err)
	}
	if rec.Result != OutcomeAccepted {
		t.Fatalf("result = %s, want accepted", rec.Result)
	}
	want := VerificationFlags{TimeOK: true, CodeOK: true, DeviceOK: true, IntegrityOK: true, LocationOK: true}
	if rec.Verified != want {
		t.Fatalf("flags = %+v", rec.Verified)
	}

	// First use binds the device as part of the commit.
	p, err := f.store.Participant(context.Background(), subjectID)
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if p.Device == nil || p.Device.InstIDHash != deviceHash {
		t.Fatalf("device not bound: %+v", p.Device)
	}

	if n := len(f.sink.ByType(audit.EventAttendanceSubmitted)); n != 1 {
		t.Fatalf("submitted audit events = %d, want 1", n)
	}
}

func TestSubmitDuplicate(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	req := f.validSubmit(t, sess)

	if _, err := f.svc.Submit(context.Background(), req); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := f.svc.Submit(context.Background(), req)
	wantKind(t, err, KindDuplicate)

	sess, _ = f.store.Session(context.Background(), sess.ID)
	if sess.Stats.PresentCount != 1 || sess.Stats.TotalCount != 1 {
		t.Fatalf("stats = %+v, want (1,1)", sess.Stats)
	}
}

func TestSubmitConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	req := f.validSubmit(t, sess)

	const attempts = 32
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Submit(context.Background(), req)
		}(i)
	}
	wg.Wait()

	accepted, duplicates := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case KindOf(err) == KindDuplicate:
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if accepted != 1 || duplicates != attempts-1 {
		t.Fatalf("accepted=%d duplicates=%d, want 1 and %d", accepted, duplicates, attempts-1)
	}

	sess, _ = f.store.Session(context.Background(), sess.ID)
	if sess.Stats.PresentCount != 1 || sess.Stats.TotalCount != 1 {
		t.Fatalf("stats = %+v, want (1,1)", sess.Stats)
	}
}

func TestSubmitInvalidCode(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	req := f.validSubmit(t, sess)
	req.Code = (req.Code + 1) % 1000

	_, err := f.svc.Submit(context.Background(), req)
	wantKind(t, err, KindInvalidCode)

	// A rejected gate leaves no record and no counter movement.
	if rec, _ := f.store.Record(context.Background(), sess.ID, subjectID); rec != nil {
		t.Fatal("record created for rejected submission")
	}
	sess, _ = f.store.Session(context.Background(), sess.ID)
	if sess.Stats.TotalCount != 0 {
		t.Fatalf("counters moved on rejection: %+v", sess.Stats)
	}
}

func TestSubmitAccuracyRejectedBeforeDistance(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	req := f.validSubmit(t, sess)
	req.Location.AccM = 60

	_, err := f.svc.Submit(context.Background(), req)
	wantKind(t, err, KindOutOfRange)
	if cause := lastFailCause(t, f.sink); cause != "accuracy_too_low" {
		t.Fatalf("cause = %q, want accuracy_too_low", cause)
	}
}

func TestSubmitGeofenceBoundary(t *testing.T) {
	f := newFixture(t)
	center := geo.Point{Lat: 22.3039, Lng: 70.8022}
	claimed := geo.Point{Lat: 22.3080, Lng: 70.8022} // a few hundred meters north
	distance := geo.DistanceMeters(claimed, center)

	create := func(radius float64) Session {
		sess, err := f.svc.CreateSession(context.Background(), organizerID, CreateSessionRequest{
			Scope:   Scope{Branch: "CE", ClassID: "CE-3", CohortIDs: []string{"B1"}},
			Subject: "Networks",
			RadiusM: radius,
			Center:  center,
		})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		return sess
	}

	// Exactly on the boundary: inclusive, accepted.
	sess := create(distance)
	req := f.validSubmit(t, sess)
	req.Location.Point = claimed
	if _, err := f.svc.Submit(context.Background(), req); err != nil {
		t.Fatalf("boundary submit rejected: %v", err)
	}

	// One meter inside the claimed distance: rejected with the distance
	// in the message.
	sess = create(distance - 1)
	req = f.validSubmit(t, sess)
	req.Location.Point = claimed
	_, err := f.svc.Submit(context.Background(), req)
	wantKind(t, err, KindOutOfRange)
	if cause := lastFailCause(t, f.sink); cause != "out_of_range" {
		t.Fatalf("cause = %q, want out_of_range", cause)
	}
}

func TestSubmitTimeBoundary(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)

	// Just before expiry: accepted.
	f.clock.Advance(5*time.Minute - time.Second)
	if _, err := f.svc.Submit(context.Background(), f.validSubmit(t, sess)); err != nil {
		t.Fatalf("submit at expiry-1s: %v", err)
	}

	// Just after expiry on a fresh session: uniform NotAuthorized, with
	// the expiry cause preserved in the audit trail.
	sess2 := f.createSession(t)
	f.clock.Advance(5*time.Minute + time.Second)
	req := f.validSubmit(t, sess2)
	_, err := f.svc.Submit(context.Background(), req)
	wantKind(t, err, KindNotAuthorized)
	if cause := lastFailCause(t, f.sink); cause != "session_expired" {
		t.Fatalf("cause = %q, want session_expired", cause)
	}
}

func TestSubmitEligibility(t *testing.T) {
	f := newFixture(t)
	f.store.AddParticipant(identity.Participant{
		ID: "stu-2", Role: identity.RoleSubject,
		Branch: "CE", ClassID: "CE-3", CohortID: "B9", // cohort outside scope
		PINDigest: identity.DigestPIN("0000"),
	})
	f.store.SetSecret("stu-2", make([]byte, 32))
	sess := f.createSession(t)

	req := f.validSubmit(t, sess)
	req.SubjectID = "stu-2"
	req.PIN = "0000"
	_, err := f.svc.Submit(context.Background(), req)
	wantKind(t, err, KindNotAuthorized)
	if cause := lastFailCause(t, f.sink); cause != "not_eligible" {
		t.Fatalf("cause = %q, want not_eligible", cause)
	}
}

func TestSubmitRequiresSubjectRole(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	req := f.validSubmit(t, sess)
	req.SubjectID = organizerID
	_, err := f.svc.Submit(context.Background(), req)
	wantKind(t, err, KindNotAuthorized)
}

func TestSubmitDeviceMismatch(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	req := f.validSubmit(t, sess)
	if _, err := f.svc.Submit(context.Background(), req); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// The first submission bound deviceHash; a different device on a new
	// session must be refused.
	sess2 := f.createSession(t)
	req2 := f.validSubmit(t, sess2)
	req2.DeviceInstIDHash = "other-device"
	_, err := f.svc.Submit(context.Background(), req2)
	wantKind(t, err, KindDeviceMismatch)
}

func TestSubmitAuthMethods(t *testing.T) {
	f := newFixture(t)

	t.Run("no method", func(t *testing.T) {
		sess := f.createSession(t)
		req := f.validSubmit(t, sess)
		req.PIN = ""
		_, err := f.svc.Submit(context.Background(), req)
		wantKind(t, err, KindNotAuthorized)
		if cause := lastFailCause(t, f.sink); cause != "auth_method_missing" {
			t.Fatalf("cause = %q", cause)
		}
	})

	t.Run("wrong pin", func(t *testing.T) {
		sess := f.createSession(t)
		req := f.validSubmit(t, sess)
		req.PIN = "9999"
		_, err := f.svc.Submit(context.Background(), req)
		wantKind(t, err, KindNotAuthorized)
		if cause := lastFailCause(t, f.sink); cause != "pin_invalid" {
			t.Fatalf("cause = %q", cause)
		}
	})

	t.Run("biometric pass", func(t *testing.T) {
		sess := f.createSession(t)
		req := f.validSubmit(t, sess)
		req.PIN = ""
		req.UseBiometric = true
		req.AttestationToken = "token"
		if _, err := f.svc.Submit(context.Background(), req); err != nil {
			t.Fatalf("biometric submit: %v", err)
		}
	})

	t.Run("biometric verdict fails", func(t *testing.T) {
		f.gate.ok = false
		defer func() { f.gate.ok = true }()
		sess := f.createSession(t)
		req := f.validSubmit(t, sess)
		req.PIN = ""
		req.UseBiometric = true
		_, err := f.svc.Submit(context.Background(), req)
		wantKind(t, err, KindAttestationFailed)
	})

	t.Run("gate unavailable", func(t *testing.T) {
		f.gate.err = errors.New("gateway timeout")
		defer func() { f.gate.err = nil }()
		sess := f.createSession(t)
		req := f.validSubmit(t, sess)
		req.PIN = ""
		req.UseBiometric = true
		_, err := f.svc.Submit(context.Background(), req)
		wantKind(t, err, KindAttestationFailed)
	})
}

func TestSubmitUnknownSession(t *testing.T) {
	f := newFixture(t)
	req := SubmitRequest{
		SessionID: "missing", SubjectID: subjectID,
		Location:         Location{AccM: 10},
		DeviceInstIDHash: deviceHash,
		PIN:              subjectPIN,
	}
	_, err := f.svc.Submit(context.Background(), req)
	wantKind(t, err, KindNotFound)
}

func TestSubmitEmitsOneAuditEventPerCall(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)

	before := len(f.sink.Events())
	if _, err := f.svc.Submit(context.Background(), f.validSubmit(t, sess)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := len(f.sink.Events()) - before; got != 1 {
		t.Fatalf("audit events for accepted submit = %d, want 1", got)
	}

	before = len(f.sink.Events())
	if _, err := f.svc.Submit(context.Background(), f.validSubmit(t, sess)); err == nil {
		t.Fatal("duplicate accepted")
	}
	if got := len(f.sink.Events()) - before; got != 1 {
		t.Fatalf("audit events for rejected submit = %d, want 1", got)
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)

	if sess.Status != StatusOpen {
		t.Fatalf("status = %s", sess.Status)
	}
	if sess.BaseCode < 0 || sess.BaseCode >= 1000 {
		t.Fatalf("base code out of range: %d", sess.BaseCode)
	}
	if len(sess.Nonce) != 16 {
		t.Fatalf("nonce length = %d", len(sess.Nonce))
	}
	if got := sess.ExpiresAt.Sub(sess.CreatedAt); got != 5*time.Minute {
		t.Fatalf("ttl = %s, want 5m", got)
	}
	if got := sess.EditableUntil.Sub(sess.CreatedAt); got != 48*time.Hour {
		t.Fatalf("edit window = %s, want 48h", got)
	}
	if sess.RadiusM != 500 {
		t.Fatalf("radius = %v, want 500", sess.RadiusM)
	}
	if !sess.EditableUntil.After(sess.ExpiresAt) || !sess.ExpiresAt.After(sess.CreatedAt) {
		t.Fatal("time invariant violated")
	}
}

func TestCreateSessionUniqueNonces(t *testing.T) {
	f := newFixture(t)
	a := f.createSession(t)
	b := f.createSession(t)
	if string(a.Nonce) == string(b.Nonce) {
		t.Fatal("nonces repeated across sessions")
	}
}

func TestCreateSessionFailuresAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Cohort-less scope: rejected, with exactly one audit event naming it.
	before := len(f.sink.Events())
	_, err := f.svc.CreateSession(ctx, organizerID, CreateSessionRequest{
		Scope:   Scope{Branch: "CE", ClassID: "CE-3"},
		Subject: "Compilers",
	})
	wantKind(t, err, KindNotAuthorized)
	if got := len(f.sink.Events()) - before; got != 1 {
		t.Fatalf("audit events for failed create = %d, want 1", got)
	}
	fails := f.sink.ByType(audit.EventSessionCreateFailed)
	if len(fails) == 0 {
		t.Fatal("no create-failure audit event recorded")
	}
	if cause, _ := fails[len(fails)-1].Details["cause"].(string); cause != "invalid_scope" {
		t.Fatalf("cause = %q, want invalid_scope", cause)
	}

	// Wrong role.
	before = len(f.sink.Events())
	_, err = f.svc.CreateSession(ctx, subjectID, CreateSessionRequest{
		Scope:   Scope{Branch: "CE", ClassID: "CE-3", CohortIDs: []string{"B1"}},
		Subject: "Compilers",
	})
	wantKind(t, err, KindNotAuthorized)
	if got := len(f.sink.Events()) - before; got != 1 {
		t.Fatalf("audit events for role-rejected create = %d, want 1", got)
	}
	fails = f.sink.ByType(audit.EventSessionCreateFailed)
	if cause, _ := fails[len(fails)-1].Details["cause"].(string); cause != "not_organizer_role" {
		t.Fatalf("cause = %q, want not_organizer_role", cause)
	}

	// Unknown actor.
	before = len(f.sink.Events())
	_, err = f.svc.CreateSession(ctx, "ghost", CreateSessionRequest{
		Scope:   Scope{Branch: "CE", ClassID: "CE-3", CohortIDs: []string{"B1"}},
		Subject: "Compilers",
	})
	wantKind(t, err, KindNotFound)
	if got := len(f.sink.Events()) - before; got != 1 {
		t.Fatalf("audit events for unknown-actor create = %d, want 1", got)
	}
	fails = f.sink.ByType(audit.EventSessionCreateFailed)
	if cause, _ := fails[len(fails)-1].Details["cause"].(string); cause != "organizer_not_found" {
		t.Fatalf("cause = %q, want organizer_not_found", cause)
	}
}

func TestCreateSessionRequiresOrganizer(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateSession(context.Background(), subjectID, CreateSessionRequest{
		Scope:   Scope{Branch: "CE", ClassID: "CE-3", CohortIDs: []string{"B1"}},
		Subject: "Algorithms",
	})
	wantKind(t, err, KindNotAuthorized)
}
