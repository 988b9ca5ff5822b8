package attendance

import (
	"context"
	"sync"
	"time"

	"unimark/internal/identity"
)

// MemStore implements Store and IdentityStore in process. It backs the
// dev/test store backend; the mutex gives it the same serialization the
// Postgres transaction provides, so pipeline tests exercise the real
// duplicate-prevention contract.
type MemStore struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	records      map[string]map[string]*Record // session id -> subject id -> record
	participants map[string]*identity.Participant
	secrets      map[string][]byte
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:     make(map[string]*Session),
		records:      make(map[string]map[string]*Record),
		participants: make(map[string]*identity.Participant),
		secrets:      make(map[string][]byte),
	}
}

// AddParticipant registers a participant.
func (m *MemStore) AddParticipant(p identity.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.participants[p.ID] = &cp
}

// SetSecret stores a participant's code-derivation secret.
func (m *MemStore) SetSecret(participantID string, secret []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[participantID] = append([]byte(nil), secret...)
}

// Participant implements IdentityStore.
func (m *MemStore) Participant(ctx context.Context, id string) (identity.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return identity.Participant{}, identity.ErrNotFound
	}
	out := *p
	if p.Device != nil {
		d := *p.Device
		out.Device = &d
	}
	return out, nil
}

// Secret implements IdentityStore.
func (m *MemStore) Secret(ctx context.Context, participantID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[participantID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return append([]byte(nil), s...), nil
}

// CreateSession implements Store.
func (m *MemStore) CreateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.sessions[s.ID] = &cp
	return nil
}

// Session implements Store.
func (m *MemStore) Session(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, E(KindNotFound, "session not found")
	}
	return *s, nil
}

// TransitionSession implements Store.
func (m *MemStore) TransitionSession(ctx context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != from || !from.CanTransition(to) {
		return false, nil
	}
	s.Status = to
	return true, nil
}

// LockExpired implements Store.
func (m *MemStore) LockExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	locked := 0
	for _, s := range m.sessions {
		if s.Status != StatusLocked && s.EditableUntil.Before(now) {
			s.Status = StatusLocked
			locked++
		}
	}
	return locked, nil
}

// Record implements Store.
func (m *MemStore) Record(ctx context.Context, sessionID, subjectID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID][subjectID]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// CommitSubmission implements Store. Insert, counter bump, and binding
// write happen under one lock acquisition, mirroring the transactional
// unit of the Postgres implementation.
func (m *MemStore) CommitSubmission(ctx context.Context, rec Record, binding *identity.DeviceBinding) (SessionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[rec.SessionID]
	if !ok {
		return SessionStats{}, E(KindNotFound, "session not found")
	}
	if _, exists := m.records[rec.SessionID][rec.SubjectID]; exists {
		return SessionStats{}, E(KindDuplicate, "record already exists")
	}

	if m.records[rec.SessionID] == nil {
		m.records[rec.SessionID] = make(map[string]*Record)
	}
	cp := rec
	m.records[rec.SessionID][rec.SubjectID] = &cp
	s.Stats.PresentCount++
	s.Stats.TotalCount++

	if binding != nil {
		if p, ok := m.participants[rec.SubjectID]; ok && p.Device == nil {
			d := *binding
			p.Device = &d
		}
	}
	return s.Stats, nil
}

// UpdateRecordOutcome implements Store.
func (m *MemStore) UpdateRecordOutcome(ctx context.Context, sessionID, subjectID string, outcome Outcome, reason, editedBy string, editedAt time.Time, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID][subjectID]
	if !ok {
		return E(KindNotFound, "record not found")
	}
	rec.Result = outcome
	rec.Reason = reason
	rec.EditedBy = editedBy
	t := editedAt
	rec.EditedAt = &t
	if s, ok := m.sessions[sessionID]; ok {
		s.Stats.PresentCount += delta
	}
	return nil
}
