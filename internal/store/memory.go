package store

import (
	"sync"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore keeps all records in process memory. It implements the full
// Store interface so tests can substitute it for a durable backend.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	history  []models.HistoryRecord
	alerts   map[string]map[string]map[models.AlertKind]bool
	inbound  map[string]string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		alerts:   make(map[string]map[string]map[models.AlertKind]bool),
		inbound:  make(map[string]string),
	}
}

func (s *InMemoryStore) LoadSession(participantID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return nil, nil
	}
	clone := session.Clone()
	return &clone, nil
}

func (s *InMemoryStore) SaveSession(session models.Session) error {
	if session.ParticipantID == "" {
		return models.ErrEmptyParticipantID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ParticipantID] = session.Clone()
	return nil
}

func (s *InMemoryStore) DeleteSession(participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, participantID)
	return nil
}

func (s *InMemoryStore) ArchiveSession(session models.Session) (models.HistoryRecord, error) {
	record := models.HistoryRecord{
		ID:            uuid.NewString(),
		ParticipantID: session.ParticipantID,
		Process:       session.Process,
		Flow:          append([]models.Step(nil), session.Flow...),
		Answers:       session.Clone().Answers,
		CreatedAt:     session.CreatedAt,
		ArchivedAt:    time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, record)
	return record, nil
}

func (s *InMemoryStore) ListSessionsCreated(day time.Time) ([]models.Session, error) {
	want := DayKey(day)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, session := range s.sessions {
		if DayKey(session.CreatedAt) == want {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) AlertAlreadySent(day string, participantID string, kind models.AlertKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts[day][participantID][kind], nil
}

func (s *InMemoryStore) MarkAlertSent(day string, participantID string, kind models.AlertKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alerts[day][participantID][kind] {
		return false, nil
	}
	if s.alerts[day] == nil {
		s.alerts[day] = make(map[string]map[models.AlertKind]bool)
	}
	if s.alerts[day][participantID] == nil {
		s.alerts[day][participantID] = make(map[models.AlertKind]bool)
	}
	s.alerts[day][participantID][kind] = true
	return true, nil
}

func (s *InMemoryStore) InboundSeen(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, dup := s.inbound[messageID]
	return dup, nil
}

func (s *InMemoryStore) RecordInbound(messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.inbound[messageID]; dup {
		return false, nil
	}
	s.inbound[messageID] = participantID
	return true, nil
}

// History returns the archived records (for tests).
func (s *InMemoryStore) History() []models.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.HistoryRecord(nil), s.history...)
}

func (s *InMemoryStore) Close() error {
	return nil
}
