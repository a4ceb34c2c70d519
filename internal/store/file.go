package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/models"
	"github.com/google/uuid"
)

// File layout constants within the state directory.
const (
	// DefaultDirPermissions defines the default permissions for state directories
	DefaultDirPermissions = 0755
	// DefaultFilePermissions defines the default permissions for record files
	DefaultFilePermissions = 0644

	sessionsDirName = "sessions"
	historyDirName  = "history"
	alertLogName    = "alert_log.json"
	dedupLogName    = "dedup.json"
	sessionSuffix   = "_session.json"
)

// FileStore persists sessions as JSON files under a state directory, with an
// in-memory cache in front of the disk records. The cache is a best-effort
// accelerator; the files are the source of truth on restart.
type FileStore struct {
	dir   string
	mu    sync.Mutex
	cache map[string]models.Session
}

// NewFileStore creates a file store rooted at the directory given via
// WithDir, creating the sessions and history subdirectories as needed.
func NewFileStore(opts ...Option) (*FileStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("FileStore state directory not set")
		return nil, fmt.Errorf("state directory not set")
	}

	for _, sub := range []string{sessionsDirName, historyDirName} {
		dir := filepath.Join(cfg.DSN, sub)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("FileStore failed to create directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}
	slog.Debug("FileStore initialized", "dir", cfg.DSN)

	return &FileStore{
		dir:   cfg.DSN,
		cache: make(map[string]models.Session),
	}, nil
}

func (s *FileStore) sessionPath(participantID string) string {
	return filepath.Join(s.dir, sessionsDirName, participantID+sessionSuffix)
}

// LoadSession returns the session for a participant, checking the cache
// first and falling back to the durable file. A file present without a cache
// entry (e.g. after a restart) populates the cache on load.
func (s *FileStore) LoadSession(participantID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[participantID]; ok {
		session := cached.Clone()
		slog.Debug("FileStore LoadSession cache hit", "participantID", participantID)
		return &session, nil
	}

	data, err := os.ReadFile(s.sessionPath(participantID))
	if os.IsNotExist(err) {
		slog.Debug("FileStore LoadSession not found", "participantID", participantID)
		return nil, nil
	}
	if err != nil {
		slog.Error("FileStore LoadSession read failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to read session for %s: %w", participantID, err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		slog.Error("FileStore LoadSession unmarshal failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to decode session for %s: %w", participantID, err)
	}
	if session.Answers == nil {
		session.Answers = make(map[models.Step]string)
	}

	s.cache[participantID] = session.Clone()
	slog.Debug("FileStore LoadSession loaded from disk", "participantID", participantID, "step_index", session.StepIndex)
	return &session, nil
}

// SaveSession overwrites the durable record and the cache entry. The file is
// written to a temp name and renamed so a crash mid-write never leaves a
// partial record visible.
func (s *FileStore) SaveSession(session models.Session) error {
	if session.ParticipantID == "" {
		return models.ErrEmptyParticipantID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		slog.Error("FileStore SaveSession marshal failed", "error", err, "participantID", session.ParticipantID)
		return fmt.Errorf("failed to encode session for %s: %w", session.ParticipantID, err)
	}
	if err := writeFileAtomic(s.sessionPath(session.ParticipantID), data); err != nil {
		slog.Error("FileStore SaveSession write failed", "error", err, "participantID", session.ParticipantID)
		return fmt.Errorf("failed to write session for %s: %w", session.ParticipantID, err)
	}

	s.cache[session.ParticipantID] = session.Clone()
	slog.Debug("FileStore SaveSession succeeded", "participantID", session.ParticipantID, "step_index", session.StepIndex)
	return nil
}

// DeleteSession removes the durable record and cache entry. Idempotent.
func (s *FileStore) DeleteSession(participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, participantID)
	if err := os.Remove(s.sessionPath(participantID)); err != nil && !os.IsNotExist(err) {
		slog.Error("FileStore DeleteSession failed", "error", err, "participantID", participantID)
		return fmt.Errorf("failed to delete session for %s: %w", participantID, err)
	}
	slog.Debug("FileStore DeleteSession succeeded", "participantID", participantID)
	return nil
}

// ArchiveSession writes the completed session to the history directory as a
// uniquely named record that is never overwritten.
func (s *FileStore) ArchiveSession(session models.Session) (models.HistoryRecord, error) {
	now := time.Now()
	record := models.HistoryRecord{
		ID:            uuid.NewString(),
		ParticipantID: session.ParticipantID,
		Process:       session.Process,
		Flow:          append([]models.Step(nil), session.Flow...),
		Answers:       session.Answers,
		CreatedAt:     session.CreatedAt,
		ArchivedAt:    now,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		slog.Error("FileStore ArchiveSession marshal failed", "error", err, "participantID", session.ParticipantID)
		return models.HistoryRecord{}, fmt.Errorf("failed to encode history record: %w", err)
	}

	name := fmt.Sprintf("%s_history_%s_%s.json", session.ParticipantID, now.Format("20060102_150405"), record.ID[:8])
	path := filepath.Join(s.dir, historyDirName, name)
	if err := writeFileAtomic(path, data); err != nil {
		slog.Error("FileStore ArchiveSession write failed", "error", err, "participantID", session.ParticipantID)
		return models.HistoryRecord{}, fmt.Errorf("failed to write history record: %w", err)
	}

	slog.Info("FileStore ArchiveSession succeeded", "participantID", session.ParticipantID, "record", name)
	return record, nil
}

// ListSessionsCreated returns every live session whose record was created on
// the given day. Unreadable records are skipped with a log entry rather than
// aborting the sweep.
func (s *FileStore) ListSessionsCreated(day time.Time) ([]models.Session, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, sessionsDirName))
	if err != nil {
		slog.Error("FileStore ListSessionsCreated read dir failed", "error", err)
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	want := DayKey(day)
	var sessions []models.Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sessionSuffix) {
			continue
		}
		participantID := strings.TrimSuffix(entry.Name(), sessionSuffix)
		session, err := s.LoadSession(participantID)
		if err != nil {
			slog.Error("FileStore ListSessionsCreated skipping unreadable session", "error", err, "participantID", participantID)
			continue
		}
		if session == nil || DayKey(session.CreatedAt) != want {
			continue
		}
		sessions = append(sessions, *session)
	}
	slog.Debug("FileStore ListSessionsCreated succeeded", "day", want, "count", len(sessions))
	return sessions, nil
}

// alertLog is the on-disk shape: day -> participant -> alert kind -> sent.
type alertLog map[string]map[string]map[models.AlertKind]bool

// AlertAlreadySent reports whether the alert was recorded for the day.
func (s *FileStore) AlertAlreadySent(day string, participantID string, kind models.AlertKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.readAlertLog()
	if err != nil {
		return false, err
	}
	return log[day][participantID][kind], nil
}

// MarkAlertSent records the alert; returns false when already recorded.
func (s *FileStore) MarkAlertSent(day string, participantID string, kind models.AlertKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.readAlertLog()
	if err != nil {
		return false, err
	}
	if log[day][participantID][kind] {
		return false, nil
	}
	if log[day] == nil {
		log[day] = make(map[string]map[models.AlertKind]bool)
	}
	if log[day][participantID] == nil {
		log[day][participantID] = make(map[models.AlertKind]bool)
	}
	log[day][participantID][kind] = true

	if err := s.writeJSONLocked(alertLogName, log); err != nil {
		slog.Error("FileStore MarkAlertSent write failed", "error", err, "participantID", participantID, "kind", kind)
		return false, err
	}
	slog.Debug("FileStore MarkAlertSent succeeded", "day", day, "participantID", participantID, "kind", kind)
	return true, nil
}

func (s *FileStore) readAlertLog() (alertLog, error) {
	log := make(alertLog)
	if err := s.readJSONLocked(alertLogName, &log); err != nil {
		return nil, err
	}
	return log, nil
}

// dedupEntry records one seen inbound message.
type dedupEntry struct {
	ParticipantID string    `json:"participant_id"`
	ReceivedAt    time.Time `json:"received_at"`
}

// InboundSeen reports whether the message ID was already recorded.
func (s *FileStore) InboundSeen(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]dedupEntry)
	if err := s.readJSONLocked(dedupLogName, &seen); err != nil {
		return false, err
	}
	_, dup := seen[messageID]
	return dup, nil
}

// RecordInbound inserts an inbound message record; returns false for a
// duplicate message ID.
func (s *FileStore) RecordInbound(messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]dedupEntry)
	if err := s.readJSONLocked(dedupLogName, &seen); err != nil {
		return false, err
	}
	if _, dup := seen[messageID]; dup {
		slog.Debug("FileStore RecordInbound duplicate", "messageID", messageID, "participantID", participantID)
		return false, nil
	}
	seen[messageID] = dedupEntry{ParticipantID: participantID, ReceivedAt: time.Now()}
	if err := s.writeJSONLocked(dedupLogName, seen); err != nil {
		slog.Error("FileStore RecordInbound write failed", "error", err, "messageID", messageID)
		return false, err
	}
	return true, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// readJSONLocked decodes the named state file into v; a missing file leaves
// v untouched. Caller must hold s.mu.
func (s *FileStore) readJSONLocked(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

// writeJSONLocked atomically replaces the named state file. Caller must hold s.mu.
func (s *FileStore) writeJSONLocked(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, name), data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it, and renames it over the destination so readers never observe a partial
// write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
