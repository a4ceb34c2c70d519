package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/FloorPipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists all records in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadSession(participantID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT participant_id, process, flow, step_index, answers, editing, created_at, updated_at
		 FROM sessions WHERE participant_id = ?`, participantID)

	session, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore LoadSession not found", "participantID", participantID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadSession failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to load session for %s: %w", participantID, err)
	}
	slog.Debug("SQLiteStore LoadSession found", "participantID", participantID, "step_index", session.StepIndex)
	return session, nil
}

func (s *SQLiteStore) SaveSession(session models.Session) error {
	if session.ParticipantID == "" {
		return models.ErrEmptyParticipantID
	}
	flowJSON, answersJSON, err := encodeSessionFields(session)
	if err != nil {
		slog.Error("SQLiteStore SaveSession encode failed", "error", err, "participantID", session.ParticipantID)
		return err
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sessions (participant_id, process, flow, step_index, answers, editing, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ParticipantID, string(session.Process), flowJSON, session.StepIndex,
		answersJSON, session.Editing, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "participantID", session.ParticipantID)
		return fmt.Errorf("failed to save session for %s: %w", session.ParticipantID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "participantID", session.ParticipantID, "step_index", session.StepIndex)
	return nil
}

func (s *SQLiteStore) DeleteSession(participantID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE participant_id = ?`, participantID)
	if err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "participantID", participantID)
		return fmt.Errorf("failed to delete session for %s: %w", participantID, err)
	}
	slog.Debug("SQLiteStore DeleteSession succeeded", "participantID", participantID)
	return nil
}

func (s *SQLiteStore) ArchiveSession(session models.Session) (models.HistoryRecord, error) {
	record := models.HistoryRecord{
		ID:            uuid.NewString(),
		ParticipantID: session.ParticipantID,
		Process:       session.Process,
		Flow:          append([]models.Step(nil), session.Flow...),
		Answers:       session.Answers,
		CreatedAt:     session.CreatedAt,
		ArchivedAt:    time.Now(),
	}
	flowJSON, answersJSON, err := encodeSessionFields(session)
	if err != nil {
		slog.Error("SQLiteStore ArchiveSession encode failed", "error", err, "participantID", session.ParticipantID)
		return models.HistoryRecord{}, err
	}

	_, err = s.db.Exec(
		`INSERT INTO session_history (id, participant_id, process, flow, answers, created_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ParticipantID, string(record.Process), flowJSON, answersJSON,
		record.CreatedAt, record.ArchivedAt)
	if err != nil {
		slog.Error("SQLiteStore ArchiveSession failed", "error", err, "participantID", session.ParticipantID)
		return models.HistoryRecord{}, fmt.Errorf("failed to archive session for %s: %w", session.ParticipantID, err)
	}
	slog.Info("SQLiteStore ArchiveSession succeeded", "participantID", session.ParticipantID, "id", record.ID)
	return record, nil
}

func (s *SQLiteStore) ListSessionsCreated(day time.Time) ([]models.Session, error) {
	rows, err := s.db.Query(
		`SELECT participant_id, process, flow, step_index, answers, editing, created_at, updated_at
		 FROM sessions WHERE date(created_at) = ?`, DayKey(day))
	if err != nil {
		slog.Error("SQLiteStore ListSessionsCreated query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			slog.Error("SQLiteStore ListSessionsCreated scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListSessionsCreated rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("SQLiteStore ListSessionsCreated succeeded", "count", len(sessions))
	return sessions, nil
}

func (s *SQLiteStore) AlertAlreadySent(day string, participantID string, kind models.AlertKind) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM alert_log WHERE day = ? AND participant_id = ? AND kind = ?`,
		day, participantID, string(kind)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore AlertAlreadySent failed", "error", err, "participantID", participantID)
		return false, fmt.Errorf("alert check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) MarkAlertSent(day string, participantID string, kind models.AlertKind) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO alert_log (day, participant_id, kind, sent_at) VALUES (?, ?, ?, ?)`,
		day, participantID, string(kind), time.Now())
	if err != nil {
		slog.Error("SQLiteStore MarkAlertSent failed", "error", err, "participantID", participantID)
		return false, fmt.Errorf("mark alert failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark alert rows affected failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) InboundSeen(messageID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&n)
	if err != nil {
		slog.Error("SQLiteStore InboundSeen failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("inbound seen failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) RecordInbound(messageID, participantID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, participant_id, received_at) VALUES (?, ?, ?)`,
		messageID, participantID, time.Now())
	if err != nil {
		slog.Error("SQLiteStore RecordInbound failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected failed: %w", err)
	}
	return n > 0, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// encodeSessionFields marshals the flow and answers columns.
func encodeSessionFields(session models.Session) (string, string, error) {
	flowJSON, err := json.Marshal(session.Flow)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode flow: %w", err)
	}
	answers := session.Answers
	if answers == nil {
		answers = make(map[models.Step]string)
	}
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode answers: %w", err)
	}
	return string(flowJSON), string(answersJSON), nil
}

// scanSession decodes one sessions row via the given scan function.
func scanSession(scan func(dest ...interface{}) error) (*models.Session, error) {
	var session models.Session
	var process, flowJSON, answersJSON string
	if err := scan(&session.ParticipantID, &process, &flowJSON, &session.StepIndex,
		&answersJSON, &session.Editing, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	session.Process = models.Process(process)
	if err := json.Unmarshal([]byte(flowJSON), &session.Flow); err != nil {
		return nil, fmt.Errorf("failed to decode flow: %w", err)
	}
	session.Answers = make(map[models.Step]string)
	if answersJSON != "" {
		if err := json.Unmarshal([]byte(answersJSON), &session.Answers); err != nil {
			return nil, fmt.Errorf("failed to decode answers: %w", err)
		}
	}
	return &session, nil
}
