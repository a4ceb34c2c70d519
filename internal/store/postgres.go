package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/FloorPipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists all records in a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadSession(participantID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT participant_id, process, flow, step_index, answers, editing, created_at, updated_at
		 FROM sessions WHERE participant_id = $1`, participantID)

	session, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore LoadSession not found", "participantID", participantID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadSession failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to load session for %s: %w", participantID, err)
	}
	slog.Debug("PostgresStore LoadSession found", "participantID", participantID, "step_index", session.StepIndex)
	return session, nil
}

func (s *PostgresStore) SaveSession(session models.Session) error {
	if session.ParticipantID == "" {
		return models.ErrEmptyParticipantID
	}
	flowJSON, answersJSON, err := encodeSessionFields(session)
	if err != nil {
		slog.Error("PostgresStore SaveSession encode failed", "error", err, "participantID", session.ParticipantID)
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (participant_id, process, flow, step_index, answers, editing, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (participant_id) DO UPDATE SET
		   process = EXCLUDED.process, flow = EXCLUDED.flow, step_index = EXCLUDED.step_index,
		   answers = EXCLUDED.answers, editing = EXCLUDED.editing, updated_at = EXCLUDED.updated_at`,
		session.ParticipantID, string(session.Process), flowJSON, session.StepIndex,
		answersJSON, session.Editing, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "participantID", session.ParticipantID)
		return fmt.Errorf("failed to save session for %s: %w", session.ParticipantID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "participantID", session.ParticipantID, "step_index", session.StepIndex)
	return nil
}

func (s *PostgresStore) DeleteSession(participantID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE participant_id = $1`, participantID)
	if err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "participantID", participantID)
		return fmt.Errorf("failed to delete session for %s: %w", participantID, err)
	}
	slog.Debug("PostgresStore DeleteSession succeeded", "participantID", participantID)
	return nil
}

func (s *PostgresStore) ArchiveSession(session models.Session) (models.HistoryRecord, error) {
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
		slog.Error("PostgresStore ArchiveSession encode failed", "error", err, "participantID", session.ParticipantID)
		return models.HistoryRecord{}, err
	}

	_, err = s.db.Exec(
		`INSERT INTO session_history (id, participant_id, process, flow, answers, created_at, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.ParticipantID, string(record.Process), flowJSON, answersJSON,
		record.CreatedAt, record.ArchivedAt)
	if err != nil {
		slog.Error("PostgresStore ArchiveSession failed", "error", err, "participantID", session.ParticipantID)
		return models.HistoryRecord{}, fmt.Errorf("failed to archive session for %s: %w", session.ParticipantID, err)
	}
	slog.Info("PostgresStore ArchiveSession succeeded", "participantID", session.ParticipantID, "id", record.ID)
	return record, nil
}

func (s *PostgresStore) ListSessionsCreated(day time.Time) ([]models.Session, error) {
	rows, err := s.db.Query(
		`SELECT participant_id, process, flow, step_index, answers, editing, created_at, updated_at
		 FROM sessions WHERE to_char(created_at, 'YYYY-MM-DD') = $1`, DayKey(day))
	if err != nil {
		slog.Error("PostgresStore ListSessionsCreated query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			slog.Error("PostgresStore ListSessionsCreated scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListSessionsCreated rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("PostgresStore ListSessionsCreated succeeded", "count", len(sessions))
	return sessions, nil
}

func (s *PostgresStore) AlertAlreadySent(day string, participantID string, kind models.AlertKind) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM alert_log WHERE day = $1 AND participant_id = $2 AND kind = $3`,
		day, participantID, string(kind)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("PostgresStore AlertAlreadySent failed", "error", err, "participantID", participantID)
		return false, fmt.Errorf("alert check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) MarkAlertSent(day string, participantID string, kind models.AlertKind) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO alert_log (day, participant_id, kind, sent_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		day, participantID, string(kind), time.Now())
	if err != nil {
		slog.Error("PostgresStore MarkAlertSent failed", "error", err, "participantID", participantID)
		return false, fmt.Errorf("mark alert failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark alert rows affected failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) InboundSeen(messageID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM inbound_dedup WHERE message_id = $1`, messageID).Scan(&n)
	if err != nil {
		slog.Error("PostgresStore InboundSeen failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("inbound seen failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) RecordInbound(messageID, participantID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		messageID, participantID, time.Now())
	if err != nil {
		slog.Error("PostgresStore RecordInbound failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected failed: %w", err)
	}
	return n > 0, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
