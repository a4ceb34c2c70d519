// Package store provides storage backends for FloorPipe.
//
// It persists supervisor sessions, the append-only completion history, the
// per-day alert log used by the monitor, and inbound message deduplication
// records. Backends: file (default, one JSON record per participant),
// SQLite, PostgreSQL, and an in-memory store for tests.
package store

import (
	"strings"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/models"
)

// DayKey formats a point in time as the alert-log day key.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// SessionStore is the durable persistence contract for sessions.
// The store exclusively owns persisted session data; callers hold at most one
// working copy per participant while handling a single message.
type SessionStore interface {
	// LoadSession returns the session for a participant, or (nil, nil) when
	// none exists.
	LoadSession(participantID string) (*models.Session, error)

	// SaveSession overwrites the durable record for the session's
	// participant. The write is atomic: a crashed write is never visible to
	// a subsequent load.
	SaveSession(session models.Session) error

	// DeleteSession removes the record. Deleting a non-existent session is
	// not an error.
	DeleteSession(participantID string) error

	// ArchiveSession copies the full answer set, tagged with a timestamp,
	// to an append-only history area. Records are uniquely named and never
	// overwritten.
	ArchiveSession(session models.Session) (models.HistoryRecord, error)

	// ListSessionsCreated returns every live session created on the given
	// day, for the completion monitor sweep.
	ListSessionsCreated(day time.Time) ([]models.Session, error)
}

// AlertLog records which one-time admin alerts were already sent, keyed by
// day, participant and alert kind.
type AlertLog interface {
	// AlertAlreadySent reports whether the alert was recorded for the day.
	AlertAlreadySent(day string, participantID string, kind models.AlertKind) (bool, error)

	// MarkAlertSent records the alert. Returns false when it was already
	// recorded, so repeated sweeps stay idempotent.
	MarkAlertSent(day string, participantID string, kind models.AlertKind) (bool, error)
}

// DedupRepo deduplicates inbound transport messages by their message ID, so
// at-least-once webhook deliveries do not mutate a session twice. Checking
// and recording are separate so callers can record only after the turn's
// effects succeed; a retried delivery of a failed turn is then processed
// instead of dropped.
type DedupRepo interface {
	// InboundSeen reports whether the message ID was already recorded.
	InboundSeen(messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if
	// the message ID was already recorded (duplicate).
	RecordInbound(messageID, participantID string) (bool, error)
}

// Store combines every persistence concern behind one backend.
type Store interface {
	SessionStore
	AlertLog
	DedupRepo

	// Close releases the backend's resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string or file-store directory
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithDir sets the state directory for the file store.
func WithDir(dir string) Option {
	return func(o *Opts) { o.DSN = dir }
}

// DetectDSNType classifies a DSN as "postgres", "sqlite" or "file".
// Postgres DSNs use the URL or key=value forms; a path ending in .db is
// treated as SQLite; anything else is a file-store directory.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") || strings.HasSuffix(dsn, ".sqlite3") {
		return "sqlite"
	}
	return "file"
}
