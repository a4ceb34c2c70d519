// Package monitor implements the periodic completion sweep: it inspects the
// sessions created today and sends one-time admin alerts for completed and
// still-pending reports.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/models"
	"github.com/BTreeMap/FloorPipe/internal/store"
)

// Active window for alerting. Sweeps outside it are no-ops so repeated
// scheduler runs stay quiet overnight.
const (
	windowStartHour = 6
	windowEndHour   = 22
)

const (
	completedNotice = "✅ *Informe completado:*\nEl supervisor *%s* ya completó su informe diario."
	pendingNotice   = "⏰ *Alerta de supervisión pendiente:*\nEl supervisor *%s* aún no ha completado su informe diario.\nRespuestas: %d de %d."
)

// Store is the persistence surface the monitor needs.
type Store interface {
	ListSessionsCreated(day time.Time) ([]models.Session, error)
	AlertAlreadySent(day string, participantID string, kind models.AlertKind) (bool, error)
	MarkAlertSent(day string, participantID string, kind models.AlertKind) (bool, error)
}

// Sender delivers one outbound message.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Directory resolves participant names and the admin recipient.
type Directory interface {
	AdminPhone() string
	NameFor(phone string) string
}

// Opts holds configuration options for the monitor.
type Opts struct {
	Now func() time.Time
}

// Option defines a configuration option for the monitor.
type Option func(*Opts)

// WithNow injects a clock (used by tests).
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Monitor runs the completion sweep.
type Monitor struct {
	store     Store
	sender    Sender
	directory Directory
	now       func() time.Time
}

// New creates a monitor over the given store and collaborators.
func New(st Store, sender Sender, directory Directory, opts ...Option) *Monitor {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Monitor{store: st, sender: sender, directory: directory, now: cfg.Now}
}

// Sweep inspects today's sessions and sends the one-time alerts. Alerts are
// idempotent per participant, per day and per kind via the alert log, so the
// sweep can run every few minutes. Per-session problems are logged and
// skipped rather than aborting the whole sweep.
func (m *Monitor) Sweep(ctx context.Context) error {
	now := m.now()
	if !withinWindow(now) {
		slog.Debug("Monitor Sweep outside active window", "time", now.Format("15:04"))
		return nil
	}

	adminPhone := m.directory.AdminPhone()
	if adminPhone == "" {
		slog.Error("Monitor Sweep no admin recipient configured")
		return nil
	}

	sessions, err := m.store.ListSessionsCreated(now)
	if err != nil {
		slog.Error("Monitor Sweep listing sessions failed", "error", err)
		return fmt.Errorf("failed to list today's sessions: %w", err)
	}

	day := store.DayKey(now)
	for _, session := range sessions {
		answered := len(session.Answers)
		total := len(session.Flow)
		name := m.nameFor(session.ParticipantID)

		if answered >= total {
			m.alertOnce(ctx, day, session.ParticipantID, models.AlertCompleted, adminPhone,
				fmt.Sprintf(completedNotice, name))
			continue
		}
		m.alertOnce(ctx, day, session.ParticipantID, models.AlertPending, adminPhone,
			fmt.Sprintf(pendingNotice, name, answered, total))
	}
	slog.Debug("Monitor Sweep finished", "day", day, "sessions", len(sessions))
	return nil
}

// alertOnce sends the alert unless it was already recorded for the day. The
// alert is marked only after a successful send, so a failed delivery is
// retried by the next sweep.
func (m *Monitor) alertOnce(ctx context.Context, day, participantID string, kind models.AlertKind, adminPhone, body string) {
	sent, err := m.store.AlertAlreadySent(day, participantID, kind)
	if err != nil {
		slog.Error("Monitor alert check failed", "error", err, "participantID", participantID, "kind", kind)
		return
	}
	if sent {
		return
	}

	if err := m.sender.SendMessage(ctx, adminPhone, body); err != nil {
		slog.Error("Monitor alert send failed", "error", err, "participantID", participantID, "kind", kind)
		return
	}
	if _, err := m.store.MarkAlertSent(day, participantID, kind); err != nil {
		slog.Error("Monitor alert bookkeeping failed", "error", err, "participantID", participantID, "kind", kind)
		return
	}
	slog.Info("Monitor alert sent", "participantID", participantID, "kind", kind)
}

func (m *Monitor) nameFor(participantID string) string {
	if name := m.directory.NameFor(participantID); name != "" {
		return name
	}
	return participantID
}

// withinWindow reports whether t falls inside the daily alerting window.
func withinWindow(t time.Time) bool {
	start := time.Date(t.Year(), t.Month(), t.Day(), windowStartHour, 0, 0, 0, t.Location())
	end := time.Date(t.Year(), t.Month(), t.Day(), windowEndHour, 0, 0, 0, t.Location())
	return !t.Before(start) && !t.After(end)
}
