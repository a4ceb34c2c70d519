// Package engine implements the conversational session state machine that
// drives a supervisor through a process-specific question flow.
//
// The transition logic is a pure function (see transition.go); Engine wraps
// it with per-participant serialization, persistence and the collaborator
// calls (messaging, report dispatch, admin notification, fallback assistant).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/catalog"
	"github.com/BTreeMap/FloorPipe/internal/models"
	"github.com/BTreeMap/FloorPipe/internal/store"
)

// Sender delivers one outbound message to a participant.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Dispatcher forwards a completed report to the downstream compiler.
type Dispatcher interface {
	Dispatch(ctx context.Context, report models.Report) error
}

// Fallback answers messages from participants with no active session.
type Fallback interface {
	Reply(ctx context.Context, name, text string) (string, error)
}

// Directory resolves participant display names and the admin recipient.
type Directory interface {
	AdminPhone() string
	NameFor(phone string) string
}

// Opts holds the optional collaborators for an Engine.
type Opts struct {
	Sender     Sender
	Dispatcher Dispatcher
	Fallback   Fallback
	Directory  Directory
}

// Option defines a configuration option for an Engine.
type Option func(*Opts)

// WithSender sets the outbound messaging collaborator.
func WithSender(s Sender) Option {
	return func(o *Opts) { o.Sender = s }
}

// WithDispatcher sets the report dispatch collaborator.
func WithDispatcher(d Dispatcher) Option {
	return func(o *Opts) { o.Dispatcher = d }
}

// WithFallback sets the free-form assistant used when no session exists.
func WithFallback(f Fallback) Option {
	return func(o *Opts) { o.Fallback = f }
}

// WithDirectory sets the participant directory.
func WithDirectory(d Directory) Option {
	return func(o *Opts) { o.Directory = d }
}

// Engine executes transitions against the store and collaborators. All
// collaborators are optional; a nil Sender means replies are only returned to
// the caller, not pushed to the transport.
type Engine struct {
	store      store.Store
	catalog    *catalog.Catalog
	sender     Sender
	dispatcher Dispatcher
	fallback   Fallback
	directory  Directory

	// locksMu guards locks; each participant gets its own mutex so no two
	// mutations of the same participant's session are ever interleaved,
	// while distinct participants proceed in parallel. Entries are
	// reference-counted and removed once the last holder releases, so the
	// map stays bounded by in-flight work, not by participant history.
	locksMu sync.Mutex
	locks   map[string]*participantLock
}

type participantLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates an Engine over the given store and catalog.
func NewEngine(st store.Store, cat *catalog.Catalog, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		store:      st,
		catalog:    cat,
		sender:     cfg.Sender,
		dispatcher: cfg.Dispatcher,
		fallback:   cfg.Fallback,
		directory:  cfg.Directory,
		locks:      make(map[string]*participantLock),
	}
}

// lockParticipant serializes processing per participant and returns the
// unlock function.
func (e *Engine) lockParticipant(participantID string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[participantID]
	if !ok {
		l = &participantLock{}
		e.locks[participantID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, participantID)
		}
		e.locksMu.Unlock()
	}
}

// HandleMessage processes one inbound message end to end: dedup, session
// resolution, transition, effect execution, reply delivery.
//
// Store I/O failures fail the whole turn: no reply is sent and the error is
// returned, so the durable record stays authoritative over anything told to
// the participant. Collaborator failures (dispatch, archive, messaging) are
// logged and non-fatal; the participant-facing reply is still sent.
func (e *Engine) HandleMessage(ctx context.Context, msg models.InboundMessage) (models.HandleResult, error) {
	if msg.ParticipantID == "" {
		return models.HandleResult{}, models.ErrEmptyParticipantID
	}

	unlock := e.lockParticipant(msg.ParticipantID)
	defer unlock()

	if msg.MessageID != "" {
		seen, err := e.store.InboundSeen(msg.MessageID)
		if err != nil {
			slog.Error("Engine HandleMessage dedup check failed", "error", err, "participantID", msg.ParticipantID, "messageID", msg.MessageID)
			return models.HandleResult{}, fmt.Errorf("dedup check failed: %w", err)
		}
		if seen {
			slog.Info("Engine HandleMessage dropping duplicate inbound", "participantID", msg.ParticipantID, "messageID", msg.MessageID)
			return models.HandleResult{Status: models.HandleStatusOK}, nil
		}
	}

	result, err := e.processTurn(ctx, msg)
	if err != nil {
		return models.HandleResult{}, err
	}

	// The dedup key is recorded only after the turn succeeded: a transport
	// retry of a failed turn carries the same message ID and must be
	// processed, not dropped.
	if msg.MessageID != "" {
		if _, err := e.store.RecordInbound(msg.MessageID, msg.ParticipantID); err != nil {
			slog.Error("Engine HandleMessage failed to record inbound", "error", err, "participantID", msg.ParticipantID, "messageID", msg.MessageID)
		}
	}
	return result, nil
}

// processTurn resolves the session and applies one transition with its
// effects.
func (e *Engine) processTurn(ctx context.Context, msg models.InboundMessage) (models.HandleResult, error) {
	session, err := e.store.LoadSession(msg.ParticipantID)
	if err != nil {
		slog.Error("Engine HandleMessage load failed", "error", err, "participantID", msg.ParticipantID)
		return models.HandleResult{}, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return e.handleNoSession(ctx, msg)
	}

	outcome := Transition(*session, msg.Text, e.catalog)
	if err := e.runEffects(ctx, outcome); err != nil {
		return models.HandleResult{}, err
	}

	e.send(ctx, msg.ParticipantID, outcome.Reply)
	slog.Debug("Engine HandleMessage processed", "participantID", msg.ParticipantID, "status", outcome.Status, "step", outcome.Step)
	return models.HandleResult{Status: outcome.Status, Reply: outcome.Reply, Step: outcome.Step}, nil
}

// handleNoSession routes a message with no active session to the fallback
// assistant.
func (e *Engine) handleNoSession(ctx context.Context, msg models.InboundMessage) (models.HandleResult, error) {
	reply := fallbackUnavailable
	if e.fallback != nil {
		answer, err := e.fallback.Reply(ctx, e.nameFor(msg.ParticipantID), msg.Text)
		if err != nil {
			slog.Error("Engine fallback reply failed", "error", err, "participantID", msg.ParticipantID)
		} else {
			reply = answer
		}
	}
	e.send(ctx, msg.ParticipantID, reply)
	slog.Debug("Engine HandleMessage no active session", "participantID", msg.ParticipantID)
	return models.HandleResult{Status: models.HandleStatusNoFlow, Reply: reply}, nil
}

// runEffects executes the outcome's effect list in order.
func (e *Engine) runEffects(ctx context.Context, outcome Outcome) error {
	session := outcome.Session
	for _, effect := range outcome.Effects {
		switch effect {
		case EffectPersist:
			if err := e.store.SaveSession(session); err != nil {
				slog.Error("Engine persist failed, failing turn", "error", err, "participantID", session.ParticipantID, "step_index", session.StepIndex)
				return fmt.Errorf("failed to persist session: %w", err)
			}
		case EffectDispatch:
			if e.dispatcher == nil {
				continue
			}
			report := models.Report{Process: session.Process, Answers: session.Answers}
			if err := e.dispatcher.Dispatch(ctx, report); err != nil {
				slog.Error("Engine report dispatch failed", "error", err, "participantID", session.ParticipantID, "process", session.Process)
			}
		case EffectArchive:
			if _, err := e.store.ArchiveSession(session); err != nil {
				slog.Error("Engine archive failed", "error", err, "participantID", session.ParticipantID)
			}
		case EffectNotifyAdmin:
			e.notifyAdmin(ctx, session.ParticipantID)
		case EffectDelete:
			if err := e.store.DeleteSession(session.ParticipantID); err != nil {
				slog.Error("Engine delete failed, failing turn", "error", err, "participantID", session.ParticipantID)
				return fmt.Errorf("failed to delete session: %w", err)
			}
		}
	}
	return nil
}

// notifyAdmin sends the one-time completion notice to the admin recipient and
// records it in the alert log so the monitor sweep does not repeat it.
func (e *Engine) notifyAdmin(ctx context.Context, participantID string) {
	if _, err := e.store.MarkAlertSent(store.DayKey(time.Now()), participantID, models.AlertCompleted); err != nil {
		slog.Error("Engine failed to record completion alert", "error", err, "participantID", participantID)
	}
	if e.directory == nil {
		return
	}
	adminPhone := e.directory.AdminPhone()
	if adminPhone == "" {
		slog.Error("Engine no admin recipient configured for completion notice", "participantID", participantID)
		return
	}
	e.send(ctx, adminPhone, fmt.Sprintf(adminCompletedNotice, e.nameFor(participantID)))
}

// StartSession unconditionally creates a fresh session for the participant
// (the scheduled flow-initiation trigger) and sends the greeting with the
// first question. An existing session is overwritten, never merged.
func (e *Engine) StartSession(ctx context.Context, participantID string, process models.Process) (models.Session, error) {
	if participantID == "" {
		return models.Session{}, models.ErrEmptyParticipantID
	}

	unlock := e.lockParticipant(participantID)
	defer unlock()

	flow := e.catalog.GetFlow(process)
	if len(flow) == 0 {
		return models.Session{}, fmt.Errorf("%w: %s", models.ErrUnknownProcess, process)
	}

	session := models.NewSession(participantID, process, flow)
	if err := e.store.SaveSession(session); err != nil {
		slog.Error("Engine StartSession persist failed", "error", err, "participantID", participantID, "process", process)
		return models.Session{}, fmt.Errorf("failed to persist new session: %w", err)
	}

	first := e.catalog.GetPrompt(flow[0], process)
	greeting := fmt.Sprintf(participantGreeting, e.nameFor(participantID), session.Process, first)
	if strings.EqualFold(strings.TrimSpace(string(process)), string(models.ProcessSupervision)) {
		greeting = fmt.Sprintf(supervisionGreeting, e.nameFor(participantID), first)
	}
	e.send(ctx, participantID, greeting)

	slog.Info("Engine StartSession created", "participantID", participantID, "process", process, "steps", len(flow))
	return session, nil
}

// send delivers an outbound message, logging failures without failing the
// caller's transition.
func (e *Engine) send(ctx context.Context, to, body string) {
	if e.sender == nil || body == "" {
		return
	}
	if err := e.sender.SendMessage(ctx, to, body); err != nil {
		slog.Error("Engine outbound send failed", "error", err, "to", to)
	}
}

// nameFor resolves a participant's display name, defaulting to the phone
// number (or a generic name for fallback replies) when unknown.
func (e *Engine) nameFor(participantID string) string {
	if e.directory != nil {
		if name := e.directory.NameFor(participantID); name != "" {
			return name
		}
	}
	return participantID
}
