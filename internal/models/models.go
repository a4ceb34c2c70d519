// Package models defines the core data structures for FloorPipe.
//
// It includes the session record, report payloads and messaging event types,
// which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Process identifies a production line/area whose report flow differs from others.
type Process string

// Known processes. ProcessSupervision is special-cased by the catalog: its
// steps are the full question texts.
const (
	ProcessCostura          Process = "COSTURA"
	ProcessCuerdas          Process = "CUERDAS"
	ProcessFileteado        Process = "FILETEADO"
	ProcessImpresionRTR     Process = "IMPRESION RTR"
	ProcessImpresionGrafica Process = "IMPRESION GRAFICA"
	ProcessSupervision      Process = "SUPERVISION"
)

// Step is one question slot in a flow. It is an opaque identifier; the
// question text is a render-time catalog lookup.
type Step string

// Error variables for better error handling and testability
var (
	ErrEmptyParticipantID  = errors.New("participant ID cannot be empty")
	ErrEmptyFlow           = errors.New("session flow cannot be empty")
	ErrStepIndexOutOfRange = errors.New("step index out of range")
	ErrAnswerNotInFlow     = errors.New("answer recorded for a step not in the flow")
	ErrUnknownProcess      = errors.New("no flow defined for process")
)

// Session is the durable, per-participant record of in-progress flow answers
// and cursor position. The flow is snapshotted at creation time, so catalog
// changes do not affect in-flight sessions.
type Session struct {
	ParticipantID string          `json:"participant_id"`
	Process       Process         `json:"process"`
	Flow          []Step          `json:"flow"`
	StepIndex     int             `json:"step_index"`
	Answers       map[Step]string `json:"answers"`
	Editing       bool            `json:"editing,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewSession creates a fresh session for a participant with the given flow
// snapshot, positioned at the first step.
func NewSession(participantID string, process Process, flow []Step) Session {
	now := time.Now()
	return Session{
		ParticipantID: participantID,
		Process:       process,
		Flow:          append([]Step(nil), flow...),
		StepIndex:     0,
		Answers:       make(map[Step]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy of the session so cached copies cannot be
// mutated through aliased maps or slices.
func (s Session) Clone() Session {
	c := s
	c.Flow = append([]Step(nil), s.Flow...)
	c.Answers = make(map[Step]string, len(s.Answers))
	for k, v := range s.Answers {
		c.Answers[k] = v
	}
	return c
}

// Completed reports whether the cursor has moved past the last step.
// A session in this state must never be persisted.
func (s *Session) Completed() bool {
	return s.StepIndex >= len(s.Flow)
}

// CurrentStep returns the step under the cursor. It must not be called on a
// completed session.
func (s *Session) CurrentStep() Step {
	return s.Flow[s.StepIndex]
}

// Validate checks the session invariants: non-empty participant, non-empty
// flow, cursor within [0, len(flow)], and every answered step present in the
// flow.
func (s *Session) Validate() error {
	if s.ParticipantID == "" {
		return ErrEmptyParticipantID
	}
	if len(s.Flow) == 0 {
		return ErrEmptyFlow
	}
	if s.StepIndex < 0 || s.StepIndex > len(s.Flow) {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrStepIndexOutOfRange, s.StepIndex, len(s.Flow))
	}
	inFlow := make(map[Step]bool, len(s.Flow))
	for _, step := range s.Flow {
		inFlow[step] = true
	}
	for step := range s.Answers {
		if !inFlow[step] {
			return fmt.Errorf("%w: %q", ErrAnswerNotInFlow, step)
		}
	}
	return nil
}

// Report is the payload handed to the report dispatcher when a session
// completes.
type Report struct {
	Process Process         `json:"process"`
	Answers map[Step]string `json:"answers"`
}

// HistoryRecord is the immutable copy of a completed session kept for audit
// after the live session is deleted. Records are uniquely named and never
// overwritten.
type HistoryRecord struct {
	ID            string          `json:"id"`
	ParticipantID string          `json:"participant_id"`
	Process       Process         `json:"process"`
	Flow          []Step          `json:"flow"`
	Answers       map[Step]string `json:"answers"`
	CreatedAt     time.Time       `json:"created_at"`
	ArchivedAt    time.Time       `json:"archived_at"`
}

// AlertKind distinguishes the one-time admin notices sent by the monitor.
type AlertKind string

const (
	// AlertCompleted marks that the "report completed" notice was sent.
	AlertCompleted AlertKind = "completed_alert_sent"
	// AlertPending marks that the "report still pending" notice was sent.
	AlertPending AlertKind = "pending_alert_sent"
)

// HandleStatus is the structured status returned to the transport layer for
// each inbound message.
type HandleStatus string

const (
	// HandleStatusOK means the message advanced or edited an active session.
	HandleStatusOK HandleStatus = "ok"
	// HandleStatusNoFlow means no session existed and the fallback assistant replied.
	HandleStatusNoFlow HandleStatus = "no_flow"
	// HandleStatusDone means the flow completed (or was found stale) and the session was removed.
	HandleStatusDone HandleStatus = "done"
)

// InboundMessage is one inbound event from the transport layer.
// MessageID, when the transport provides one, is used as an idempotency key
// against duplicate webhook deliveries.
type InboundMessage struct {
	ParticipantID string `json:"participant_id"`
	Text          string `json:"text"`
	MessageID     string `json:"message_id,omitempty"`
}

// HandleResult is the outcome of processing one inbound message.
type HandleResult struct {
	Status HandleStatus `json:"status"`
	Reply  string       `json:"reply,omitempty"`
	Step   int          `json:"step"`
}

// MessageStatus represents delivery status values for outbound messages.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Receipt represents a delivery/read receipt for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming message from a participant.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
	MessageID string `json:"message_id,omitempty"`
}
