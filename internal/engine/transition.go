package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/catalog"
	"github.com/BTreeMap/FloorPipe/internal/models"
)

// editCommand is the literal control keyword participants type to correct an
// earlier answer. Comparison is trimmed and case-insensitive; no accent
// normalization is applied to the keyword itself.
const editCommand = "EDITAR"

// User-facing Spanish copy. Participants never see raw error detail.
const (
	replyStaleSession     = "✅ Ya completaste todas las preguntas. Si deseas empezar de nuevo, escribe /start o espera el próximo cuestionario."
	replyEditMenuHeader   = "📋 *Tus respuestas actuales:*"
	replyEditMenuFooter   = "👉 Escribe el número de la pregunta que deseas corregir."
	replyEditNoAnswer     = "❌ Sin respuesta"
	replyEditPrefix       = "✏️ Corrige por favor: "
	replyEditOutOfRange   = "⚠️ Número inválido. Escribe un número válido de la lista."
	replyEditNotANumber   = "⚠️ Por favor, escribe solo el número de la pregunta a corregir."
	replyThankYou         = "✅ Gracias. Toda la información ha sido registrada y enviada a gerencia. 🙌"
	adminCompletedNotice  = "✅ *Informe completado:*\nEl supervisor *%s* ya completó su informe diario."
	participantGreeting   = "👋 *Buenos días %s*\nVamos a registrar la información de *%s*.\n\n%s"
	supervisionGreeting   = "📝 Hola *%s*, vamos a diligenciar el informe de rutina de supervisión del día.\n\n%s"
	fallbackUnavailable   = "🤖 Lo siento, no puedo responder en este momento. Intenta de nuevo más tarde."
)

// State is the tagged conversation state derived from a session.
type State int

const (
	// StateActive is normal answer collection.
	StateActive State = iota
	// StateEditMenu means the participant was shown the correction menu and
	// the next message is interpreted as a 1-based question selection.
	StateEditMenu
	// StateCompleted means the cursor moved past the last step. It is
	// transient: a session in this state is deleted, never persisted.
	StateCompleted
)

// StateOf derives the conversation state from a session. An empty flow is
// treated as completed so the stale-session guard removes it.
func StateOf(s *models.Session) State {
	if len(s.Flow) == 0 || s.Completed() {
		return StateCompleted
	}
	if s.Editing {
		return StateEditMenu
	}
	return StateActive
}

// Effect is one side effect the caller must execute, in order, after a
// transition.
type Effect int

const (
	// EffectPersist saves the outcome session to the store.
	EffectPersist Effect = iota
	// EffectDispatch forwards the completed report downstream.
	EffectDispatch
	// EffectArchive writes the completed session to the history area.
	EffectArchive
	// EffectNotifyAdmin sends the one-time completion notice to the admin.
	EffectNotifyAdmin
	// EffectDelete removes the session from the store.
	EffectDelete
)

// Outcome is the result of one transition: the next session value, the reply
// for the participant, the structured status for the transport layer, and the
// ordered effect list the engine executes against the store and collaborators.
type Outcome struct {
	Session models.Session
	Reply   string
	Status  models.HandleStatus
	Step    int
	Effects []Effect
}

// Transition applies one inbound text to a session and returns the next
// session value plus the effects to run. It is pure: the input session is not
// mutated, and no I/O happens here, so the side-effect ordering is testable
// independently of the state logic.
//
// Priority order: stale-session guard, then the edit command (valid from any
// state, including while already selecting), then edit selection, then normal
// answer recording.
func Transition(session models.Session, text string, cat *catalog.Catalog) Outcome {
	session = session.Clone()

	if StateOf(&session) == StateCompleted {
		return Outcome{
			Session: session,
			Reply:   replyStaleSession,
			Status:  models.HandleStatusDone,
			Step:    session.StepIndex,
			Effects: []Effect{EffectDelete},
		}
	}

	if strings.EqualFold(strings.TrimSpace(text), editCommand) {
		session.Editing = true
		session.UpdatedAt = time.Now()
		return Outcome{
			Session: session,
			Reply:   renderEditMenu(session),
			Status:  models.HandleStatusOK,
			Step:    session.StepIndex,
			Effects: []Effect{EffectPersist},
		}
	}

	if session.Editing {
		return applyEditSelection(session, text, cat)
	}

	session.Answers[session.CurrentStep()] = text
	session.StepIndex++
	session.UpdatedAt = time.Now()

	if !session.Completed() {
		return Outcome{
			Session: session,
			Reply:   cat.GetPrompt(session.CurrentStep(), session.Process),
			Status:  models.HandleStatusOK,
			Step:    session.StepIndex,
			Effects: []Effect{EffectPersist},
		}
	}

	return Outcome{
		Session: session,
		Reply:   replyThankYou,
		Status:  models.HandleStatusDone,
		Step:    session.StepIndex,
		Effects: []Effect{EffectDispatch, EffectArchive, EffectNotifyAdmin, EffectDelete},
	}
}

// applyEditSelection interprets text as a 1-based question number. A parse or
// range failure re-prompts and keeps edit mode; a valid selection jumps the
// cursor, drops the stale answer and clears edit mode.
func applyEditSelection(session models.Session, text string, cat *catalog.Catalog) Outcome {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return Outcome{
			Session: session,
			Reply:   replyEditNotANumber,
			Status:  models.HandleStatusOK,
			Step:    session.StepIndex,
			Effects: []Effect{EffectPersist},
		}
	}
	if n < 1 || n > len(session.Flow) {
		return Outcome{
			Session: session,
			Reply:   replyEditOutOfRange,
			Status:  models.HandleStatusOK,
			Step:    session.StepIndex,
			Effects: []Effect{EffectPersist},
		}
	}

	session.StepIndex = n - 1
	step := session.CurrentStep()
	delete(session.Answers, step)
	session.Editing = false
	session.UpdatedAt = time.Now()
	return Outcome{
		Session: session,
		Reply:   replyEditPrefix + cat.GetPrompt(step, session.Process),
		Status:  models.HandleStatusOK,
		Step:    session.StepIndex,
		Effects: []Effect{EffectPersist},
	}
}

// renderEditMenu lists every flow step with its recorded answer (or the
// no-answer marker), numbered from 1 in flow order.
func renderEditMenu(session models.Session) string {
	var b strings.Builder
	b.WriteString(replyEditMenuHeader)
	b.WriteString("\n")
	for i, step := range session.Flow {
		answer, ok := session.Answers[step]
		if !ok {
			answer = replyEditNoAnswer
		}
		fmt.Fprintf(&b, "%d️⃣ %s: %s\n", i+1, step, answer)
	}
	b.WriteString("\n")
	b.WriteString(replyEditMenuFooter)
	return b.String()
}
