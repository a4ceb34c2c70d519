// Package assistant implements the free-form reply path for participants
// with no active report session: a daily-task lookup plus an LLM-backed
// general answer.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = "o4-mini"

const (
	tasksHeader      = "📋 *Tareas asignadas para hoy:*"
	tasksNoneToday   = "📭 Hoy no tienes tareas asignadas."
	tasksFileMissing = "⚠️ No encontré un archivo de tareas para ti."
	replyUnavailable = "Lo siento, estoy teniendo dificultades para procesar tu mensaje. Intenta más tarde."
)

const systemPromptTemplate = `Eres un asistente virtual llamado CiplasBot. Tu tarea es responder con amabilidad y precisión al usuario %s, quien trabaja en la planta de producción de Ciplas S.A.S.
No tienes flujo activo en este momento, pero puedes responder preguntas generales sobre procesos, producción, dudas comunes o instrucciones simples.

Si no sabes la respuesta, responde con:
'Lo siento, por ahora no tengo información sobre ese tema. Puedes escribir "ayuda" para ver opciones disponibles.'`

// responder produces a completion for a system/user prompt pair. It is a
// seam so tests can run without the OpenAI API.
type responder func(ctx context.Context, system, user string) (string, error)

// Opts holds configuration options for the assistant.
type Opts struct {
	APIKey    string
	Model     string
	TasksDir  string
	Responder responder
}

// Option defines a configuration option for the assistant.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTasksDir sets the directory holding per-participant task files.
func WithTasksDir(dir string) Option {
	return func(o *Opts) { o.TasksDir = dir }
}

// WithResponder injects a completion function (used by tests).
func WithResponder(r responder) Option {
	return func(o *Opts) { o.Responder = r }
}

// Assistant answers free-form messages.
type Assistant struct {
	tasksDir string
	respond  responder
}

// New creates an assistant. Without an API key or injected responder, chat
// questions get the polite unavailable reply; the task lookup still works.
func New(opts ...Option) *Assistant {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	respond := cfg.Responder
	if respond == nil && cfg.APIKey != "" {
		model := cfg.Model
		if model == "" {
			model = DefaultModel
		}
		client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
		respond = func(ctx context.Context, system, user string) (string, error) {
			resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
				Model: openai.ChatModel(model),
				Messages: []openai.ChatCompletionMessageParamUnion{
					openai.SystemMessage(system),
					openai.UserMessage(user),
				},
			})
			if err != nil {
				return "", err
			}
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("completion returned no choices")
			}
			return strings.TrimSpace(resp.Choices[0].Message.Content), nil
		}
	}

	return &Assistant{tasksDir: cfg.TasksDir, respond: respond}
}

// Reply answers one free-form message. Errors from the completion API are
// logged and replaced with a polite fallback; the participant never sees raw
// error detail.
func (a *Assistant) Reply(ctx context.Context, name, text string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "tareas" || strings.Contains(lower, "tareas del día") {
		return a.tasksForToday(name), nil
	}

	if a.respond == nil {
		return replyUnavailable, nil
	}
	answer, err := a.respond(ctx, fmt.Sprintf(systemPromptTemplate, name), text)
	if err != nil {
		slog.Error("Assistant completion failed", "error", err, "name", name)
		return replyUnavailable, nil
	}
	return answer, nil
}

// tasksForToday renders the task list assigned to the participant for the
// current date. Task files are keyed by lowercased participant name and map
// "2006-01-02" dates to task lists.
func (a *Assistant) tasksForToday(name string) string {
	path := filepath.Join(a.tasksDir, strings.ToLower(name)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("Assistant task file read failed", "error", err, "path", path)
		}
		return tasksFileMissing
	}

	var byDate map[string][]string
	if err := json.Unmarshal(data, &byDate); err != nil {
		slog.Error("Assistant task file decode failed", "error", err, "path", path)
		return tasksFileMissing
	}

	tasks := byDate[time.Now().Format("2006-01-02")]
	if len(tasks) == 0 {
		return tasksNoneToday
	}

	var b strings.Builder
	b.WriteString(tasksHeader)
	for _, task := range tasks {
		b.WriteString("\n✅ ")
		b.WriteString(task)
	}
	return b.String()
}
