// Package catalog provides the flow catalog for FloorPipe.
//
// It maps each process to its ordered question flow and each (step, process)
// pair to the prompt text sent to supervisors. The catalog is a pure lookup
// table with no side effects; unknown lookups return empty/fallback values.
package catalog

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FloorPipe/internal/models"
)

// UndefinedPrompt is returned when a (step, process) pair has no prompt.
const UndefinedPrompt = "⚠️ Pregunta no definida para este proceso."

// Catalog holds the typed flow and prompt tables.
type Catalog struct {
	flows   map[models.Process][]models.Step
	prompts map[models.Step]map[models.Process]string
}

// New creates a catalog from explicit flow and prompt tables. Most callers
// want Default; New exists so tests can build small catalogs.
func New(flows map[models.Process][]models.Step, prompts map[models.Step]map[models.Process]string) *Catalog {
	return &Catalog{flows: flows, prompts: prompts}
}

// GetFlow returns a copy of the ordered step sequence for a process, or an
// empty slice when the process is unknown. For the supervision process the
// steps are the full question texts.
func (c *Catalog) GetFlow(process models.Process) []models.Step {
	p := canonicalProcess(process)
	if p == models.ProcessSupervision {
		return append([]models.Step(nil), supervisionQuestions...)
	}
	flow, ok := c.flows[p]
	if !ok {
		slog.Debug("Catalog GetFlow unknown process", "process", p)
		return nil
	}
	return append([]models.Step(nil), flow...)
}

// GetPrompt resolves the prompt text for a step within a process. For the
// supervision process the step is the prompt. Never fails; undefined pairs
// yield UndefinedPrompt.
func (c *Catalog) GetPrompt(step models.Step, process models.Process) string {
	p := canonicalProcess(process)
	if p == models.ProcessSupervision {
		return string(step)
	}
	byProcess, ok := c.prompts[step]
	if !ok {
		return UndefinedPrompt
	}
	prompt, ok := byProcess[p]
	if !ok {
		return UndefinedPrompt
	}
	return prompt
}

// Validate checks that every step of every flow resolves to a defined
// prompt. It is run once at startup so a flow referencing an undefined
// prompt fails fast instead of surfacing mid-conversation.
func (c *Catalog) Validate() error {
	for process, flow := range c.flows {
		if len(flow) == 0 {
			return fmt.Errorf("catalog: process %q has an empty flow", process)
		}
		seen := make(map[models.Step]bool, len(flow))
		for _, step := range flow {
			if seen[step] {
				return fmt.Errorf("catalog: process %q repeats step %q", process, step)
			}
			seen[step] = true
			if c.GetPrompt(step, process) == UndefinedPrompt {
				return fmt.Errorf("catalog: process %q references step %q with no prompt", process, step)
			}
		}
	}
	slog.Debug("Catalog validated", "processes", len(c.flows))
	return nil
}

// Processes returns every process with a defined flow, supervision included.
func (c *Catalog) Processes() []models.Process {
	out := make([]models.Process, 0, len(c.flows)+1)
	for p := range c.flows {
		out = append(out, p)
	}
	out = append(out, models.ProcessSupervision)
	return out
}

func canonicalProcess(p models.Process) models.Process {
	return models.Process(strings.ToUpper(strings.TrimSpace(string(p))))
}
