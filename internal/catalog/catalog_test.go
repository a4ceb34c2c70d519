package catalog

import (
	"testing"

	"github.com/BTreeMap/FloorPipe/internal/models"
)

func TestDefaultCatalogValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
}

func TestGetFlowReturnsCopy(t *testing.T) {
	c := Default()
	flow := c.GetFlow(models.ProcessCuerdas)
	if len(flow) != 4 {
		t.Fatalf("CUERDAS flow length = %d, want 4", len(flow))
	}
	flow[0] = "mutated"
	if c.GetFlow(models.ProcessCuerdas)[0] != StepPersonal {
		t.Error("GetFlow exposed internal slice")
	}
}

func TestGetFlowUnknownProcess(t *testing.T) {
	if flow := Default().GetFlow("EXTRUSION"); len(flow) != 0 {
		t.Errorf("unknown process flow = %v, want empty", flow)
	}
}

func TestGetFlowCanonicalizesProcess(t *testing.T) {
	c := Default()
	if len(c.GetFlow(" costura ")) == 0 {
		t.Error("lower-case process name not resolved")
	}
}

func TestGetPromptFallback(t *testing.T) {
	c := Default()
	// PROGRAMADAS is not part of the CUERDAS flow and has no prompt for it.
	if got := c.GetPrompt(StepProgramadas, models.ProcessCuerdas); got != UndefinedPrompt {
		t.Errorf("GetPrompt = %q, want fallback marker", got)
	}
	if got := c.GetPrompt("NOPE", models.ProcessCostura); got != UndefinedPrompt {
		t.Errorf("GetPrompt unknown step = %q, want fallback marker", got)
	}
}

func TestSupervisionIsIdentityCatalog(t *testing.T) {
	c := Default()
	flow := c.GetFlow(models.ProcessSupervision)
	if len(flow) != 10 {
		t.Fatalf("supervision flow length = %d, want 10", len(flow))
	}
	for _, step := range flow {
		if got := c.GetPrompt(step, models.ProcessSupervision); got != string(step) {
			t.Errorf("supervision prompt = %q, want identity %q", got, step)
		}
	}
}

func TestProcessesListsEveryFlow(t *testing.T) {
	got := Default().Processes()
	if len(got) != 6 {
		t.Fatalf("Processes() returned %d entries, want 6: %v", len(got), got)
	}
	found := false
	for _, p := range got {
		if p == models.ProcessSupervision {
			found = true
		}
	}
	if !found {
		t.Error("Processes() missing supervision")
	}
}

func TestValidateRejectsMissingPrompt(t *testing.T) {
	c := New(
		map[models.Process][]models.Step{models.ProcessCostura: {"PERSONAL", "GHOST"}},
		map[models.Step]map[models.Process]string{
			"PERSONAL": {models.ProcessCostura: "pregunta"},
		},
	)
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for step without prompt")
	}
}

func TestValidateRejectsDuplicateStep(t *testing.T) {
	c := New(
		map[models.Process][]models.Step{models.ProcessCostura: {"PERSONAL", "PERSONAL"}},
		map[models.Step]map[models.Process]string{
			"PERSONAL": {models.ProcessCostura: "pregunta"},
		},
	)
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for duplicated step")
	}
}
