package assistant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAssistantChatReply(t *testing.T) {
	var gotSystem, gotUser string
	a := New(WithResponder(func(ctx context.Context, system, user string) (string, error) {
		gotSystem = system
		gotUser = user
		return "Claro, con gusto.", nil
	}))

	reply, err := a.Reply(context.Background(), "Carlos", "¿cómo registro un paro?")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if reply != "Claro, con gusto." {
		t.Errorf("reply = %q", reply)
	}
	if !strings.Contains(gotSystem, "Carlos") {
		t.Errorf("system prompt missing participant name:\n%s", gotSystem)
	}
	if gotUser != "¿cómo registro un paro?" {
		t.Errorf("user prompt = %q", gotUser)
	}
}

func TestAssistantAPIErrorYieldsPoliteFallback(t *testing.T) {
	a := New(WithResponder(func(ctx context.Context, system, user string) (string, error) {
		return "", errors.New("rate limited")
	}))

	reply, err := a.Reply(context.Background(), "Carlos", "hola")
	if err != nil {
		t.Fatalf("Reply must not propagate API errors, got %v", err)
	}
	if reply != replyUnavailable {
		t.Errorf("reply = %q, want polite fallback", reply)
	}
}

func TestAssistantNoResponderConfigured(t *testing.T) {
	a := New()

	reply, err := a.Reply(context.Background(), "Carlos", "hola")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if reply != replyUnavailable {
		t.Errorf("reply = %q, want polite fallback", reply)
	}
}

func TestAssistantTasksLookup(t *testing.T) {
	dir := t.TempDir()
	today := time.Now().Format("2006-01-02")
	content := `{"` + today + `": ["Revisar máquina 3", "Inventario de hilos"]}`
	if err := os.WriteFile(filepath.Join(dir, "carlos.json"), []byte(content), 0644); err != nil {
		t.Fatalf("writing task file failed: %v", err)
	}

	a := New(WithTasksDir(dir))

	// The task path never reaches the completion API.
	reply, err := a.Reply(context.Background(), "Carlos", "tareas")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if !strings.Contains(reply, "Revisar máquina 3") || !strings.Contains(reply, "Inventario de hilos") {
		t.Errorf("task list missing entries:\n%s", reply)
	}
	if !strings.HasPrefix(reply, tasksHeader) {
		t.Errorf("reply missing header:\n%s", reply)
	}

	// Phrase form also triggers the lookup.
	reply, err = a.Reply(context.Background(), "Carlos", "dame las tareas del día")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if !strings.HasPrefix(reply, tasksHeader) {
		t.Errorf("phrase form did not trigger task lookup:\n%s", reply)
	}
}

func TestAssistantTasksNoneToday(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "carlos.json"), []byte(`{"2020-01-01": ["vieja"]}`), 0644); err != nil {
		t.Fatalf("writing task file failed: %v", err)
	}

	a := New(WithTasksDir(dir))
	reply, err := a.Reply(context.Background(), "Carlos", "tareas")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if reply != tasksNoneToday {
		t.Errorf("reply = %q, want no-tasks notice", reply)
	}
}

func TestAssistantTasksFileMissing(t *testing.T) {
	a := New(WithTasksDir(t.TempDir()))
	reply, err := a.Reply(context.Background(), "Carlos", "tareas")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if reply != tasksFileMissing {
		t.Errorf("reply = %q, want missing-file notice", reply)
	}
}
