package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/FloorPipe/internal/models"
	"github.com/BTreeMap/FloorPipe/internal/store"
)

type sentMessage struct {
	To   string
	Body string
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *mockSender) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{To: to, Body: body})
	return nil
}

func (m *mockSender) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

type mockDispatcher struct {
	mu      sync.Mutex
	reports []models.Report
	err     error
}

func (m *mockDispatcher) Dispatch(ctx context.Context, report models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.reports = append(m.reports, report)
	return nil
}

type mockFallback struct {
	lastName string
	lastText string
	reply    string
	err      error
}

func (m *mockFallback) Reply(ctx context.Context, name, text string) (string, error) {
	m.lastName = name
	m.lastText = text
	return m.reply, m.err
}

type mockDirectory struct {
	admin string
	names map[string]string
}

func (m *mockDirectory) AdminPhone() string { return m.admin }

func (m *mockDirectory) NameFor(phone string) string { return m.names[phone] }

// failingStore wraps an in-memory store and injects write failures.
type failingStore struct {
	*store.InMemoryStore
	saveErr error
}

func (f *failingStore) SaveSession(session models.Session) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.InMemoryStore.SaveSession(session)
}

func newTestEngine(t *testing.T) (*Engine, *store.InMemoryStore, *mockSender, *mockDispatcher) {
	t.Helper()
	st := store.NewInMemoryStore()
	sender := &mockSender{}
	dispatcher := &mockDispatcher{}
	eng := NewEngine(st, testCatalog(),
		WithSender(sender),
		WithDispatcher(dispatcher),
		WithDirectory(&mockDirectory{admin: "573000000000", names: map[string]string{"573001112233": "Carlos"}}))
	return eng, st, sender, dispatcher
}

func TestEngineFullFlow(t *testing.T) {
	eng, st, sender, dispatcher := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.StartSession(ctx, "573001112233", testProcess); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	result, err := eng.HandleMessage(ctx, models.InboundMessage{ParticipantID: "573001112233", Text: "answer1"})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if result.Status != models.HandleStatusOK || result.Step != 1 {
		t.Errorf("unexpected mid-flow result %+v", result)
	}

	result, err = eng.HandleMessage(ctx, models.InboundMessage{ParticipantID: "573001112233", Text: "answer2"})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if result.Status != models.HandleStatusDone {
		t.Errorf("status = %q, want done", result.Status)
	}

	// Session gone, report dispatched, archive written.
	session, err := st.LoadSession("573001112233")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if session != nil {
		t.Errorf("session not deleted on completion: %+v", session)
	}
	if len(dispatcher.reports) != 1 {
		t.Fatalf("expected 1 dispatched report, got %d", len(dispatcher.reports))
	}
	report := dispatcher.reports[0]
	if report.Process != testProcess || report.Answers["Q1"] != "answer1" || report.Answers["Q2"] != "answer2" {
		t.Errorf("unexpected report %+v", report)
	}
	if len(st.History()) != 1 {
		t.Errorf("expected 1 archive record, got %d", len(st.History()))
	}

	// Greeting, next prompt, thank-you and the admin completion notice.
	var adminNotices, participantReplies int
	for _, m := range sender.messages() {
		switch m.To {
		case "573000000000":
			adminNotices++
			if !strings.Contains(m.Body, "Informe completado") || !strings.Contains(m.Body, "Carlos") {
				t.Errorf("unexpected admin notice %q", m.Body)
			}
		case "573001112233":
			participantReplies++
		}
	}
	if adminNotices != 1 {
		t.Errorf("expected 1 admin notice, got %d", adminNotices)
	}
	if participantReplies != 3 {
		t.Errorf("expected greeting + prompt + thank-you, got %d messages", participantReplies)
	}

	// The completion alert is recorded so the monitor does not repeat it.
	sent, err := st.AlertAlreadySent(store.DayKey(st.History()[0].ArchivedAt), "573001112233", models.AlertCompleted)
	if err != nil {
		t.Fatalf("AlertAlreadySent failed: %v", err)
	}
	if !sent {
		t.Error("completion alert not recorded in alert log")
	}
}

func TestEngineNoSessionRoutesToFallback(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{}
	fallback := &mockFallback{reply: "Hola Carlos, ¿en qué puedo ayudarte?"}
	eng := NewEngine(st, testCatalog(),
		WithSender(sender),
		WithFallback(fallback),
		WithDirectory(&mockDirectory{names: map[string]string{"573001112233": "Carlos"}}))

	result, err := eng.HandleMessage(context.Background(), models.InboundMessage{ParticipantID: "573001112233", Text: "hola"})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if result.Status != models.HandleStatusNoFlow {
		t.Errorf("status = %q, want no_flow", result.Status)
	}
	if result.Reply != fallback.reply {
		t.Errorf("reply = %q, want fallback answer", result.Reply)
	}
	if fallback.lastName != "Carlos" || fallback.lastText != "hola" {
		t.Errorf("fallback called with (%q, %q)", fallback.lastName, fallback.lastText)
	}
}

func TestEngineFallbackErrorYieldsPoliteReply(t *testing.T) {
	st := store.NewInMemoryStore()
	eng := NewEngine(st, testCatalog(),
		WithFallback(&mockFallback{err: errors.New("api down")}))

	result, err := eng.HandleMessage(context.Background(), models.InboundMessage{ParticipantID: "573001112233", Text: "hola"})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if result.Reply != fallbackUnavailable {
		t.Errorf("reply = %q, want polite fallback", result.Reply)
	}
}

func TestEngineStoreWriteFailureFailsTurn(t *testing.T) {
	inner := store.NewInMemoryStore()
	session := models.NewSession("573001112233", testProcess, []models.Step{"Q1", "Q2"})
	if err := inner.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	st := &failingStore{InMemoryStore: inner, saveErr: errors.New("disk full")}
	sender := &mockSender{}
	eng := NewEngine(st, testCatalog(), WithSender(sender))

	_, err := eng.HandleMessage(context.Background(), models.InboundMessage{ParticipantID: "573001112233", Text: "answer1"})
	if err == nil {
		t.Fatal("expected error when persist fails")
	}

	// No reply was sent and the durable record is unchanged.
	if len(sender.messages()) != 0 {
		t.Errorf("reply sent despite failed persist: %+v", sender.messages())
	}
	got, err := inner.LoadSession("573001112233")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got.StepIndex != 0 || len(got.Answers) != 0 {
		t.Errorf("stored session mutated despite failed turn: %+v", got)
	}
}

func TestEngineFailedTurnRetryNotDropped(t *testing.T) {
	inner := store.NewInMemoryStore()
	session := models.NewSession("573001112233", testProcess, []models.Step{"Q1", "Q2"})
	if err := inner.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	st := &failingStore{InMemoryStore: inner, saveErr: errors.New("disk full")}
	eng := NewEngine(st, testCatalog(), WithSender(&mockSender{}))
	ctx := context.Background()

	msg := models.InboundMessage{ParticipantID: "573001112233", Text: "answer1", MessageID: "wamid.retry1"}
	if _, err := eng.HandleMessage(ctx, msg); err == nil {
		t.Fatal("expected error when persist fails")
	}

	// The transport redelivers the same message ID once the store recovers.
	// The failed turn must not have consumed the dedup key.
	st.saveErr = nil
	result, err := eng.HandleMessage(ctx, msg)
	if err != nil {
		t.Fatalf("retried HandleMessage failed: %v", err)
	}
	if result.Status != models.HandleStatusOK || result.Step != 1 {
		t.Errorf("retry result %+v, want step advanced to 1", result)
	}
	got, err := inner.LoadSession("573001112233")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got.StepIndex != 1 || got.Answers["Q1"] != "answer1" {
		t.Errorf("retry dropped as duplicate, session %+v", got)
	}

	// A further redelivery after the successful turn is still deduplicated.
	if _, err := eng.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("duplicate HandleMessage failed: %v", err)
	}
	got, err = inner.LoadSession("573001112233")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got.StepIndex != 1 {
		t.Errorf("step_index = %d after duplicate delivery, want 1", got.StepIndex)
	}
}

func TestEngineArchiveSurvivesDispatchFailure(t *testing.T) {
	eng, st, sender, dispatcher := newTestEngine(t)
	dispatcher.err = errors.New("webhook 500")
	ctx := context.Background()

	session := models.NewSession("573001112233", testProcess, []models.Step{"Q1", "Q2"})
	session.StepIndex = 1
	session.Answers["Q1"] = "x"
	if err := st.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	result, err := eng.HandleMessage(ctx, models.InboundMessage{ParticipantID: "573001112233", Text: "final"})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if result.Status != models.HandleStatusDone || result.Reply != replyThankYou {
		t.Errorf("completion result %+v despite dispatch failure", result)
	}

	// Archive exists with every answer, session removed, thank-you sent.
	history := st.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 archive record, got %d", len(history))
	}
	if history[0].Answers["Q1"] != "x" || history[0].Answers["Q2"] != "final" {
		t.Errorf("archive incomplete: %+v", history[0].Answers)
	}
	got, err := st.LoadSession("573001112233")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got != nil {
		t.Error("session not deleted despite dispatch failure")
	}
	found := false
	for _, m := range sender.messages() {
		if m.To == "573001112233" && m.Body == replyThankYou {
			found = true
		}
	}
	if !found {
		t.Error("thank-you not sent despite dispatch failure")
	}
}

func TestEngineStaleSessionRemoved(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)

	session := models.NewSession("573001112233", testProcess, []models.Step{"Q1", "Q2"})
	session.StepIndex = 2 // simulated corruption
	if err := st.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	result, err := eng.HandleMessage(context.Background(), models.InboundMessage{ParticipantID: "573001112233", Text: "hola"})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if result.Status != models.HandleStatusDone || result.Reply != replyStaleSession {
		t.Errorf("unexpected result %+v", result)
	}
	got, err := st.LoadSession("573001112233")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got != nil {
		t.Error("stale session not deleted")
	}
}

func TestEngineDuplicateInboundDropped(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.StartSession(ctx, "573001112233", testProcess); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	msg := models.InboundMessage{ParticipantID: "573001112233", Text: "answer1", MessageID: "wamid.abc"}
	if _, err := eng.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	// Redelivery of the same transport message must not advance the cursor.
	if _, err := eng.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivered HandleMessage failed: %v", err)
	}

	got, err := st.LoadSession("573001112233")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got.StepIndex != 1 {
		t.Errorf("step_index = %d after duplicate delivery, want 1", got.StepIndex)
	}
}

func TestEngineStartSessionOverwritesExisting(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.StartSession(ctx, "573001112233", testProcess); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := eng.HandleMessage(ctx, models.InboundMessage{ParticipantID: "573001112233", Text: "answer1"}); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	// A fresh trigger replaces the in-progress session, no merge.
	if _, err := eng.StartSession(ctx, "573001112233", testProcess); err != nil {
		t.Fatalf("second StartSession failed: %v", err)
	}
	got, err := st.LoadSession("573001112233")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got.StepIndex != 0 || len(got.Answers) != 0 {
		t.Errorf("session not reset by StartSession: %+v", got)
	}
}

func TestEngineStartSessionSupervisionGreeting(t *testing.T) {
	eng, _, sender, _ := newTestEngine(t)

	if _, err := eng.StartSession(context.Background(), "573001112233", models.ProcessSupervision); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 greeting, got %d", len(msgs))
	}
	body := msgs[0].Body
	if !strings.Contains(body, "rutina de supervisión") || !strings.Contains(body, "Carlos") {
		t.Errorf("unexpected supervision greeting %q", body)
	}
	if strings.Contains(body, "Buenos días") {
		t.Errorf("daily-report greeting used for supervision: %q", body)
	}
}

func TestEngineStartSessionUnknownProcess(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	_, err := eng.StartSession(context.Background(), "573001112233", models.Process("NOEXISTE"))
	if !errors.Is(err, models.ErrUnknownProcess) {
		t.Errorf("expected ErrUnknownProcess, got %v", err)
	}
}

func TestEngineConcurrentMessagesSameParticipant(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	session := models.NewSession("573001112233", testProcess, []models.Step{"Q1", "Q2"})
	if err := st.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	// Two concurrent messages are serialized per participant: both are
	// applied, in some order, with no lost update.
	var wg sync.WaitGroup
	for _, text := range []string{"a", "b"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			if _, err := eng.HandleMessage(ctx, models.InboundMessage{ParticipantID: "573001112233", Text: text}); err != nil {
				t.Errorf("HandleMessage(%q) failed: %v", text, err)
			}
		}(text)
	}
	wg.Wait()

	got, err := st.LoadSession("573001112233")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("both answers applied should complete and delete the session, got %+v", got)
	}
	if len(st.History()) != 1 {
		t.Errorf("expected 1 archive record, got %d", len(st.History()))
	}
}

func TestEngineLockMapReclaimed(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	for i, pid := range []string{"573001112233", "573004445566", "573007778899"} {
		if _, err := eng.StartSession(ctx, pid, testProcess); err != nil {
			t.Fatalf("StartSession %d failed: %v", i, err)
		}
		if _, err := eng.HandleMessage(ctx, models.InboundMessage{ParticipantID: pid, Text: "answer1"}); err != nil {
			t.Fatalf("HandleMessage %d failed: %v", i, err)
		}
	}

	eng.locksMu.Lock()
	n := len(eng.locks)
	eng.locksMu.Unlock()
	if n != 0 {
		t.Errorf("%d lock entries retained after all turns finished, want 0", n)
	}
}
