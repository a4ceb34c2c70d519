package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/catalog"
	"github.com/BTreeMap/FloorPipe/internal/engine"
	"github.com/BTreeMap/FloorPipe/internal/messaging"
	"github.com/BTreeMap/FloorPipe/internal/models"
	"github.com/BTreeMap/FloorPipe/internal/store"
)

const testProcess = models.Process("PRUEBA")

func testCatalog() *catalog.Catalog {
	return catalog.New(
		map[models.Process][]models.Step{
			testProcess: {"Q1", "Q2"},
		},
		map[models.Step]map[models.Process]string{
			"Q1": {testProcess: "Pregunta uno"},
			"Q2": {testProcess: "Pregunta dos"},
		},
	)
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *store.InMemoryStore, *messaging.MockService) {
	t.Helper()
	st := store.NewInMemoryStore()
	msgService := messaging.NewMockService()
	eng := engine.NewEngine(st, testCatalog(), engine.WithSender(msgService))
	return NewServer(eng, st, msgService, opts...), st, msgService
}

func seedSession(t *testing.T, st *store.InMemoryStore, participantID string) {
	t.Helper()
	session := models.NewSession(participantID, testProcess, []models.Step{"Q1", "Q2"})
	if err := st.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestInboundAdvancesSession(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedSession(t, st, "573001112233")

	rec := postJSON(t, srv.Handler(), "/inbound", models.InboundMessage{
		ParticipantID: "573001112233",
		Text:          "12 operarios",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	var envelope struct {
		Status string              `json:"status"`
		Result models.HandleResult `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decoding response failed: %v", err)
	}
	if envelope.Status != "ok" {
		t.Errorf("envelope status = %q, want ok", envelope.Status)
	}
	if envelope.Result.Status != models.HandleStatusOK {
		t.Errorf("handle status = %q, want %q", envelope.Result.Status, models.HandleStatusOK)
	}
	if envelope.Result.Reply != "Pregunta dos" {
		t.Errorf("reply = %q, want next prompt", envelope.Result.Reply)
	}

	session, err := st.LoadSession("573001112233")
	if err != nil || session == nil {
		t.Fatalf("LoadSession failed: %v, session %v", err, session)
	}
	if session.Answers["Q1"] != "12 operarios" {
		t.Errorf("answer not recorded: %q", session.Answers["Q1"])
	}
}

func TestInboundCanonicalizesParticipant(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedSession(t, st, "573001112233")

	rec := postJSON(t, srv.Handler(), "/inbound", models.InboundMessage{
		ParticipantID: "whatsapp:+57 300 111 2233",
		Text:          "12",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	session, err := st.LoadSession("573001112233")
	if err != nil || session == nil {
		t.Fatalf("LoadSession failed: %v, session %v", err, session)
	}
	if session.Answers["Q1"] != "12" {
		t.Errorf("answer not recorded under canonical ID: %+v", session.Answers)
	}
}

func TestInboundRejectsBadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	rec := postJSON(t, handler, "/inbound", models.InboundMessage{Text: "hola"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing participant_id: status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/inbound", strings.NewReader("{not json"))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: status = %d, want 400", recorder.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/inbound", nil)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d, want 405", getRec.Code)
	}
}

// brokenStore fails session loads so handler error mapping can be observed.
type brokenStore struct {
	*store.InMemoryStore
}

func (b *brokenStore) LoadSession(participantID string) (*models.Session, error) {
	return nil, errors.New("disk on fire")
}

func (b *brokenStore) ListSessionsCreated(day time.Time) ([]models.Session, error) {
	return nil, errors.New("disk on fire")
}

func TestStoreErrorsMapTo500WithGenericMessage(t *testing.T) {
	st := &brokenStore{InMemoryStore: store.NewInMemoryStore()}
	msgService := messaging.NewMockService()
	eng := engine.NewEngine(st, testCatalog(), engine.WithSender(msgService))
	srv := NewServer(eng, st, msgService)
	handler := srv.Handler()

	rec := postJSON(t, handler, "/inbound", models.InboundMessage{
		ParticipantID: "573001112233",
		Text:          "hola",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk on fire") {
		t.Errorf("raw store error leaked to client: %s", rec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusInternalServerError {
		t.Errorf("sessions status = %d, want 500", listRec.Code)
	}
}

func TestSessionsListsTodaysSessions(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedSession(t, st, "573001112233")
	seedSession(t, st, "573009998877")

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var envelope struct {
		Status string           `json:"status"`
		Result []models.Session `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decoding response failed: %v", err)
	}
	if len(envelope.Result) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(envelope.Result))
	}
}

func TestHealthReportsSessionCount(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedSession(t, st, "573001112233")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var health map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decoding health failed: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", health["status"])
	}
	if health["active_sessions"] != float64(1) {
		t.Errorf("active_sessions = %v, want 1", health["active_sessions"])
	}
}

func TestTwilioWebhookRouteMounted(t *testing.T) {
	called := false
	srv, _, _ := newTestServer(t, WithTwilioWebhook(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if !called {
		t.Error("mounted Twilio webhook was not invoked")
	}

	bare, _, _ := newTestServer(t)
	bareRec := httptest.NewRecorder()
	bare.Handler().ServeHTTP(bareRec, httptest.NewRequest(http.MethodPost, "/twilio/webhook", nil))
	if bareRec.Code != http.StatusNotFound {
		t.Errorf("unmounted route status = %d, want 404", bareRec.Code)
	}
}

func TestResponsePumpFeedsEngine(t *testing.T) {
	srv, st, msgService := newTestServer(t, WithAddr("127.0.0.1:0"))
	seedSession(t, st, "573001112233")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop()

	msgService.EmitResponse(models.Response{
		From:      "whatsapp:+573001112233",
		Body:      "12 operarios",
		Time:      time.Now().Unix(),
		MessageID: "wamid.1",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		session, err := st.LoadSession("573001112233")
		if err != nil {
			t.Fatalf("LoadSession failed: %v", err)
		}
		if session != nil && session.Answers["Q1"] == "12 operarios" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pumped response never reached the engine")
}
