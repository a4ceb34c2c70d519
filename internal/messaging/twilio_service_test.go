package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/FloorPipe/internal/twiliowhatsapp"
)

func TestTwilioServiceSendMessageCanonicalizes(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	s := NewTwilioService(mock)

	if err := s.SendMessage(context.Background(), "whatsapp:+57 300 111 2233", "hola"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "573001112233" {
		t.Errorf("recipient not canonicalized: %q", mock.SentMessages[0].To)
	}

	if err := s.SendMessage(context.Background(), "abc", "hola"); err == nil {
		t.Error("expected validation error for recipient without digits")
	}
}

func TestTwilioServiceWebhookEmitsResponse(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+573001112233")
	form.Set("Body", "hola")
	form.Set("MessageSid", "SM123")
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.WebhookHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	select {
	case response := <-s.Responses():
		if response.From != "whatsapp:+573001112233" || response.Body != "hola" {
			t.Errorf("unexpected response %+v", response)
		}
		if response.MessageID != "SM123" {
			t.Errorf("MessageSid not carried as dedup key: %q", response.MessageID)
		}
	default:
		t.Fatal("no response emitted")
	}
}

func TestTwilioServiceWebhookMissingFields(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+573001112233")
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.WebhookHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTwilioServiceStopped(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.SendMessage(context.Background(), "573001112233", "hola"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
