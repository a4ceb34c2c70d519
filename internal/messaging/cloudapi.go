package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/models"
)

// DefaultGraphBaseURL is the WhatsApp Business Cloud API endpoint prefix.
const DefaultGraphBaseURL = "https://graph.facebook.com/v19.0"

// CloudAPIOpts holds configuration options for the Cloud API service.
type CloudAPIOpts struct {
	Token   string // access token (env WHATSAPP_TOKEN)
	PhoneID string // business phone number ID (env PHONE_ID)
	BaseURL string // API endpoint prefix, overridable for tests
	Client  *http.Client
}

// CloudAPIOption defines a configuration option for the Cloud API service.
type CloudAPIOption func(*CloudAPIOpts)

// WithToken sets the Cloud API access token.
func WithToken(token string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.Token = token }
}

// WithPhoneID sets the business phone number ID.
func WithPhoneID(phoneID string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.PhoneID = phoneID }
}

// WithBaseURL overrides the Graph API endpoint prefix.
func WithBaseURL(url string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.BaseURL = url }
}

// WithHTTPClient injects an HTTP client.
func WithHTTPClient(client *http.Client) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.Client = client }
}

// CloudAPIService implements Service using the WhatsApp Business Cloud API.
// Inbound messages arrive through the HTTP API layer, not through this
// service, so its Responses channel stays idle.
type CloudAPIService struct {
	token     string
	phoneID   string
	baseURL   string
	client    *http.Client
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

// NewCloudAPIService creates a Cloud API service, falling back to the
// WHATSAPP_TOKEN and PHONE_ID environment variables when options are unset.
func NewCloudAPIService(opts ...CloudAPIOption) (*CloudAPIService, error) {
	var cfg CloudAPIOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("WHATSAPP_TOKEN")
	}
	if cfg.PhoneID == "" {
		cfg.PhoneID = os.Getenv("PHONE_ID")
	}
	slog.Debug("CloudAPIService config loaded", "token_set", cfg.Token != "", "phone_id_set", cfg.PhoneID != "")

	if cfg.Token == "" || cfg.PhoneID == "" {
		return nil, fmt.Errorf("cloud API token and phone ID must be provided")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}

	return &CloudAPIService{
		token:     cfg.Token,
		phoneID:   cfg.PhoneID,
		baseURL:   cfg.BaseURL,
		client:    cfg.Client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}, nil
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// cloudAPIPayload is the outbound text message request body.
type cloudAPIPayload struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             cloudAPIText `json:"text"`
}

type cloudAPIText struct {
	Body string `json:"body"`
}

// SendMessage posts a text message to the Cloud API and emits a sent receipt.
func (s *CloudAPIService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("CloudAPIService SendMessage validation error", "error", err, "to", to)
		return err
	}

	payload, err := json.Marshal(cloudAPIPayload{
		MessagingProduct: "whatsapp",
		To:               canonicalTo,
		Type:             "text",
		Text:             cloudAPIText{Body: body},
	})
	if err != nil {
		return fmt.Errorf("failed to encode message payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build Cloud API request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Error("CloudAPIService SendMessage request failed", "error", err, "to", canonicalTo)
		return fmt.Errorf("cloud API request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("CloudAPIService SendMessage rejected", "status", resp.StatusCode, "to", canonicalTo)
		return fmt.Errorf("cloud API returned status %d", resp.StatusCode)
	}

	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	slog.Debug("CloudAPIService message sent", "to", canonicalTo, "body_length", len(body))
	return nil
}

// Start is a no-op: inbound events arrive via the HTTP API layer.
func (s *CloudAPIService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *CloudAPIService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	return nil
}

// Receipts returns the channel of sent receipts.
func (s *CloudAPIService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the (idle) channel of inbound responses.
func (s *CloudAPIService) Responses() <-chan models.Response {
	return s.responses
}

func (s *CloudAPIService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
	}
}
