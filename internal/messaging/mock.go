package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/models"
)

// MockService implements Service in memory for tests: it records outbound
// messages and lets tests inject inbound responses.
type MockService struct {
	mu        sync.Mutex
	sent      []SentMessage
	receipts  chan models.Receipt
	responses chan models.Response
	sendErr   error
}

// SentMessage is one recorded outbound message.
type SentMessage struct {
	To   string
	Body string
}

// NewMockService creates an empty mock service.
func NewMockService() *MockService {
	return &MockService{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

// SetSendError makes subsequent SendMessage calls fail.
func (m *MockService) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns a copy of the recorded outbound messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// EmitResponse injects an inbound response, as the transport would.
func (m *MockService) EmitResponse(response models.Response) {
	m.responses <- response
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	m.receipts <- models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()}
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error { return nil }

func (m *MockService) Receipts() <-chan models.Receipt { return m.receipts }

func (m *MockService) Responses() <-chan models.Response { return m.responses }
