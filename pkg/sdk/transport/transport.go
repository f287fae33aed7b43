package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinymc/pkg/sdk/metrics"
)

// Gateway request headers.
const (
	HeaderToken     = "X-App-Token"
	HeaderBatchID   = "X-Batch-Id"
	HeaderRequestID = "X-Request-Id"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// maxDetailBytes caps how much of an error body is kept for diagnostics.
const maxDetailBytes = 4096

// Transport delivers one batch of payloads to the gateway.
type Transport interface {
	// Send posts one batch. batchID identifies the delivery: every attempt of
	// the same chunk carries the same id, distinct chunks never share one.
	Send(ctx context.Context, batchID string, payloads []metrics.Payload) error
}

// Request is the gateway request body.
type Request struct {
	Metrics []metrics.Payload `json:"metrics"`
}

// Response is the gateway response body.
type Response struct {
	ErrCode int    `json:"errcode"`
	Message string `json:"message,omitempty"`
}

// StatusError is returned when the gateway answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway api fail, status_code: %d, detail: %s", e.StatusCode, e.Detail)
}

// GatewayError is returned when the gateway accepted the request but rejected
// its content with a non-zero errcode.
type GatewayError struct {
	ErrCode int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway api fail, errcode: %d, detail: %s", e.ErrCode, e.Message)
}

// HTTPTransport implements Transport using HTTP
type HTTPTransport struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTP creates a new HTTP transport. A zero timeout means DefaultTimeout.
func NewHTTP(endpoint, token string, timeout time.Duration) (*HTTPTransport, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &HTTPTransport{
		endpoint: endpoint,
		token:    token,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Send posts payloads to the gateway endpoint
func (t *HTTPTransport) Send(ctx context.Context, batchID string, payloads []metrics.Payload) error {
	if len(payloads) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(Request{Metrics: payloads})
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderToken, t.token)
	if batchID != "" {
		req.Header.Set(HeaderBatchID, batchID)
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Detail: string(body)}
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("failed to decode response %q: %w", body, err)
	}
	if out.ErrCode != 0 {
		return &GatewayError{ErrCode: out.ErrCode, Message: out.Message}
	}

	return nil
}
