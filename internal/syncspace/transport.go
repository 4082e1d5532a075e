package syncspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transport is the request/response call contract the engine expects
// from a remote server: a named operation with typed variables and
// cooperative cancellation. Wire format is the transport's business.
type Transport interface {
	Call(ctx context.Context, operation string, variables map[string]any) (json.RawMessage, error)
}

type TransportError struct {
	StatusCode int
	Message    string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %d: %s", e.StatusCode, e.Message)
}

func (e *TransportError) Is(target error) bool {
	if target == ErrStorageUnavailable {
		return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	}
	if target == ErrNotFound {
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

type HTTPTransportOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPTransport struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPTransport(opts HTTPTransportOptions) *HTTPTransport {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPTransport{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type rpcRequest struct {
	Operation string         `json:"operation"`
	Variables map[string]any `json:"variables,omitempty"`
}

type rpcResponse struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

func (t *HTTPTransport) Call(ctx context.Context, operation string, variables map[string]any) (json.RawMessage, error) {
	if operation == "" {
		return nil, ErrInvalidInput
	}
	payload, err := json.Marshal(rpcRequest{Operation: operation, Variables: variables})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			if !sleepBackoff(ctx, attempt, t.baseDelay, t.maxDelay) {
				return nil, ctx.Err()
			}
		}
		data, callErr := t.doCall(ctx, payload)
		if callErr == nil {
			return data, nil
		}
		lastErr = callErr
		if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
			return nil, callErr
		}
		if !errors.Is(callErr, ErrStorageUnavailable) {
			return nil, callErr
		}
	}
	return nil, lastErr
}

func (t *HTTPTransport) doCall(ctx context.Context, payload []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/rpc", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &TransportError{StatusCode: 0, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("rpc: %s", decoded.Error)
	}
	return decoded.Data, nil
}

func sleepBackoff(ctx context.Context, attempt int, base, max time.Duration) bool {
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
