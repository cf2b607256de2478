// Package framework talks to the external offensive framework bridge. The
// bridge exposes one endpoint per declared tool; this package is the only
// place in the codebase that reaches the framework at all.
package framework

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrFramework wraps every failure surfaced by the bridge so callers can treat
// framework trouble as one failure class.
var ErrFramework = errors.New("framework error")

// Connector executes a declared tool against the framework.
type Connector interface {
	// Invoke calls the named tool with validated inputs and returns the raw
	// result document. Callers filter the result before storing it.
	Invoke(ctx context.Context, toolName string, inputs map[string]any) (map[string]any, error)
}

// Config holds the bridge connection settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPConnector is the production Connector, speaking JSON over HTTP to the
// bridge process.
type HTTPConnector struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPConnector builds a connector for the given bridge.
func NewHTTPConnector(cfg Config, logger *zap.Logger) *HTTPConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPConnector{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type invokeRequest struct {
	Tool   string         `json:"tool"`
	Inputs map[string]any `json:"inputs"`
}

type invokeResponse struct {
	Result map[string]any `json:"result"`
	Error  string         `json:"error,omitempty"`
}

// Invoke implements Connector.
//
// Transport failures are retried once, with backoff, but only for idempotent
// read paths: anything that may have reached the framework and caused a side
// effect must not be silently re-sent. The gateway decides retry eligibility
// by calling InvokeIdempotent for read-only tools.
func (c *HTTPConnector) Invoke(ctx context.Context, toolName string, inputs map[string]any) (map[string]any, error) {
	return c.call(ctx, toolName, inputs)
}

// InvokeIdempotent is Invoke with a single retry on transport failure. Only
// for tools with no side effects.
func (c *HTTPConnector) InvokeIdempotent(ctx context.Context, toolName string, inputs map[string]any) (map[string]any, error) {
	result, err := c.call(ctx, toolName, inputs)
	if err == nil || ctx.Err() != nil {
		return result, err
	}

	c.logger.Debug("retrying read-only framework call", zap.String("tool", toolName), zap.Error(err))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}
	return c.call(ctx, toolName, inputs)
}

func (c *HTTPConnector) call(ctx context.Context, toolName string, inputs map[string]any) (map[string]any, error) {
	body, err := json.Marshal(invokeRequest{Tool: toolName, Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrFramework, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFramework, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFramework, toolName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrFramework, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrFramework, toolName, resp.StatusCode)
	}

	var parsed invokeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrFramework, err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("%w: %s: %s", ErrFramework, toolName, parsed.Error)
	}

	c.logger.Debug("framework call completed",
		zap.String("tool", toolName),
		zap.Duration("elapsed", time.Since(start)))
	return parsed.Result, nil
}

// Fake is an in-memory Connector for tests. Handlers are keyed by tool name;
// calls to tools without a handler return a generic success document. Safe for
// concurrent use, because the gateway invokes side-effecting tools from
// worker goroutines.
type Fake struct {
	Handlers map[string]func(inputs map[string]any) (map[string]any, error)

	mu    sync.Mutex
	calls []FakeCall
}

// FakeCall is one recorded invocation.
type FakeCall struct {
	Tool   string
	Inputs map[string]any
}

// Invoke implements Connector. Handlers run in their own goroutine so a
// blocked handler still honors context cancellation, the way the real bridge
// client does.
func (f *Fake) Invoke(ctx context.Context, toolName string, inputs map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Tool: toolName, Inputs: inputs})
	f.mu.Unlock()

	h, ok := f.Handlers[toolName]
	if !ok {
		return map[string]any{"status": "ok", "tool": toolName}, nil
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := h(inputs)
		ch <- outcome{result, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-ch:
		return o.result, o.err
	}
}

// Calls returns a snapshot of recorded invocations.
func (f *Fake) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}
