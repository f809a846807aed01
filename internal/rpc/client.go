// Package rpc is the retrying JSON-RPC transport to the exchange gateway.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is the interface for JSON-RPC communication with the exchange gateway.
type Client interface {
	// Call makes a read-only JSON-RPC call. Transient failures are retried.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Send makes a state-changing JSON-RPC call. Only failures that guarantee
	// the request was not processed (429, 503) are retried.
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)

	// BatchCall makes multiple read-only JSON-RPC calls in a single HTTP request.
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int    `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
// The gateway attaches simulation logs of failed transactions in Data.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BatchRequest represents a single request in a batch.
type BatchRequest struct {
	Method string
	Params any
}

// BatchResponse represents a single response in a batch.
type BatchResponse struct {
	Result json.RawMessage
	Error  error
}

// ObserveFunc receives the outcome of every call, used for latency metrics.
type ObserveFunc func(method string, err error, elapsed time.Duration)

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	Observe        ObserveFunc
}

// DefaultClientConfig returns default configuration.
// Program transactions wait for the gateway to confirm them, so the timeout
// covers a few validator slots.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url            string
	httpClient     *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
	observe        ObserveFunc
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger,
		observe:        cfg.Observe,
	}
}

// Call makes a JSON-RPC call with retry logic.
func (c *HTTPClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params, retryTransient)
}

// Send makes a JSON-RPC call that must not be duplicated.
func (c *HTTPClient) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params, retryUnprocessed)
}

func (c *HTTPClient) call(ctx context.Context, method string, params any, shouldRetry func(error) bool) (json.RawMessage, error) {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	result, err := c.withRetry(ctx, method, func() (json.RawMessage, error) {
		return c.doRequest(ctx, body)
	}, shouldRetry)
	if c.observe != nil {
		c.observe(method, err, time.Since(start))
	}
	return result, err
}

// retryAfterBackOff waits for the server's Retry-After delay when the last
// failure carried one, and for the exponential delay otherwise.
type retryAfterBackOff struct {
	*backoff.ExponentialBackOff
	retryAfter time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.ExponentialBackOff.NextBackOff()
	if b.retryAfter > 0 {
		next, b.retryAfter = b.retryAfter, 0
	}
	return next
}

func (c *HTTPClient) newBackOff() *retryAfterBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return &retryAfterBackOff{ExponentialBackOff: b}
}

func (c *HTTPClient) withRetry(ctx context.Context, method string, do func() (json.RawMessage, error), shouldRetry func(error) bool) (json.RawMessage, error) {
	policy := c.newBackOff()
	retried := false

	op := func() (json.RawMessage, error) {
		result, err := do()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		// application errors from the gateway are final
		if isRPCError(err) || !shouldRetry(err) {
			return nil, backoff.Permanent(err)
		}
		retried = true
		policy.retryAfter = getRetryDelay(err, 0)
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.String("error", err.Error()),
			slog.Duration("backoff", wait),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(c.maxRetries, 0))), ctx)
	result, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil && retried && ctx.Err() == nil && !isRPCError(err) && shouldRetry(err) {
		return nil, fmt.Errorf("all retries failed: %w", err)
	}
	return result, err
}

func retryTransient(err error) bool {
	if isRetryableHTTPError(err) {
		return true
	}
	var httpErr *HTTPStatusError
	// network issues are retried, other HTTP statuses are not
	return !errors.As(err, &httpErr)
}

func retryUnprocessed(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests ||
			httpErr.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

func (c *HTTPClient) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Check HTTP status code BEFORE reading/parsing body
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			// Try parsing as seconds (e.g., "2" or "0.5")
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, nil
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	respBody, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, newRPCError(rpcResp.Error)
	}

	return rpcResp.Result, nil
}

// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
// Results are returned in the same order as the input calls.
// Individual call errors are returned in BatchResponse.Error.
func (c *HTTPClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]JSONRPCRequest, len(calls))
	for i, call := range calls {
		reqs[i] = JSONRPCRequest{
			JSONRPC: "2.0",
			Method:  call.Method,
			Params:  call.Params,
			ID:      i + 1, // 1-indexed IDs for easier debugging
		}
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	var results []BatchResponse
	_, err = c.withRetry(ctx, "batch", func() (json.RawMessage, error) {
		var doErr error
		results, doErr = c.doBatchRequest(ctx, body, len(calls))
		return nil, doErr
	}, retryTransient)
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *HTTPClient) doBatchRequest(ctx context.Context, body []byte, count int) ([]BatchResponse, error) {
	respBody, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var rpcResps []JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch response: %w", err)
	}

	// Responses may arrive in any order; match them by ID.
	results := make([]BatchResponse, count)
	for i := range results {
		results[i].Error = fmt.Errorf("missing response for request %d", i+1)
	}
	for _, resp := range rpcResps {
		idx := resp.ID - 1
		if idx < 0 || idx >= count {
			continue
		}
		if resp.Error != nil {
			results[idx] = BatchResponse{Error: newRPCError(resp.Error)}
			continue
		}
		results[idx] = BatchResponse{Result: resp.Result}
	}
	return results, nil
}

// RPCError is an RPC-specific error.
// Logs holds the program logs the gateway attached to a failed transaction.
type RPCError struct {
	Code    int
	Message string
	Logs    []string
}

func newRPCError(e *JSONRPCError) *RPCError {
	rpcErr := &RPCError{Code: e.Code, Message: e.Message}
	if len(e.Data) > 0 {
		var data struct {
			Logs []string `json:"logs"`
		}
		if err := json.Unmarshal(e.Data, &data); err == nil {
			rpcErr.Logs = data.Logs
		}
	}
	return rpcErr
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

func isRetryableHTTPError(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}
