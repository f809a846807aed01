package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32002, Message: "transaction simulation failed"}

	// Test Error() method
	errStr := err.Error()
	if errStr != "RPC error -32002: transaction simulation failed" {
		t.Errorf("RPCError.Error() = %q, want %q", errStr, "RPC error -32002: transaction simulation failed")
	}

	// Test isRPCError
	if !isRPCError(err) {
		t.Error("isRPCError should return true for *RPCError")
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{
			name:       "429 Too Many Requests",
			err:        HTTPStatusError{StatusCode: 429, Body: "rate limited"},
			wantString: "HTTP 429: Too Many Requests (body: rate limited)",
			wantRetry:  true,
		},
		{
			name:       "502 Bad Gateway",
			err:        HTTPStatusError{StatusCode: 502},
			wantString: "HTTP 502: Bad Gateway",
			wantRetry:  true,
		},
		{
			name:       "503 Service Unavailable",
			err:        HTTPStatusError{StatusCode: 503},
			wantString: "HTTP 503: Service Unavailable",
			wantRetry:  true,
		},
		{
			name:       "504 Gateway Timeout",
			err:        HTTPStatusError{StatusCode: 504},
			wantString: "HTTP 504: Gateway Timeout",
			wantRetry:  true,
		},
		{
			name:       "400 Bad Request not retryable",
			err:        HTTPStatusError{StatusCode: 400, Body: "invalid request"},
			wantString: "HTTP 400: Bad Request (body: invalid request)",
			wantRetry:  false,
		},
		{
			name:       "500 Internal Server Error not retryable",
			err:        HTTPStatusError{StatusCode: 500},
			wantString: "HTTP 500: Internal Server Error",
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("HTTPStatusError.Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("HTTPStatusError.IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestIsRetryableHTTPError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantBool bool
	}{
		{
			name:     "retryable HTTP error",
			err:      &HTTPStatusError{StatusCode: 429},
			wantBool: true,
		},
		{
			name:     "non-retryable HTTP error",
			err:      &HTTPStatusError{StatusCode: 400},
			wantBool: false,
		},
		{
			name:     "RPC error",
			err:      &RPCError{Code: -32000, Message: "test"},
			wantBool: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableHTTPError(tt.err); got != tt.wantBool {
				t.Errorf("isRetryableHTTPError() = %v, want %v", got, tt.wantBool)
			}
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	defaultBackoff := 100 * time.Millisecond

	tests := []struct {
		name      string
		err       error
		wantDelay time.Duration
	}{
		{
			name:      "HTTP error with Retry-After",
			err:       &HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second},
			wantDelay: 2 * time.Second,
		},
		{
			name:      "HTTP error without Retry-After",
			err:       &HTTPStatusError{StatusCode: 503},
			wantDelay: defaultBackoff,
		},
		{
			name:      "RPC error uses default",
			err:       &RPCError{Code: -32000, Message: "test"},
			wantDelay: defaultBackoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getRetryDelay(tt.err, defaultBackoff); got != tt.wantDelay {
				t.Errorf("getRetryDelay() = %v, want %v", got, tt.wantDelay)
			}
		})
	}
}

func TestDefaultClientConfig(t *testing.T) {
	url := "http://localhost:8910"
	cfg := DefaultClientConfig(url)

	if cfg.URL != url {
		t.Errorf("URL = %q, want %q", cfg.URL, url)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 30*time.Second)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.InitialBackoff != 200*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 200ms", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 2*time.Second {
		t.Errorf("MaxBackoff = %v, want 2s", cfg.MaxBackoff)
	}
}

func testClient(url string) *HTTPClient {
	cfg := DefaultClientConfig(url)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	return NewHTTPClient(cfg)
}

func TestCallDecodesResultAndParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Method != "exchange_perpMarket" {
			t.Errorf("method = %q", req.Method)
		}
		if req.Params["marketIndex"] != float64(3) {
			t.Errorf("params = %v", req.Params)
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	}))
	defer srv.Close()

	result, err := testClient(srv.URL).Call(context.Background(), "exchange_perpMarket", map[string]any{"marketIndex": 3})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
}

func TestCallRPCErrorCarriesLogs(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32002,"message":"simulation failed","data":{"logs":["Program log: Error Message: Market not settled"]}}}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Send(context.Background(), "exchange_settlePnl", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if len(rpcErr.Logs) != 1 {
		t.Errorf("Logs = %v, want one entry", rpcErr.Logs)
	}
	if hits.Load() != 1 {
		t.Errorf("RPC errors must not be retried, got %d requests", hits.Load())
	}
}

func TestCallRetriesTransientButSendDoesNot(t *testing.T) {
	tests := []struct {
		name     string
		send     bool
		status   int
		wantHits int32
	}{
		{"call retries 502", false, http.StatusBadGateway, 4},
		{"send does not retry 502", true, http.StatusBadGateway, 1},
		{"send retries 503", true, http.StatusServiceUnavailable, 4},
		{"call does not retry 500", false, http.StatusInternalServerError, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := testClient(srv.URL)
			var err error
			if tt.send {
				_, err = c.Send(context.Background(), "exchange_updateK", nil)
			} else {
				_, err = c.Call(context.Background(), "exchange_perpMarket", nil)
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if hits.Load() != tt.wantHits {
				t.Errorf("requests = %d, want %d", hits.Load(), tt.wantHits)
			}
		})
	}
}

func TestBatchCallMatchesByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// reversed order
		w.Write([]byte(`[{"jsonrpc":"2.0","id":2,"error":{"code":-32004,"message":"account not found"}},{"jsonrpc":"2.0","id":1,"result":"first"}]`))
	}))
	defer srv.Close()

	var observed []string
	cfg := DefaultClientConfig(srv.URL)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	cfg.Observe = func(method string, err error, elapsed time.Duration) {
		observed = append(observed, method)
	}
	c := NewHTTPClient(cfg)

	resps, err := c.BatchCall(context.Background(), []BatchRequest{
		{Method: "exchange_userAccount"},
		{Method: "exchange_userAccount"},
	})
	if err != nil {
		t.Fatalf("BatchCall() error = %v", err)
	}
	if string(resps[0].Result) != `"first"` || resps[0].Error != nil {
		t.Errorf("resps[0] = %+v", resps[0])
	}
	if !isRPCError(resps[1].Error) {
		t.Errorf("resps[1].Error = %v, want RPC error", resps[1].Error)
	}

	if _, err := c.Call(context.Background(), "exchange_refresh", nil); err == nil {
		t.Error("expected unmarshal error for array response")
	}
	if len(observed) != 1 || observed[0] != "exchange_refresh" {
		t.Errorf("observed = %v", observed)
	}
}
