package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klingon-tech/cointerm/internal/errs"
	klog "github.com/Klingon-tech/cointerm/internal/log"
)

// newTestClient points a client at srv with a short retry delay.
func newTestClient(t *testing.T, srv *httptest.Server, gate *Gate) *Client {
	t.Helper()
	klog.Disable()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return New(Options{
		Host:        host,
		Port:        port,
		User:        "user",
		Password:    "pass",
		MaxAttempts: 5,
		RetryDelay:  5 * time.Millisecond,
		Gate:        gate,
		HTTPClient: &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	})
}

// closedPort returns a localhost port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func decodeRequest(t *testing.T, r *http.Request) Request {
	t.Helper()
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return req
}

func TestClient_Call(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		req := decodeRequest(t, r)
		if req.Method != "getbalance" {
			t.Errorf("method = %q, want getbalance", req.Method)
		}
		if len(req.Params) != 2 || req.Params[0] != "*" {
			t.Errorf("params = %v", req.Params)
		}
		w.Write([]byte(`{"id":` + strconv.FormatUint(req.ID, 10) + `,"result":1.50000000,"error":null}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	var balance any
	if err := c.Call(context.Background(), "getbalance", []any{"*", 0}, &balance); err != nil {
		t.Fatalf("Call: %v", err)
	}
	num, ok := balance.(json.Number)
	if !ok || num.String() != "1.50000000" {
		t.Errorf("balance = %#v, want json.Number 1.50000000", balance)
	}
}

func TestClient_EmptyParamsEncodedAsArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		json.NewDecoder(r.Body).Decode(&raw)
		if string(raw["params"]) != "[]" {
			t.Errorf("params = %s, want []", raw["params"])
		}
		w.Write([]byte(`{"id":1,"result":{}}`))
	}))
	defer srv.Close()

	if err := newTestClient(t, srv, nil).Call(context.Background(), "getinfo", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestClient_IDsIncrease(t *testing.T) {
	var mu sync.Mutex
	var ids []uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		mu.Lock()
		ids = append(ids, req.ID)
		mu.Unlock()
		w.Write([]byte(`{"result":null}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	for i := 0; i < 3; i++ {
		if err := c.Call(context.Background(), "getinfo", nil, nil); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
}

func TestClient_RefusedExhaustsAttempts(t *testing.T) {
	klog.Disable()
	c := New(Options{
		Host:        "127.0.0.1",
		Port:        closedPort(t),
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	})

	err := c.Call(context.Background(), "getinfo", nil, nil)
	var te *errs.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.Attempts != 3 || te.Method != "getinfo" {
		t.Errorf("TransportError = %+v", te)
	}
}

func TestClient_RetriesResetWithFreshIDs(t *testing.T) {
	var hits atomic.Int32
	var mu sync.Mutex
	var ids []uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		mu.Lock()
		ids = append(ids, req.ID)
		mu.Unlock()
		if hits.Add(1) <= 2 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			conn.Close()
			return
		}
		w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	var out string
	if err := newTestClient(t, srv, nil).Call(context.Background(), "getinfo", nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "ok" {
		t.Errorf("result = %q", out)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
	if len(ids) != 3 || ids[0] == ids[1] || ids[1] == ids[2] {
		t.Errorf("retry ids = %v, want three distinct", ids)
	}
}

func TestClient_StatusErrorsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"forbidden", http.StatusForbidden, "", func(err error) bool {
			var e *errs.AuthError
			return errors.As(err, &e) && err.Error() == "Forbidden"
		}},
		{"unauthorized", http.StatusUnauthorized, "", func(err error) bool {
			var e *errs.AuthError
			return errors.As(err, &e)
		}},
		{"not found", http.StatusNotFound, "", func(err error) bool {
			var e *errs.NotFoundError
			return errors.As(err, &e)
		}},
		{"garbage", http.StatusOK, "<html>oops</html>", func(err error) bool {
			var e *errs.ProtocolError
			return errors.As(err, &e) && e.Status == 200 && e.Body == "<html>oops</html>"
		}},
		{"rpc error on 500", http.StatusInternalServerError,
			`{"result":null,"error":{"code":-5,"message":"Invalid address"}}`, func(err error) bool {
				var e *errs.RPCError
				return errors.As(err, &e) && e.Code == -5 && errs.Code(err) == -5
			}},
		{"500 without error object", http.StatusInternalServerError, `{"result":null}`, func(err error) bool {
			var e *errs.ProtocolError
			return errors.As(err, &e) && e.Status == 500
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			err := newTestClient(t, srv, nil).Call(context.Background(), "getinfo", nil, nil)
			if !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
			if hits.Load() != 1 {
				t.Errorf("hits = %d, want exactly 1", hits.Load())
			}
		})
	}
}

func TestClient_TLSMismatchIsTransportError(t *testing.T) {
	klog.Disable()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	c := New(Options{
		Host:        host,
		Port:        port,
		TLS:         true,
		MaxAttempts: 5,
		RetryDelay:  time.Millisecond,
	})

	err = c.Call(context.Background(), "getinfo", nil, nil)
	var te *errs.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v (%T), want TransportError", err, err)
	}
	if te.Method != "getinfo" || te.Attempts != 1 {
		t.Errorf("TransportError = %+v, want a single attempt", te)
	}
	if te.Err == nil {
		t.Error("TransportError carries no cause")
	}
	if hits.Load() != 0 {
		t.Errorf("handler reached %d times over a TLS handshake", hits.Load())
	}
}

func TestClient_SuspendedGateSkipsCall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"result":5}`))
	}))
	defer srv.Close()

	gate := NewGate()
	gate.Suspend()
	c := newTestClient(t, srv, gate)

	out := 42
	if err := c.Call(context.Background(), "getblockcount", nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != 42 {
		t.Errorf("result modified to %d while suspended", out)
	}
	if hits.Load() != 0 {
		t.Errorf("hits = %d, want 0", hits.Load())
	}

	gate.Resume()
	if err := c.Call(context.Background(), "getblockcount", nil, &out); err != nil {
		t.Fatalf("Call after resume: %v", err)
	}
	if out != 5 {
		t.Errorf("result = %d, want 5", out)
	}
}

func TestClient_SuspendResolvesInFlightCall(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	gate := NewGate()
	c := newTestClient(t, srv, gate)

	done := make(chan error, 1)
	go func() {
		done <- c.Call(context.Background(), "stop", nil, nil)
	}()

	<-entered
	gate.Suspend()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("in-flight call err = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call did not resolve after suspend")
	}
}

func TestClient_SuspendDuringRetryWait(t *testing.T) {
	klog.Disable()
	gate := NewGate()
	c := New(Options{
		Host:        "127.0.0.1",
		Port:        closedPort(t),
		MaxAttempts: 30,
		RetryDelay:  time.Minute,
		Gate:        gate,
	})

	time.AfterFunc(50*time.Millisecond, gate.Suspend)
	start := time.Now()
	if err := c.Call(context.Background(), "getinfo", nil, nil); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("call waited out the retry delay despite suspension")
	}
}

func TestClient_ContextCanceled(t *testing.T) {
	klog.Disable()
	c := New(Options{
		Host:        "127.0.0.1",
		Port:        closedPort(t),
		MaxAttempts: 30,
		RetryDelay:  time.Minute,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Call(ctx, "getinfo", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	var te *errs.TransportError
	if errors.As(err, &te) {
		t.Error("cancellation reported as TransportError")
	}
}

func TestClient_Batch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []Request
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			t.Errorf("decode batch: %v", err)
			return
		}
		if len(reqs) != 2 {
			t.Errorf("batch size = %d", len(reqs))
			return
		}
		// Answer in reverse order; the client matches by id.
		resp := []map[string]any{
			{"id": reqs[1].ID, "result": nil, "error": map[string]any{"code": -8, "message": "Block height out of range"}},
			{"id": reqs[0].ID, "result": "00000000abc"},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	var hash string
	calls := []*BatchCall{
		{Method: "getblockhash", Params: []any{1}, Result: &hash},
		{Method: "getblockhash", Params: []any{99999999}},
	}
	if err := newTestClient(t, srv, nil).Batch(context.Background(), calls); err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if calls[0].Err != nil || hash != "00000000abc" {
		t.Errorf("first call = %v / %q", calls[0].Err, hash)
	}
	if errs.Code(calls[1].Err) != -8 {
		t.Errorf("second call err = %v, want code -8", calls[1].Err)
	}
}

func TestGate(t *testing.T) {
	g := NewGate()
	if g.Suspended() {
		t.Fatal("new gate suspended")
	}
	done := g.Done()
	g.Suspend()
	g.Suspend()
	select {
	case <-done:
	default:
		t.Fatal("Done not closed on suspend")
	}
	g.Resume()
	if g.Suspended() {
		t.Fatal("gate still suspended after resume")
	}
	select {
	case <-g.Done():
		t.Fatal("fresh Done channel already closed")
	default:
	}
}
