// Package rpcclient provides the JSON-RPC client used to talk to a
// bitcoind-family daemon.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/atomic"

	"github.com/Klingon-tech/cointerm/internal/errs"
	klog "github.com/Klingon-tech/cointerm/internal/log"
)

// Defaults for Options fields left zero.
const (
	DefaultMaxAttempts = 30
	DefaultRetryDelay  = time.Second
	DefaultTimeout     = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	Host        string
	Port        int
	User        string
	Password    string
	TLS         bool
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration

	// Gate is the suspend flag shared with the supervisor. A private gate is
	// created when nil.
	Gate *Gate

	// HTTPClient overrides the default HTTP client; Timeout is then ignored.
	HTTPClient *http.Client
}

// Client is a JSON-RPC HTTP client with connection-level retry.
type Client struct {
	endpoint    string
	user        string
	password    string
	http        *http.Client
	maxAttempts int
	retryDelay  time.Duration
	gate        *Gate
	nextID      atomic.Uint64
	metrics     *transportMetrics
}

// New creates a client for the daemon described by opts.
func New(opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Gate == nil {
		opts.Gate = NewGate()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	scheme := "http"
	if opts.TLS {
		scheme = "https"
	}
	return &Client{
		endpoint:    scheme + "://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)) + "/",
		user:        opts.User,
		password:    opts.Password,
		http:        httpClient,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		gate:        opts.Gate,
		metrics:     defaultTransportMetrics(),
	}
}

// Endpoint returns the daemon URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Gate returns the client's suspend flag.
func (c *Client) Gate() *Gate {
	return c.gate
}

// Request is one JSON-RPC request envelope.
type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// response is one JSON-RPC response envelope.
type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *errs.RPCError  `json:"error"`
}

// newRequest allocates a request with a fresh id.
func (c *Client) newRequest(method string, params []any) Request {
	if params == nil {
		params = []any{}
	}
	return Request{ID: c.nextID.Inc(), Method: method, Params: params}
}

// Call invokes method and decodes the result into result, which may be nil.
// Numbers decoded into interface values are json.Number.
//
// Only connection refused, connection reset and a response cut off by EOF are
// retried, with a fixed delay and a new request id per attempt. Every other
// failure is returned after the first attempt. While the gate is suspended
// Call returns nil without touching result.
func (c *Client) Call(ctx context.Context, method string, params []any, result any) error {
	return c.do(ctx, method, func() any {
		return c.newRequest(method, params)
	}, func(status int, body []byte) error {
		return decodeSingle(method, status, body, result)
	})
}

// BatchCall is one entry of a batch. Result and Err are filled per entry.
type BatchCall struct {
	Method string
	Params []any
	Result any
	Err    error
}

// Batch sends calls as one JSON-RPC batch. Transport, status and protocol
// failures are returned as the error; per-entry daemon errors are stored in
// each entry's Err.
func (c *Client) Batch(ctx context.Context, calls []*BatchCall) error {
	if len(calls) == 0 {
		return nil
	}
	var ids []uint64
	return c.do(ctx, "batch", func() any {
		reqs := make([]Request, len(calls))
		ids = make([]uint64, len(calls))
		for i, bc := range calls {
			reqs[i] = c.newRequest(bc.Method, bc.Params)
			ids[i] = reqs[i].ID
		}
		return reqs
	}, func(status int, body []byte) error {
		return decodeBatch(status, body, ids, calls)
	})
}

// do runs the attempt loop shared by Call and Batch. build is invoked once per
// attempt so every attempt carries fresh ids.
func (c *Client) do(ctx context.Context, label string, build func() any, handle func(int, []byte) error) error {
	start := time.Now()
	defer func() {
		c.metrics.latency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	if c.gate.Suspended() {
		c.metrics.calls.WithLabelValues(label, outcomeSuspended).Inc()
		return nil
	}

	ctx, cancel := c.watchGate(ctx)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		payload := build()
		status, body, err := c.post(ctx, payload)
		if c.gate.Suspended() {
			c.metrics.calls.WithLabelValues(label, outcomeSuspended).Inc()
			return nil
		}
		if err == nil {
			err = handle(status, body)
			c.metrics.calls.WithLabelValues(label, outcomeOf(err)).Inc()
			if err != nil {
				klog.RPC.Debug().Str("method", label).Int("status", status).Err(err).Msg("rpc call failed")
			}
			return err
		}
		if !retryable(err) {
			outcome := outcomeOf(err)
			c.metrics.calls.WithLabelValues(label, outcome).Inc()
			if outcome == outcomeCanceled {
				return fmt.Errorf("rpc %s: %w", label, err)
			}
			klog.RPC.Warn().Str("method", label).Int("attempt", attempt).Err(err).Msg("daemon unreachable")
			return &errs.TransportError{Method: label, Attempts: attempt, Err: err}
		}

		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		c.metrics.retries.WithLabelValues(label).Inc()
		klog.RPC.Debug().
			Str("method", label).
			Int("attempt", attempt).
			Err(err).
			Msg("daemon not reachable, retrying")

		if err := c.wait(ctx); err != nil {
			if c.gate.Suspended() {
				c.metrics.calls.WithLabelValues(label, outcomeSuspended).Inc()
				return nil
			}
			c.metrics.calls.WithLabelValues(label, outcomeCanceled).Inc()
			return fmt.Errorf("rpc %s: %w", label, err)
		}
	}

	c.metrics.calls.WithLabelValues(label, outcomeTransport).Inc()
	klog.RPC.Warn().Str("method", label).Int("attempts", c.maxAttempts).Err(lastErr).Msg("daemon unreachable")
	return &errs.TransportError{Method: label, Attempts: c.maxAttempts, Err: lastErr}
}

// watchGate derives a context that is canceled when the gate is suspended.
func (c *Client) watchGate(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	suspended := c.gate.Done()
	go func() {
		select {
		case <-suspended:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Client) wait(ctx context.Context) error {
	t := time.NewTimer(c.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// post sends one HTTP request and reads the whole body.
func (c *Client) post(ctx context.Context, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// retryable reports whether err is a connection-level failure worth retrying.
func retryable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// statusError maps HTTP statuses that carry no usable body.
func statusError(path string, status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &errs.AuthError{Status: status}
	case http.StatusNotFound:
		return &errs.NotFoundError{Path: path, Status: status}
	}
	return nil
}

func decodeSingle(method string, status int, body []byte, result any) error {
	if err := statusError(method, status); err != nil {
		return err
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return &errs.ProtocolError{Status: status, Body: string(body), Err: err}
	}
	if resp.Error != nil {
		return resp.Error
	}
	if status < 200 || status > 299 {
		return &errs.ProtocolError{Status: status, Body: string(body), Err: fmt.Errorf("unexpected HTTP status")}
	}
	return decodeResult(resp.Result, result)
}

func decodeBatch(status int, body []byte, ids []uint64, calls []*BatchCall) error {
	if err := statusError("batch", status); err != nil {
		return err
	}

	var resps []response
	if err := json.Unmarshal(body, &resps); err != nil {
		// A batch rejected as a whole comes back as a single error object.
		var single response
		if json.Unmarshal(body, &single) == nil && single.Error != nil {
			return single.Error
		}
		return &errs.ProtocolError{Status: status, Body: string(body), Err: err}
	}

	byID := make(map[uint64]response, len(resps))
	for _, r := range resps {
		byID[r.ID] = r
	}
	for i, bc := range calls {
		r, ok := byID[ids[i]]
		switch {
		case !ok:
			bc.Err = &errs.ProtocolError{Status: status, Body: string(body), Err: fmt.Errorf("no response for id %d", ids[i])}
		case r.Error != nil:
			bc.Err = r.Error
		default:
			bc.Err = decodeResult(r.Result, bc.Result)
		}
	}
	return nil
}

func decodeResult(raw json.RawMessage, result any) error {
	if result == nil || len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(result); err != nil {
		return &errs.ProtocolError{Status: http.StatusOK, Body: string(raw), Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

func outcomeOf(err error) string {
	if err == nil {
		return outcomeOK
	}
	var (
		rpcErr   *errs.RPCError
		authErr  *errs.AuthError
		nfErr    *errs.NotFoundError
		protoErr *errs.ProtocolError
	)
	switch {
	case errors.As(err, &rpcErr):
		return outcomeRPCError
	case errors.As(err, &authErr):
		return outcomeAuth
	case errors.As(err, &nfErr):
		return outcomeNotFound
	case errors.As(err, &protoErr):
		return outcomeProtocol
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeTransport
	}
}
