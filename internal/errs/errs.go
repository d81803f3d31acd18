// Package errs defines the error taxonomy shared by the transport, supervisor,
// normalizer, explorer client and backends.
package errs

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by backends for operations they cannot perform.
var ErrUnsupported = errors.New("operation not supported by backend")

// Unsupported wraps ErrUnsupported with the operation name.
func Unsupported(op string) error {
	return fmt.Errorf("%s: %w", op, ErrUnsupported)
}

// TransportError reports that the daemon could not be reached after every attempt.
type TransportError struct {
	Method   string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc %s: daemon unreachable after %d attempts: %v", e.Method, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is returned for HTTP 401 and 403 responses.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return "Forbidden"
}

// NotFoundError is returned for HTTP 404 responses.
type NotFoundError struct {
	Path   string
	Status int
}

func (e *NotFoundError) Error() string {
	if e.Path == "" {
		return "not found"
	}
	return fmt.Sprintf("not found: %s", e.Path)
}

// ProtocolError reports a response body that could not be decoded.
type ProtocolError struct {
	Status int
	Body   string
	Err    error
}

func (e *ProtocolError) Error() string {
	body := e.Body
	if len(body) > 128 {
		body = body[:128] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("malformed response (status %d): %v: %q", e.Status, e.Err, body)
	}
	return fmt.Sprintf("malformed response (status %d): %q", e.Status, body)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RPCError is an error object returned by the daemon.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RemoteError is an explorer response with a failing HTTP status other than 404.
type RemoteError struct {
	Path   string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("explorer %s: status %d", e.Path, e.Status)
}

// Daemon start stages.
const (
	StageSpawn = "spawn"
	StageProbe = "probe"
)

// DaemonStartError reports a failed spawn or liveness probe.
type DaemonStartError struct {
	Stage string
	Err   error
}

func (e *DaemonStartError) Error() string {
	return fmt.Sprintf("daemon start failed at %s: %v", e.Stage, e.Err)
}

func (e *DaemonStartError) Unwrap() error { return e.Err }

// NormalizationError reports a record that could not be converted.
type NormalizationError struct {
	Kind  string
	ID    string
	Field string
	Err   error
}

func (e *NormalizationError) Error() string {
	id := e.ID
	if id == "" {
		id = "?"
	}
	if e.Field != "" {
		return fmt.Sprintf("normalize %s %s: field %s: %v", e.Kind, id, e.Field, e.Err)
	}
	return fmt.Sprintf("normalize %s %s: %v", e.Kind, id, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// CallError attaches the backend operation and its parameters to an error.
type CallError struct {
	Method string
	Params []any
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s %v: %v", e.Method, e.Params, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Code returns the daemon error code carried by err, or 0.
func Code(err error) int {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
