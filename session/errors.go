package session

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError reports a failure to establish or keep an MCP channel.
// It is fatal to a run.
type TransportError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "open"
	}
	if e.Err == nil {
		return fmt.Sprintf("session: %s transport %s failed", e.Kind, op)
	}
	return fmt.Sprintf("session: %s transport %s failed: %v", e.Kind, op, e.Err)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// InvocationError reports a failed tool call. Message carries the
// server-reported text when there is one.
type InvocationError struct {
	Tool    string
	Code    int
	Message string
	Timeout bool
	Err     error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "invocation failed"
	}
	if strings.TrimSpace(e.Tool) == "" {
		return msg
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *InvocationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTimeout reports whether err is an InvocationError caused by the per-call
// timeout.
func IsTimeout(err error) bool {
	var invErr *InvocationError
	return errors.As(err, &invErr) && invErr.Timeout
}
