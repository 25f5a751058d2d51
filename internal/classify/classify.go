// Package classify maps opaque handler errors to {transient, fatal} using the
// rule catalogue a handler author cannot be expected to get right by hand.
//
// Handlers that know their own classification should return one of
// TransientError / FatalError directly (pass-through); everything else is run
// through the catalogue in Classify.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"

	"orchestrator/internal/apperr"
	"orchestrator/internal/task"
)

// TransientError lets a handler assert its own error is retryable, bypassing
// the catalogue. It is an alias of apperr.TransientError so callers across
// the module compare against a single type.
type TransientError = apperr.TransientError

// FatalError lets a handler assert its own error is not retryable.
type FatalError = apperr.FatalError

// Hint lets the caller (worker, handler registration) adjust catalogue
// defaults for a specific handler.
type Hint struct {
	// DefaultTransient selects the classification of unclassified errors:
	// true means transient, false means fatal. The zero value (false) is
	// fatal; most handlers want DefaultHint (true).
	DefaultTransient bool
}

// DefaultHint is the safe default: unclassified errors are transient.
var DefaultHint = Hint{DefaultTransient: true}

// Outcome is the result of classifying a handler error.
type Outcome struct {
	Type   task.ErrorType
	Reason string
}

// Classify maps err to a transient/fatal Outcome per the catalogue in
// the transient/fatal catalogue below. A nil err is a programming error and panics, since
// Classify is only ever called after a handler has returned a non-nil error.
func Classify(err error, hint Hint) Outcome {
	if err == nil {
		panic("classify.Classify called with nil error")
	}

	var te *apperr.TransientError
	if errors.As(err, &te) {
		return Outcome{Type: task.ErrorTypeTransient, Reason: nonEmptyOr(te.Message, te.Error())}
	}
	var fe *apperr.FatalError
	if errors.As(err, &fe) {
		return Outcome{Type: task.ErrorTypeFatal, Reason: nonEmptyOr(fe.Message, fe.Error())}
	}

	if reason, ok := matchCatalogue(err); ok {
		return reason
	}

	def := task.ErrorTypeTransient
	if !hint.DefaultTransient {
		def = task.ErrorTypeFatal
	}
	return Outcome{Type: def, Reason: err.Error()}
}

// IsCancellation reports whether err represents cooperative handler
// cancellation, in which case the worker must not classify it at all.
func IsCancellation(err error) bool {
	var ce *apperr.CancellationError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func matchCatalogue(err error) (Outcome, bool) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Outcome{Type: task.ErrorTypeTransient, Reason: "dns: " + dnsErr.Error()}, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Outcome{Type: task.ErrorTypeTransient, Reason: "network: " + opErr.Error()}, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Type: task.ErrorTypeTransient, Reason: "timeout: " + err.Error()}, true
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(err, fs.ErrPermission) {
			return Outcome{Type: task.ErrorTypeFatal, Reason: "permission denied: " + pathErr.Error()}, true
		}
	}

	msg := strings.ToLower(err.Error())

	if code, ok := httpStatusIn(msg); ok {
		switch {
		case code == 408 || code == 425 || code == 429 || code == 500 || code == 502 || code == 503 || code == 504:
			return Outcome{Type: task.ErrorTypeTransient, Reason: fmt.Sprintf("upstream http %d", code)}, true
		case code == 400 || code == 401 || code == 403 || code == 404 || code == 410 || code == 415 || code == 422:
			return Outcome{Type: task.ErrorTypeFatal, Reason: fmt.Sprintf("request http %d", code)}, true
		}
	}

	switch {
	case containsAny(msg, "connection reset", "connection refused", "tls handshake", "broken pipe"):
		return Outcome{Type: task.ErrorTypeTransient, Reason: err.Error()}, true
	case containsAny(msg, "database is locked", "database is busy", "deadlock detected", "could not serialize"):
		return Outcome{Type: task.ErrorTypeTransient, Reason: err.Error()}, true
	case containsAny(msg, "no space left on device", "disk full", "out of space"):
		return Outcome{Type: task.ErrorTypeFatal, Reason: err.Error()}, true
	case containsAny(msg, "corrupt", "unsupported media", "unsupported format"):
		return Outcome{Type: task.ErrorTypeFatal, Reason: err.Error()}, true
	case containsAny(msg, "not found: episode", "episode not found", "podcast not found", "entity not found"):
		return Outcome{Type: task.ErrorTypeFatal, Reason: err.Error()}, true
	case containsAny(msg, "rate limit", "rate_limit", "quota exceeded"):
		return Outcome{Type: task.ErrorTypeTransient, Reason: err.Error()}, true
	case containsAny(msg, "invalid json", "malformed response"):
		return Outcome{Type: task.ErrorTypeTransient, Reason: err.Error()}, true
	case containsAny(msg, "invalid configuration", "missing credential", "missing api key"):
		return Outcome{Type: task.ErrorTypeFatal, Reason: err.Error()}, true
	}

	return Outcome{}, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// httpStatusIn extracts a bare 3-digit HTTP status code embedded in an opaque
// error message, e.g. "upstream responded with 503 Service Unavailable".
func httpStatusIn(msg string) (int, bool) {
	fields := strings.FieldsFunc(msg, func(r rune) bool {
		return !(r >= '0' && r <= '9')
	})
	for _, f := range fields {
		if len(f) == 3 && f[0] >= '4' && f[0] <= '5' {
			var code int
			if _, err := fmt.Sscanf(f, "%d", &code); err == nil {
				return code, true
			}
		}
	}
	return 0, false
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
