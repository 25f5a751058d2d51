package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"orchestrator/internal/apperr"
	"orchestrator/internal/task"
)

func TestClassify_PassThrough(t *testing.T) {
	out := Classify(&apperr.TransientError{Code: "x", Message: "boom"}, DefaultHint)
	if out.Type != task.ErrorTypeTransient || out.Reason != "boom" {
		t.Fatalf("got %+v", out)
	}

	out = Classify(&apperr.FatalError{Code: "y", Message: "dead"}, DefaultHint)
	if out.Type != task.ErrorTypeFatal || out.Reason != "dead" {
		t.Fatalf("got %+v", out)
	}
}

func TestClassify_HTTPStatusCatalogue(t *testing.T) {
	cases := []struct {
		msg  string
		want task.ErrorType
	}{
		{"upstream responded with 503 Service Unavailable", task.ErrorTypeTransient},
		{"request failed: 404 Not Found", task.ErrorTypeFatal},
		{"got HTTP 429 Too Many Requests", task.ErrorTypeTransient},
		{"server returned 400 Bad Request", task.ErrorTypeFatal},
	}
	for _, c := range cases {
		out := Classify(errors.New(c.msg), DefaultHint)
		if out.Type != c.want {
			t.Errorf("classify(%q) = %s, want %s", c.msg, out.Type, c.want)
		}
	}
}

func TestClassify_StringPatternCatalogue(t *testing.T) {
	cases := []struct {
		msg  string
		want task.ErrorType
	}{
		{"dial tcp: connection reset by peer", task.ErrorTypeTransient},
		{"database is locked", task.ErrorTypeTransient},
		{"no space left on device", task.ErrorTypeFatal},
		{"corrupt audio stream", task.ErrorTypeFatal},
		{"episode not found in catalog", task.ErrorTypeFatal},
		{"rate limit exceeded, try later", task.ErrorTypeTransient},
	}
	for _, c := range cases {
		out := Classify(errors.New(c.msg), DefaultHint)
		if out.Type != c.want {
			t.Errorf("classify(%q) = %s, want %s", c.msg, out.Type, c.want)
		}
	}
}

func TestClassify_DefaultTransient(t *testing.T) {
	out := Classify(errors.New("some totally opaque failure"), DefaultHint)
	if out.Type != task.ErrorTypeTransient {
		t.Fatalf("expected default transient, got %s", out.Type)
	}
}

func TestClassify_HintOverridesDefaultToFatal(t *testing.T) {
	out := Classify(errors.New("some totally opaque failure"), Hint{DefaultTransient: false})
	if out.Type != task.ErrorTypeFatal {
		t.Fatalf("expected overridden default fatal, got %s", out.Type)
	}
}

func TestClassify_ContextDeadlineExceeded(t *testing.T) {
	out := Classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded), DefaultHint)
	if out.Type != task.ErrorTypeTransient {
		t.Fatalf("expected timeout to classify transient, got %s", out.Type)
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(&apperr.CancellationError{Message: "stop"}) {
		t.Fatal("expected CancellationError to report cancellation")
	}
	if !IsCancellation(context.Canceled) {
		t.Fatal("expected context.Canceled to report cancellation")
	}
	if IsCancellation(errors.New("unrelated")) {
		t.Fatal("expected unrelated error to not report cancellation")
	}
}

func TestClassify_PanicsOnNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Classify(nil) to panic")
		}
	}()
	Classify(nil, DefaultHint)
}
