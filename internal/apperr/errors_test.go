package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestHTTPStatus_Dispatch(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &ValidationError{Code: "bad", Message: "m"}, 400},
		{"cancellation", &CancellationError{Message: "stop"}, 409},
		{"storage", &StorageError{Op: "x", Cause: errors.New("io")}, 503},
		{"transient falls through to 500", &TransientError{Code: "t", Message: "m"}, 500},
		{"fatal falls through to 500", &FatalError{Code: "f", Message: "m"}, 500},
		{"opaque error falls through to 500", errors.New("opaque"), 500},
		{"wrapped validation is still detected via errors.As", fmt.Errorf("wrap: %w", &ValidationError{Code: "bad", Message: "m"}), 400},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := HTTPStatus(c.err); got != c.want {
				t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
			}
		})
	}
}

func TestErrorMessages_IncludeCauseWhenPresent(t *testing.T) {
	cause := errors.New("root cause")
	te := &TransientError{Code: "c1", Message: "retrying", Cause: cause}
	if !errors.Is(te, cause) {
		t.Fatal("expected TransientError to unwrap to its cause")
	}

	fe := &FatalError{Code: "c2", Message: "giving up", Cause: cause}
	if !errors.Is(fe, cause) {
		t.Fatal("expected FatalError to unwrap to its cause")
	}

	se := &StorageError{Op: "write", Cause: cause}
	if !errors.Is(se, cause) {
		t.Fatal("expected StorageError to unwrap to its cause")
	}
}

func TestCancellationError_DefaultMessage(t *testing.T) {
	ce := &CancellationError{}
	if ce.Error() != "cancelled" {
		t.Fatalf("got %q", ce.Error())
	}
}
