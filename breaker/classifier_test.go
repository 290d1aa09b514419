package breaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/tokenvault/tokenvault/tokenerr"
)

func TestClassifyBusinessErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"validation", tokenerr.NewValidation("token", "must not be empty")},
		{"not found", tokenerr.NewNotFound("tok-12345678")},
		{"already exists", tokenerr.NewAlreadyExists("tok-12345678")},
		{"expired", tokenerr.NewExpired("tok-12345678", time.Now())},
		{"configuration", tokenerr.NewConfiguration("bad ttl")},
		{"wrapped validation", fmt.Errorf("save: %w", tokenerr.NewValidation("userId", "empty"))},
		{"nil", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != Business {
				t.Fatalf("Classify(%v) = %v, want Business", tc.err, got)
			}
		})
	}
}

func TestClassifyCriticalErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"timeout", tokenerr.NewTimeout("store.get", time.Second)},
		{"deadline", context.DeadlineExceeded},
		{"cancelled", context.Canceled},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}},
		{"unknown", errors.New("something unexpected")},
		{"wrapped infra", tokenerr.NewOperationFailed("store.save", errors.New("redis down"))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != Critical {
				t.Fatalf("Classify(%v) = %v, want Critical", tc.err, got)
			}
		})
	}
}
