package breaker

import (
	"context"
	"errors"
	"net"

	"github.com/tokenvault/tokenvault/tokenerr"
)

// Classification separates infrastructure failures, which count toward
// breaker health, from expected domain outcomes, which do not.
type Classification int

const (
	// Business marks caller-input and expected-absence conditions.
	Business Classification = iota
	// Critical marks infrastructure failures: connectivity, timeouts, and
	// anything unrecognized.
	Critical
)

// Classifier maps an error to its [Classification].
type Classifier func(error) Classification

// Classify is the default policy. Validation, not-found, already-exists,
// and expired-token errors are business outcomes; timeouts, cancelled
// contexts, network errors, and wrapped infrastructure failures are
// critical. Unknown error types default to critical: an error whose nature
// is unknown must never be silently swallowed.
func Classify(err error) Classification {
	if err == nil {
		return Business
	}

	var (
		validationErr *tokenerr.ValidationError
		notFoundErr   *tokenerr.NotFoundError
		existsErr     *tokenerr.AlreadyExistsError
		expiredErr    *tokenerr.ExpiredError
		configErr     *tokenerr.ConfigurationError
	)
	switch {
	case errors.As(err, &validationErr),
		errors.As(err, &notFoundErr),
		errors.As(err, &existsErr),
		errors.As(err, &expiredErr),
		errors.As(err, &configErr):
		return Business
	}

	var timeoutErr *tokenerr.TimeoutError
	if errors.As(err, &timeoutErr) {
		return Critical
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Critical
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Critical
	}

	return Critical
}
