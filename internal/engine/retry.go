package engine

import (
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/workshift/workshift/internal/workflow"
)

// retryMaxElapsed bounds the total time spent retrying one record.
const retryMaxElapsed = 30 * time.Second

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// isRetryableError reports whether an error is a transient transport
// failure worth retrying. Verification failures are explicitly not
// retryable: an update that read back wrong is an inconsistent transition,
// and a blind retry risks compounding it.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var verr *workflow.VerificationError
	if errors.As(err, &verr) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	// Network transient errors
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "i/o timeout") {
		return true
	}
	if strings.Contains(errStr, "connection reset") {
		return true
	}
	if strings.Contains(errStr, "connection refused") {
		return true
	}
	if strings.Contains(errStr, "broken pipe") {
		return true
	}
	if strings.Contains(errStr, "unexpected eof") {
		return true
	}
	// Rate limiting and transient service errors by status code
	if strings.Contains(errStr, "api error 429") || strings.Contains(errStr, "too many requests") {
		return true
	}
	if strings.Contains(errStr, "api error 502") || strings.Contains(errStr, "api error 503") || strings.Contains(errStr, "api error 504") {
		return true
	}
	if strings.Contains(errStr, "service unavailable") {
		return true
	}
	return false
}
