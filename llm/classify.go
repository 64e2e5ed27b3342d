package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/api/googleapi"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
)

// statusError is returned by HTTP backends that are not wrapped by an SDK.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// statusCode extracts an HTTP status from SDK errors. Zero means the
// request never got a response.
func statusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return 0
}

// classifyError maps a provider failure onto the task error taxonomy.
//
//   - deadline exceeded → TIMEOUT
//   - billing, quota, auth and malformed requests → UPSTREAM, not retryable
//   - rate limits, 5xx and network faults → UPSTREAM, retryable
func classifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if te := taskerrors.AsTaskError(err); te != nil {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return taskerrors.Timeout(provider+" request timed out", taskerrors.WithCause(err))
	}
	if errors.Is(err, context.Canceled) {
		return taskerrors.Canceled(provider+" request canceled", taskerrors.WithCause(err))
	}

	status := statusCode(err)
	opts := []taskerrors.Option{
		taskerrors.WithCause(err),
		taskerrors.WithMetadata("provider", provider),
	}
	if status != 0 {
		opts = append(opts, taskerrors.WithMetadata("status", strconv.Itoa(status)))
	}

	switch {
	case isBillingError(status, err):
		opts = append(opts, taskerrors.WithRetryable(false), taskerrors.WithMetadata("reason", "billing"))
		return taskerrors.Upstream(provider+" billing or quota failure", opts...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		opts = append(opts, taskerrors.WithRetryable(false), taskerrors.WithMetadata("reason", "auth"))
		return taskerrors.Upstream(provider+" rejected credentials", opts...)
	case status == http.StatusTooManyRequests || isRateLimitError(err):
		opts = append(opts, taskerrors.WithMetadata("reason", "rate_limit"))
		return taskerrors.Upstream(provider+" rate limited", opts...)
	case status >= 500 || status == http.StatusRequestTimeout || status == 0:
		return taskerrors.Upstream(provider+" request failed", opts...)
	default:
		opts = append(opts, taskerrors.WithRetryable(false))
		return taskerrors.Upstream(provider+" rejected request", opts...)
	}
}

// isRateLimitError checks if the error text describes a rate limit.
func isRateLimitError(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "capacity")
}

// isBillingError checks if the error is a billing/payment/quota error (fatal, no retry).
func isBillingError(status int, err error) bool {
	if status == http.StatusPaymentRequired {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "credits") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "subscription")
}
