package client

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory is a stable label for error classification in logs and metrics.
type ErrorCategory string

const (
	ErrorCategoryTimeout       ErrorCategory = "timeout"
	ErrorCategoryNetwork       ErrorCategory = "network"
	ErrorCategoryInvalidToken  ErrorCategory = "invalid_token"
	ErrorCategoryMissingToken  ErrorCategory = "missing_token"
	ErrorCategoryRateLimited   ErrorCategory = "rate_limited"
	ErrorCategoryMalformed     ErrorCategory = "malformed_payload"
	ErrorCategoryCircuitOpen   ErrorCategory = "circuit_open"
	ErrorCategoryUpstream      ErrorCategory = "upstream"
	ErrorCategoryUnknown       ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory. Specific causes win over ErrUpstreamFailure.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrMissingToken):
		return ErrorCategoryMissingToken
	case errors.Is(err, ErrInvalidToken):
		return ErrorCategoryInvalidToken
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrMalformedPayload):
		return ErrorCategoryMalformed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	}

	errStr := err.Error()
	if strings.Contains(errStr, "circuit open") {
		return ErrorCategoryCircuitOpen
	}
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return ErrorCategoryNetwork
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return ErrorCategoryUpstream
	}
	return ErrorCategoryUnknown
}

// IsProviderError reports whether err came from the AQI or search provider.
func IsProviderError(err error) bool {
	return errors.Is(err, ErrUpstreamFailure)
}
