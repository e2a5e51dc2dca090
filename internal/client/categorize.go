package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
)

// ErrorCategory labels a failure for logs and the upstream error metric.
type ErrorCategory string

const (
	ErrorCategoryTimeout          ErrorCategory = "timeout"
	ErrorCategoryCanceled         ErrorCategory = "canceled"
	ErrorCategoryNetwork          ErrorCategory = "network"
	ErrorCategoryInvalidAPIKey    ErrorCategory = "invalid_api_key"
	ErrorCategoryLocationNotFound ErrorCategory = "location_not_found"
	ErrorCategoryRateLimited      ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx      ErrorCategory = "upstream_5xx"
	ErrorCategoryCircuitOpen      ErrorCategory = "circuit_open"
	ErrorCategoryNotResolved      ErrorCategory = "location_not_resolved"
	ErrorCategoryParsing          ErrorCategory = "parsing"
	ErrorCategoryStorage          ErrorCategory = "storage"
	ErrorCategoryUnknown          ErrorCategory = "unknown"
)

// sentinelCategories is checked in order; ErrCircuitOpen precedes ErrUpstreamFailure because
// breaker rejections wrap both.
var sentinelCategories = []struct {
	target   error
	category ErrorCategory
}{
	{ErrInvalidAPIKey, ErrorCategoryInvalidAPIKey},
	{ErrLocationNotFound, ErrorCategoryLocationNotFound},
	{ErrRateLimited, ErrorCategoryRateLimited},
	{ErrCircuitOpen, ErrorCategoryCircuitOpen},
	{ErrLocationNotResolved, ErrorCategoryNotResolved},
	{ErrUpstreamFailure, ErrorCategoryUpstream5xx},
}

// CategorizeError maps err to a stable category. Nil maps to "".
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	}
	for _, sc := range sentinelCategories {
		if errors.Is(err, sc.target) {
			return sc.category
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ErrorCategoryParsing
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}
	// cache.ErrPersistence, matched by text since cache is not importable from here.
	if strings.Contains(err.Error(), "cache persistence failure") {
		return ErrorCategoryStorage
	}
	return ErrorCategoryUnknown
}
