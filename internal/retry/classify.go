package retry

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// ErrorKind is the retry classification of an execution failure.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"  // timeouts, network errors, 5xx, unknown
	KindRateLimit ErrorKind = "rate_limit" // 429, quota keywords
	KindAuth      ErrorKind = "auth"       // 401/403, credential keywords
	KindClient    ErrorKind = "client"     // other 4xx, malformed-request keywords
	KindPermanent ErrorKind = "permanent"
)

// Retryable reports whether the kind is retried locally with backoff.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimit
}

// FallbackEligible reports whether a failure of this kind may walk the
// fallback chain. Auth failures never fall back: the next provider will
// most likely fail auth too when credentials are shared.
func (k ErrorKind) FallbackEligible() bool {
	return k != KindAuth
}

// httpStatusError is satisfied by backend.APIError.
type httpStatusError interface {
	HTTPStatus() int
}

var (
	rateLimitKeywords = []string{"rate limit", "quota exceeded", "throttl", "too many requests"}
	authKeywords      = []string{"unauthorized", "invalid api key", "authentication required", "forbidden", "api key not"}
	clientKeywords    = []string{"invalid", "malformed", "bad request"}
)

// Classify maps an execution error into the retry taxonomy. Unknown errors
// are treated as transient so a flaky provider gets its retries.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTransient
	}

	var he httpStatusError
	if errors.As(err, &he) {
		if kind, ok := classifyStatus(he.HTTPStatus()); ok {
			return kind
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range rateLimitKeywords {
		if strings.Contains(msg, kw) {
			return KindRateLimit
		}
	}
	for _, kw := range authKeywords {
		if strings.Contains(msg, kw) {
			return KindAuth
		}
	}
	for _, kw := range clientKeywords {
		if strings.Contains(msg, kw) {
			return KindClient
		}
	}
	return KindTransient
}

func classifyStatus(code int) (ErrorKind, bool) {
	switch {
	case code == 429:
		return KindRateLimit, true
	case code == 401 || code == 403:
		return KindAuth, true
	case code >= 400 && code < 500:
		return KindClient, true
	case code >= 500:
		return KindTransient, true
	}
	return "", false
}
