package upstream

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/cookierelay/cookierelay/pkg/sessionpool"
)

// antiBotSignatures are the Cloudflare challenge-page substrings that
// distinguish an anti_bot interception from an ordinary auth or server
// error on the same status code.
var antiBotSignatures = []string{
	"just a moment",
	"__cf_chl",
	"challenge-platform",
	"cloudflare",
}

func hasAntiBotSignature(body string) bool {
	lower := strings.ToLower(body)
	for _, sig := range antiBotSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func rateLimitBody(body string) bool {
	return strings.Contains(strings.ToLower(body), "rate limit")
}

// classifyStatus implements the §4.4 outcome table for a response that was
// actually received (status code + body available).
func classifyStatus(status int, body string) sessionpool.Outcome {
	switch {
	case status >= 200 && status < 300:
		return sessionpool.OutcomeSuccess
	case status == http.StatusTooManyRequests:
		return sessionpool.OutcomeRateLimit
	case status == http.StatusForbidden && hasAntiBotSignature(body):
		return sessionpool.OutcomeAntiBot
	case status == http.StatusServiceUnavailable && hasAntiBotSignature(body):
		return sessionpool.OutcomeAntiBot
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return sessionpool.OutcomeAuthFailure
	case status == http.StatusServiceUnavailable, status == http.StatusBadGateway, status == http.StatusGatewayTimeout, status == 500:
		return sessionpool.OutcomeUpstream5xx
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return sessionpool.OutcomeClientError
	default:
		if rateLimitBody(body) {
			return sessionpool.OutcomeRateLimit
		}
		if status >= 500 {
			return sessionpool.OutcomeUpstream5xx
		}
		if status >= 400 {
			return sessionpool.OutcomeClientError
		}
		return sessionpool.OutcomeSuccess
	}
}

// classifyTransportErr implements the transport_error row of the §4.4 table:
// dial failures, TLS failures, and timeouts never reach classifyStatus
// because no response was received at all.
func classifyTransportErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "tls") ||
		strings.Contains(err.Error(), "EOF") ||
		strings.Contains(err.Error(), "reset by peer")
}
