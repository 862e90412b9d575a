package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRetryAfterHeaders extracts rate limit info from the standard
// Retry-After header, accepting both delay-seconds and HTTP-date forms.
// Covers the Gemini API as well as the BOE and EUR-Lex endpoints.
func ParseRetryAfterHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return info
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		info.RetryAfter = time.Duration(seconds) * time.Second
		return info
	}

	if resetTime, err := http.ParseTime(retryAfter); err == nil {
		info.ResetTime = resetTime.Unix()
	}

	return info
}
