package app

import (
	"log/slog"
	"net/http"
	"time"
)

// WithTransportLogging wraps an http.RoundTripper and logs outbound requests.
// Debug level: the gateway already logs the interesting outcomes.
func WithTransportLogging(next http.RoundTripper, log *slog.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &loggingTransport{next: next, log: log}
}

type loggingTransport struct {
	next http.RoundTripper
	log  *slog.Logger
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.next.RoundTrip(r)

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		t.log.Debug("http.call.fail", append(attrs, "err", err)...)
		return resp, err
	}

	t.log.Debug("http.call", append(attrs, "status", resp.StatusCode)...)
	return resp, nil
}
