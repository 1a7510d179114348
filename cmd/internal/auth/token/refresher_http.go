package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pulse/cmd/internal/auth/credstore"
)

const maxRefreshBodyBytes = 64 << 10 // 64 KiB

// HTTPRefresher calls the backend refresh endpoint.
//
// The client never reads the refresh credential: it lives in an HttpOnly
// cookie, so the http.Client's cookie jar carries it. The request body is
// empty on purpose.
type HTTPRefresher struct {
	client *http.Client
	url    string
}

// NewHTTPRefresher constructs a refresher against baseURL. The provided client
// must share its cookie jar with the login path or the refresh cookie is lost.
func NewHTTPRefresher(client *http.Client, baseURL string) *HTTPRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRefresher{
		client: client,
		url:    strings.TrimRight(baseURL, "/") + "/auth/refresh",
	}
}

type refreshResponse struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// Refresh performs one refresh call; single-flight discipline lives in Manager.
func (r *HTTPRefresher) Refresh(ctx context.Context) (credstore.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, nil)
	if err != nil {
		return credstore.Credential{}, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return credstore.Credential{}, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRefreshBodyBytes))
	if err != nil {
		return credstore.Credential{}, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return credstore.Credential{}, fmt.Errorf("%w: status %d", ErrRefreshRejected, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return credstore.Credential{}, fmt.Errorf("%w: status %d", ErrRefreshUnavailable, resp.StatusCode)
	}

	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return credstore.Credential{}, fmt.Errorf("%w: bad response: %v", ErrRefreshUnavailable, err)
	}
	if out.AccessToken == "" {
		return credstore.Credential{}, fmt.Errorf("%w: empty access token", ErrRefreshUnavailable)
	}

	return credstore.Credential{
		AccessToken: out.AccessToken,
		UserID:      out.UserID,
		ExpiresAt:   out.ExpiresAt,
	}, nil
}
