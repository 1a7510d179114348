package token

import "errors"

var (
	// ErrRefreshRejected is returned when the backend rejects the refresh
	// credential. Terminal: the session cannot be recovered and has been cleared.
	ErrRefreshRejected = errors.New("refresh rejected")

	// ErrRefreshUnavailable is returned for transient transport failures
	// (network error, timeout, 5xx). The caller decides whether to retry;
	// the manager never retries on its own.
	ErrRefreshUnavailable = errors.New("refresh unavailable")

	// ErrInvalidated is returned when a refresh completed after Invalidate.
	// Its result has been discarded; the session is gone.
	ErrInvalidated = errors.New("session invalidated")
)

// Terminal reports whether err means the session is unrecoverable and the
// caller must route to re-authentication.
func Terminal(err error) bool {
	return errors.Is(err, ErrRefreshRejected) || errors.Is(err, ErrInvalidated)
}
