package refresher

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshFailed is returned when the server rejects a refresh attempt.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrRefreshTokenMissing is returned when there is no refresh token to present.
	ErrRefreshTokenMissing = errors.New("refresh token missing")
)

// RefreshError carries the cause of a rejected refresh.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	if e == nil || e.Err == nil {
		return ErrRefreshFailed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrRefreshFailed.Error(), e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool { return target == ErrRefreshFailed }

// IsRefreshFailure reports whether err means the session can no longer be refreshed.
func IsRefreshFailure(err error) bool {
	return errors.Is(err, ErrRefreshFailed) || errors.Is(err, ErrRefreshTokenMissing)
}

var errEmptyAccessToken = errors.New("refresh response missing access token")
