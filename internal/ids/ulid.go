// Package ids provides ULID primitives used for request correlation and realtime envelopes.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars) stamped with now.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// New returns a ULID for the current time. It never fails; entropy errors fall back to ulid.Make.
func New() string {
	id, err := NewULID(time.Time{})
	if err != nil {
		return ulid.Make().String()
	}
	return id
}

// Time extracts the timestamp encoded in a ULID string.
func Time(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()).UTC(), true
}
