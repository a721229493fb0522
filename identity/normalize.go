package identity

import (
	"net/mail"
	"regexp"
	"strings"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{1,31}$`)

// NormalizeUsername performs case-insensitive canonicalization.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateEmail checks a normalized email address.
func ValidateEmail(op, email string) error {
	if email == "" {
		return Invalid(op, "email required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Invalid(op, "email malformed")
	}
	return nil
}

// ValidateUsername checks a normalized username: 2-32 chars of [a-z0-9_.-], alphanumeric first.
func ValidateUsername(op, username string) error {
	if !usernamePattern.MatchString(username) {
		return Invalid(op, "username must be 2-32 chars of a-z, 0-9, '_', '.', '-'")
	}
	return nil
}

// Slugify derives an organization slug from a display name.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
