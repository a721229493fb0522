package ids

import (
	"testing"
	"time"
)

func TestNewULID_EncodesTimestamp(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len(id)=%d want 26", len(id))
	}

	got, ok := Time(id)
	if !ok {
		t.Fatalf("Time(%q) failed", id)
	}
	if !got.Equal(now) {
		t.Fatalf("Time()=%v want %v", got, now)
	}
}

func TestNew_IsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := New()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestTime_RejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, ok := Time("not-a-ulid"); ok {
		t.Fatalf("expected failure for garbage input")
	}
}
