package identity

import (
	"errors"
	"testing"
)

func TestValidateUsername(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in string
		ok bool
	}{
		{in: "ada", ok: true},
		{in: "ada.lovelace_1", ok: true},
		{in: "a", ok: false},
		{in: "_ada", ok: false},
		{in: "Ada", ok: false},
		{in: "ada lovelace", ok: false},
	}
	for _, tc := range cases {
		err := ValidateUsername("test", tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("ValidateUsername(%q) err=%v want ok=%v", tc.in, err, tc.ok)
		}
		if err != nil && !IsInvalidInput(err) {
			t.Fatalf("error must match ErrInvalidInput: %v", err)
		}
	}
}

func TestValidateEmail(t *testing.T) {
	t.Parallel()

	if err := ValidateEmail("op", NormalizeEmail("  Ada@Example.COM ")); err != nil {
		t.Fatalf("valid email rejected: %v", err)
	}
	err := ValidateEmail("auth.Login", "nope")
	var oe OpError
	if !errors.As(err, &oe) || oe.Op != "auth.Login" {
		t.Fatalf("err=%v want OpError for auth.Login", err)
	}
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Acme Inc.":        "acme-inc",
		"  Hello,  World ": "hello-world",
		"---":              "",
		"R&D 2":            "r-d-2",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Fatalf("Slugify(%q)=%q want %q", in, got, want)
		}
	}
}

func TestFindOrganization(t *testing.T) {
	t.Parallel()

	orgs := []OrganizationSummary{{OrgID: "o1", Role: "owner"}, {OrgID: "o2", Role: "member"}}
	got, ok := FindOrganization(orgs, "o2")
	if !ok || got.Role != "member" {
		t.Fatalf("FindOrganization=%+v ok=%v", got, ok)
	}
	if _, ok := FindOrganization(orgs, "o3"); ok {
		t.Fatalf("unexpected match")
	}
	if a := got.Activate(); a.OrgID != "o2" || a.Description != nil {
		t.Fatalf("Activate()=%+v", a)
	}
}

func TestDeref(t *testing.T) {
	t.Parallel()

	if Deref[string](nil) != "" || Deref(Ptr("x")) != "x" {
		t.Fatalf("Deref/Ptr mismatch")
	}
}
