package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("failed to build test token: %v", err)
	}
	return s
}

func TestParseBearer_ProjectsClaims(t *testing.T) {
	claims := Claims{
		Scope:         "patient/Observation.read patient/Condition.read",
		LaunchPatient: "123",
		TenantID:      "tenant-a",
	}
	claims.Subject = "user-1"

	desc, err := ParseBearer(signedToken(t, claims))
	if err != nil {
		t.Fatalf("ParseBearer: unexpected error: %v", err)
	}
	if desc.Subject != "user-1" || desc.LaunchPatient != "123" || desc.TenantID != "tenant-a" {
		t.Errorf("unexpected descriptor: %+v", desc)
	}
	if len(desc.Scopes) != 2 || desc.Scopes[0] != "patient/Observation.read" {
		t.Errorf("expected scope string split on whitespace, got %v", desc.Scopes)
	}
}

func TestParseBearer_InvalidToken(t *testing.T) {
	if _, err := ParseBearer("not-a-jwt"); err == nil {
		t.Errorf("expected an error parsing a malformed token")
	}
}

func TestHasSystemScope_WildcardKindAndAccess(t *testing.T) {
	cases := []struct {
		name   string
		scopes []string
		kind   string
		level  string
		want   bool
	}{
		{"exact kind and level", []string{"system/Patient.read"}, "Patient", "read", true},
		{"wildcard kind", []string{"system/*.read"}, "Observation", "read", true},
		{"wildcard level", []string{"system/Patient.*"}, "Patient", "write", true},
		{"search alias", []string{"system/Patient.s"}, "Patient", "search", true},
		{"wrong kind", []string{"system/Patient.read"}, "Observation", "read", false},
		{"non-system scope ignored", []string{"patient/Patient.read"}, "Patient", "read", false},
	}
	for _, c := range cases {
		d := Descriptor{Scopes: c.scopes}
		if got := d.HasSystemScope(c.kind, c.level); got != c.want {
			t.Errorf("%s: HasSystemScope(%q, %q) = %v, want %v", c.name, c.kind, c.level, got, c.want)
		}
	}
}
