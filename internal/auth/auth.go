// Package auth builds the Authorization Descriptor C7's compartment engine
// consults: bearer scopes plus launch-patient context parsed from a JWT,
// grounded on the teacher's internal/platform/auth JWT-claims shape.
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims mirrors the SMART-on-FHIR claims the teacher's middleware parses:
// fhirUser scopes plus a launch-patient context, on top of the registered
// claim set.
type Claims struct {
	jwt.RegisteredClaims
	Scope           string `json:"scope"`
	LaunchPatient   string `json:"patient"`
	TenantID        string `json:"tenant_id"`
}

// Descriptor is the Authorization Descriptor consumed by C4 (hook context)
// and C7 (compartment search filtering).
type Descriptor struct {
	Subject       string
	Scopes        []string
	LaunchPatient string
	TenantID      string
}

// HasSystemScope reports whether scope grants unrestricted access to kind
// for the given access level ("read" or "write"), covering the
// "*.*"/"*.s"/"Kind.*"/"Kind.s" forms from §4.7.
func (d Descriptor) HasSystemScope(kind, level string) bool {
	for _, s := range d.Scopes {
		parts := strings.SplitN(s, "/", 2)
		if len(parts) != 2 || parts[0] != "system" {
			continue
		}
		clause := parts[1] // "Kind.read" or "*.write" etc.
		dot := strings.LastIndex(clause, ".")
		if dot < 0 {
			continue
		}
		scopeKind, access := clause[:dot], clause[dot+1:]
		if scopeKind != "*" && scopeKind != kind {
			continue
		}
		if access == "*" || access == level || (access == "s" && level == "search") {
			return true
		}
	}
	return false
}

// ParseBearer parses a bearer JWT into a Descriptor without verifying its
// signature. The transport layer's auth middleware uses it only when no
// Verifier is configured; with a Verifier, Verifier.Verify checks the
// signature and builds the Descriptor instead. The result is the
// projection into the fields C4/C7 need.
func ParseBearer(tokenString string) (Descriptor, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return Descriptor{}, fmt.Errorf("auth: parsing bearer token: %w", err)
	}
	return Descriptor{
		Subject:       claims.Subject,
		Scopes:        strings.Fields(claims.Scope),
		LaunchPatient: claims.LaunchPatient,
		TenantID:      claims.TenantID,
	}, nil
}
