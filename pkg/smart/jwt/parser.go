// Package jwt decodes identity claims from the compact tokens SMART
// authorization servers return alongside access tokens.
package jwt

import (
	"regexp"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims holds the identity claims chartlink cares about from an id_token.
type Claims struct {
	Issuer   string
	Subject  string
	Audience []string
	Expiry   time.Time
	IssuedAt time.Time

	// Private claims (fhirUser, profile, patient and anything else the
	// provider includes).
	Private map[string]any
}

// Get returns a private claim as a string, or "" when absent or non-string.
func (c *Claims) Get(name string) string {
	if c == nil || c.Private == nil {
		return ""
	}
	if v, ok := c.Private[name].(string); ok {
		return v
	}
	return ""
}

// DecodeUnverified extracts claims from a three-part compact token without
// checking its signature. Malformed input yields (nil, false) rather than an
// error: identity extraction is best-effort and callers fall back to other
// sources.
//
// WARNING: the output is untrusted. Production deployments that make trust
// decisions on these claims must verify the token against the provider's
// published keys first.
func DecodeUnverified(tokenString string) (*Claims, bool) {
	if strings.Count(tokenString, ".") != 2 {
		return nil, false
	}

	token, err := jwt.Parse([]byte(tokenString), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, false
	}

	claims := &Claims{
		Issuer:  token.Issuer(),
		Subject: token.Subject(),
		Private: token.PrivateClaims(),
	}
	if aud := token.Audience(); len(aud) > 0 {
		claims.Audience = aud
	}
	if !token.Expiration().IsZero() {
		claims.Expiry = token.Expiration()
	}
	if !token.IssuedAt().IsZero() {
		claims.IssuedAt = token.IssuedAt()
	}
	return claims, true
}

// patientReference matches FHIR Patient references such as
// "Patient/abc-123" or "https://fhir.example.com/r4/Patient/abc-123".
var patientReference = regexp.MustCompile(`(?:^|/)Patient/([A-Za-z0-9.\-]+)$`)

// PatientIDFromReference extracts the id from a Patient/<id> reference. A
// fhirUser claim may point at a Practitioner or carry a bare id; those come
// back unchanged only when they are not Patient references at all.
func PatientIDFromReference(ref string) (string, bool) {
	m := patientReference.FindStringSubmatch(ref)
	if m == nil {
		return "", false
	}
	return m[1], true
}
