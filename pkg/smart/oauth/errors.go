package oauth

import (
	"errors"
	"fmt"
)

// Protocol errors are fatal to the current login attempt; the caller must
// restart with Authorize. Token errors tell the caller to send the user back
// through login.
var (
	ErrMissingCode  = errors.New("callback missing authorization code")
	ErrMissingState = errors.New("callback missing state parameter")
	// ErrStateMismatch covers both a wrong state value and a replayed
	// callback whose attempt was already consumed. Possible CSRF; never
	// proceed.
	ErrStateMismatch          = errors.New("state parameter does not match pending attempt")
	ErrCodeVerifierMissing    = errors.New("provider requires PKCE but no code verifier is stored")
	ErrAuthorizationCancelled = errors.New("authorization cancelled")

	ErrNoAccessToken         = errors.New("no access token stored")
	ErrNoRefreshToken        = errors.New("no refresh token stored")
	ErrTokenExpiredNoRefresh = errors.New("access token expired and provider does not support refresh")
)

// AuthorizationDeniedError reports an error the authorization server sent
// back on the callback (user denied access, invalid launch, etc).
type AuthorizationDeniedError struct {
	ProviderID  string
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider %s denied authorization: %s (%s)", e.ProviderID, e.Code, e.Description)
	}
	return fmt.Sprintf("provider %s denied authorization: %s", e.ProviderID, e.Code)
}

// TokenEndpointError reports a non-success HTTP response from the token
// endpoint during code exchange or refresh, with enough context to render an
// actionable message.
type TokenEndpointError struct {
	ProviderID string
	Op         string // "exchange" or "refresh"
	StatusCode int
	Body       string
}

func (e *TokenEndpointError) Error() string {
	return fmt.Sprintf("provider %s: token %s failed with status %d: %s", e.ProviderID, e.Op, e.StatusCode, e.Body)
}
