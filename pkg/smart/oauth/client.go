package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	smartjwt "github.com/carebridge/chartlink/pkg/smart/jwt"
	"github.com/carebridge/chartlink/pkg/smart/provider"
	"github.com/carebridge/chartlink/pkg/smart/storage"
)

// expiryBuffer is how close to expiry a token may get before AccessToken
// refreshes it preemptively.
const expiryBuffer = 60 * time.Second

// Client drives the login protocol for one provider and owns the token
// lifecycle for one logical session. Instances are cheap; create one per
// session prefix.
type Client struct {
	provider provider.Descriptor
	tokens   *storage.TokenStore
	attempts *storage.AttemptStore

	httpClient *http.Client
	logger     *slog.Logger
	onRefresh  func(storage.TokenRecord)
	now        func() time.Time

	// refreshGroup coalesces concurrent refresh attempts so fan-out
	// readers that all observe an expired token trigger one request.
	refreshGroup singleflight.Group
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the outbound HTTP client, e.g. to tighten
// timeouts.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRefreshNotify registers a callback invoked after every successful
// token refresh with the updated record.
func WithRefreshNotify(fn func(storage.TokenRecord)) Option {
	return func(c *Client) { c.onRefresh = fn }
}

// New creates a client for the given provider, persisting its state in store
// under prefix. The descriptor must be fully resolved; unresolved URL
// placeholders are a configuration error.
func New(d provider.Descriptor, store storage.Store, prefix string, opts ...Option) (*Client, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "chartlink." + d.ID
	}
	c := &Client{
		provider:   d,
		tokens:     storage.NewTokenStore(store, prefix),
		attempts:   storage.NewAttemptStore(store, prefix),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Provider returns the descriptor this client is bound to.
func (c *Client) Provider() provider.Descriptor {
	return c.provider
}

// TokenStore exposes the scoped token store, mainly for host integrations
// that need to inspect persisted state.
func (c *Client) TokenStore() *storage.TokenStore {
	return c.tokens
}

func (c *Client) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.provider.ClientID,
		ClientSecret: c.provider.ClientSecret,
		RedirectURL:  c.provider.RedirectURI,
		Scopes:       c.provider.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.provider.AuthorizationEndpoint,
			TokenURL: c.provider.TokenEndpoint,
			// SMART servers expect client_id in the form body, not basic
			// auth, for public clients.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// httpContext routes the oauth2 library's requests through our client so
// timeouts and test doubles apply.
func (c *Client) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// Authorize begins a login round-trip: it generates fresh CSRF state (and a
// PKCE pair when the provider uses PKCE), persists the attempt, and returns
// the authorization redirect URL. No network call is made. Any prior pending
// attempt is overwritten and thereby abandoned.
func (c *Client) Authorize(ctx context.Context) (string, error) {
	state, err := GenerateState()
	if err != nil {
		return "", err
	}
	attempt := storage.Attempt{
		State:      state,
		ProviderID: c.provider.ID,
		CreatedAt:  c.now(),
	}

	var challenge string
	if c.provider.OAuth.UsesPKCE {
		var verifier string
		verifier, challenge, err = GeneratePKCE()
		if err != nil {
			return "", err
		}
		attempt.Verifier = verifier
	}

	if err := c.attempts.Save(ctx, attempt); err != nil {
		return "", fmt.Errorf("failed to persist authorization attempt: %w", err)
	}

	u, err := url.Parse(c.provider.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("provider %s: bad authorization endpoint: %w", c.provider.ID, err)
	}
	q := u.Query()
	q.Set("client_id", c.provider.ClientID)
	q.Set("redirect_uri", c.provider.RedirectURI)
	q.Set("response_type", c.provider.ResponseType())
	q.Set("scope", c.provider.Scope())
	q.Set("state", state)
	q.Set("aud", c.provider.ResourceBaseURL)
	if c.provider.OAuth.UsesPKCE {
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", "S256")
	}
	u.RawQuery = q.Encode()

	c.logger.Debug("authorization started", "provider", c.provider.ID)
	return u.String(), nil
}

// HandleCallback validates the authorization callback, exchanges the code
// for tokens, persists the resulting record with the resolved patient id,
// and consumes the pending attempt. A replayed callback fails with
// ErrStateMismatch because the attempt is cleared after first success.
func (c *Client) HandleCallback(ctx context.Context, callbackURL string) (storage.TokenRecord, error) {
	var rec storage.TokenRecord

	u, err := url.Parse(callbackURL)
	if err != nil {
		return rec, fmt.Errorf("provider %s: malformed callback URL: %w", c.provider.ID, err)
	}
	q := u.Query()

	if errCode := q.Get("error"); errCode != "" {
		return rec, &AuthorizationDeniedError{
			ProviderID:  c.provider.ID,
			Code:        errCode,
			Description: q.Get("error_description"),
		}
	}
	code := q.Get("code")
	if code == "" {
		return rec, fmt.Errorf("provider %s: %w", c.provider.ID, ErrMissingCode)
	}
	state := q.Get("state")
	if state == "" {
		return rec, fmt.Errorf("provider %s: %w", c.provider.ID, ErrMissingState)
	}

	attempt, err := c.attempts.Load(ctx)
	if errors.Is(err, storage.ErrKeyNotFound) {
		// No pending attempt: either never authorized or already consumed.
		return rec, fmt.Errorf("provider %s: %w", c.provider.ID, ErrStateMismatch)
	}
	if err != nil {
		return rec, fmt.Errorf("failed to load authorization attempt: %w", err)
	}
	if attempt.State != state {
		return rec, fmt.Errorf("provider %s: %w", c.provider.ID, ErrStateMismatch)
	}
	if c.provider.OAuth.UsesPKCE && attempt.Verifier == "" {
		return rec, fmt.Errorf("provider %s: %w", c.provider.ID, ErrCodeVerifierMissing)
	}

	var opts []oauth2.AuthCodeOption
	if c.provider.OAuth.UsesPKCE {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", attempt.Verifier))
	}
	token, err := c.oauth2Config().Exchange(c.httpContext(ctx), code, opts...)
	if err != nil {
		return rec, c.tokenEndpointError("exchange", err)
	}

	rec = c.recordFromToken(token, storage.TokenRecord{})
	rec.PatientID = c.extractPatientID(token, rec.IDToken)

	if err := c.tokens.Save(ctx, rec); err != nil {
		return rec, fmt.Errorf("failed to persist tokens: %w", err)
	}
	if err := c.attempts.Clear(ctx); err != nil {
		return rec, fmt.Errorf("failed to clear authorization attempt: %w", err)
	}

	c.logger.Info("authorization completed", "provider", c.provider.ID,
		"patient_resolved", rec.PatientID != "", "refreshable", rec.RefreshToken != "")
	return rec, nil
}

// RefreshAccessToken exchanges the stored refresh token for a new access
// token and persists the updated record. The prior refresh token is kept
// when the provider does not rotate it.
func (c *Client) RefreshAccessToken(ctx context.Context) (storage.TokenRecord, error) {
	rec, err := c.tokens.Record(ctx)
	if err != nil {
		return rec, err
	}
	if rec.RefreshToken == "" {
		return rec, fmt.Errorf("provider %s: %w", c.provider.ID, ErrNoRefreshToken)
	}

	src := c.oauth2Config().TokenSource(c.httpContext(ctx), &oauth2.Token{
		RefreshToken: rec.RefreshToken,
	})
	token, err := src.Token()
	if err != nil {
		return rec, c.tokenEndpointError("refresh", err)
	}

	updated := c.recordFromToken(token, rec)
	if err := c.tokens.Save(ctx, updated); err != nil {
		return updated, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	c.logger.Debug("access token refreshed", "provider", c.provider.ID)
	if c.onRefresh != nil {
		c.onRefresh(updated)
	}
	return updated, nil
}

// AccessToken returns a valid access token, transparently refreshing when
// the stored one is expired or within 60 seconds of expiry. Concurrent
// callers observing an expired token share a single refresh request.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	rec, err := c.tokens.Record(ctx)
	if err != nil {
		return "", err
	}
	if rec.AccessToken == "" {
		return "", fmt.Errorf("provider %s: %w", c.provider.ID, ErrNoAccessToken)
	}
	if !rec.ExpiresWithin(expiryBuffer, c.now()) {
		return rec.AccessToken, nil
	}
	if !c.provider.Capabilities.SupportsRefresh {
		return "", fmt.Errorf("provider %s: %w", c.provider.ID, ErrTokenExpiredNoRefresh)
	}

	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		refreshed, err := c.RefreshAccessToken(ctx)
		if err != nil {
			return "", err
		}
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// IsAuthenticated reports whether a non-expired access token is stored. No
// network call is made.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	rec, err := c.tokens.Record(ctx)
	if err != nil || rec.AccessToken == "" {
		return false
	}
	return !rec.ExpiresWithin(0, c.now())
}

// PatientID returns the patient identifier resolved during login.
func (c *Client) PatientID(ctx context.Context) (string, error) {
	return c.tokens.PatientID(ctx)
}

// Logout clears both the token record and any pending attempt.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.tokens.Clear(ctx); err != nil {
		return err
	}
	if err := c.attempts.Clear(ctx); err != nil {
		return err
	}
	c.logger.Info("logged out", "provider", c.provider.ID)
	return nil
}

// recordFromToken maps an oauth2 token onto a TokenRecord, starting from
// prev so refresh keeps fields the response did not resend.
func (c *Client) recordFromToken(token *oauth2.Token, prev storage.TokenRecord) storage.TokenRecord {
	rec := prev
	rec.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		rec.RefreshToken = token.RefreshToken
	}
	if id, ok := token.Extra("id_token").(string); ok && id != "" {
		rec.IDToken = id
	}
	// oauth2 leaves Expiry zero when the provider omitted expires_in; such
	// tokens are treated as non-expiring (documented provider quirk).
	rec.ExpiresAt = token.Expiry
	return rec
}

// extractPatientID resolves the patient identifier per the provider's
// patientIdLocation quirk. Extraction is best-effort: a missing or malformed
// source yields "".
func (c *Client) extractPatientID(token *oauth2.Token, idToken string) string {
	switch c.provider.Quirks.PatientIDLocation {
	case provider.PatientIDFromJWTClaim:
		claims, ok := smartjwt.DecodeUnverified(idToken)
		if !ok {
			return ""
		}
		value := claims.Get(c.provider.Quirks.PatientIDClaim)
		if value == "" {
			return ""
		}
		// fhirUser-style claims carry a Patient/<id> reference; extract the
		// id rather than storing the full reference.
		if id, ok := smartjwt.PatientIDFromReference(value); ok {
			return id
		}
		return value
	default: // PatientIDFromTokenField
		if v, ok := token.Extra(c.provider.PatientIDField()).(string); ok {
			return v
		}
		return ""
	}
}

// tokenEndpointError classifies a failure from the token endpoint:
// cancellation, an HTTP error response, or a transport failure.
func (c *Client) tokenEndpointError(op string, err error) error {
	if op == "exchange" && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// Aborted mid-login (navigation away, superseded attempt) is a
		// distinct outcome, not a transport failure.
		return fmt.Errorf("provider %s: %w: %v", c.provider.ID, ErrAuthorizationCancelled, err)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &TokenEndpointError{
			ProviderID: c.provider.ID,
			Op:         op,
			StatusCode: status,
			Body:       string(re.Body),
		}
	}
	return fmt.Errorf("provider %s: token %s failed: %w", c.provider.ID, op, err)
}
