package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carebridge/chartlink/pkg/smart/provider"
	"github.com/carebridge/chartlink/pkg/smart/storage"
)

func testProvider(tokenURL string) provider.Descriptor {
	return provider.Descriptor{
		ID:                    "test-ehr",
		Name:                  "Test EHR",
		AuthorizationEndpoint: "https://auth.test-ehr.example/authorize",
		TokenEndpoint:         tokenURL,
		ResourceBaseURL:       "https://fhir.test-ehr.example/r4",
		ClientID:              "client-1",
		RedirectURI:           "http://localhost/callback",
		Scopes:                []string{"launch/patient", "patient/*.read", "openid"},
		OAuth:                 provider.OAuthOptions{UsesPKCE: true},
		Capabilities:          provider.Capabilities{SupportsRefresh: true},
	}
}

// tokenEndpoint fakes a provider token endpoint. Each call records the form
// it received.
type tokenEndpoint struct {
	mu       sync.Mutex
	forms    []url.Values
	response map[string]any
	status   int
	calls    atomic.Int64
	delay    time.Duration
}

func (te *tokenEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		te.calls.Add(1)
		if te.delay > 0 {
			select {
			case <-time.After(te.delay):
			case <-r.Context().Done():
				return
			}
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		te.mu.Lock()
		te.forms = append(te.forms, r.PostForm)
		te.mu.Unlock()

		if te.status != 0 && te.status != http.StatusOK {
			w.WriteHeader(te.status)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(te.response); err != nil {
			panic(err)
		}
	}
}

func (te *tokenEndpoint) lastForm(t *testing.T) url.Values {
	t.Helper()
	te.mu.Lock()
	defer te.mu.Unlock()
	if len(te.forms) == 0 {
		t.Fatalf("token endpoint was never called")
	}
	return te.forms[len(te.forms)-1]
}

func newTestClient(t *testing.T, te *tokenEndpoint, mutate func(*provider.Descriptor)) (*Client, storage.Store) {
	t.Helper()
	srv := httptest.NewServer(te.handler())
	t.Cleanup(srv.Close)

	d := testProvider(srv.URL + "/token")
	if mutate != nil {
		mutate(&d)
	}
	store := storage.NewMemoryStore()
	client, err := New(d, store, "sess", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return client, store
}

// authorize runs Authorize and returns the parsed redirect query.
func authorize(t *testing.T, c *Client) url.Values {
	t.Helper()
	redirect, err := c.Authorize(context.Background())
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("bad redirect URL: %v", err)
	}
	return u.Query()
}

func callbackURL(q url.Values) string {
	return "http://localhost/callback?" + q.Encode()
}

func makeIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

func TestAuthorizeWithPKCE(t *testing.T) {
	te := &tokenEndpoint{}
	c, _ := newTestClient(t, te, nil)

	q := authorize(t, c)
	if q.Get("client_id") != "client-1" || q.Get("response_type") != "code" {
		t.Fatalf("unexpected authorize params: %v", q)
	}
	if q.Get("scope") != "launch/patient patient/*.read openid" {
		t.Fatalf("scopes not space-joined: %q", q.Get("scope"))
	}
	if q.Get("aud") != "https://fhir.test-ehr.example/r4" {
		t.Fatalf("missing aud param: %v", q)
	}
	if q.Get("state") == "" {
		t.Fatalf("missing state")
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Fatalf("PKCE provider must send S256 challenge: %v", q)
	}
}

func TestAuthorizeWithoutPKCE(t *testing.T) {
	te := &tokenEndpoint{}
	c, _ := newTestClient(t, te, func(d *provider.Descriptor) {
		d.OAuth.UsesPKCE = false
	})

	q := authorize(t, c)
	if q.Has("code_challenge") || q.Has("code_challenge_method") {
		t.Fatalf("non-PKCE provider must not send challenge params: %v", q)
	}
}

func TestHandleCallbackSuccess(t *testing.T) {
	te := &tokenEndpoint{response: map[string]any{
		"access_token":  "at-1",
		"refresh_token": "rt-1",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"patient":       "p-42",
	}}
	c, _ := newTestClient(t, te, nil)

	q := authorize(t, c)
	cb := url.Values{"code": {"abc"}, "state": {q.Get("state")}}
	rec, err := c.HandleCallback(context.Background(), callbackURL(cb))
	if err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	if rec.AccessToken != "at-1" || rec.RefreshToken != "rt-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.PatientID != "p-42" {
		t.Fatalf("patient id not extracted from token field: %q", rec.PatientID)
	}
	if rec.ExpiresAt.IsZero() {
		t.Fatalf("expiry should be set when expires_in was declared")
	}

	form := te.lastForm(t)
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "abc" {
		t.Fatalf("unexpected exchange form: %v", form)
	}
	if form.Get("client_id") != "client-1" || form.Get("redirect_uri") != "http://localhost/callback" {
		t.Fatalf("exchange form missing client params: %v", form)
	}
	if form.Get("code_verifier") == "" {
		t.Fatalf("PKCE exchange must carry code_verifier")
	}

	if !c.IsAuthenticated(context.Background()) {
		t.Fatalf("expected authenticated state after callback")
	}
}

func TestHandleCallbackStateMismatch(t *testing.T) {
	te := &tokenEndpoint{response: map[string]any{"access_token": "at-1"}}
	c, _ := newTestClient(t, te, nil)

	authorize(t, c)
	cb := url.Values{"code": {"abc"}, "state": {"wrong-state"}}
	_, err := c.HandleCallback(context.Background(), callbackURL(cb))
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
	if te.calls.Load() != 0 {
		t.Fatalf("token endpoint must not be called on state mismatch")
	}
}

func TestHandleCallbackConsumedOnce(t *testing.T) {
	te := &tokenEndpoint{response: map[string]any{"access_token": "at-1", "expires_in": 3600}}
	c, _ := newTestClient(t, te, nil)

	q := authorize(t, c)
	cb := callbackURL(url.Values{"code": {"abc"}, "state": {q.Get("state")}})

	if _, err := c.HandleCallback(context.Background(), cb); err != nil {
		t.Fatalf("first callback should succeed: %v", err)
	}
	// The attempt was consumed; a replay of the identical callback is a
	// state mismatch.
	_, err := c.HandleCallback(context.Background(), cb)
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("second callback should fail with ErrStateMismatch, got %v", err)
	}
}

func TestHandleCallbackProviderError(t *testing.T) {
	te := &tokenEndpoint{}
	c, _ := newTestClient(t, te, nil)
	authorize(t, c)

	cb := callbackURL(url.Values{
		"error":             {"access_denied"},
		"error_description": {"user closed the consent screen"},
	})
	_, err := c.HandleCallback(context.Background(), cb)
	var denied *AuthorizationDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected AuthorizationDeniedError, got %v", err)
	}
	if denied.Code != "access_denied" || !strings.Contains(denied.Error(), "access_denied") {
		t.Fatalf("denied error missing provider code: %v", denied)
	}
}

func TestHandleCallbackMissingParams(t *testing.T) {
	te := &tokenEndpoint{}
	c, _ := newTestClient(t, te, nil)
	q := authorize(t, c)

	_, err := c.HandleCallback(context.Background(), callbackURL(url.Values{"state": {q.Get("state")}}))
	if !errors.Is(err, ErrMissingCode) {
		t.Fatalf("expected ErrMissingCode, got %v", err)
	}
	_, err = c.HandleCallback(context.Background(), callbackURL(url.Values{"code": {"abc"}}))
	if !errors.Is(err, ErrMissingState) {
		t.Fatalf("expected ErrMissingState, got %v", err)
	}
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	te := &tokenEndpoint{status: http.StatusBadRequest}
	c, _ := newTestClient(t, te, nil)
	q := authorize(t, c)

	_, err := c.HandleCallback(context.Background(), callbackURL(url.Values{
		"code": {"abc"}, "state": {q.Get("state")},
	}))
	var endpointErr *TokenEndpointError
	if !errors.As(err, &endpointErr) {
		t.Fatalf("expected TokenEndpointError, got %v", err)
	}
	if endpointErr.StatusCode != http.StatusBadRequest || endpointErr.Op != "exchange" {
		t.Fatalf("unexpected endpoint error: %+v", endpointErr)
	}
	if !strings.Contains(endpointErr.Body, "invalid_grant") {
		t.Fatalf("error should carry response body: %+v", endpointErr)
	}
}

func TestHandleCallbackCancelled(t *testing.T) {
	te := &tokenEndpoint{
		delay:    5 * time.Second,
		response: map[string]any{"access_token": "at-1"},
	}
	c, _ := newTestClient(t, te, nil)
	q := authorize(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.HandleCallback(ctx, callbackURL(url.Values{
		"code": {"abc"}, "state": {q.Get("state")},
	}))
	if !errors.Is(err, ErrAuthorizationCancelled) {
		t.Fatalf("expected ErrAuthorizationCancelled, got %v", err)
	}
}

func TestPatientIDFromJWTClaim(t *testing.T) {
	idToken := ""
	te := &tokenEndpoint{}
	c, _ := newTestClient(t, te, func(d *provider.Descriptor) {
		d.Quirks.PatientIDLocation = provider.PatientIDFromJWTClaim
		d.Quirks.PatientIDClaim = "fhirUser"
	})
	idToken = makeIDToken(t, map[string]any{
		"sub":      "user-1",
		"fhirUser": "https://fhir.test-ehr.example/r4/Patient/p-77",
	})
	te.response = map[string]any{
		"access_token": "at-1",
		"expires_in":   3600,
		"id_token":     idToken,
	}

	q := authorize(t, c)
	rec, err := c.HandleCallback(context.Background(), callbackURL(url.Values{
		"code": {"abc"}, "state": {q.Get("state")},
	}))
	if err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	if rec.PatientID != "p-77" {
		t.Fatalf("expected Patient reference id extracted, got %q", rec.PatientID)
	}
}

func TestAccessTokenRefreshesExpired(t *testing.T) {
	te := &tokenEndpoint{response: map[string]any{
		"access_token":  "at-new",
		"refresh_token": "rt-new",
		"expires_in":    3600,
	}}
	c, _ := newTestClient(t, te, nil)

	ctx := context.Background()
	seed := storage.TokenRecord{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
		PatientID:    "p-42",
	}
	if err := c.TokenStore().Save(ctx, seed); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken error: %v", err)
	}
	if token != "at-new" {
		t.Fatalf("expected refreshed token, got %q", token)
	}
	form := te.lastForm(t)
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "rt-old" {
		t.Fatalf("unexpected refresh form: %v", form)
	}

	rec, err := c.TokenStore().Record(ctx)
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if rec.AccessToken != "at-new" || rec.RefreshToken != "rt-new" {
		t.Fatalf("store not updated: %+v", rec)
	}
	if rec.PatientID != "p-42" {
		t.Fatalf("refresh must keep resolved patient id, got %q", rec.PatientID)
	}
	if rec.ExpiresWithin(0, time.Now()) {
		t.Fatalf("refreshed token should not be expired")
	}
}

func TestAccessTokenWithinBufferRefreshes(t *testing.T) {
	te := &tokenEndpoint{response: map[string]any{
		"access_token": "at-new", "expires_in": 3600,
	}}
	c, _ := newTestClient(t, te, nil)

	ctx := context.Background()
	// Still valid, but inside the 60 second buffer.
	if err := c.TokenStore().Save(ctx, storage.TokenRecord{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(30 * time.Second),
	}); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	token, err := c.AccessToken(ctx)
	if err != nil || token != "at-new" {
		t.Fatalf("expected preemptive refresh, got %q, %v", token, err)
	}
}

func TestAccessTokenExpiredNoRefreshSupport(t *testing.T) {
	te := &tokenEndpoint{}
	c, _ := newTestClient(t, te, func(d *provider.Descriptor) {
		d.Capabilities.SupportsRefresh = false
	})

	ctx := context.Background()
	if err := c.TokenStore().Save(ctx, storage.TokenRecord{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	_, err := c.AccessToken(ctx)
	if !errors.Is(err, ErrTokenExpiredNoRefresh) {
		t.Fatalf("expected ErrTokenExpiredNoRefresh, got %v", err)
	}
}

func TestAccessTokenNonExpiringSkipsRefresh(t *testing.T) {
	te := &tokenEndpoint{}
	c, _ := newTestClient(t, te, nil)

	ctx := context.Background()
	if err := c.TokenStore().Save(ctx, storage.TokenRecord{AccessToken: "at-1"}); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	token, err := c.AccessToken(ctx)
	if err != nil || token != "at-1" {
		t.Fatalf("non-expiring token should be returned as-is: %q, %v", token, err)
	}
	if te.calls.Load() != 0 {
		t.Fatalf("no refresh expected for non-expiring token")
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	te := &tokenEndpoint{}
	c, _ := newTestClient(t, te, nil)

	ctx := context.Background()
	if err := c.TokenStore().Save(ctx, storage.TokenRecord{AccessToken: "at-1"}); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	_, err := c.RefreshAccessToken(ctx)
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestConcurrentRefreshSingleFlight(t *testing.T) {
	te := &tokenEndpoint{
		delay:    100 * time.Millisecond,
		response: map[string]any{"access_token": "at-new", "expires_in": 3600},
	}
	c, _ := newTestClient(t, te, nil)

	ctx := context.Background()
	if err := c.TokenStore().Save(ctx, storage.TokenRecord{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.AccessToken(ctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil || results[i] != "at-new" {
			t.Fatalf("worker %d: got %q, %v", i, results[i], errs[i])
		}
	}
	if n := te.calls.Load(); n != 1 {
		t.Fatalf("expected exactly one refresh request, got %d", n)
	}
}

func TestRefreshNotifyCallback(t *testing.T) {
	te := &tokenEndpoint{response: map[string]any{
		"access_token": "at-new", "expires_in": 3600,
	}}
	srv := httptest.NewServer(te.handler())
	t.Cleanup(srv.Close)

	var notified storage.TokenRecord
	store := storage.NewMemoryStore()
	c, err := New(testProvider(srv.URL+"/token"), store, "sess",
		WithHTTPClient(srv.Client()),
		WithRefreshNotify(func(rec storage.TokenRecord) { notified = rec }),
	)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	ctx := context.Background()
	if err := c.TokenStore().Save(ctx, storage.TokenRecord{
		AccessToken: "at-old", RefreshToken: "rt-old",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	if _, err := c.RefreshAccessToken(ctx); err != nil {
		t.Fatalf("refresh error: %v", err)
	}
	if notified.AccessToken != "at-new" {
		t.Fatalf("refresh callback not invoked with new record: %+v", notified)
	}
}

func TestLogoutClearsState(t *testing.T) {
	te := &tokenEndpoint{response: map[string]any{"access_token": "at-1", "expires_in": 3600}}
	c, _ := newTestClient(t, te, nil)

	ctx := context.Background()
	q := authorize(t, c)
	if _, err := c.HandleCallback(ctx, callbackURL(url.Values{
		"code": {"abc"}, "state": {q.Get("state")},
	})); err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if c.IsAuthenticated(ctx) {
		t.Fatalf("still authenticated after logout")
	}
	if _, err := c.AccessToken(ctx); !errors.Is(err, ErrNoAccessToken) {
		t.Fatalf("expected ErrNoAccessToken after logout, got %v", err)
	}
}

func TestNewRejectsUnresolvedDescriptor(t *testing.T) {
	d := testProvider("https://auth.example.com/token")
	d.ResourceBaseURL = "https://fhir.example.com/{TENANT}"
	if _, err := New(d, storage.NewMemoryStore(), "sess"); err == nil {
		t.Fatalf("expected constructor to reject unresolved placeholder")
	}
}
