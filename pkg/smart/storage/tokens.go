package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TokenRecord is the durable authentication state for one session.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	// ExpiresAt is the absolute expiry instant. Zero means the provider
	// declared no lifetime and the token is treated as non-expiring.
	ExpiresAt time.Time
	PatientID string
}

// ExpiresWithin reports whether the access token is expired or will expire
// within buffer of now. Non-expiring tokens never report true.
func (r TokenRecord) ExpiresWithin(buffer time.Duration, now time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(buffer).Before(r.ExpiresAt)
}

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyIDToken      = "id_token"
	keyExpiresAt    = "expires_at"
	keyPatientID    = "patient_id"

	keyAttemptState    = "attempt.state"
	keyAttemptVerifier = "attempt.verifier"
	keyAttemptProvider = "attempt.provider_id"
	keyAttemptCreated  = "attempt.created_at"
)

// TokenStore persists a TokenRecord field-by-field under a scoped prefix so
// multiple sessions or providers can share one backend without collisions.
type TokenStore struct {
	store  Store
	prefix string
}

// NewTokenStore scopes store under prefix.
func NewTokenStore(store Store, prefix string) *TokenStore {
	return &TokenStore{store: store, prefix: prefix}
}

func (s *TokenStore) key(field string) string {
	return s.prefix + "." + field
}

func (s *TokenStore) get(ctx context.Context, field string) (string, error) {
	v, err := s.store.Get(ctx, s.key(field))
	if errors.Is(err, ErrKeyNotFound) {
		return "", nil
	}
	return v, err
}

func (s *TokenStore) set(ctx context.Context, field, value string) error {
	if value == "" {
		return s.store.Delete(ctx, s.key(field))
	}
	return s.store.Set(ctx, s.key(field), value)
}

// Save overwrites the stored record wholesale. An access token with a
// declared lifetime is always written together with its expiry instant.
func (s *TokenStore) Save(ctx context.Context, rec TokenRecord) error {
	expires := ""
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	fields := map[string]string{
		keyAccessToken:  rec.AccessToken,
		keyRefreshToken: rec.RefreshToken,
		keyIDToken:      rec.IDToken,
		keyExpiresAt:    expires,
		keyPatientID:    rec.PatientID,
	}
	for field, value := range fields {
		if err := s.set(ctx, field, value); err != nil {
			return fmt.Errorf("failed to persist %s: %w", field, err)
		}
	}
	return nil
}

// Record assembles the stored TokenRecord. Absent fields come back zero.
func (s *TokenStore) Record(ctx context.Context) (TokenRecord, error) {
	var rec TokenRecord
	var err error
	if rec.AccessToken, err = s.get(ctx, keyAccessToken); err != nil {
		return rec, err
	}
	if rec.RefreshToken, err = s.get(ctx, keyRefreshToken); err != nil {
		return rec, err
	}
	if rec.IDToken, err = s.get(ctx, keyIDToken); err != nil {
		return rec, err
	}
	if rec.PatientID, err = s.get(ctx, keyPatientID); err != nil {
		return rec, err
	}
	expires, err := s.get(ctx, keyExpiresAt)
	if err != nil {
		return rec, err
	}
	if expires != "" {
		t, err := time.Parse(time.RFC3339Nano, expires)
		if err != nil {
			return rec, fmt.Errorf("corrupt expiry instant %q: %w", expires, err)
		}
		rec.ExpiresAt = t
	}
	return rec, nil
}

// AccessToken returns the stored access token, or "" when absent.
func (s *TokenStore) AccessToken(ctx context.Context) (string, error) {
	return s.get(ctx, keyAccessToken)
}

// RefreshToken returns the stored refresh token, or "" when absent.
func (s *TokenStore) RefreshToken(ctx context.Context) (string, error) {
	return s.get(ctx, keyRefreshToken)
}

// PatientID returns the stored patient identifier, or "" when absent.
func (s *TokenStore) PatientID(ctx context.Context) (string, error) {
	return s.get(ctx, keyPatientID)
}

// SetPatientID stores the resolved patient identifier.
func (s *TokenStore) SetPatientID(ctx context.Context, patientID string) error {
	return s.set(ctx, keyPatientID, patientID)
}

// Clear removes the token fields under this store's prefix and nothing
// else. Keys outside the prefix, and attempt state sharing it, are left
// alone.
func (s *TokenStore) Clear(ctx context.Context) error {
	for _, field := range []string{
		keyAccessToken, keyRefreshToken, keyIDToken, keyExpiresAt, keyPatientID,
	} {
		if err := s.store.Delete(ctx, s.key(field)); err != nil {
			return err
		}
	}
	return nil
}

// Attempt is the ephemeral cross-request state of one authorization
// round-trip. It is consumed exactly once by a matching callback.
type Attempt struct {
	State      string
	Verifier   string
	ProviderID string
	CreatedAt  time.Time
}

// AttemptStore persists the in-flight authorization attempt under the same
// scoped-prefix scheme as TokenStore.
type AttemptStore struct {
	store  Store
	prefix string
}

// NewAttemptStore scopes store under prefix.
func NewAttemptStore(store Store, prefix string) *AttemptStore {
	return &AttemptStore{store: store, prefix: prefix}
}

func (s *AttemptStore) key(field string) string {
	return s.prefix + "." + field
}

// Save overwrites any prior pending attempt.
func (s *AttemptStore) Save(ctx context.Context, a Attempt) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	fields := map[string]string{
		keyAttemptState:    a.State,
		keyAttemptVerifier: a.Verifier,
		keyAttemptProvider: a.ProviderID,
		keyAttemptCreated:  created.UTC().Format(time.RFC3339Nano),
	}
	for field, value := range fields {
		if value == "" {
			if err := s.store.Delete(ctx, s.key(field)); err != nil {
				return err
			}
			continue
		}
		if err := s.store.Set(ctx, s.key(field), value); err != nil {
			return fmt.Errorf("failed to persist %s: %w", field, err)
		}
	}
	return nil
}

// Load returns the pending attempt. ErrKeyNotFound when none is stored,
// which is also what a second callback sees after the first one consumed the
// attempt.
func (s *AttemptStore) Load(ctx context.Context) (Attempt, error) {
	var a Attempt
	state, err := s.store.Get(ctx, s.key(keyAttemptState))
	if err != nil {
		return a, err
	}
	a.State = state
	if v, err := s.store.Get(ctx, s.key(keyAttemptVerifier)); err == nil {
		a.Verifier = v
	} else if !errors.Is(err, ErrKeyNotFound) {
		return a, err
	}
	if v, err := s.store.Get(ctx, s.key(keyAttemptProvider)); err == nil {
		a.ProviderID = v
	} else if !errors.Is(err, ErrKeyNotFound) {
		return a, err
	}
	if v, err := s.store.Get(ctx, s.key(keyAttemptCreated)); err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			a.CreatedAt = t
		}
	} else if !errors.Is(err, ErrKeyNotFound) {
		return a, err
	}
	return a, nil
}

// Clear destroys the pending attempt. Called automatically after a
// successful callback and available for explicit abandonment. Only the
// attempt keys are touched, so an AttemptStore may share its prefix with a
// TokenStore.
func (s *AttemptStore) Clear(ctx context.Context) error {
	return clearPrefix(ctx, s.store, s.prefix+".attempt.")
}
