// Package web provides HTTP session-cookie utilities for the chartlink server
package web

import (
	"net/http"

	"github.com/google/uuid"
)

const sessionCookieName = "chartlink_sid"

// EnsureSessionID returns the request's session id, minting one and setting
// the cookie when the request has none. Tokens never live in the cookie;
// the id only keys into the server-side store.
func EnsureSessionID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	if sid, err := GetSessionID(r); err == nil && sid != "" {
		return sid
	}
	sid := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   !isDev,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   86400, // 24 hours
	})
	return sid
}

// GetSessionID retrieves the session id from the request cookie.
func GetSessionID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !isDev,
		SameSite: http.SameSiteLaxMode,
	})
}
