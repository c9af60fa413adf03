// Package auth serves the /auth/* routes: login redirect, OAuth callback,
// logout, and session status.
package auth

import (
	"errors"
	"net/http"

	"github.com/carebridge/chartlink/internal/config"
	"github.com/carebridge/chartlink/internal/logger"
	"github.com/carebridge/chartlink/internal/svrlib"
	"github.com/carebridge/chartlink/internal/web"
	"github.com/carebridge/chartlink/pkg/smart/oauth"
	"github.com/carebridge/chartlink/pkg/smart/provider"
	"github.com/carebridge/chartlink/pkg/smart/storage"
)

type AuthRouter struct {
	*svrlib.Router
	descriptor provider.Descriptor
	store      storage.Store
}

// RegisterRoutes registers all /auth/* routes on the given mux, with the prefix handled by the caller.
func RegisterRoutes(mux *http.ServeMux, prefix string, cfg *config.Config, desc provider.Descriptor, store storage.Store) {
	router := &AuthRouter{
		Router:     svrlib.NewRouter(mux, prefix, cfg),
		descriptor: desc,
		store:      store,
	}
	mux.HandleFunc(prefix+"/auth/login", router.LoginHandler)
	mux.HandleFunc(prefix+"/auth/callback", router.CallbackHandler)
	mux.HandleFunc(prefix+"/auth/logout", router.LogoutHandler)
	mux.HandleFunc(prefix+"/auth/status", router.StatusHandler)
}

// sessionClient builds an OAuth client scoped to the request's session,
// minting a session when mint is true.
func (rt *AuthRouter) sessionClient(w http.ResponseWriter, r *http.Request, mint bool) (*oauth.Client, error) {
	var sid string
	if mint {
		sid = web.EnsureSessionID(w, r, rt.Config.IsDev())
	} else {
		var err error
		sid, err = web.GetSessionID(r)
		if err != nil {
			return nil, err
		}
	}
	return oauth.New(rt.descriptor, rt.store, "session."+sid, oauth.WithLogger(logger.Logger()))
}

// LoginHandler handles /auth/login requests: it starts a fresh authorization
// attempt and redirects the browser to the provider.
func (rt *AuthRouter) LoginHandler(w http.ResponseWriter, r *http.Request) {
	client, err := rt.sessionClient(w, r, true)
	if err != nil {
		logger.Error("Failed to build auth client", "error", err)
		svrlib.RespondError(w, http.StatusInternalServerError, "login unavailable")
		return
	}
	authURL, err := client.Authorize(r.Context())
	if err != nil {
		logger.Error("Failed to start authorization", "error", err)
		svrlib.RespondError(w, http.StatusInternalServerError, "login unavailable")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// CallbackHandler handles the provider redirect back to /auth/callback.
func (rt *AuthRouter) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	client, err := rt.sessionClient(w, r, false)
	if err != nil {
		logger.Error("Callback without session", "error", err)
		svrlib.RespondError(w, http.StatusBadRequest, "no login in progress")
		return
	}

	record, err := client.HandleCallback(r.Context(), r.URL.String())
	if err != nil {
		var denied *oauth.AuthorizationDeniedError
		switch {
		case errors.As(err, &denied):
			logger.Info("Authorization denied", "provider", rt.descriptor.ID, "code", denied.Code)
			svrlib.RespondError(w, http.StatusUnauthorized, "authorization was denied")
		case errors.Is(err, oauth.ErrStateMismatch), errors.Is(err, oauth.ErrMissingState), errors.Is(err, oauth.ErrMissingCode):
			logger.Warn("Invalid callback", "error", err)
			svrlib.RespondError(w, http.StatusBadRequest, "invalid callback")
		default:
			logger.Error("Token exchange failed", "error", err)
			svrlib.RespondError(w, http.StatusBadGateway, "token exchange failed")
		}
		return
	}

	logger.Info("Login complete", "provider", rt.descriptor.ID, "patient", record.PatientID)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// LogoutHandler handles /auth/logout requests.
func (rt *AuthRouter) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if client, err := rt.sessionClient(w, r, false); err == nil {
		if err := client.Logout(r.Context()); err != nil {
			logger.Warn("Failed to clear session tokens", "error", err)
		}
	}
	web.ClearSessionCookie(w, rt.Config.IsDev())
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// StatusHandler reports whether the session is authenticated and for which
// patient.
func (rt *AuthRouter) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"provider":      rt.descriptor.ID,
		"authenticated": false,
	}
	client, err := rt.sessionClient(w, r, false)
	if err == nil && client.IsAuthenticated(r.Context()) {
		status["authenticated"] = true
		if patientID, err := client.PatientID(r.Context()); err == nil && patientID != "" {
			status["patientId"] = patientID
		}
	}
	svrlib.RespondJSON(w, http.StatusOK, status)
}
