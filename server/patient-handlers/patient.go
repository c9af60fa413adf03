// Package patient serves the authenticated /api/* routes that read clinical
// data from the connected provider.
package patient

import (
	"errors"
	"net/http"

	"github.com/carebridge/chartlink/internal/config"
	"github.com/carebridge/chartlink/internal/logger"
	"github.com/carebridge/chartlink/internal/svrlib"
	"github.com/carebridge/chartlink/internal/web"
	"github.com/carebridge/chartlink/pkg/smart/fhir"
	"github.com/carebridge/chartlink/pkg/smart/oauth"
	"github.com/carebridge/chartlink/pkg/smart/provider"
	"github.com/carebridge/chartlink/pkg/smart/record"
	"github.com/carebridge/chartlink/pkg/smart/storage"
)

type PatientRouter struct {
	*svrlib.Router
	descriptor provider.Descriptor
	store      storage.Store
}

// RegisterRoutes registers the patient data API routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, prefix string, cfg *config.Config, desc provider.Descriptor, store storage.Store) {
	router := &PatientRouter{
		Router:     svrlib.NewRouter(mux, prefix, cfg),
		descriptor: desc,
		store:      store,
	}
	mux.HandleFunc("GET "+prefix+"/api/patient", router.PatientRecordHandler)
	mux.HandleFunc("GET "+prefix+"/api/fhir/{resourceType}", router.SearchHandler)
}

// session resolves the request's OAuth client, or nil when the caller has
// no authenticated session.
func (rt *PatientRouter) session(r *http.Request) *oauth.Client {
	sid, err := web.GetSessionID(r)
	if err != nil {
		return nil
	}
	client, err := oauth.New(rt.descriptor, rt.store, "session."+sid, oauth.WithLogger(logger.Logger()))
	if err != nil {
		return nil
	}
	if !client.IsAuthenticated(r.Context()) {
		return nil
	}
	return client
}

func (rt *PatientRouter) resourceClient(authClient *oauth.Client) (*fhir.Client, error) {
	return fhir.NewClient(rt.descriptor, authClient, fhir.WithLogger(logger.Logger()))
}

// PatientRecordHandler handles GET /api/patient: it aggregates the full
// patient record across all clinical categories.
func (rt *PatientRouter) PatientRecordHandler(w http.ResponseWriter, r *http.Request) {
	authClient := rt.session(r)
	if authClient == nil {
		svrlib.RespondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	patientID, err := authClient.PatientID(r.Context())
	if err != nil || patientID == "" {
		logger.Warn("Session has no patient context", "error", err)
		svrlib.RespondError(w, http.StatusUnauthorized, "no patient context")
		return
	}

	resources, err := rt.resourceClient(authClient)
	if err != nil {
		logger.Error("Failed to build resource client", "error", err)
		svrlib.RespondError(w, http.StatusInternalServerError, "provider unavailable")
		return
	}

	agg := record.NewAggregator(resources, record.WithLogger(logger.Logger()))
	rec, err := agg.AllPatientData(r.Context(), patientID)
	if err != nil {
		logger.Error("Patient aggregation failed", "error", err)
		svrlib.RespondError(w, http.StatusBadGateway, "failed to load patient record")
		return
	}
	svrlib.RespondJSON(w, http.StatusOK, rec)
}

// SearchHandler handles GET /api/fhir/{resourceType}: a patient-scoped
// search passthrough. Query parameters are forwarded to the provider.
func (rt *PatientRouter) SearchHandler(w http.ResponseWriter, r *http.Request) {
	authClient := rt.session(r)
	if authClient == nil {
		svrlib.RespondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	resourceType := r.PathValue("resourceType")

	resources, err := rt.resourceClient(authClient)
	if err != nil {
		logger.Error("Failed to build resource client", "error", err)
		svrlib.RespondError(w, http.StatusInternalServerError, "provider unavailable")
		return
	}
	if !resources.IsResourceTypeSupported(resourceType) {
		svrlib.RespondError(w, http.StatusNotFound, "resource type not supported by provider")
		return
	}

	patientID, err := authClient.PatientID(r.Context())
	if err != nil || patientID == "" {
		svrlib.RespondError(w, http.StatusUnauthorized, "no patient context")
		return
	}

	results, err := resources.SearchByPatient(r.Context(), resourceType, patientID, r.URL.Query())
	if err != nil {
		var reqErr *fhir.RequestError
		switch {
		case errors.Is(err, fhir.ErrAuthRequired):
			svrlib.RespondError(w, http.StatusUnauthorized, "session expired")
		case errors.As(err, &reqErr):
			logger.Warn("Provider rejected search", "resource_type", resourceType,
				"status", reqErr.StatusCode, "diagnostics", reqErr.Diagnostics)
			svrlib.RespondError(w, http.StatusBadGateway, "provider rejected the request")
		default:
			logger.Error("Search failed", "resource_type", resourceType, "error", err)
			svrlib.RespondError(w, http.StatusBadGateway, "search failed")
		}
		return
	}
	svrlib.RespondJSON(w, http.StatusOK, map[string]any{
		"resourceType": resourceType,
		"count":        len(results),
		"results":      results,
	})
}
