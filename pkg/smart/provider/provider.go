// Package provider defines SMART-on-FHIR provider descriptors and the
// registry that holds them. All provider-specific protocol deviations are
// expressed declaratively through the Quirks bundle so that clients never
// branch on a provider id.
package provider

import (
	"fmt"
	"regexp"
	"strings"
)

// PatientIDLocation says where the patient identifier is found after a
// successful code exchange.
type PatientIDLocation string

const (
	// PatientIDFromTokenField reads the identifier from a field of the token
	// endpoint's JSON response (SMART launch context, usually "patient").
	PatientIDFromTokenField PatientIDLocation = "token-field"
	// PatientIDFromJWTClaim decodes the id_token and reads a named claim.
	PatientIDFromJWTClaim PatientIDLocation = "jwt-claim"
)

// OAuthOptions describes how a provider's authorization server behaves.
type OAuthOptions struct {
	// UsesPKCE enables the S256 code challenge on authorize and the
	// code_verifier on exchange.
	UsesPKCE bool `json:"usesPKCE"`
	// ResponseType is the response_type query parameter, "code" if empty.
	ResponseType string `json:"responseType,omitempty"`
}

// Capabilities declares what the provider's FHIR endpoint supports.
type Capabilities struct {
	// SupportedResourceTypes limits searchable types. Empty means
	// everything is assumed supported.
	SupportedResourceTypes []string `json:"supportedResourceTypes,omitempty"`
	// SupportsRefresh indicates the token endpoint honors
	// grant_type=refresh_token.
	SupportsRefresh bool `json:"supportsRefresh"`
}

// Quirks captures documented deviations of a provider from the nominal
// SMART/FHIR contract. Zero values mean standard behavior.
type Quirks struct {
	// AcceptHeader overrides the Accept header on resource requests.
	// Empty means application/fhir+json.
	AcceptHeader string `json:"acceptHeader,omitempty"`
	// ExtraHeaders are sent verbatim on every resource request.
	ExtraHeaders map[string]string `json:"extraHeaders,omitempty"`

	// PatientIDLocation selects the patient-id extraction strategy;
	// defaults to PatientIDFromTokenField.
	PatientIDLocation PatientIDLocation `json:"patientIdLocation,omitempty"`
	// PatientIDField names the token-response field carrying the patient
	// id. Empty means "patient".
	PatientIDField string `json:"patientIdField,omitempty"`
	// PatientIDClaim names the id_token claim carrying the patient id or a
	// Patient/<id> reference (e.g. "fhirUser").
	PatientIDClaim string `json:"patientIdClaim,omitempty"`

	// NotFoundStatusCodes are HTTP statuses the provider uses for "resource
	// does not exist". Responses with these statuses degrade to an empty
	// result instead of an error. Some systems answer 403 here.
	NotFoundStatusCodes []int `json:"notFoundStatusCodes,omitempty"`
	// FilterResultsByType drops bundle entries whose resourceType differs
	// from the requested one. Compensates for mixed-bundle providers.
	FilterResultsByType bool `json:"filterResultsByType,omitempty"`
	// RequiresDateFilter marks resource types whose searches must carry a
	// date parameter; the client injects a default window when the caller
	// supplied none.
	RequiresDateFilter map[string]bool `json:"requiresDateFilter,omitempty"`
	// DateFilterDays is the size of the injected default date window.
	// Zero means 365 days.
	DateFilterDays int `json:"dateFilterDays,omitempty"`
	// DefaultSearchParams are query parameters injected per resource type
	// unless the caller set the same key (e.g. a required status filter or
	// a _sort for time-series types).
	DefaultSearchParams map[string]map[string]string `json:"defaultSearchParams,omitempty"`

	// URLPlaceholders are substituted into the three endpoint URLs by
	// ResolvePlaceholders.
	URLPlaceholders map[string]string `json:"urlPlaceholders,omitempty"`
}

// Descriptor is the immutable configuration of one clinical record system.
type Descriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	AuthorizationEndpoint string `json:"authorizationEndpoint"`
	TokenEndpoint         string `json:"tokenEndpoint"`
	ResourceBaseURL       string `json:"resourceBaseUrl"`

	ClientID string `json:"clientId"`
	// ClientSecret is set only for confidential clients; SMART public
	// clients leave it empty and rely on PKCE.
	ClientSecret string   `json:"clientSecret,omitempty"`
	RedirectURI  string   `json:"redirectUri"`
	Scopes       []string `json:"scopes"`

	OAuth        OAuthOptions `json:"oauth"`
	Capabilities Capabilities `json:"capabilities"`
	Quirks       Quirks       `json:"quirks"`
}

// placeholderPattern matches unresolved {KEY} segments in endpoint URLs.
var placeholderPattern = regexp.MustCompile(`\{[A-Za-z0-9_-]+\}`)

// Scope joins the ordered scope set with spaces for use as the OAuth scope
// parameter.
func (d Descriptor) Scope() string {
	return strings.Join(d.Scopes, " ")
}

// ResponseType returns the configured response_type, defaulting to "code".
func (d Descriptor) ResponseType() string {
	if d.OAuth.ResponseType == "" {
		return "code"
	}
	return d.OAuth.ResponseType
}

// AcceptHeader returns the quirk Accept header or the FHIR default.
func (d Descriptor) AcceptHeader() string {
	if d.Quirks.AcceptHeader == "" {
		return "application/fhir+json"
	}
	return d.Quirks.AcceptHeader
}

// PatientIDField returns the token-response field holding the patient id.
func (d Descriptor) PatientIDField() string {
	if d.Quirks.PatientIDField == "" {
		return "patient"
	}
	return d.Quirks.PatientIDField
}

// IsNotFoundStatus reports whether the provider uses the given HTTP status
// for resources that simply do not exist.
func (d Descriptor) IsNotFoundStatus(status int) bool {
	for _, s := range d.Quirks.NotFoundStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

// SupportsResourceType reports whether the provider declares support for the
// given resource type. An empty capability list means everything is allowed.
func (d Descriptor) SupportsResourceType(resourceType string) bool {
	if len(d.Capabilities.SupportedResourceTypes) == 0 {
		return true
	}
	for _, t := range d.Capabilities.SupportedResourceTypes {
		if t == resourceType {
			return true
		}
	}
	return false
}

// Validate checks that the descriptor can be used to issue requests. A
// descriptor with unresolved URL placeholders must be rejected.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("provider descriptor missing id")
	}
	for _, ep := range []struct{ name, url string }{
		{"authorizationEndpoint", d.AuthorizationEndpoint},
		{"tokenEndpoint", d.TokenEndpoint},
		{"resourceBaseUrl", d.ResourceBaseURL},
	} {
		if ep.url == "" {
			return fmt.Errorf("provider %s: missing %s", d.ID, ep.name)
		}
		if ph := placeholderPattern.FindString(ep.url); ph != "" {
			return fmt.Errorf("provider %s: unresolved placeholder %s in %s", d.ID, ph, ep.name)
		}
	}
	if d.ClientID == "" {
		return fmt.Errorf("provider %s: missing clientId", d.ID)
	}
	if d.RedirectURI == "" {
		return fmt.Errorf("provider %s: missing redirectUri", d.ID)
	}
	return nil
}

// ResolvePlaceholders returns a copy of the descriptor with every {KEY}
// occurrence in the three endpoint URLs replaced from values. Values from the
// descriptor's own Quirks.URLPlaceholders are applied first so callers only
// need to supply tenant-specific overrides. The input descriptor is not
// mutated.
func ResolvePlaceholders(d Descriptor, values map[string]string) Descriptor {
	merged := make(map[string]string, len(d.Quirks.URLPlaceholders)+len(values))
	for k, v := range d.Quirks.URLPlaceholders {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}

	replace := func(u string) string {
		for k, v := range merged {
			u = strings.ReplaceAll(u, "{"+k+"}", v)
		}
		return u
	}

	out := d
	out.AuthorizationEndpoint = replace(d.AuthorizationEndpoint)
	out.TokenEndpoint = replace(d.TokenEndpoint)
	out.ResourceBaseURL = replace(d.ResourceBaseURL)
	return out
}
