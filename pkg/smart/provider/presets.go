package provider

// Presets returns descriptors for the clinical sandboxes chartlink is tested
// against. Client ids and redirect URIs are sandbox defaults and are usually
// overridden from configuration before use.
func Presets() []Descriptor {
	return []Descriptor{
		{
			ID:                    "smart-sandbox",
			Name:                  "SMART Health IT Launcher",
			AuthorizationEndpoint: "https://launch.smarthealthit.org/v/r4/auth/authorize",
			TokenEndpoint:         "https://launch.smarthealthit.org/v/r4/auth/token",
			ResourceBaseURL:       "https://launch.smarthealthit.org/v/r4/fhir",
			ClientID:              "chartlink_local",
			RedirectURI:           "http://localhost:3000/auth/callback",
			Scopes: []string{
				"launch/patient", "patient/*.read", "openid", "fhirUser", "offline_access",
			},
			OAuth: OAuthOptions{UsesPKCE: true},
			Capabilities: Capabilities{
				SupportsRefresh: true,
			},
			Quirks: Quirks{
				PatientIDLocation:   PatientIDFromTokenField,
				NotFoundStatusCodes: []int{404},
			},
		},
		{
			ID:                    "epic-sandbox",
			Name:                  "Epic on FHIR Sandbox",
			AuthorizationEndpoint: "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/authorize",
			TokenEndpoint:         "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/token",
			ResourceBaseURL:       "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4",
			ClientID:              "chartlink_epic",
			RedirectURI:           "http://localhost:3000/auth/callback",
			Scopes: []string{
				"launch/patient", "patient/*.read", "openid", "fhirUser",
			},
			OAuth: OAuthOptions{UsesPKCE: true},
			Capabilities: Capabilities{
				// The sandbox does not issue refresh tokens to public clients.
				SupportsRefresh: false,
				SupportedResourceTypes: []string{
					"Patient", "MedicationRequest", "Observation",
					"DiagnosticReport", "Appointment", "Encounter", "Procedure",
				},
			},
			Quirks: Quirks{
				PatientIDLocation: PatientIDFromJWTClaim,
				PatientIDClaim:    "fhirUser",
				// Epic answers 404 for unknown ids but its category searches
				// reject unbounded date ranges.
				NotFoundStatusCodes: []int{404},
				RequiresDateFilter: map[string]bool{
					"Observation":      true,
					"DiagnosticReport": true,
				},
				DateFilterDays: 365 * 3,
				DefaultSearchParams: map[string]map[string]string{
					"Observation":       {"_sort": "-date"},
					"MedicationRequest": {"status": "active"},
				},
			},
		},
		{
			ID:                    "cerner-sandbox",
			Name:                  "Oracle Health (Cerner) Sandbox",
			AuthorizationEndpoint: "https://authorization.cerner.com/tenants/{TENANT}/protocols/oauth2/profiles/smart-v1/personas/patient/authorize",
			TokenEndpoint:         "https://authorization.cerner.com/tenants/{TENANT}/protocols/oauth2/profiles/smart-v1/token",
			ResourceBaseURL:       "https://fhir-myrecord.cerner.com/r4/{TENANT}",
			ClientID:              "chartlink_cerner",
			RedirectURI:           "http://localhost:3000/auth/callback",
			Scopes: []string{
				"patient/Patient.read", "patient/MedicationRequest.read",
				"patient/Observation.read", "patient/DiagnosticReport.read",
				"patient/Appointment.read", "patient/Encounter.read",
				"patient/Procedure.read", "openid", "offline_access",
			},
			OAuth: OAuthOptions{UsesPKCE: true},
			Capabilities: Capabilities{
				SupportsRefresh: true,
			},
			Quirks: Quirks{
				AcceptHeader:      "application/json+fhir",
				PatientIDLocation: PatientIDFromTokenField,
				// Cerner reports access-denied for resources that do not
				// exist, so 403 is a not-found, not an error.
				NotFoundStatusCodes: []int{403, 404},
				FilterResultsByType: true,
				DefaultSearchParams: map[string]map[string]string{
					"Observation": {"_sort": "-date"},
				},
				URLPlaceholders: map[string]string{
					"TENANT": "ec2458f2-1e24-41c8-b71b-0e701af7583d",
				},
			},
		},
	}
}
