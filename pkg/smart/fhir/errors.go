package fhir

import (
	"errors"
	"fmt"
)

// Transport and data errors surfaced per call. The aggregator isolates
// these so sibling resource types are unaffected.
var (
	ErrAuthRequired        = errors.New("no valid access token available")
	ErrNetwork             = errors.New("network request failed")
	ErrParse               = errors.New("response body is not valid JSON")
	ErrUnsupportedResource = errors.New("resource type not supported by provider")
)

// RequestError reports a non-success HTTP response that is not covered by
// the provider's not-found status set.
type RequestError struct {
	ProviderID   string
	ResourceType string
	StatusCode   int
	// Diagnostics carries OperationOutcome text when the provider sent
	// one, otherwise the raw body.
	Diagnostics string
}

func (e *RequestError) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("provider %s: %s request failed with status %d: %s",
			e.ProviderID, e.ResourceType, e.StatusCode, e.Diagnostics)
	}
	return fmt.Sprintf("provider %s: %s request failed with status %d",
		e.ProviderID, e.ResourceType, e.StatusCode)
}
