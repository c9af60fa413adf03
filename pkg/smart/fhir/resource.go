// Package fhir issues authenticated, quirk-aware REST calls against a
// provider's FHIR endpoint. Resources are treated as opaque payloads keyed
// by resourceType; no semantic validation happens here.
package fhir

import (
	"encoding/json"
	"fmt"
)

// Resource is a generic clinical resource. The full provider payload is
// retained in Raw; only the type tag and id are lifted out.
type Resource struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the complete payload alongside the lifted fields.
func (r *Resource) UnmarshalJSON(data []byte) error {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	r.ResourceType = head.ResourceType
	r.ID = head.ID
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the original payload when present.
func (r Resource) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	type plain struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id,omitempty"`
	}
	return json.Marshal(plain{ResourceType: r.ResourceType, ID: r.ID})
}

// Field decodes one top-level field of the resource into out.
func (r *Resource) Field(name string, out any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Raw, &fields); err != nil {
		return err
	}
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("resource %s/%s has no field %q", r.ResourceType, r.ID, name)
	}
	return json.Unmarshal(raw, out)
}

// Bundle is the FHIR paged collection envelope.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry wraps one resource in a bundle.
type BundleEntry struct {
	FullURL  string    `json:"fullUrl,omitempty"`
	Resource *Resource `json:"resource,omitempty"`
}

// Resources unwraps the bundle's entries into a flat list, skipping entries
// without a resource body.
func (b *Bundle) Resources() []*Resource {
	out := make([]*Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out
}

// OperationOutcome is the FHIR error body; only diagnostics are surfaced.
type OperationOutcome struct {
	ResourceType string `json:"resourceType"`
	Issue        []struct {
		Severity    string `json:"severity,omitempty"`
		Code        string `json:"code,omitempty"`
		Diagnostics string `json:"diagnostics,omitempty"`
	} `json:"issue,omitempty"`
}

// Diagnostics joins the outcome's issue diagnostics for error messages.
func (o *OperationOutcome) Diagnostics() string {
	msg := ""
	for _, issue := range o.Issue {
		if issue.Diagnostics == "" {
			continue
		}
		if msg != "" {
			msg += "; "
		}
		msg += issue.Diagnostics
	}
	return msg
}
