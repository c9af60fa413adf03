package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/carebridge/chartlink/pkg/smart/fhir"
)

// ErrMissingPatientID is returned when aggregation is requested without a
// patient context.
var ErrMissingPatientID = errors.New("no patient id available")

// Fetcher is the slice of the resource client the aggregator needs.
type Fetcher interface {
	Read(ctx context.Context, resourceType, id string) (*fhir.Resource, error)
	SearchByPatient(ctx context.Context, resourceType, patientID string, extra url.Values) ([]*fhir.Resource, error)
	IsResourceTypeSupported(resourceType string) bool
}

// PatientRecord is the aggregated view of one patient's chart. Every
// category list is always present, encoding as an empty JSON array when the
// fetch failed, returned nothing, or the provider does not support the
// type; failures additionally land in Errors under the field's key.
type PatientRecord struct {
	Patient      *fhir.Resource   `json:"patient,omitempty"`
	Medications  []*fhir.Resource `json:"medications"`
	Vitals       []*fhir.Resource `json:"vitals"`
	LabReports   []*fhir.Resource `json:"labReports"`
	Appointments []*fhir.Resource `json:"appointments"`
	Encounters   []*fhir.Resource `json:"encounters"`
	Procedures   []*fhir.Resource `json:"procedures"`

	Errors map[string]string `json:"errors,omitempty"`
}

// HasErrors reports whether any fetch failed.
func (r *PatientRecord) HasErrors() bool { return len(r.Errors) > 0 }

// Aggregator fans out the per-category fetches that make up a patient
// record and collects partial results.
type Aggregator struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// AggregatorOption customizes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l }
}

// NewAggregator creates an aggregator over the given resource fetcher.
func NewAggregator(fetcher Fetcher, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{fetcher: fetcher, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// fetchSpec describes one concurrent category fetch.
type fetchSpec struct {
	key          string
	resourceType string
	params       url.Values
	assign       func(*PatientRecord, []*fhir.Resource)
}

var categoryFetches = []fetchSpec{
	{
		key:          "medications",
		resourceType: "MedicationRequest",
		assign:       func(r *PatientRecord, rs []*fhir.Resource) { r.Medications = rs },
	},
	{
		key:          "vitals",
		resourceType: "Observation",
		params:       url.Values{"category": {"vital-signs"}},
		assign:       func(r *PatientRecord, rs []*fhir.Resource) { r.Vitals = rs },
	},
	{
		key:          "labReports",
		resourceType: "DiagnosticReport",
		params:       url.Values{"category": {"LAB"}},
		assign:       func(r *PatientRecord, rs []*fhir.Resource) { r.LabReports = rs },
	},
	{
		key:          "appointments",
		resourceType: "Appointment",
		assign:       func(r *PatientRecord, rs []*fhir.Resource) { r.Appointments = rs },
	},
	{
		key:          "encounters",
		resourceType: "Encounter",
		assign:       func(r *PatientRecord, rs []*fhir.Resource) { r.Encounters = rs },
	},
	{
		key:          "procedures",
		resourceType: "Procedure",
		assign:       func(r *PatientRecord, rs []*fhir.Resource) { r.Procedures = rs },
	},
}

// AllPatientData fetches the patient demographics and every clinical
// category concurrently. One category failing does not abort the others;
// each failure lands in the record's Errors map under its category key and
// the field keeps its empty list. Categories the provider does not support
// are not fetched and keep their empty list as well.
func (a *Aggregator) AllPatientData(ctx context.Context, patientID string) (*PatientRecord, error) {
	if patientID == "" {
		return nil, ErrMissingPatientID
	}

	// Lists start empty, not nil, so every category key is present in the
	// encoded record even when its fetch is skipped or fails.
	record := &PatientRecord{
		Medications:  []*fhir.Resource{},
		Vitals:       []*fhir.Resource{},
		LabReports:   []*fhir.Resource{},
		Appointments: []*fhir.Resource{},
		Encounters:   []*fhir.Resource{},
		Procedures:   []*fhir.Resource{},
	}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	fail := func(key string, err error) {
		a.logger.Warn("patient record fetch failed", "category", key, "error", err)
		mu.Lock()
		if record.Errors == nil {
			record.Errors = map[string]string{}
		}
		record.Errors[key] = err.Error()
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		patient, err := a.fetcher.Read(ctx, "Patient", patientID)
		if err != nil {
			fail("patient", err)
			return
		}
		if patient == nil {
			fail("patient", fmt.Errorf("patient %s not found", patientID))
			return
		}
		mu.Lock()
		record.Patient = patient
		mu.Unlock()
	}()

	for _, spec := range categoryFetches {
		if !a.fetcher.IsResourceTypeSupported(spec.resourceType) {
			a.logger.Debug("skipping unsupported resource type", "resource_type", spec.resourceType)
			continue
		}
		wg.Add(1)
		go func(spec fetchSpec) {
			defer wg.Done()
			results, err := a.fetcher.SearchByPatient(ctx, spec.resourceType, patientID, spec.params)
			if err != nil {
				fail(spec.key, err)
				return
			}
			if results == nil {
				results = []*fhir.Resource{}
			}
			mu.Lock()
			spec.assign(record, results)
			mu.Unlock()
		}(spec)
	}

	wg.Wait()
	return record, nil
}
