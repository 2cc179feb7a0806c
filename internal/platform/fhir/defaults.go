package fhir

import (
	"context"
	"fmt"
)

// DefaultParameterSet is the core search parameter catalog installed on a
// fresh database. Deployments extend it through Catalog.Upsert.
func DefaultParameterSet() []ParameterDefinition {
	return []ParameterDefinition{
		{ResourceType: "Patient", Code: "name", Type: ParamString, Expression: "Patient.name", Active: true},
		{ResourceType: "Patient", Code: "family", Type: ParamString, Expression: "Patient.name.family", Active: true},
		{ResourceType: "Patient", Code: "given", Type: ParamString, Expression: "Patient.name.given", Active: true},
		{ResourceType: "Patient", Code: "birthdate", Type: ParamDate, Expression: "Patient.birthDate", Active: true},
		{ResourceType: "Patient", Code: "gender", Type: ParamToken, Expression: "Patient.gender", Active: true},
		{ResourceType: "Patient", Code: "identifier", Type: ParamToken, Expression: "Patient.identifier", Active: true},
		{ResourceType: "Patient", Code: "address", Type: ParamString, Expression: "Patient.address", Active: true},
		{ResourceType: "Patient", Code: "telecom", Type: ParamToken, Expression: "Patient.telecom", Active: true},
		{ResourceType: "Patient", Code: "organization", Type: ParamReference, Expression: "Patient.managingOrganization",
			Targets: []string{"Organization"}, Active: true},

		{ResourceType: "Practitioner", Code: "name", Type: ParamString, Expression: "Practitioner.name", Active: true},
		{ResourceType: "Practitioner", Code: "identifier", Type: ParamToken, Expression: "Practitioner.identifier", Active: true},

		{ResourceType: "Organization", Code: "name", Type: ParamString, Expression: "Organization.name", Active: true},
		{ResourceType: "Organization", Code: "identifier", Type: ParamToken, Expression: "Organization.identifier", Active: true},

		{ResourceType: "Observation", Code: "code", Type: ParamToken, Expression: "Observation.code", Active: true},
		{ResourceType: "Observation", Code: "status", Type: ParamToken, Expression: "Observation.status", Active: true},
		{ResourceType: "Observation", Code: "category", Type: ParamToken, Expression: "Observation.category", Active: true},
		{ResourceType: "Observation", Code: "date", Type: ParamDate,
			Expression: "Observation.effectiveDateTime | Observation.effectivePeriod", Active: true},
		{ResourceType: "Observation", Code: "value-quantity", Type: ParamQuantity, Expression: "Observation.valueQuantity", Active: true},
		{ResourceType: "Observation", Code: "subject", Type: ParamReference, Expression: "Observation.subject",
			Targets: []string{"Patient", "Group"}, Active: true},
		{ResourceType: "Observation", Code: "patient", Type: ParamReference, Expression: "Observation.subject",
			Targets: []string{"Patient"}, Active: true},
		{ResourceType: "Observation", Code: "encounter", Type: ParamReference, Expression: "Observation.encounter",
			Targets: []string{"Encounter"}, Active: true},
		{ResourceType: "Observation", Code: "performer", Type: ParamReference, Expression: "Observation.performer",
			Targets: []string{"Practitioner", "Organization", "Patient"}, Active: true},

		{ResourceType: "Condition", Code: "code", Type: ParamToken, Expression: "Condition.code", Active: true},
		{ResourceType: "Condition", Code: "clinical-status", Type: ParamToken, Expression: "Condition.clinicalStatus", Active: true},
		{ResourceType: "Condition", Code: "onset-date", Type: ParamDate, Expression: "Condition.onsetDateTime", Active: true},
		{ResourceType: "Condition", Code: "subject", Type: ParamReference, Expression: "Condition.subject",
			Targets: []string{"Patient"}, Active: true},
		{ResourceType: "Condition", Code: "patient", Type: ParamReference, Expression: "Condition.subject",
			Targets: []string{"Patient"}, Active: true},
		{ResourceType: "Condition", Code: "encounter", Type: ParamReference, Expression: "Condition.encounter",
			Targets: []string{"Encounter"}, Active: true},

		{ResourceType: "Encounter", Code: "status", Type: ParamToken, Expression: "Encounter.status", Active: true},
		{ResourceType: "Encounter", Code: "class", Type: ParamToken, Expression: "Encounter.class", Active: true},
		{ResourceType: "Encounter", Code: "date", Type: ParamDate, Expression: "Encounter.period", Active: true},
		{ResourceType: "Encounter", Code: "subject", Type: ParamReference, Expression: "Encounter.subject",
			Targets: []string{"Patient"}, Active: true},
		{ResourceType: "Encounter", Code: "patient", Type: ParamReference, Expression: "Encounter.subject",
			Targets: []string{"Patient"}, Active: true},

		{ResourceType: "MedicationRequest", Code: "status", Type: ParamToken, Expression: "MedicationRequest.status", Active: true},
		{ResourceType: "MedicationRequest", Code: "intent", Type: ParamToken, Expression: "MedicationRequest.intent", Active: true},
		{ResourceType: "MedicationRequest", Code: "medication", Type: ParamReference,
			Expression: "MedicationRequest.medicationReference", Targets: []string{"Medication"}, Active: true},
		{ResourceType: "MedicationRequest", Code: "subject", Type: ParamReference, Expression: "MedicationRequest.subject",
			Targets: []string{"Patient"}, Active: true},
		{ResourceType: "MedicationRequest", Code: "patient", Type: ParamReference, Expression: "MedicationRequest.subject",
			Targets: []string{"Patient"}, Active: true},

		{ResourceType: "List", Code: "status", Type: ParamToken, Expression: "List.status", Active: true},
		{ResourceType: "List", Code: "code", Type: ParamToken, Expression: "List.code", Active: true},
		{ResourceType: "List", Code: "subject", Type: ParamReference, Expression: "List.subject",
			Targets: []string{"Patient"}, Active: true},
	}
}

// EnsureDefaults installs the default parameter set. Idempotent; existing
// rows are updated in place.
func (c *Catalog) EnsureDefaults(ctx context.Context) error {
	for _, def := range DefaultParameterSet() {
		if err := c.Upsert(ctx, def); err != nil {
			return fmt.Errorf("install default parameter %s.%s: %w", def.ResourceType, def.Code, err)
		}
	}
	return nil
}
