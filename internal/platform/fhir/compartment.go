package fhir

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/carebase/carebase/internal/platform/db"
)

// CompartmentDefinition maps a compartment type to the reference parameters
// that pull each member resource type into it.
type CompartmentDefinition struct {
	Type   string
	Params map[string][]string // member resource type -> reference parameter codes
}

var (
	compartmentMu   sync.RWMutex
	compartmentDefs = map[string]CompartmentDefinition{
		"Patient": {
			Type: "Patient",
			Params: map[string][]string{
				"Observation":       {"subject", "patient", "performer"},
				"Condition":         {"subject", "patient"},
				"Encounter":         {"subject", "patient"},
				"MedicationRequest": {"subject", "patient"},
				"Procedure":         {"subject", "patient", "performer"},
				"AllergyIntolerance": {"patient"},
				"Immunization":      {"patient"},
				"DiagnosticReport":  {"subject", "patient"},
				"DocumentReference": {"subject", "patient"},
				"CarePlan":          {"subject", "patient"},
			},
		},
		"Encounter": {
			Type: "Encounter",
			Params: map[string][]string{
				"Observation":       {"encounter"},
				"Condition":         {"encounter"},
				"Procedure":         {"encounter"},
				"MedicationRequest": {"encounter"},
				"DiagnosticReport":  {"encounter"},
			},
		},
	}
)

// RegisterCompartment installs or replaces a compartment definition.
func RegisterCompartment(def CompartmentDefinition) {
	compartmentMu.Lock()
	compartmentDefs[def.Type] = def
	compartmentMu.Unlock()
}

// CompartmentFor returns the definition for a compartment type.
func CompartmentFor(compartmentType string) (CompartmentDefinition, bool) {
	compartmentMu.RLock()
	defer compartmentMu.RUnlock()
	def, ok := compartmentDefs[compartmentType]
	return def, ok
}

// compartmentParams returns the parameter codes that place resourceType into
// compartmentType, or nil when the type is not a member.
func compartmentParams(compartmentType, resourceType string) []string {
	def, ok := CompartmentFor(compartmentType)
	if !ok {
		return nil
	}
	params := def.Params[resourceType]
	out := make([]string, len(params))
	copy(out, params)
	return out
}

// indexMemberships derives compartment and list membership rows for one
// resource version from its reference values.
func (e *IndexingEngine) indexMemberships(ctx context.Context, res *Resource) error {
	conn := db.Conn(ctx, e.pool)

	if _, err := conn.Exec(ctx, `
		DELETE FROM compartment_membership WHERE resource_type = $1 AND resource_id = $2`,
		res.ResourceType, res.ID); err != nil {
		return fmt.Errorf("clear compartment membership: %w", err)
	}

	compartmentMu.RLock()
	defs := make([]CompartmentDefinition, 0, len(compartmentDefs))
	for _, d := range compartmentDefs {
		defs = append(defs, d)
	}
	compartmentMu.RUnlock()

	for _, def := range defs {
		for _, param := range def.Params[res.ResourceType] {
			pdef, err := e.catalog.Lookup(ctx, res.ResourceType, param)
			if err != nil {
				continue // parameter not defined for this deployment
			}
			for _, v := range EvaluatePath(res.Content, pdef.Expression) {
				ref := referenceValue(v)
				targetType, targetID, _ := splitReference(ref)
				if targetType != def.Type || targetID == "" {
					continue
				}
				if _, err := conn.Exec(ctx, `
					INSERT INTO compartment_membership (compartment_type, compartment_id, resource_type, resource_id)
					VALUES ($1, $2, $3, $4)
					ON CONFLICT DO NOTHING`,
					def.Type, targetID, res.ResourceType, res.ID); err != nil {
					return fmt.Errorf("insert compartment membership: %w", err)
				}
			}
		}
	}

	// Collection resources define list membership for _in / _list. Group and
	// CareTeam memberships carry their active period so _in can exclude rows
	// whose period has lapsed.
	switch res.ResourceType {
	case "List", "Group", "CareTeam":
		if _, err := conn.Exec(ctx,
			`DELETE FROM list_membership WHERE list_id = $1`, res.ID); err != nil {
			return fmt.Errorf("clear list membership: %w", err)
		}
		for _, m := range membershipEntries(res) {
			if _, err := conn.Exec(ctx, `
				INSERT INTO list_membership (list_id, resource_type, resource_id, period_start, period_end)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT DO NOTHING`,
				res.ID, m.targetType, m.targetID, m.periodStart, m.periodEnd); err != nil {
				return fmt.Errorf("insert list membership: %w", err)
			}
		}
	}
	return nil
}

// membershipEntry is one member of a collection resource.
type membershipEntry struct {
	targetType  string
	targetID    string
	periodStart *time.Time
	periodEnd   *time.Time
}

// membershipEntries extracts the members of a collection resource: List.entry
// (minus deleted entries), Group.member (minus inactive, with period), and
// CareTeam.participant (with period).
func membershipEntries(res *Resource) []membershipEntry {
	var out []membershipEntry
	collect := func(ref string, start, end *time.Time) {
		targetType, targetID, _ := splitReference(ref)
		if targetType == "" || targetID == "" {
			return
		}
		out = append(out, membershipEntry{
			targetType: targetType, targetID: targetID,
			periodStart: start, periodEnd: end,
		})
	}

	switch res.ResourceType {
	case "List":
		entries, _ := res.Content["entry"].([]interface{})
		for _, entry := range entries {
			obj, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			if deleted, _ := obj["deleted"].(bool); deleted {
				continue
			}
			item, _ := obj["item"].(map[string]interface{})
			ref, _ := item["reference"].(string)
			collect(ref, nil, nil)
		}
	case "Group":
		members, _ := res.Content["member"].([]interface{})
		for _, member := range members {
			obj, ok := member.(map[string]interface{})
			if !ok {
				continue
			}
			if inactive, _ := obj["inactive"].(bool); inactive {
				continue
			}
			entity, _ := obj["entity"].(map[string]interface{})
			ref, _ := entity["reference"].(string)
			start, end := periodBounds(obj["period"])
			collect(ref, start, end)
		}
	case "CareTeam":
		participants, _ := res.Content["participant"].([]interface{})
		for _, participant := range participants {
			obj, ok := participant.(map[string]interface{})
			if !ok {
				continue
			}
			member, _ := obj["member"].(map[string]interface{})
			ref, _ := member["reference"].(string)
			start, end := periodBounds(obj["period"])
			collect(ref, start, end)
		}
	}
	return out
}

// periodBounds converts a Period object to nullable bounds. A partial date
// bound covers its whole precision, matching the date index semantics.
func periodBounds(v interface{}) (*time.Time, *time.Time) {
	period, ok := v.(map[string]interface{})
	if !ok {
		return nil, nil
	}
	var start, end *time.Time
	if s, _ := period["start"].(string); s != "" {
		if r, ok := parseDateString(s); ok {
			t := r.start
			start = &t
		}
	}
	if s, _ := period["end"].(string); s != "" {
		if r, ok := parseDateString(s); ok {
			t := r.end
			end = &t
		}
	}
	return start, end
}
