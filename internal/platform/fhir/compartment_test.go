package fhir

import (
	"testing"
	"time"
)

func TestMembershipEntries_List(t *testing.T) {
	res := &Resource{
		ResourceType: "List",
		ID:           "l1",
		Content: map[string]interface{}{
			"resourceType": "List",
			"entry": []interface{}{
				map[string]interface{}{
					"item": map[string]interface{}{"reference": "Patient/p1"},
				},
				map[string]interface{}{
					"deleted": true,
					"item":    map[string]interface{}{"reference": "Patient/p2"},
				},
				map[string]interface{}{
					"item": map[string]interface{}{"reference": "urn:uuid:not-local"},
				},
			},
		},
	}

	got := membershipEntries(res)
	if len(got) != 1 {
		t.Fatalf("expected 1 member, got %d: %+v", len(got), got)
	}
	if got[0].targetType != "Patient" || got[0].targetID != "p1" {
		t.Errorf("member = %+v", got[0])
	}
	if got[0].periodStart != nil || got[0].periodEnd != nil {
		t.Errorf("list entries carry no period: %+v", got[0])
	}
}

func TestMembershipEntries_Group(t *testing.T) {
	res := &Resource{
		ResourceType: "Group",
		ID:           "g1",
		Content: map[string]interface{}{
			"resourceType": "Group",
			"member": []interface{}{
				map[string]interface{}{
					"entity": map[string]interface{}{"reference": "Patient/p1"},
					"period": map[string]interface{}{"start": "2023-01-01", "end": "2023-12-31"},
				},
				map[string]interface{}{
					"inactive": true,
					"entity":   map[string]interface{}{"reference": "Patient/p2"},
				},
				map[string]interface{}{
					"entity": map[string]interface{}{"reference": "Patient/p3"},
				},
			},
		},
	}

	got := membershipEntries(res)
	if len(got) != 2 {
		t.Fatalf("inactive member must be skipped, got %d: %+v", len(got), got)
	}
	if got[0].targetID != "p1" || got[0].periodStart == nil || got[0].periodEnd == nil {
		t.Fatalf("member with period: %+v", got[0])
	}
	wantStart := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got[0].periodStart.Equal(wantStart) {
		t.Errorf("period start = %v, want %v", got[0].periodStart, wantStart)
	}
	if got[0].periodEnd.Before(time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC)) {
		t.Errorf("day-precision end must cover the whole day: %v", got[0].periodEnd)
	}
	if got[1].targetID != "p3" || got[1].periodStart != nil {
		t.Errorf("member without period: %+v", got[1])
	}
}

func TestMembershipEntries_CareTeam(t *testing.T) {
	res := &Resource{
		ResourceType: "CareTeam",
		ID:           "ct1",
		Content: map[string]interface{}{
			"resourceType": "CareTeam",
			"participant": []interface{}{
				map[string]interface{}{
					"member": map[string]interface{}{"reference": "Practitioner/dr1"},
					"period": map[string]interface{}{"end": "2024-06"},
				},
			},
		},
	}

	got := membershipEntries(res)
	if len(got) != 1 {
		t.Fatalf("expected 1 participant, got %d: %+v", len(got), got)
	}
	if got[0].targetType != "Practitioner" || got[0].targetID != "dr1" {
		t.Errorf("participant = %+v", got[0])
	}
	if got[0].periodStart != nil {
		t.Errorf("open start must stay null: %+v", got[0])
	}
	if got[0].periodEnd == nil || got[0].periodEnd.Month() != time.June {
		t.Errorf("month-precision end: %v", got[0].periodEnd)
	}
}

func TestMembershipEntries_NonCollection(t *testing.T) {
	res := &Resource{
		ResourceType: "Patient",
		ID:           "p1",
		Content:      map[string]interface{}{"resourceType": "Patient"},
	}
	if got := membershipEntries(res); got != nil {
		t.Errorf("non-collection resource should yield nil, got %+v", got)
	}
}

func TestPeriodBounds(t *testing.T) {
	start, end := periodBounds(map[string]interface{}{"start": "2023-05", "end": "garbage"})
	if start == nil || start.Day() != 1 {
		t.Errorf("month start should expand to the first day: %v", start)
	}
	if end != nil {
		t.Errorf("unparseable end must stay null, got %v", end)
	}

	start, end = periodBounds("not a period")
	if start != nil || end != nil {
		t.Errorf("non-object period: (%v, %v)", start, end)
	}
}
