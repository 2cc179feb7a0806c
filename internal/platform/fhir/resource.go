package fhir

import (
	"encoding/json"
	"strconv"
	"time"
)

// Resource is one stored version of a logical resource. Version rows are
// append-only; exactly one row per (type, id) is current.
type Resource struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id"`
	VersionID    int                    `json:"versionId"`
	Content      map[string]interface{} `json:"content"`
	LastUpdated  time.Time              `json:"lastUpdated"`
	URL          string                 `json:"url,omitempty"`
	Deleted      bool                   `json:"deleted"`
	IsCurrent    bool                   `json:"isCurrent"`
}

// Identity returns the "Type/id" form used in references and locations.
func (r *Resource) Identity() string {
	return r.ResourceType + "/" + r.ID
}

// Marshal renders the stored content with server-owned meta fields applied.
func (r *Resource) Marshal() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Content)+3)
	for k, v := range r.Content {
		out[k] = v
	}
	out["resourceType"] = r.ResourceType
	out["id"] = r.ID

	meta, _ := out["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["versionId"] = formatVersionID(r.VersionID)
	meta["lastUpdated"] = r.LastUpdated.UTC().Format(time.RFC3339)
	out["meta"] = meta

	return json.Marshal(out)
}

// Bundle is a FHIR Bundle resource used for search results and grouped-write
// responses.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"` // match | include
}

type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

// OutcomeForError maps the error taxonomy to an OperationOutcome issue code.
func OutcomeForError(err error) *OperationOutcome {
	switch {
	case IsNotFound(err):
		return NewOperationOutcome("error", "not-found", err.Error())
	case IsGone(err):
		return NewOperationOutcome("error", "deleted", err.Error())
	case IsVersionConflict(err):
		return NewOperationOutcome("error", "conflict", err.Error())
	case IsAmbiguousMatch(err):
		return NewOperationOutcome("error", "multiple-matches", err.Error())
	case IsUnsupportedParameter(err):
		return NewOperationOutcome("error", "not-supported", err.Error())
	case IsValidation(err):
		return NewOperationOutcome("error", "invalid", err.Error())
	default:
		return ErrorOutcome(err.Error())
	}
}

// formatVersionID renders a version number as the string FHIR meta.versionId expects.
func formatVersionID(v int) string {
	return strconv.Itoa(v)
}
