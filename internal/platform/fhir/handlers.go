package fhir

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler exposes the REST surface: CRUD with versioning, history, search,
// compartment search, and grouped writes.
type Handler struct {
	store       *ResourceStore
	resolver    *Resolver
	executor    *Executor
	matcher     *ConditionalMatcher
	coordinator *Coordinator
	indexer     *IndexingEngine
	queue       *JobQueue
	inline      bool
	baseURL     string
	log         zerolog.Logger
}

func NewHandler(store *ResourceStore, resolver *Resolver, executor *Executor,
	matcher *ConditionalMatcher, coordinator *Coordinator, indexer *IndexingEngine,
	queue *JobQueue, inlineIndexing bool, baseURL string, logger zerolog.Logger) *Handler {
	return &Handler{
		store: store, resolver: resolver, executor: executor,
		matcher: matcher, coordinator: coordinator, indexer: indexer,
		queue: queue, inline: inlineIndexing, baseURL: baseURL, log: logger,
	}
}

// RegisterRoutes mounts the API under the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.HandleBundle)
	g.POST("/:type", h.HandleCreate)
	g.GET("/:type", h.HandleSearch)
	g.PUT("/:type", h.HandleConditionalUpdate)
	g.DELETE("/:type", h.HandleConditionalDelete)
	g.GET("/:type/:id", h.HandleRead)
	g.PUT("/:type/:id", h.HandleUpdate)
	g.DELETE("/:type/:id", h.HandleDelete)
	g.GET("/:type/:id/_history", h.HandleHistory)
	g.GET("/:type/:id/_history/:vid", h.HandleVRead)
	g.GET("/:type/:id/:childType", h.HandleCompartmentSearch)
}

func (h *Handler) HandleCreate(c echo.Context) error {
	resourceType := c.Param("type")
	content, err := decodeBody(c)
	if err != nil {
		return respondError(c, err)
	}

	// If-None-Exist makes the create conditional on its criteria.
	if criteria := c.Request().Header.Get("If-None-Exist"); criteria != "" {
		existing, err := h.matcher.ResolveOne(c.Request().Context(), resourceType, criteria)
		if err != nil {
			return respondError(c, err)
		}
		if existing != nil {
			setResourceHeaders(c, existing, h.baseURL)
			return respondResource(c, http.StatusOK, existing)
		}
	}

	res, err := h.store.Create(c.Request().Context(), resourceType, content)
	if err != nil {
		return respondError(c, err)
	}
	h.index(c, res)

	setResourceHeaders(c, res, h.baseURL)
	return respondResource(c, http.StatusCreated, res)
}

func (h *Handler) HandleRead(c echo.Context) error {
	res, err := h.store.Read(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}

	// Conditional read: a matching If-None-Match short-circuits to 304.
	if inm := c.Request().Header.Get("If-None-Match"); inm != "" {
		v, wildcard, err := ParseETagVersion(inm)
		if err == nil && (wildcard || v == res.VersionID) {
			c.Response().Header().Set("ETag", FormatETag(res.VersionID))
			return c.NoContent(http.StatusNotModified)
		}
	}

	setResourceHeaders(c, res, h.baseURL)
	return respondResource(c, http.StatusOK, res)
}

func (h *Handler) HandleVRead(c echo.Context) error {
	versionID, err := strconv.Atoi(c.Param("vid"))
	if err != nil || versionID < 1 {
		return respondError(c, Validationf("invalid version id %q", c.Param("vid")))
	}

	res, err := h.store.ReadVersion(c.Request().Context(), c.Param("type"), c.Param("id"), versionID)
	if err != nil {
		return respondError(c, err)
	}
	if res.Deleted {
		return respondError(c, &GoneError{ResourceType: res.ResourceType, ID: res.ID, VersionID: res.VersionID})
	}

	setResourceHeaders(c, res, h.baseURL)
	return respondResource(c, http.StatusOK, res)
}

func (h *Handler) HandleUpdate(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	content, err := decodeBody(c)
	if err != nil {
		return respondError(c, err)
	}

	var expected *int
	if ifMatch := c.Request().Header.Get("If-Match"); ifMatch != "" {
		v, wildcard, err := ParseETagVersion(ifMatch)
		if err != nil {
			return respondError(c, err)
		}
		if !wildcard {
			expected = &v
		}
	}

	res, err := h.store.Update(c.Request().Context(), resourceType, id, content, expected)
	if err != nil {
		return respondError(c, err)
	}
	h.index(c, res)

	status := http.StatusOK
	if res.VersionID == 1 {
		status = http.StatusCreated
	}
	setResourceHeaders(c, res, h.baseURL)
	return respondResource(c, status, res)
}

// HandleConditionalUpdate updates the single resource the criteria match, or
// creates one when nothing matches.
func (h *Handler) HandleConditionalUpdate(c echo.Context) error {
	resourceType := c.Param("type")
	criteria := c.QueryString()
	if criteria == "" {
		return respondError(c, Validationf("conditional update requires criteria"))
	}
	content, err := decodeBody(c)
	if err != nil {
		return respondError(c, err)
	}

	match, err := h.matcher.ResolveOne(c.Request().Context(), resourceType, criteria)
	if err != nil {
		return respondError(c, err)
	}

	if match == nil {
		res, err := h.store.Create(c.Request().Context(), resourceType, content)
		if err != nil {
			return respondError(c, err)
		}
		h.index(c, res)
		setResourceHeaders(c, res, h.baseURL)
		return respondResource(c, http.StatusCreated, res)
	}

	res, err := h.store.Update(c.Request().Context(), resourceType, match.ID, content, nil)
	if err != nil {
		return respondError(c, err)
	}
	h.index(c, res)
	setResourceHeaders(c, res, h.baseURL)
	return respondResource(c, http.StatusOK, res)
}

func (h *Handler) HandleDelete(c echo.Context) error {
	version, err := h.store.Delete(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		if IsNotFound(err) {
			// Deleting the absent is a success.
			return c.NoContent(http.StatusNoContent)
		}
		return respondError(c, err)
	}
	c.Response().Header().Set("ETag", FormatETag(version))
	return c.NoContent(http.StatusNoContent)
}

// HandleConditionalDelete deletes the single match of the criteria. Zero
// matches succeed; several fail.
func (h *Handler) HandleConditionalDelete(c echo.Context) error {
	resourceType := c.Param("type")
	criteria := c.QueryString()
	if criteria == "" {
		return respondError(c, Validationf("conditional delete requires criteria"))
	}

	match, err := h.matcher.ResolveOne(c.Request().Context(), resourceType, criteria)
	if err != nil {
		return respondError(c, err)
	}
	if match == nil {
		return c.NoContent(http.StatusNoContent)
	}

	if _, err := h.store.Delete(c.Request().Context(), resourceType, match.ID); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) HandleHistory(c echo.Context) error {
	count := 20
	if raw := c.QueryParam("_count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			count = n
		}
	}
	offset := 0
	if raw := c.QueryParam("_offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	versions, total, err := h.store.History(c.Request().Context(), c.Param("type"), c.Param("id"), count, offset)
	if err != nil {
		return respondError(c, err)
	}

	now := time.Now().UTC()
	bundle := &Bundle{ResourceType: "Bundle", Type: "history", Total: &total, Timestamp: &now}
	for _, res := range versions {
		entry := BundleEntry{FullURL: h.fullURL(res)}
		if !res.Deleted {
			raw, err := res.Marshal()
			if err != nil {
				return respondError(c, err)
			}
			entry.Resource = raw
		}
		entry.Response = &BundleResponse{
			Status: historyStatus(res),
			ETag:   FormatETag(res.VersionID),
		}
		bundle.Entry = append(bundle.Entry, entry)
	}
	return c.JSON(http.StatusOK, bundle)
}

func historyStatus(res *Resource) string {
	switch {
	case res.Deleted:
		return "204 No Content"
	case res.VersionID == 1:
		return "201 Created"
	default:
		return "200 OK"
	}
}

func (h *Handler) HandleSearch(c echo.Context) error {
	ctx := c.Request().Context()
	q, err := h.resolver.Resolve(ctx, c.Param("type"), ParseQueryString(c.QueryString()))
	if err != nil {
		return respondError(c, err)
	}

	result, err := h.executor.Execute(ctx, q)
	if err != nil {
		return respondError(c, err)
	}
	return h.respondSearch(c, q, result)
}

// HandleCompartmentSearch serves GET /:type/:id/:childType, restricting the
// child search to the compartment instance.
func (h *Handler) HandleCompartmentSearch(c echo.Context) error {
	compartmentType, compartmentID := c.Param("type"), c.Param("id")
	childType := c.Param("childType")

	if _, ok := CompartmentFor(compartmentType); !ok {
		return respondError(c, Validationf("%s is not a compartment type", compartmentType))
	}
	if compartmentParams(compartmentType, childType) == nil {
		return respondError(c, Validationf("%s is not a member of the %s compartment", childType, compartmentType))
	}

	ctx := c.Request().Context()
	q, err := h.resolver.Resolve(ctx, childType, ParseQueryString(c.QueryString()))
	if err != nil {
		return respondError(c, err)
	}
	q.CompartmentType = compartmentType
	q.CompartmentID = compartmentID

	result, err := h.executor.Execute(ctx, q)
	if err != nil {
		return respondError(c, err)
	}
	return h.respondSearch(c, q, result)
}

func (h *Handler) respondSearch(c echo.Context, q *Query, result *SearchResult) error {
	now := time.Now().UTC()
	bundle := &Bundle{ResourceType: "Bundle", Type: "searchset", Timestamp: &now, Total: result.Total}

	for _, res := range result.Resources {
		raw, err := res.Marshal()
		if err != nil {
			return respondError(c, err)
		}
		bundle.Entry = append(bundle.Entry, BundleEntry{
			FullURL:  h.fullURL(res),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	for _, res := range result.Included {
		raw, err := res.Marshal()
		if err != nil {
			return respondError(c, err)
		}
		bundle.Entry = append(bundle.Entry, BundleEntry{
			FullURL:  h.fullURL(res),
			Resource: raw,
			Search:   &BundleSearch{Mode: "include"},
		})
	}
	return c.JSON(http.StatusOK, bundle)
}

// HandleBundle executes a batch or transaction bundle posted to the root.
func (h *Handler) HandleBundle(c echo.Context) error {
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string                 `json:"fullUrl"`
			Resource map[string]interface{} `json:"resource"`
			Request  *struct {
				Method      string `json:"method"`
				URL         string `json:"url"`
				IfMatch     string `json:"ifMatch"`
				IfNoneExist string `json:"ifNoneExist"`
			} `json:"request"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(c.Request().Body).Decode(&bundle); err != nil {
		return respondError(c, Validationf("malformed bundle: %v", err))
	}
	if bundle.ResourceType != "Bundle" {
		return respondError(c, Validationf("expected a Bundle, got %q", bundle.ResourceType))
	}

	entries := make([]BundleRequest, 0, len(bundle.Entry))
	for i, e := range bundle.Entry {
		if e.Request == nil {
			return respondError(c, Validationf("entry %d has no request", i))
		}
		entries = append(entries, BundleRequest{
			Method:      e.Request.Method,
			URL:         e.Request.URL,
			FullURL:     e.FullURL,
			Resource:    e.Resource,
			IfMatch:     e.Request.IfMatch,
			IfNoneExist: e.Request.IfNoneExist,
		})
	}

	outcomes, err := h.coordinator.Execute(c.Request().Context(), bundle.Type, entries)
	if err != nil {
		return respondError(c, err)
	}

	response, err := BuildResponseBundle(bundle.Type, outcomes)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, response)
}

// index runs or schedules indexing for a written resource version.
func (h *Handler) index(c echo.Context, res *Resource) {
	ctx := c.Request().Context()
	if h.inline {
		if err := h.indexer.IndexResource(ctx, res); err != nil {
			h.log.Warn().Err(err).Str("resource", res.Identity()).Msg("inline indexing failed")
		}
		return
	}
	if err := h.queue.EnqueueIndex(ctx, res.ResourceType, res.ID, res.VersionID); err != nil {
		h.log.Error().Err(err).Str("resource", res.Identity()).Msg("enqueue indexing failed")
	}
}

func (h *Handler) fullURL(res *Resource) string {
	if h.baseURL == "" {
		return res.Identity()
	}
	return h.baseURL + "/" + res.Identity()
}

func decodeBody(c echo.Context) (map[string]interface{}, error) {
	var content map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&content); err != nil {
		return nil, Validationf("malformed resource body: %v", err)
	}
	if rt, _ := content["resourceType"].(string); rt != "" && rt != c.Param("type") {
		return nil, Validationf("body resourceType %q does not match url type %q", rt, c.Param("type"))
	}
	return content, nil
}

func setResourceHeaders(c echo.Context, res *Resource, baseURL string) {
	c.Response().Header().Set("ETag", FormatETag(res.VersionID))
	c.Response().Header().Set("Last-Modified", res.LastUpdated.UTC().Format(http.TimeFormat))
	location := res.Identity() + "/_history/" + strconv.Itoa(res.VersionID)
	if baseURL != "" {
		location = baseURL + "/" + location
	}
	c.Response().Header().Set("Location", location)
}

// respondResource writes the marshaled resource with the FHIR content type.
func respondResource(c echo.Context, status int, res *Resource) error {
	raw, err := res.Marshal()
	if err != nil {
		return respondError(c, err)
	}
	return c.Blob(status, "application/fhir+json", raw)
}

// respondError maps the error taxonomy to HTTP statuses with an
// OperationOutcome body.
func respondError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case IsNotFound(err):
		status = http.StatusNotFound
	case IsGone(err):
		status = http.StatusGone
	case IsVersionConflict(err):
		status = http.StatusConflict
	case IsAmbiguousMatch(err):
		status = http.StatusPreconditionFailed
	case IsValidation(err), IsUnsupportedParameter(err):
		status = http.StatusBadRequest
	}
	return c.JSON(status, OutcomeForError(err))
}
