package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/store"
)

type createProjectRequest struct {
	Title    string          `json:"title"`
	Settings domain.Settings `json:"settings"`
}

// CreateProject creates a project.
// POST /api/projects
func (h *Handler) CreateProject(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" {
		return errorJSON(c, http.StatusBadRequest, "title is required")
	}
	if req.Settings == nil {
		req.Settings = domain.Settings{}
	}

	now := time.Now()
	project := &domain.Project{
		ProjectID: "proj_" + uuid.New().String()[:8],
		Title:     req.Title,
		Settings:  req.Settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateProject(c.Request().Context(), project); err != nil {
		log.Printf("ERROR: create project: %v", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to create project")
	}
	return c.JSON(http.StatusCreated, projectView(project))
}

// GetProject returns a project with credentials redacted.
// GET /api/projects/:project_id
func (h *Handler) GetProject(c echo.Context) error {
	project, err := h.store.GetProject(c.Request().Context(), c.Param("project_id"))
	if errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "project not found")
	}
	if err != nil {
		log.Printf("ERROR: get project: %v", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to get project")
	}
	return c.JSON(http.StatusOK, projectView(project))
}

// PatchSettings deep-merges the request body into the project settings.
// PATCH /api/projects/:project_id/settings
func (h *Handler) PatchSettings(c echo.Context) error {
	ctx := c.Request().Context()
	project, err := h.store.GetProject(ctx, c.Param("project_id"))
	if errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "project not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to get project")
	}

	var patch map[string]any
	if err := c.Bind(&patch); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	merged := project.Settings.Merge(patch)
	if err := h.store.UpdateProjectSettings(ctx, project.ProjectID, merged); err != nil {
		log.Printf("ERROR: update settings: %v", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to update settings")
	}
	project.Settings = merged
	return c.JSON(http.StatusOK, projectView(project))
}

type addKBChunkRequest struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	Tags       string `json:"tags"`
	SourceType string `json:"source_type"`
}

// AddKBChunk adds a knowledge-base excerpt to a project.
// POST /api/projects/:project_id/kb
func (h *Handler) AddKBChunk(c echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("project_id")
	if _, err := h.store.GetProject(ctx, projectID); errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "project not found")
	}

	var req addKBChunkRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return errorJSON(c, http.StatusBadRequest, "content is required")
	}
	if req.SourceType == "" {
		req.SourceType = "note"
	}

	chunk := &domain.KBChunk{
		ProjectID:  projectID,
		SourceType: req.SourceType,
		Title:      req.Title,
		Content:    req.Content,
		Tags:       req.Tags,
	}
	if err := h.store.AddKBChunk(ctx, chunk); err != nil {
		log.Printf("ERROR: add kb chunk: %v", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to add kb chunk")
	}
	return c.JSON(http.StatusCreated, chunk)
}

// SearchKB runs a keyword search over a project's knowledge base.
// GET /api/projects/:project_id/kb/search?q=...&limit=5
func (h *Handler) SearchKB(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return errorJSON(c, http.StatusBadRequest, "q is required")
	}
	limit := 5
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	hits, err := h.store.SearchKB(c.Request().Context(), c.Param("project_id"), query, limit)
	if err != nil {
		log.Printf("ERROR: kb search: %v", err)
		return errorJSON(c, http.StatusInternalServerError, "search failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"hits": hits})
}

type uploadSourceRequest struct {
	Filename string `json:"filename"`
	Text     string `json:"text"`
}

// UploadContinueSource stores manuscript text for continue-mode runs.
// POST /api/projects/:project_id/continue-sources
func (h *Handler) UploadContinueSource(c echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("project_id")
	if _, err := h.store.GetProject(ctx, projectID); errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "project not found")
	}

	var req uploadSourceRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return errorJSON(c, http.StatusBadRequest, "text is required")
	}

	src := &domain.ContinueSource{
		SourceID:  "src_" + uuid.New().String()[:8],
		ProjectID: projectID,
		Filename:  req.Filename,
		Text:      req.Text,
		CreatedAt: time.Now(),
	}
	if err := h.store.CreateContinueSource(ctx, src); err != nil {
		log.Printf("ERROR: create continue source: %v", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to store source")
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"source_id": src.SourceID,
		"filename":  src.Filename,
		"chars":     len(src.Text),
	})
}

// projectView renders a project for API responses with the provider API key
// redacted: keys are accepted on write but never echoed back.
func projectView(p *domain.Project) map[string]any {
	settings := p.Settings.Clone()
	if llm, ok := settings["llm"].(map[string]any); ok {
		if key, _ := llm["api_key"].(string); key != "" {
			llm["api_key"] = "***"
		}
	}
	return map[string]any{
		"project_id": p.ProjectID,
		"title":      p.Title,
		"settings":   settings,
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	}
}
