package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/storyforge/orchestrator/internal/controller"
	"github.com/storyforge/orchestrator/internal/store"
)

// Handler handles HTTP requests.
type Handler struct {
	store store.Store
	ctrl  *controller.Controller
}

// NewHandler creates a new handler.
func NewHandler(st store.Store, ctrl *controller.Controller) *Handler {
	return &Handler{store: st, ctrl: ctrl}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/projects", h.CreateProject)
	e.GET("/api/projects/:project_id", h.GetProject)
	e.PATCH("/api/projects/:project_id/settings", h.PatchSettings)

	e.POST("/api/projects/:project_id/kb", h.AddKBChunk)
	e.GET("/api/projects/:project_id/kb/search", h.SearchKB)
	e.POST("/api/projects/:project_id/continue-sources", h.UploadContinueSource)

	e.POST("/api/projects/:project_id/runs/stream", h.StreamRun)
	e.GET("/api/projects/:project_id/runs", h.ListRuns)
	e.GET("/api/runs/:run_id/events", h.GetRunEvents)
	e.GET("/api/runs/:run_id/ws", h.AttachRun)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}
