package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/store"
)

// StreamRun starts a run and streams its trace events via SSE until the run
// reaches a terminal state. Closing the connection aborts the run between
// agent steps.
// POST /api/projects/:project_id/runs/stream
func (h *Handler) StreamRun(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.RunRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	run, bus, err := h.ctrl.StartRun(ctx, c.Param("project_id"), req)
	if errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "project not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	history, live, cancel, err := bus.Subscribe(ctx, 0)
	if err != nil {
		log.Printf("ERROR: subscribe to run %s: %v", run.RunID, err)
		return errorJSON(c, http.StatusInternalServerError, "failed to attach to run")
	}
	defer cancel()

	// SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flush(c)

	for _, event := range history {
		if err := sendSSEEvent(c, event); err != nil {
			return nil
		}
		if terminalEvent(event.Type) {
			return nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			// Client disconnected; the controller observes the same ctx.
			return nil
		case event, ok := <-live:
			if !ok {
				return nil
			}
			if err := sendSSEEvent(c, event); err != nil {
				return nil
			}
			if terminalEvent(event.Type) {
				return nil
			}
		}
	}
}

// ListRuns returns a project's runs, newest first.
// GET /api/projects/:project_id/runs
func (h *Handler) ListRuns(c echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("project_id")
	if _, err := h.store.GetProject(ctx, projectID); errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "project not found")
	}
	runs, err := h.store.ListRuns(ctx, projectID)
	if err != nil {
		log.Printf("ERROR: list runs: %v", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to list runs")
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// GetRunEvents replays a run's persisted trace in sequence order.
// GET /api/runs/:run_id/events?after_seq=0
func (h *Handler) GetRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	if _, err := h.store.GetRun(ctx, runID); errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "run not found")
	}

	afterSeq := int64(0)
	if s := c.QueryParam("after_seq"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return errorJSON(c, http.StatusBadRequest, "after_seq must be a non-negative integer")
		}
		afterSeq = n
	}

	events, err := h.store.ListEventsAfter(ctx, runID, afterSeq)
	if err != nil {
		log.Printf("ERROR: list events: %v", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to list events")
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// sendSSEEvent writes one event in SSE format and flushes it.
func sendSSEEvent(c echo.Context, event domain.RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(c.Response().Writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	flush(c)
	return nil
}

func flush(c echo.Context) {
	if flusher, ok := c.Response().Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}

func terminalEvent(t domain.EventType) bool {
	return t == domain.EventTypeRunCompleted || t == domain.EventTypeRunError
}
