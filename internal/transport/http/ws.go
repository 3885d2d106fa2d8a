package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for MVP
		return true
	},
}

const wsWriteTimeout = 10 * time.Second

// AttachRun attaches a websocket to a run's trace. Events with seq >
// after_seq are replayed first, then live events follow until the run ends.
// A finished run just replays its history and closes.
// GET /api/runs/:run_id/ws?after_seq=0
func (h *Handler) AttachRun(c echo.Context) error {
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

	var (
		history []domain.RunEvent
		live    <-chan domain.RunEvent
		cancel  func()
	)
	if bus := h.ctrl.Bus(runID); bus != nil {
		var err error
		history, live, cancel, err = bus.Subscribe(ctx, afterSeq)
		if err != nil {
			log.Printf("ERROR: subscribe to run %s: %v", runID, err)
			return errorJSON(c, http.StatusInternalServerError, "failed to attach to run")
		}
	} else {
		// Run already released: serve persisted history only.
		var err error
		history, err = h.store.ListEventsAfter(ctx, runID, afterSeq)
		if err != nil {
			log.Printf("ERROR: list events for run %s: %v", runID, err)
			return errorJSON(c, http.StatusInternalServerError, "failed to load events")
		}
	}
	if cancel != nil {
		defer cancel()
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("ERROR: websocket upgrade: %v", err)
		return err
	}
	defer ws.Close()

	for _, event := range history {
		if err := writeEvent(ws, event); err != nil {
			return nil
		}
	}
	if live == nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-live:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
				return nil
			}
			if err := writeEvent(ws, event); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, event domain.RunEvent) error {
	ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return ws.WriteJSON(event)
}
