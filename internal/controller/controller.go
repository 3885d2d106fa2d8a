// Package controller supervises runs: it creates the run record, snapshots
// configuration, sequences the agents for the requested kind, applies each
// step's failure policy and finalizes run status.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/gateway"
	"github.com/storyforge/orchestrator/internal/kb"
	"github.com/storyforge/orchestrator/internal/policy"
	"github.com/storyforge/orchestrator/internal/store"
	"github.com/storyforge/orchestrator/internal/trace"
	"github.com/storyforge/orchestrator/internal/websearch"
)

// directorAgent names the supervisor in run bracketing events.
const directorAgent = "Director"

const cancelledError = "run_cancelled"

// Controller owns the run lifecycle. Safe for concurrent use; each run
// executes as one independent goroutine.
type Controller struct {
	store     store.Store
	registry  *trace.Registry
	completer gateway.Completer
	web       websearch.Searcher
	policy    *policy.Engine
	defaults  gateway.Defaults

	// demoDelay paces the placeholder pipeline so the stream is watchable.
	demoDelay time.Duration
}

// New wires a controller. web and pol may be nil; the corresponding tool
// steps are then skipped.
func New(st store.Store, registry *trace.Registry, completer gateway.Completer, web websearch.Searcher, pol *policy.Engine, defaults gateway.Defaults) *Controller {
	return &Controller{
		store:     st,
		registry:  registry,
		completer: completer,
		web:       web,
		policy:    pol,
		defaults:  defaults,
		demoDelay: 150 * time.Millisecond,
	}
}

// StartRun validates the request, persists the run with its immutable config
// snapshot and starts the pipeline on its own goroutine. ctx governs the
// pipeline: cancelling it aborts the run between agent steps. The returned
// bus stays subscribable after the run finishes (history replay).
func (c *Controller) StartRun(ctx context.Context, projectID string, req domain.RunRequest) (*domain.Run, *trace.Bus, error) {
	project, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}

	if req.Kind == "" {
		req.Kind = domain.RunKindDemo
	}
	if !req.Kind.Valid() {
		return nil, nil, fmt.Errorf("invalid run kind %q", req.Kind)
	}

	// Snapshot once: later edits to project settings never affect this run.
	snapshot := project.Settings.Clone()
	rawSnapshot, err := json.Marshal(snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot settings: %w", err)
	}

	run := &domain.Run{
		RunID:          "run_" + uuid.New().String()[:8],
		ProjectID:      projectID,
		Kind:           req.Kind,
		Status:         domain.RunStatusRunning,
		CreatedAt:      time.Now(),
		ConfigSnapshot: rawSnapshot,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, nil, err
	}

	bus := c.registry.Open(run.RunID)
	go c.execute(ctx, run, bus, req, project, snapshot)
	return run, bus, nil
}

// Bus returns the live trace bus for a run, or nil once the run has been
// released (callers then replay from the store).
func (c *Controller) Bus(runID string) *trace.Bus {
	return c.registry.Lookup(runID)
}

// finishFailed records the terminal failure and emits run_error as the final
// trace event. It uses a fresh context so the transition and event land even
// when the pipeline ctx is already cancelled.
func (c *Controller) finishFailed(run *domain.Run, bus *trace.Bus, agent, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.store.FinishRun(ctx, run.RunID, domain.RunStatusFailed, errMsg); err != nil && err != store.ErrRunFinished {
		log.Printf("ERROR: finish run %s: %v", run.RunID, err)
	}
	bus.Emit(ctx, domain.EventTypeRunError, agent, domain.RunErrorPayload{Error: errMsg})
	bus.Close()
	c.registry.Release(run.RunID)
}

func (c *Controller) finishCompleted(run *domain.Run, bus *trace.Bus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.store.FinishRun(ctx, run.RunID, domain.RunStatusCompleted, ""); err != nil && err != store.ErrRunFinished {
		log.Printf("ERROR: finish run %s: %v", run.RunID, err)
	}
	bus.Emit(ctx, domain.EventTypeRunCompleted, directorAgent, nil)
	bus.Close()
	c.registry.Release(run.RunID)
}

func newChapterID() string { return "ch_" + uuid.New().String()[:8] }

func searcherFor(st store.Store, projectID string) kb.Searcher {
	return kb.NewStoreSearcher(st, projectID)
}
