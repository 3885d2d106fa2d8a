// Package store persists runs, trace events and project records.
package store

import (
	"context"
	"errors"

	"github.com/storyforge/orchestrator/internal/domain"
)

// ErrRunFinished is returned when a terminal transition is attempted on a run
// that already reached a terminal status.
var ErrRunFinished = errors.New("run already finished")

// ErrNotFound is returned for missing records.
var ErrNotFound = errors.New("not found")

// Store is the durable storage used by the run engine. Event appends for
// different run ids never contend; per-run ordering is the trace bus's job.
type Store interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	UpdateProjectSettings(ctx context.Context, projectID string, settings domain.Settings) error

	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, projectID string) ([]domain.Run, error)
	// FinishRun performs the single allowed terminal transition
	// running -> completed|failed. ErrRunFinished if already terminal.
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, errMsg string) error

	AppendEvent(ctx context.Context, event *domain.RunEvent) error
	ListEventsAfter(ctx context.Context, runID string, afterSeq int64) ([]domain.RunEvent, error)

	CreateChapter(ctx context.Context, chapter *domain.Chapter) error
	ListChapters(ctx context.Context, projectID string) ([]domain.Chapter, error)

	AddKBChunk(ctx context.Context, chunk *domain.KBChunk) error
	SearchKB(ctx context.Context, projectID, query string, limit int) ([]domain.KBChunk, error)

	CreateContinueSource(ctx context.Context, src *domain.ContinueSource) error
	GetContinueSource(ctx context.Context, projectID, sourceID string) (*domain.ContinueSource, error)

	Close() error
}
