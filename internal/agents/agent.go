// Package agents implements the pipeline steps a run executes: ConfigAutofill,
// Outliner, Writer, Editor, LoreKeeper and Extractor. Agents are stateless;
// everything they read and produce travels through the RunContext.
package agents

import (
	"context"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/gateway"
	"github.com/storyforge/orchestrator/internal/websearch"
)

// Emitter is the slice of the trace bus agents need.
type Emitter interface {
	Emit(ctx context.Context, eventType domain.EventType, agent string, payload any) domain.RunEvent
}

// Agent is one pipeline step. Execute emits its own agent_started /
// agent_output / agent_finished events; on error it returns without the
// finished event and the controller applies the step's failure policy.
type Agent interface {
	Name() string
	Execute(ctx context.Context, rc *RunContext) error
}

// Step binds an agent to the failure policy the controller applies to it.
type Step struct {
	Agent  Agent
	Policy domain.FailurePolicy
}

// RunContext carries the run's immutable inputs and the state accumulated by
// earlier steps. It is owned by a single run goroutine and never shared.
type RunContext struct {
	RunID     string
	ProjectID string
	Kind      domain.RunKind

	// Settings is the run's config snapshot. Agents merge patches into it;
	// SettingsPatch accumulates those patches so the controller can replay
	// them onto the project's current settings, and SettingsDirty tells it
	// a persist is due. Overwriting the project with the snapshot would
	// clobber edits made while the run was in flight.
	Settings      domain.Settings
	SettingsPatch map[string]any
	SettingsDirty bool

	Provider  gateway.ProviderConfig
	Completer gateway.Completer
	Emitter   Emitter

	ChapterIndex  int
	ResearchQuery string
	SourceText    string

	// Accumulated pipeline state.
	StoryState      *domain.StoryState
	Outline         *domain.Outline
	KBContext       []domain.KBChunk
	WebResults      []websearch.Result
	WriterOutput    string
	ChapterMarkdown string
	Evidence        *domain.EvidenceReport
}

// applyPatch merges patch into the run's settings snapshot and records it
// for the controller's persist step.
func (rc *RunContext) applyPatch(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	rc.Settings = rc.Settings.Merge(patch)
	if merged, ok := domain.DeepMerge(rc.SettingsPatch, patch).(map[string]any); ok {
		rc.SettingsPatch = merged
	}
	rc.SettingsDirty = true
}

// KBMode is a shorthand for the snapshot's knowledge-base mode.
func (rc *RunContext) KBMode() domain.KBMode {
	return rc.Settings.KBMode()
}

// RetrievedChunkIDs returns the ids of the KB excerpts fetched for this run.
// LoreKeeper resolves citation markers against exactly this set.
func (rc *RunContext) RetrievedChunkIDs() map[int64]bool {
	ids := make(map[int64]bool, len(rc.KBContext))
	for _, chunk := range rc.KBContext {
		ids[chunk.ID] = true
	}
	return ids
}

// generate performs one model call on behalf of an agent, emitting the
// tool_call event first so traces show which provider and model served it.
func generate(ctx context.Context, rc *RunContext, agent string, req gateway.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = rc.Provider.Model
	}
	rc.Emitter.Emit(ctx, domain.EventTypeToolCall, agent, domain.ToolCallPayload{
		Tool:     "llm.generate_text",
		Provider: string(rc.Provider.Provider),
		Model:    model,
	})
	return rc.Completer.Complete(ctx, rc.Provider, req)
}

// fallbackModel returns the first configured fallback model, or "" when the
// provider has none. Agents prefer it for their own one-shot retries.
func (rc *RunContext) fallbackModel() string {
	if len(rc.Provider.Fallbacks) > 0 {
		return rc.Provider.Fallbacks[0]
	}
	return ""
}

// clip truncates s to at most n runes. Byte truncation would split
// multibyte characters and feed invalid UTF-8 into prompts.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
