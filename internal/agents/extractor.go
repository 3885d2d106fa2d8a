package agents

import (
	"context"
	"fmt"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/gateway"
)

// Extractor derives a structured StoryState from the supplied manuscript
// excerpt in continue mode. It never calls the content-generation path; a
// failure leaves the pipeline to continue without story state.
type Extractor struct{}

func (Extractor) Name() string { return "Extractor" }

const extractorSystem = "You are ExtractorAgent. Extract a structured StoryState from an existing manuscript excerpt. " +
	"Output JSON only."

const extractorSchema = "Extract the following fields:\n" +
	"{\n" +
	"  \"summary_so_far\": \"...\",\n" +
	"  \"characters\": [ {\"name\":\"...\",\"current_status\":\"...\",\"relationships\":\"...\"} ],\n" +
	"  \"world\": \"...\",\n" +
	"  \"timeline\": [ {\"event\":\"...\",\"when\":\"...\"} ],\n" +
	"  \"open_loops\": [\"...\"],\n" +
	"  \"style_profile\": {\"pov\":\"...\",\"tense\":\"...\",\"tone\":\"...\"}\n" +
	"}\n"

// maxSourceChars bounds how much manuscript goes into the prompt.
const maxSourceChars = 8000

func (a Extractor) Execute(ctx context.Context, rc *RunContext) error {
	rc.Emitter.Emit(ctx, domain.EventTypeAgentStarted, a.Name(), nil)

	user := extractorSchema + "\nManuscript:\n" + clip(rc.SourceText, maxSourceChars) + "\n"
	out, err := generate(ctx, rc, a.Name(), gateway.Request{System: extractorSystem, User: user})
	if err != nil {
		return err
	}

	obj, err := parseJSONObject(out)
	if err != nil {
		return fmt.Errorf("story_state_not_json: %w", err)
	}
	var state domain.StoryState
	if err := decodeInto(obj, &state); err != nil {
		return fmt.Errorf("story_state_not_json: %w", err)
	}

	rc.StoryState = &state
	rc.applyPatch(map[string]any{"story_state": obj})

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	rc.Emitter.Emit(ctx, domain.EventTypeAgentOutput, a.Name(), map[string]any{"keys": keys})
	rc.Emitter.Emit(ctx, domain.EventTypeArtifact, a.Name(), domain.StoryStateArtifact{
		ArtifactType: domain.ArtifactTypeStoryState,
		StoryState:   &state,
	})
	rc.Emitter.Emit(ctx, domain.EventTypeAgentFinished, a.Name(), nil)
	return nil
}
