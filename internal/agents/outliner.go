package agents

import (
	"context"
	"fmt"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/gateway"
)

// Outliner produces the ordered chapter list. A JSON-parse failure earns one
// retry with a stricter instruction, preferring the fallback model.
type Outliner struct{}

func (Outliner) Name() string { return "Outliner" }

const outlinerSystem = "You are OutlinerAgent. Create a concise chapter outline for a novel. " +
	"Output JSON only."

const outlinerStrictSuffix = "\nReturn ONLY the JSON object. No prose, no code fences, no commentary."

func (a Outliner) Execute(ctx context.Context, rc *RunContext) error {
	rc.Emitter.Emit(ctx, domain.EventTypeAgentStarted, a.Name(), nil)

	story := rc.Settings.Section("story")
	chapterCount := rc.Settings.Int("writing", "chapter_count", 10)
	storyState := map[string]any{}
	if rc.StoryState != nil {
		if err := decodeInto(rc.StoryState, &storyState); err != nil {
			storyState = map[string]any{}
		}
	}

	user := fmt.Sprintf(
		"Story info:\n%s\n\nStoryState (if any):\n%s\n\nTarget chapter_count: %d\n\n"+
			"Output JSON in the form:\n"+
			"{ \"chapters\": [ {\"index\":1,\"title\":\"...\",\"summary\":\"...\",\"goal\":\"...\"} ] }\n",
		jsonDump(story), jsonDump(storyState), chapterCount,
	)

	outline, err := a.generateOutline(ctx, rc, gateway.Request{System: outlinerSystem, User: user})
	if err != nil {
		retry := gateway.Request{
			System: outlinerSystem,
			User:   user + outlinerStrictSuffix,
			Model:  rc.fallbackModel(),
		}
		outline, err = a.generateOutline(ctx, rc, retry)
	}
	if err != nil {
		return err
	}

	rc.Outline = outline
	rc.applyPatch(map[string]any{
		"story": map[string]any{"outline": outlineAsAny(outline)},
	})

	rc.Emitter.Emit(ctx, domain.EventTypeAgentOutput, a.Name(), map[string]any{"chapters": len(outline.Chapters)})
	rc.Emitter.Emit(ctx, domain.EventTypeArtifact, a.Name(), domain.OutlineArtifact{
		ArtifactType: domain.ArtifactTypeOutline,
		Outline:      outline,
	})
	rc.Emitter.Emit(ctx, domain.EventTypeAgentFinished, a.Name(), nil)
	return nil
}

func (a Outliner) generateOutline(ctx context.Context, rc *RunContext, req gateway.Request) (*domain.Outline, error) {
	out, err := generate(ctx, rc, a.Name(), req)
	if err != nil {
		return nil, err
	}
	obj, err := parseJSONObject(out)
	if err != nil {
		return nil, fmt.Errorf("outline_not_json: %w", err)
	}
	var outline domain.Outline
	if err := decodeInto(obj, &outline); err != nil {
		return nil, fmt.Errorf("outline_not_json: %w", err)
	}
	if len(outline.Chapters) == 0 {
		return nil, fmt.Errorf("outline_empty")
	}
	return &outline, nil
}

func outlineAsAny(o *domain.Outline) []any {
	out := make([]any, 0, len(o.Chapters))
	for _, ch := range o.Chapters {
		out = append(out, map[string]any{
			"index":   ch.Index,
			"title":   ch.Title,
			"summary": ch.Summary,
			"goal":    ch.Goal,
		})
	}
	return out
}
