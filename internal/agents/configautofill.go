package agents

import (
	"context"
	"sort"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/gateway"
)

// ConfigAutofill fills settings fields the user left unset. It never
// overwrites user-provided values, and in strong KB mode it refuses to invent
// story canon: only non-canon sections of the model's patch are applied.
type ConfigAutofill struct{}

func (ConfigAutofill) Name() string { return "ConfigAutofill" }

const configAutofillSystem = "You are ConfigAutofillAgent for a novel writing platform. " +
	"Given a partial project settings JSON, produce a JSON patch that fills missing fields only. " +
	"Do not overwrite user-provided fields. Output JSON only."

const configAutofillSchema = "Return a JSON object with keys you want to add. Keep it small and practical.\n" +
	"Suggested schema (only include what is missing):\n" +
	"{\n" +
	"  \"story\": {\n" +
	"    \"genre\": \"...\",\n" +
	"    \"logline\": \"...\",\n" +
	"    \"style_guide\": \"...\",\n" +
	"    \"world\": \"...\",\n" +
	"    \"characters\": [ {\"name\":\"...\",\"role\":\"...\",\"personality\":\"...\",\"goal\":\"...\"} ]\n" +
	"  },\n" +
	"  \"writing\": { \"chapter_count\": 10, \"chapter_words\": 1200 }\n" +
	"}\n"

func (a ConfigAutofill) Execute(ctx context.Context, rc *RunContext) error {
	rc.Emitter.Emit(ctx, domain.EventTypeAgentStarted, a.Name(), nil)

	user := "CurrentSettingsJSON:\n" + jsonDump(rc.Settings) + "\n\n" + configAutofillSchema
	if rc.KBMode() == domain.KBModeStrong {
		user += "\nCanon-locked mode: do NOT invent genre, logline, world or characters. " +
			"Only fill structural fields such as writing targets.\n"
	}

	out, err := generate(ctx, rc, a.Name(), gateway.Request{System: configAutofillSystem, User: user})
	if err != nil {
		return err
	}

	patch, err := parseJSONObject(out)
	if err != nil {
		// An unparseable patch just means nothing to fill.
		patch = map[string]any{}
	}
	if rc.KBMode() == domain.KBModeStrong {
		delete(patch, "story")
	}
	rc.applyPatch(patch)

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rc.Emitter.Emit(ctx, domain.EventTypeAgentOutput, a.Name(), map[string]any{"patch_keys": keys})
	rc.Emitter.Emit(ctx, domain.EventTypeAgentFinished, a.Name(), nil)
	return nil
}
