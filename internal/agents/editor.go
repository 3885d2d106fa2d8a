package agents

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/gateway"
)

// Editor polishes the Writer's draft without shortening it. If the edited
// result looks truncated or loses the chapter heading, the Editor discards
// its own output and keeps the draft.
type Editor struct{}

func (Editor) Name() string { return "Editor" }

// editorMinRatio is the smallest edited/draft length ratio the Editor will
// accept from itself.
const editorMinRatio = 0.6

const editorSystem = "You are EditorAgent. Polish the chapter while keeping meaning, structure and length. " +
	"Do not summarize or shorten. Preserve [KB#<id>] citations and [[TBD]] placeholders. Output Markdown only."

func (a Editor) Execute(ctx context.Context, rc *RunContext) error {
	rc.Emitter.Emit(ctx, domain.EventTypeAgentStarted, a.Name(), nil)

	user := "Polish this Markdown chapter. Keep it the same length; do not add new plot points.\n\n" +
		rc.WriterOutput + "\n"
	edited, err := generate(ctx, rc, a.Name(), gateway.Request{System: editorSystem, User: user})
	if err != nil {
		return err
	}

	if acceptableEdit(rc.WriterOutput, edited) {
		rc.ChapterMarkdown = edited
	} else {
		rc.Emitter.Emit(ctx, domain.EventTypeAgentOutput, a.Name(), domain.AgentWarningPayload{
			Warning: "edited_output_discarded",
		})
		rc.ChapterMarkdown = rc.WriterOutput
	}

	rc.Emitter.Emit(ctx, domain.EventTypeAgentOutput, a.Name(), map[string]any{"text": clip(rc.ChapterMarkdown, 400)})
	rc.Emitter.Emit(ctx, domain.EventTypeAgentFinished, a.Name(), nil)
	return nil
}

func acceptableEdit(draft, edited string) bool {
	if utf8.RuneCountInString(edited) < int(float64(utf8.RuneCountInString(draft))*editorMinRatio) {
		return false
	}
	if hasHeading(draft) && !hasHeading(edited) {
		return false
	}
	return true
}

func hasHeading(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "# ") {
			return true
		}
	}
	return false
}
