package agents

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/gateway"
)

// Writer drafts the chapter markdown. The token budget scales with the
// configured target length, and an implausibly short draft earns exactly one
// retry on the fallback model before the step hard-fails: a run must never
// report success with a truncated chapter.
type Writer struct{}

func (Writer) Name() string { return "Writer" }

// writerMinRatio is the smallest acceptable fraction of the target length.
const writerMinRatio = 0.5

const writerSystem = "You are WriterAgent. Write a novel chapter in Markdown. " +
	"Respect the provided story settings and local KB excerpts. " +
	"When you use a fact from a KB excerpt, cite it inline as [KB#<id>]. " +
	"If in strong canon-locked mode and you must introduce unknown canon facts, mark them as [[TBD]]."

func (a Writer) Execute(ctx context.Context, rc *RunContext) error {
	rc.Emitter.Emit(ctx, domain.EventTypeAgentStarted, a.Name(), map[string]any{"chapter_index": rc.ChapterIndex})

	chapterWords := rc.Settings.Int("writing", "chapter_words", 1200)
	user := a.buildPrompt(rc, chapterWords)
	req := gateway.Request{
		System:    writerSystem,
		User:      user,
		MaxTokens: tokenBudget(chapterWords),
	}

	text, err := generate(ctx, rc, a.Name(), req)
	if err != nil {
		return err
	}

	minChars := int(float64(chapterWords) * writerMinRatio)
	if utf8.RuneCountInString(text) < minChars {
		retry := req
		retry.Model = rc.fallbackModel()
		retry.User = user + fmt.Sprintf(
			"\n\nThe previous draft was too short. Write the full chapter at roughly %d words; do not stop early.",
			chapterWords,
		)
		text, err = generate(ctx, rc, a.Name(), retry)
		if err != nil {
			return err
		}
		if utf8.RuneCountInString(text) < minChars {
			return fmt.Errorf("writer_output_too_short: %d chars, need %d", utf8.RuneCountInString(text), minChars)
		}
	}

	rc.WriterOutput = text
	rc.ChapterMarkdown = text
	rc.Emitter.Emit(ctx, domain.EventTypeAgentOutput, a.Name(), map[string]any{"text": clip(text, 400)})
	rc.Emitter.Emit(ctx, domain.EventTypeAgentFinished, a.Name(), nil)
	return nil
}

func (a Writer) buildPrompt(rc *RunContext, chapterWords int) string {
	story := rc.Settings.Section("story")
	parts := []string{
		"Story settings:\n" + jsonDump(story),
		fmt.Sprintf("Writing targets: chapter_words≈%d, chapter_index=%d", chapterWords, rc.ChapterIndex),
		"KB mode: " + string(rc.KBMode()),
	}
	if plan := rc.Outline.ChapterForIndex(rc.ChapterIndex); plan != nil {
		parts = append(parts, "Chapter plan:\n"+jsonDump(plan))
	}
	if rc.StoryState != nil {
		parts = append(parts, "StoryState:\n"+jsonDump(rc.StoryState))
	}
	if len(rc.KBContext) > 0 {
		var sb strings.Builder
		for i, chunk := range rc.KBContext {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "[KB#%d] %s\n%s", chunk.ID, chunk.Title, chunk.Content)
		}
		parts = append(parts, "Local KB excerpts:\n"+clip(sb.String(), 3000))
	}
	if len(rc.WebResults) > 0 {
		var sb strings.Builder
		for _, r := range rc.WebResults {
			fmt.Fprintf(&sb, "- %s\n  %s\n  %s\n", r.Title, r.Snippet, r.URL)
		}
		parts = append(parts, "Web research results (do not treat as canon unless stated):\n"+clip(sb.String(), 2000))
	}
	parts = append(parts, "Output ONLY the chapter Markdown. Start with a level-1 title like: # Chapter X: Title")
	return strings.Join(parts, "\n\n---\n\n")
}

// tokenBudget sizes the max output tokens to the target chapter length with
// headroom, floored so tiny targets still get a workable budget.
func tokenBudget(chapterWords int) int {
	budget := chapterWords * 2
	if budget < 800 {
		budget = 800
	}
	return budget
}
