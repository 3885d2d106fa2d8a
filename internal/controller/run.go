package controller

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/storyforge/orchestrator/internal/agents"
	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/gateway"
	"github.com/storyforge/orchestrator/internal/policy"
	"github.com/storyforge/orchestrator/internal/trace"
)

func (c *Controller) execute(ctx context.Context, run *domain.Run, bus *trace.Bus, req domain.RunRequest, project *domain.Project, snapshot domain.Settings) {
	bus.Emit(ctx, domain.EventTypeRunStarted, directorAgent, domain.RunStartedPayload{
		Kind:      run.Kind,
		ProjectID: run.ProjectID,
	})

	if run.Kind == domain.RunKindDemo {
		c.runDemo(ctx, run, bus)
		return
	}

	chapterIndex := req.ChapterIndex
	if chapterIndex <= 0 {
		chapterIndex = 1
	}
	rc := &agents.RunContext{
		RunID:         run.RunID,
		ProjectID:     run.ProjectID,
		Kind:          run.Kind,
		Settings:      snapshot,
		Provider:      gateway.ResolveConfig(snapshot, c.defaults),
		Completer:     c.completer,
		Emitter:       bus,
		ChapterIndex:  chapterIndex,
		ResearchQuery: strings.TrimSpace(req.ResearchQuery),
	}
	if run.Kind == domain.RunKindContinue {
		rc.SourceText = c.resolveSource(ctx, run.ProjectID, req)
	}

	var pre []agents.Step
	switch run.Kind {
	case domain.RunKindOutline:
		pre = []agents.Step{
			{Agent: agents.ConfigAutofill{}, Policy: domain.SoftWithDefault},
			{Agent: agents.Outliner{}, Policy: domain.Hard},
		}
	case domain.RunKindChapter:
		pre = []agents.Step{
			{Agent: agents.ConfigAutofill{}, Policy: domain.SoftWithDefault},
			{Agent: agents.Outliner{}, Policy: domain.SoftWithDefault},
		}
	case domain.RunKindContinue:
		if rc.SourceText != "" {
			pre = append(pre, agents.Step{Agent: agents.Extractor{}, Policy: domain.SoftWithDefault})
		}
		pre = append(pre, agents.Step{Agent: agents.ConfigAutofill{}, Policy: domain.SoftWithDefault})
	}
	if !c.runSteps(ctx, run, bus, rc, pre) {
		return
	}

	if run.Kind == domain.RunKindOutline {
		c.finishCompleted(run, bus)
		return
	}

	if ctx.Err() != nil {
		c.finishFailed(run, bus, directorAgent, cancelledError)
		return
	}
	if !c.retrieveKB(ctx, rc, run, bus) {
		return
	}
	c.research(ctx, rc, bus)

	post := []agents.Step{
		{Agent: agents.Writer{}, Policy: domain.Hard},
		{Agent: agents.Editor{}, Policy: domain.SoftWithDefault},
	}
	if rc.KBMode() == domain.KBModeStrong {
		post = append(post, agents.Step{Agent: agents.LoreKeeper{}, Policy: domain.SoftWithDefault})
	}
	if !c.runSteps(ctx, run, bus, rc, post) {
		return
	}

	// Editor soft-failure leaves the draft in place; a missing chapter at
	// this point would mean Writer was skipped, which cannot happen.
	if rc.ChapterMarkdown == "" {
		rc.ChapterMarkdown = rc.WriterOutput
	}
	c.persistChapter(ctx, rc, bus)
	c.finishCompleted(run, bus)
}

// runSteps executes the steps in order, applying each one's failure policy.
// Returns false when the run reached a terminal state.
func (c *Controller) runSteps(ctx context.Context, run *domain.Run, bus *trace.Bus, rc *agents.RunContext, steps []agents.Step) bool {
	for _, step := range steps {
		// Cancellation is observed between steps, never mid-call.
		if ctx.Err() != nil {
			c.finishFailed(run, bus, directorAgent, cancelledError)
			return false
		}

		name := step.Agent.Name()
		if err := step.Agent.Execute(ctx, rc); err != nil {
			if step.Policy == domain.SoftWithDefault {
				log.Printf("WARN: run %s: %s soft failure: %v", run.RunID, name, err)
				bus.Emit(ctx, domain.EventTypeAgentOutput, name, domain.AgentWarningPayload{
					Warning: snake(name) + "_failed: " + err.Error(),
				})
				bus.Emit(ctx, domain.EventTypeAgentFinished, name, nil)
				continue
			}
			c.finishFailed(run, bus, name, err.Error())
			return false
		}

		if rc.SettingsDirty {
			if err := c.persistSettingsPatch(ctx, run.ProjectID, rc.SettingsPatch); err != nil {
				log.Printf("WARN: run %s: persist settings: %v", run.RunID, err)
			}
			rc.SettingsDirty = false
			rc.SettingsPatch = nil
		}
	}
	return true
}

// persistSettingsPatch merges an agent's settings patch into the project's
// current settings. Merging into a fresh read keeps edits made while the run
// was in flight; the run's own snapshot stays untouched.
func (c *Controller) persistSettingsPatch(ctx context.Context, projectID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	project, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	return c.store.UpdateProjectSettings(ctx, projectID, project.Settings.Merge(patch))
}

// retrieveKB fetches local knowledge-base context for the Writer and applies
// the strong-mode guard. Returns false when the run was terminated.
func (c *Controller) retrieveKB(ctx context.Context, rc *agents.RunContext, run *domain.Run, bus *trace.Bus) bool {
	query := kbQuery(rc.Settings)
	if query == "" {
		if project, err := c.store.GetProject(ctx, run.ProjectID); err == nil && project.Title != "" {
			query = project.Title
		} else {
			query = "story"
		}
	}

	hits, err := searcherFor(c.store, run.ProjectID).Search(ctx, query, 5)
	if err != nil {
		log.Printf("WARN: run %s: kb search: %v", run.RunID, err)
		hits = nil
	}
	rc.KBContext = hits
	bus.Emit(ctx, domain.EventTypeToolResult, "Retriever", domain.ToolResultPayload{
		Tool: "kb_search",
		Hits: len(hits),
	})

	if rc.KBMode() == domain.KBModeStrong && len(hits) == 0 && len(rc.Settings.Section("story")) == 0 {
		c.finishFailed(run, bus, "LoreKeeper", "strong_kb_mode_requires_local_context")
		return false
	}
	return true
}

// research runs the optional web-search step. Failures never fail the run;
// results feed the Writer prompt and are not persisted.
func (c *Controller) research(ctx context.Context, rc *agents.RunContext, bus *trace.Bus) {
	if rc.ResearchQuery == "" || c.web == nil || !rc.Settings.WebSearchEnabled() {
		return
	}
	if c.policy != nil && !c.policy.Allows(ctx, policy.Input{
		Tool:     "web.search",
		RunKind:  string(rc.Kind),
		Settings: rc.Settings,
	}) {
		log.Printf("INFO: run %s: web.search blocked by policy", rc.RunID)
		return
	}

	bus.Emit(ctx, domain.EventTypeToolCall, "WebSearch", domain.ToolCallPayload{
		Tool:  "web_search",
		Query: rc.ResearchQuery,
	})
	results, err := c.web.Search(ctx, rc.ResearchQuery, 5, "auto")
	if err != nil {
		log.Printf("WARN: run %s: web search: %v", rc.RunID, err)
		results = nil
	}
	rc.WebResults = results
	bus.Emit(ctx, domain.EventTypeToolResult, "WebSearch", domain.ToolResultPayload{
		Tool: "web_search",
		Hits: len(results),
	})
}

// persistChapter stores the finished chapter, feeds it back into the KB as a
// manuscript chunk and emits the chapter artifact.
func (c *Controller) persistChapter(ctx context.Context, rc *agents.RunContext, bus *trace.Bus) {
	title := chapterTitle(rc.ChapterMarkdown, rc.ChapterIndex)
	chapter := &domain.Chapter{
		ChapterID:    newChapterID(),
		ProjectID:    rc.ProjectID,
		ChapterIndex: rc.ChapterIndex,
		Title:        title,
		Markdown:     rc.ChapterMarkdown,
		CreatedAt:    time.Now(),
	}
	if err := c.store.CreateChapter(ctx, chapter); err != nil {
		log.Printf("ERROR: run %s: persist chapter: %v", rc.RunID, err)
	}
	if err := c.store.AddKBChunk(ctx, &domain.KBChunk{
		ProjectID:  rc.ProjectID,
		SourceType: "manuscript",
		Title:      title,
		Content:    rc.ChapterMarkdown,
		Tags:       "manuscript",
	}); err != nil {
		log.Printf("WARN: run %s: index chapter into kb: %v", rc.RunID, err)
	}

	bus.Emit(ctx, domain.EventTypeArtifact, "Writer", domain.ChapterArtifact{
		ArtifactType: domain.ArtifactTypeChapterMarkdown,
		ChapterIndex: rc.ChapterIndex,
		Title:        title,
		Markdown:     rc.ChapterMarkdown,
	})
}

func (c *Controller) runDemo(ctx context.Context, run *domain.Run, bus *trace.Bus) {
	for _, step := range []struct {
		agent string
		text  string
	}{
		{"ConfigAutofill", "Filled missing settings (demo)."},
		{"Outliner", "Generated outline (demo)."},
		{"Writer", "Wrote chapter markdown (demo)."},
		{"LoreKeeper", "Checked consistency (demo)."},
		{"Editor", "Polished text (demo)."},
	} {
		if ctx.Err() != nil {
			c.finishFailed(run, bus, directorAgent, cancelledError)
			return
		}
		bus.Emit(ctx, domain.EventTypeAgentStarted, step.agent, nil)
		time.Sleep(c.demoDelay)
		bus.Emit(ctx, domain.EventTypeAgentOutput, step.agent, map[string]any{"text": step.text})
		bus.Emit(ctx, domain.EventTypeAgentFinished, step.agent, nil)
	}

	bus.Emit(ctx, domain.EventTypeArtifact, "Writer", domain.ChapterArtifact{
		ArtifactType: domain.ArtifactTypeChapterMarkdown,
		ChapterIndex: 1,
		Title:        "Chapter 1 (Demo)",
		Markdown:     "# Chapter 1 (Demo)\n\nThis is a placeholder chapter.\n",
	})
	c.finishCompleted(run, bus)
}

// resolveSource returns the continue-mode manuscript text: inline when
// supplied, otherwise the requested slice of a stored source.
func (c *Controller) resolveSource(ctx context.Context, projectID string, req domain.RunRequest) string {
	if t := strings.TrimSpace(req.SourceText); t != "" {
		return t
	}
	if req.SourceID == "" {
		return ""
	}
	src, err := c.store.GetContinueSource(ctx, projectID, req.SourceID)
	if err != nil {
		log.Printf("WARN: continue source %s: %v", req.SourceID, err)
		return ""
	}
	return strings.TrimSpace(domain.SliceSource(src.Text, req.SliceMode, req.SliceChars))
}

// kbQuery composes the retrieval query from the snapshot's story settings.
func kbQuery(settings domain.Settings) string {
	story := settings.Section("story")
	var terms []string
	if logline, _ := story["logline"].(string); strings.TrimSpace(logline) != "" {
		terms = append(terms, strings.TrimSpace(logline))
	}
	if world, _ := story["world"].(string); strings.TrimSpace(world) != "" {
		terms = append(terms, strings.TrimSpace(world))
	}
	if chars, ok := story["characters"].([]any); ok {
		for i, c := range chars {
			if i >= 5 {
				break
			}
			if m, ok := c.(map[string]any); ok {
				if name, _ := m["name"].(string); name != "" {
					terms = append(terms, name)
				}
			}
		}
	}
	return strings.Join(terms, " ")
}

func chapterTitle(markdown string, index int) string {
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return "Chapter " + strconv.Itoa(index)
}

// snake converts an agent name like ConfigAutofill to config_autofill for
// warning codes.
func snake(name string) string {
	var sb strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r + ('a' - 'A'))
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
