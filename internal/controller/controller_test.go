package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/gateway"
	"github.com/storyforge/orchestrator/internal/policy"
	"github.com/storyforge/orchestrator/internal/store"
	"github.com/storyforge/orchestrator/internal/trace"
	"github.com/storyforge/orchestrator/internal/websearch"
)

// fakeLLM scripts completions by matching a marker in the system prompt, so
// each pipeline agent can be scripted independently.
type fakeLLM struct {
	mu       sync.Mutex
	calls    []gateway.Request
	handlers map[string]func(ctx context.Context, req gateway.Request) (string, error)
}

func (f *fakeLLM) Complete(ctx context.Context, _ gateway.ProviderConfig, req gateway.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	for marker, h := range f.handlers {
		if strings.Contains(req.System, marker) {
			return h(ctx, req)
		}
	}
	return "", errors.New("unscripted agent")
}

func (f *fakeLLM) callsFor(marker string) []gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.Request
	for _, req := range f.calls {
		if strings.Contains(req.System, marker) {
			out = append(out, req)
		}
	}
	return out
}

func reply(text string) func(context.Context, gateway.Request) (string, error) {
	return func(context.Context, gateway.Request) (string, error) { return text, nil }
}

func fail(msg string) func(context.Context, gateway.Request) (string, error) {
	return func(context.Context, gateway.Request) (string, error) { return "", errors.New(msg) }
}

type fakeWeb struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeWeb) Search(context.Context, string, int, string) ([]websearch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []websearch.Result{{Title: "t", URL: "https://example.com", Snippet: "s"}}, nil
}

func (f *fakeWeb) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const outlineJSON = `{"chapters":[{"index":1,"title":"Departure","summary":"s","goal":"g"}]}`

var longChapter = "# Chapter 1: Departure\n\n" + strings.Repeat("The caravan crossed the glass steppe. ", 10)

func goodPipelineHandlers() map[string]func(context.Context, gateway.Request) (string, error) {
	return map[string]func(context.Context, gateway.Request) (string, error){
		"ConfigAutofillAgent": reply(`{"writing":{"chapter_count":10}}`),
		"OutlinerAgent":       reply(outlineJSON),
		"WriterAgent":         reply(longChapter),
		"EditorAgent":         reply(longChapter),
		"ExtractorAgent":      reply(`{"summary_so_far":"so far","open_loops":["loop"]}`),
	}
}

func newTestController(t *testing.T, llm gateway.Completer, web websearch.Searcher, pol *policy.Engine) (*Controller, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	c := New(st, trace.NewRegistry(st), llm, web, pol, gateway.Defaults{})
	c.demoDelay = time.Millisecond
	return c, st
}

func seedProject(t *testing.T, st store.Store, id string, settings domain.Settings) {
	t.Helper()
	now := time.Now()
	err := st.CreateProject(context.Background(), &domain.Project{
		ProjectID: id,
		Title:     "Test Project",
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
}

// collect drains the run's full ordered event stream: history at subscribe
// time plus live events until the bus closes at the terminal event.
func collect(t *testing.T, bus *trace.Bus) []domain.RunEvent {
	t.Helper()
	history, live, cancel, err := bus.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	events := append([]domain.RunEvent{}, history...)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-live:
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-timeout:
			t.Fatal("run did not reach a terminal event in time")
		}
	}
}

func eventTypes(events []domain.RunEvent) []domain.EventType {
	out := make([]domain.EventType, len(events))
	for i, evt := range events {
		out[i] = evt.Type
	}
	return out
}

func hasArtifact(events []domain.RunEvent, artifactType domain.ArtifactType) bool {
	for _, evt := range events {
		if evt.Type == domain.EventTypeArtifact && strings.Contains(string(evt.Payload), string(artifactType)) {
			return true
		}
	}
	return false
}

func TestDemoRunCompletes(t *testing.T) {
	c, st := newTestController(t, &fakeLLM{}, nil, nil)
	seedProject(t, st, "p1", domain.Settings{})

	run, bus, err := c.StartRun(context.Background(), "p1", domain.RunRequest{Kind: domain.RunKindDemo})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	events := collect(t, bus)

	if events[0].Type != domain.EventTypeRunStarted {
		t.Errorf("first event = %v, want run_started", events[0].Type)
	}
	if last := events[len(events)-1]; last.Type != domain.EventTypeRunCompleted {
		t.Errorf("last event = %v, want run_completed", last.Type)
	}
	if !hasArtifact(events, domain.ArtifactTypeChapterMarkdown) {
		t.Error("demo run should emit a placeholder chapter artifact")
	}
	got, err := st.GetRun(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.RunStatusCompleted {
		t.Errorf("status = %v, want completed", got.Status)
	}
}

func TestChapterRunCompletesDespiteSoftAutofillFailure(t *testing.T) {
	handlers := goodPipelineHandlers()
	handlers["ConfigAutofillAgent"] = fail("autofill provider down")
	llm := &fakeLLM{handlers: handlers}
	c, st := newTestController(t, llm, nil, nil)
	seedProject(t, st, "p1", domain.Settings{
		"writing": map[string]any{"chapter_words": 40},
	})

	run, bus, err := c.StartRun(context.Background(), "p1", domain.RunRequest{
		Kind:         domain.RunKindChapter,
		ChapterIndex: 1,
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	events := collect(t, bus)

	if last := events[len(events)-1]; last.Type != domain.EventTypeRunCompleted {
		t.Fatalf("last event = %v (%s), want run_completed", last.Type, last.Payload)
	}
	var warned bool
	for _, evt := range events {
		if strings.Contains(string(evt.Payload), "config_autofill_failed") {
			warned = true
		}
	}
	if !warned {
		t.Error("soft failure warning missing from trace")
	}
	if !hasArtifact(events, domain.ArtifactTypeChapterMarkdown) {
		t.Error("chapter artifact missing")
	}

	got, _ := st.GetRun(context.Background(), run.RunID)
	if got.Status != domain.RunStatusCompleted {
		t.Errorf("status = %v, want completed", got.Status)
	}
	chapters, err := st.ListChapters(context.Background(), "p1")
	if err != nil || len(chapters) != 1 {
		t.Fatalf("chapters = %v, err = %v, want 1", chapters, err)
	}
	if chapters[0].Title != "Chapter 1: Departure" {
		t.Errorf("title = %q", chapters[0].Title)
	}
	// The finished chapter is indexed back into the KB as manuscript.
	hits, err := st.SearchKB(context.Background(), "p1", "caravan", 5)
	if err != nil || len(hits) == 0 {
		t.Fatalf("manuscript chunk not indexed: hits=%v err=%v", hits, err)
	}
}

func TestOutlineKindHardFailsWhenOutlinerExhausted(t *testing.T) {
	handlers := goodPipelineHandlers()
	handlers["OutlinerAgent"] = fail("outline provider down")
	llm := &fakeLLM{handlers: handlers}
	c, st := newTestController(t, llm, nil, nil)
	seedProject(t, st, "p1", domain.Settings{})

	run, bus, err := c.StartRun(context.Background(), "p1", domain.RunRequest{Kind: domain.RunKindOutline})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	events := collect(t, bus)

	last := events[len(events)-1]
	if last.Type != domain.EventTypeRunError {
		t.Fatalf("last event = %v, want run_error", last.Type)
	}
	if last.Agent != "Outliner" {
		t.Errorf("run_error agent = %q, want Outliner", last.Agent)
	}
	for _, evt := range events[:len(events)-1] {
		if evt.Type == domain.EventTypeRunError || evt.Type == domain.EventTypeRunCompleted {
			t.Error("terminal event emitted before the end of the stream")
		}
	}
	if got := len(llm.callsFor("OutlinerAgent")); got != 2 {
		t.Errorf("outliner calls = %d, want 2 (one retry)", got)
	}
	got, _ := st.GetRun(context.Background(), run.RunID)
	if got.Status != domain.RunStatusFailed || got.Error == "" {
		t.Errorf("run = %+v, want failed with error", got)
	}
}

func TestStrongModeEmptyKBHardFails(t *testing.T) {
	handlers := map[string]func(context.Context, gateway.Request) (string, error){
		"ConfigAutofillAgent": reply(`{}`),
		"OutlinerAgent":       fail("no outline"),
	}
	llm := &fakeLLM{handlers: handlers}
	c, st := newTestController(t, llm, nil, nil)
	seedProject(t, st, "p1", domain.Settings{
		"kb": map[string]any{"mode": "strong"},
	})

	run, bus, err := c.StartRun(context.Background(), "p1", domain.RunRequest{Kind: domain.RunKindChapter})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	events := collect(t, bus)

	last := events[len(events)-1]
	if last.Type != domain.EventTypeRunError {
		t.Fatalf("last event = %v, want run_error", last.Type)
	}
	if !strings.Contains(string(last.Payload), "strong_kb_mode_requires_local_context") {
		t.Errorf("payload = %s", last.Payload)
	}
	got, _ := st.GetRun(context.Background(), run.RunID)
	if got.Status != domain.RunStatusFailed {
		t.Errorf("status = %v, want failed", got.Status)
	}
}

func TestContinueRunSlicesStoredSource(t *testing.T) {
	llm := &fakeLLM{handlers: goodPipelineHandlers()}
	c, st := newTestController(t, llm, nil, nil)
	seedProject(t, st, "p1", domain.Settings{
		"writing": map[string]any{"chapter_words": 40},
	})
	text := strings.Repeat("H", 50) + strings.Repeat("T", 50)
	err := st.CreateContinueSource(context.Background(), &domain.ContinueSource{
		SourceID:  "src_1",
		ProjectID: "p1",
		Filename:  "draft.txt",
		Text:      text,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateContinueSource: %v", err)
	}

	_, bus, err := c.StartRun(context.Background(), "p1", domain.RunRequest{
		Kind:       domain.RunKindContinue,
		SourceID:   "src_1",
		SliceMode:  "tail",
		SliceChars: 50,
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	events := collect(t, bus)

	if last := events[len(events)-1]; last.Type != domain.EventTypeRunCompleted {
		t.Fatalf("last event = %v, want run_completed", last.Type)
	}
	extractorCalls := llm.callsFor("ExtractorAgent")
	if len(extractorCalls) != 1 {
		t.Fatalf("extractor calls = %d, want 1", len(extractorCalls))
	}
	if !strings.Contains(extractorCalls[0].User, strings.Repeat("T", 50)) {
		t.Error("extractor prompt missing tail slice")
	}
	if strings.Contains(extractorCalls[0].User, strings.Repeat("H", 10)) {
		t.Error("extractor prompt should not contain the head of the source")
	}
	if !hasArtifact(events, domain.ArtifactTypeStoryState) {
		t.Error("story_state artifact missing")
	}
}

func TestResearchGatedByPolicy(t *testing.T) {
	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	cases := []struct {
		name      string
		settings  domain.Settings
		wantCalls int
	}{
		{
			name: "allowed",
			settings: domain.Settings{
				"writing": map[string]any{"chapter_words": 40},
			},
			wantCalls: 1,
		},
		{
			name: "blocked",
			settings: domain.Settings{
				"writing":  map[string]any{"chapter_words": 40},
				"research": map[string]any{"web_search": false},
			},
			wantCalls: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			llm := &fakeLLM{handlers: goodPipelineHandlers()}
			web := &fakeWeb{}
			c, st := newTestController(t, llm, web, pol)
			seedProject(t, st, "p1", tc.settings)

			_, bus, err := c.StartRun(context.Background(), "p1", domain.RunRequest{
				Kind:          domain.RunKindChapter,
				ResearchQuery: "desert caravans",
			})
			if err != nil {
				t.Fatalf("StartRun: %v", err)
			}
			events := collect(t, bus)
			if last := events[len(events)-1]; last.Type != domain.EventTypeRunCompleted {
				t.Fatalf("last event = %v, want run_completed", last.Type)
			}
			if got := web.count(); got != tc.wantCalls {
				t.Errorf("web search calls = %d, want %d", got, tc.wantCalls)
			}
		})
	}
}

func TestCancelledRunFailsBetweenSteps(t *testing.T) {
	llm := &fakeLLM{handlers: map[string]func(context.Context, gateway.Request) (string, error){
		"ConfigAutofillAgent": func(ctx context.Context, _ gateway.Request) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}}
	c, st := newTestController(t, llm, nil, nil)
	seedProject(t, st, "p1", domain.Settings{})

	ctx, cancel := context.WithCancel(context.Background())
	run, bus, err := c.StartRun(ctx, "p1", domain.RunRequest{Kind: domain.RunKindOutline})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	cancel()
	events := collect(t, bus)

	last := events[len(events)-1]
	if last.Type != domain.EventTypeRunError {
		t.Fatalf("last event = %v, want run_error", last.Type)
	}
	if !strings.Contains(string(last.Payload), cancelledError) {
		t.Errorf("payload = %s, want %s", last.Payload, cancelledError)
	}
	got, _ := st.GetRun(context.Background(), run.RunID)
	if got.Status != domain.RunStatusFailed || got.Error != cancelledError {
		t.Errorf("run = %+v", got)
	}
	// The terminal event must be persisted too.
	persisted, err := st.ListEventsAfter(context.Background(), run.RunID, 0)
	if err != nil {
		t.Fatalf("ListEventsAfter: %v", err)
	}
	if persisted[len(persisted)-1].Type != domain.EventTypeRunError {
		t.Error("terminal event missing from persisted trace")
	}
}

func TestReplayMatchesLiveStream(t *testing.T) {
	c, st := newTestController(t, &fakeLLM{}, nil, nil)
	seedProject(t, st, "p1", domain.Settings{})

	run, bus, err := c.StartRun(context.Background(), "p1", domain.RunRequest{Kind: domain.RunKindDemo})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	live := collect(t, bus)

	replayed, err := st.ListEventsAfter(context.Background(), run.RunID, 0)
	if err != nil {
		t.Fatalf("ListEventsAfter: %v", err)
	}
	if len(replayed) != len(live) {
		t.Fatalf("replayed %d events, live %d", len(replayed), len(live))
	}
	for i := range live {
		if live[i].Seq != replayed[i].Seq || live[i].Type != replayed[i].Type || live[i].Agent != replayed[i].Agent {
			t.Fatalf("event %d differs: live=%+v replayed=%+v", i, live[i], replayed[i])
		}
	}
	for i, evt := range live {
		if evt.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: %d", i, evt.Seq)
		}
	}
}

func TestStartRunRejectsUnknownKindAndProject(t *testing.T) {
	c, st := newTestController(t, &fakeLLM{}, nil, nil)
	seedProject(t, st, "p1", domain.Settings{})

	if _, _, err := c.StartRun(context.Background(), "p1", domain.RunRequest{Kind: "weird"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, _, err := c.StartRun(context.Background(), "missing", domain.RunRequest{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSettingsPersistMergesIntoCurrentProject(t *testing.T) {
	c, st := newTestController(t, &fakeLLM{}, nil, nil)
	seedProject(t, st, "p1", domain.Settings{
		"writing": map[string]any{"chapter_words": 40},
	})

	// A user edit lands after the run snapshots its settings.
	err := st.UpdateProjectSettings(context.Background(), "p1", domain.Settings{
		"writing": map[string]any{"chapter_words": 40},
		"style":   map[string]any{"voice": "wry"},
	})
	if err != nil {
		t.Fatalf("UpdateProjectSettings: %v", err)
	}

	err = c.persistSettingsPatch(context.Background(), "p1", map[string]any{
		"story": map[string]any{"logline": "a caravan crosses the dunes"},
	})
	if err != nil {
		t.Fatalf("persistSettingsPatch: %v", err)
	}

	project, err := st.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got := project.Settings.String("style", "voice"); got != "wry" {
		t.Errorf("voice = %q, want the concurrent edit preserved", got)
	}
	if got := project.Settings.String("story", "logline"); got != "a caravan crosses the dunes" {
		t.Errorf("logline = %q, want the agent patch applied", got)
	}
	if got := project.Settings.Int("writing", "chapter_words", 0); got != 40 {
		t.Errorf("chapter_words = %d, want 40", got)
	}
}
