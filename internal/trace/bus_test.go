package trace

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/store"
)

func newBusWithStore(t *testing.T) (*Bus, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	project := &domain.Project{ProjectID: "p1", Title: "t", Settings: domain.Settings{}, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	run := &domain.Run{RunID: "run_1", ProjectID: "p1", Kind: domain.RunKindDemo, Status: domain.RunStatusRunning, CreatedAt: time.Now()}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return NewBus("run_1", st), st
}

func TestEmitAssignsContiguousSeq(t *testing.T) {
	bus, _ := newBusWithStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				bus.Emit(ctx, domain.EventTypeAgentOutput, "Writer", map[string]any{"j": j})
			}
		}()
	}
	wg.Wait()

	if bus.LastSeq() != 200 {
		t.Fatalf("expected last seq 200, got %d", bus.LastSeq())
	}

	events, _, cancel, err := bus.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()
	if len(events) != 200 {
		t.Fatalf("expected 200 persisted events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("gap at index %d: seq=%d", i, e.Seq)
		}
	}
}

func TestSubscribeReplayThenLiveNoGapsNoDuplicates(t *testing.T) {
	bus, _ := newBusWithStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		bus.Emit(ctx, domain.EventTypeAgentOutput, "Writer", nil)
	}

	history, live, cancel, err := bus.Subscribe(ctx, 2)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Emit(ctx, domain.EventTypeAgentOutput, "Editor", nil)
	}
	bus.Close()

	var seqs []int64
	for _, e := range history {
		seqs = append(seqs, e.Seq)
	}
	for e := range live {
		seqs = append(seqs, e.Seq)
	}

	if len(seqs) != 8 {
		t.Fatalf("expected 8 events after seq 2, got %d: %v", len(seqs), seqs)
	}
	for i, seq := range seqs {
		if seq != int64(i+3) {
			t.Fatalf("expected contiguous seqs from 3, got %v", seqs)
		}
	}
}

func TestReplayMatchesLiveOrder(t *testing.T) {
	bus, st := newBusWithStore(t)
	ctx := context.Background()

	_, live, cancel, err := bus.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	types := []domain.EventType{
		domain.EventTypeRunStarted,
		domain.EventTypeAgentStarted,
		domain.EventTypeToolCall,
		domain.EventTypeToolResult,
		domain.EventTypeAgentOutput,
		domain.EventTypeAgentFinished,
		domain.EventTypeRunCompleted,
	}
	for _, et := range types {
		bus.Emit(ctx, et, "Writer", json.RawMessage(`{}`))
	}
	bus.Close()

	var liveEvents []domain.RunEvent
	for e := range live {
		liveEvents = append(liveEvents, e)
	}

	persisted, err := st.ListEventsAfter(ctx, "run_1", 0)
	if err != nil {
		t.Fatalf("ListEventsAfter failed: %v", err)
	}

	if len(liveEvents) != len(persisted) {
		t.Fatalf("live %d != persisted %d", len(liveEvents), len(persisted))
	}
	for i := range persisted {
		if persisted[i].Seq != liveEvents[i].Seq || persisted[i].Type != liveEvents[i].Type {
			t.Fatalf("replay diverges at %d: %+v vs %+v", i, persisted[i], liveEvents[i])
		}
	}
}

func TestSlowSubscriberDoesNotBlockEmit(t *testing.T) {
	bus, _ := newBusWithStore(t)
	ctx := context.Background()

	// Subscribe and never drain.
	_, _, cancel, err := bus.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+50; i++ {
			bus.Emit(ctx, domain.EventTypeAgentOutput, "Writer", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Emit blocked on a slow subscriber")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	_, st := newBusWithStore(t)
	reg := NewRegistry(st)

	bus := reg.Open("run_1")
	if reg.Lookup("run_1") != bus {
		t.Fatalf("Lookup should return the open bus")
	}

	reg.Release("run_1")
	if reg.Lookup("run_1") != nil {
		t.Fatalf("Lookup after Release should be nil")
	}

	// Subscribing to a closed bus still yields history and a closed channel.
	history, live, cancel, err := bus.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()
	if len(history) != 0 {
		t.Fatalf("unexpected history: %v", history)
	}
	if _, open := <-live; open {
		t.Fatalf("live channel should be closed")
	}
}
