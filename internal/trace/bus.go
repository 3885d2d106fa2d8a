// Package trace owns per-run event ordering: it assigns strictly increasing
// sequence numbers and delivers each event to durable storage and to live
// subscribers without letting either sink stall the pipeline.
package trace

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/store"
)

const subscriberBuffer = 256

// Bus is the event stream of a single run. Seq assignment is serialized by
// the bus mutex, so events from overlapping emitters within one run still get
// a gapless total order.
type Bus struct {
	runID string
	store store.Store

	mu     sync.Mutex
	seq    int64
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch chan domain.RunEvent
}

// NewBus creates the bus for one run.
func NewBus(runID string, st store.Store) *Bus {
	return &Bus{
		runID: runID,
		store: st,
		subs:  make(map[int]*subscriber),
	}
}

// Emit assigns the next sequence number, persists the event and fans it out
// to live subscribers. A subscriber that cannot keep up is dropped rather
// than allowed to block the pipeline. Persistence failures are logged and do
// not abort the run.
func (b *Bus) Emit(ctx context.Context, eventType domain.EventType, agent string, payload any) domain.RunEvent {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: failed to marshal %s payload: %v", eventType, err)
		raw = []byte("{}")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	event := domain.RunEvent{
		RunID:   b.runID,
		Seq:     b.seq,
		Ts:      time.Now().UnixMilli(),
		Type:    eventType,
		Agent:   agent,
		Payload: raw,
	}

	if err := b.store.AppendEvent(ctx, &event); err != nil {
		log.Printf("ERROR: failed to persist event %s seq=%d: %v", eventType, event.Seq, err)
	}

	for id, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			// Buffer full; a stalled consumer must not stall the run.
			log.Printf("WARN: dropping slow subscriber %d of run %s", id, b.runID)
			close(sub.ch)
			delete(b.subs, id)
		}
	}
	return event
}

// Subscribe returns the persisted history with seq > afterSeq plus a live
// channel carrying every subsequent event. History read and registration
// happen under the same critical section as Emit, so the switchover has no
// gaps and no duplicates. The returned cancel func is safe to call twice.
func (b *Bus) Subscribe(ctx context.Context, afterSeq int64) ([]domain.RunEvent, <-chan domain.RunEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	history, err := b.store.ListEventsAfter(ctx, b.runID, afterSeq)
	if err != nil {
		return nil, nil, nil, err
	}

	ch := make(chan domain.RunEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return history, ch, func() {}, nil
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				close(sub.ch)
				delete(b.subs, id)
			}
		})
	}
	return history, ch, cancel, nil
}

// Close ends the stream: all live channels are closed and later subscribers
// only ever receive history.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// LastSeq returns the highest assigned sequence number.
func (b *Bus) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
