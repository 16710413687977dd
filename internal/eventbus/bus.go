// Package eventbus implements the per-run, ordered, backpressured event
// channel described in spec §3/§4.10 (L1). Each run owns exactly one Bus;
// the Orchestrator and its worker tasks are the single writer (serialized
// through Publish), and any number of subscribers read a private buffered
// copy of the stream.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convergio/core/internal/domain"
)

// dropPriority ranks event types from "drop first" (low) to "never drop"
// (high) when a subscriber's buffer overflows (spec §4.10: token_delta
// batches are dropped before decisions/approvals).
var dropPriority = map[domain.EventType]int{
	domain.EventTokenDelta:        0,
	domain.EventRAGInjected:       1,
	domain.EventMessageAppended:   2,
	domain.EventToolInvoked:       3,
	domain.EventConflictDetected:  3,
	domain.EventSpeakerSelected:   4,
	domain.EventBudget:            5,
	domain.EventApprovalRequested: 6,
	domain.EventApprovalResolved:  6,
	domain.EventDecisionMade:      7,
	domain.EventRunCompleted:      8,
	domain.EventRunFailed:         8,
	domain.EventBackpressureDrop:  8,
}

func priority(t domain.EventType) int {
	if p, ok := dropPriority[t]; ok {
		return p
	}
	return 2
}

// Bus is the single-writer, multi-reader event stream for one run.
type Bus struct {
	runID string
	seq   int64

	mu   sync.Mutex
	subs map[int64]*subscriber
	next int64

	closed atomic.Bool
}

type subscriber struct {
	ch      chan domain.Event
	dropped map[domain.EventType]int64
	mu      sync.Mutex
}

// Subscription is a live handle on a Bus's stream.
type Subscription struct {
	bus *Bus
	id  int64
	ch  <-chan domain.Event
}

// New creates a Bus for the given run.
func New(runID string) *Bus {
	return &Bus{runID: runID, subs: make(map[int64]*subscriber)}
}

// Subscribe registers a new reader with a bounded buffer of the given
// size. Slow consumers drop low-priority events rather than block the
// writer (spec: "the run continues regardless of subscriber health").
func (b *Bus) Subscribe(bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	s := &subscriber{ch: make(chan domain.Event, bufferSize), dropped: make(map[domain.EventType]int64)}
	b.subs[id] = s
	return &Subscription{bus: b, id: id, ch: s.ch}
}

// Events returns the channel of ordered events. It closes when the bus
// closes or Unsubscribe is called.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// Unsubscribe detaches this reader; it may be called once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subs, s.id)
	}
}

// Publish assigns the next seq and fans the event out to every
// subscriber, never blocking on a full buffer (spec §4.10 backpressure).
// Whenever delivery to a subscriber evicts or refuses an event, a
// backpressure_drop event reporting what was dropped is published once
// ev has finished fanning out, so per-subscriber ordering of ev itself
// is never disturbed by the drop notification.
func (b *Bus) Publish(ctx context.Context, typ domain.EventType, turnIndex int, payload any) domain.Event {
	seq := atomic.AddInt64(&b.seq, 1)
	ev := domain.Event{
		Type:      typ,
		RunID:     b.runID,
		TurnIndex: turnIndex,
		Seq:       seq,
		At:        time.Now(),
		Payload:   payload,
	}

	subs := b.snapshotSubs()

	var drops []domain.BackpressureDropPayload
	for _, s := range subs {
		if droppedType, count, dropped := b.deliver(s, ev); dropped {
			drops = append(drops, domain.BackpressureDropPayload{Dropped: droppedType, Count: count})
		}
	}

	if typ != domain.EventBackpressureDrop {
		for _, d := range drops {
			b.Publish(ctx, domain.EventBackpressureDrop, turnIndex, d)
		}
	}
	return ev
}

func (b *Bus) snapshotSubs() []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	return subs
}

// deliver attempts a non-blocking send; on overflow it scans the
// subscriber's buffered events and evicts the lowest-priority one in
// favor of ev, if ev outranks it, otherwise ev itself is the one
// dropped (spec §4.10: token_delta batches are dropped before
// decisions/approvals). It returns the event type actually dropped, its
// cumulative drop count for this subscriber, and whether anything was
// dropped at all.
//
// The drain-scan-refill below uses only non-blocking channel ops, so it
// is safe to run concurrently with a consumer draining the same
// channel via Events(): a receive either gets a real value or reports
// empty immediately, never blocks. A concurrent reader taking an event
// mid-scan just means that event is absent from the scan rather than a
// false eviction target — it can never cause the writer to block.
func (b *Bus) deliver(s *subscriber, ev domain.Event) (droppedType domain.EventType, count int64, dropped bool) {
	select {
	case s.ch <- ev:
		return "", 0, false
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var buffered []domain.Event
drain:
	for {
		select {
		case e := <-s.ch:
			buffered = append(buffered, e)
		default:
			break drain
		}
	}

	incoming := priority(ev.Type)
	lowestIdx, lowestPriority := -1, incoming
	for i, e := range buffered {
		if p := priority(e.Type); p < lowestPriority {
			lowestPriority = p
			lowestIdx = i
		}
	}

	var out domain.Event
	if lowestIdx >= 0 {
		out = buffered[lowestIdx]
		buffered[lowestIdx] = ev
	} else {
		out = ev
	}

	for _, e := range buffered {
		select {
		case s.ch <- e:
		default:
			// The channel cannot be fuller than it was before we
			// drained it, but never block the writer under any
			// circumstance.
		}
	}

	s.dropped[out.Type]++
	return out.Type, s.dropped[out.Type], true
}

// DropCounts returns, and resets, the dropped-event tally for a
// subscriber since the last call.
func (s *Subscription) DropCounts() map[domain.EventType]int64 {
	s.bus.mu.Lock()
	sub, ok := s.bus.subs[s.id]
	s.bus.mu.Unlock()
	if !ok {
		return nil
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	out := make(map[domain.EventType]int64, len(sub.dropped))
	for k, v := range sub.dropped {
		out[k] = v
		delete(sub.dropped, k)
	}
	return out
}

// Close shuts the bus down, closing every subscriber channel. Safe to
// call more than once.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// LastSeq returns the most recently assigned sequence number.
func (b *Bus) LastSeq() int64 { return atomic.LoadInt64(&b.seq) }
