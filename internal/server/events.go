package server

import (
	"sync"

	"github.com/matt-riley/flagwatch/internal/feature"
)

const (
	eventHistorySize = 64
	subscriberBuffer = 16
)

type streamEvent struct {
	id    uint64
	event feature.Event
}

// eventBroker numbers provider events and fans them out to SSE subscribers.
// Recent events are kept so a reconnecting client can resume from
// Last-Event-ID. Slow subscribers lose events rather than stalling others.
type eventBroker struct {
	mu     sync.Mutex
	nextID uint64
	recent []streamEvent
	subs   map[chan streamEvent]struct{}
}

func newEventBroker() *eventBroker {
	return &eventBroker{subs: make(map[chan streamEvent]struct{})}
}

func (b *eventBroker) publish(event feature.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	se := streamEvent{id: b.nextID, event: event}
	b.recent = append(b.recent, se)
	if len(b.recent) > eventHistorySize {
		b.recent = b.recent[len(b.recent)-eventHistorySize:]
	}

	for ch := range b.subs {
		select {
		case ch <- se:
		default:
		}
	}
}

// subscribe returns the retained events newer than lastID and a channel for
// everything published afterwards. cancel must be called exactly once.
func (b *eventBroker) subscribe(lastID uint64) (replay []streamEvent, events <-chan streamEvent, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, se := range b.recent {
		if se.id > lastID {
			replay = append(replay, se)
		}
	}

	ch := make(chan streamEvent, subscriberBuffer)
	b.subs[ch] = struct{}{}
	return replay, ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

func (b *eventBroker) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
