package feature

import (
	"sync"
	"time"
)

type EventType string

const (
	EventReady                EventType = "PROVIDER_READY"
	EventConfigurationChanged EventType = "PROVIDER_CONFIGURATION_CHANGED"
	EventStale                EventType = "PROVIDER_STALE"
	EventError                EventType = "PROVIDER_ERROR"
)

// Event is a provider lifecycle notification.
type Event struct {
	Type         EventType `json:"type"`
	ProviderName string    `json:"provider_name"`
	Message      string    `json:"message,omitempty"`
	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	ChangedFlags []string  `json:"changed_flags,omitempty"`
	Time         time.Time `json:"time"`
}

type EventCallback func(Event)

// EventStream is a buffered, drop-on-full event channel owned by a provider.
// Emit never blocks, so a slow consumer cannot stall polling.
type EventStream struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped uint64
}

func NewEventStream(buffer int) *EventStream {
	if buffer < 0 {
		buffer = 0
	}
	return &EventStream{ch: make(chan Event, buffer)}
}

// Emit queues event and reports whether it was accepted.
func (s *EventStream) Emit(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- event:
		return true
	default:
		s.dropped++
		return false
	}
}

func (s *EventStream) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *EventStream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close closes the channel. It is safe to call more than once.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// eventHandlers fans provider events out to subscribed callbacks.
type eventHandlers struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventCallback
}

func (h *eventHandlers) add(eventType EventType, callback EventCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.handlers == nil {
		h.handlers = make(map[EventType][]EventCallback)
	}
	h.handlers[eventType] = append(h.handlers[eventType], callback)
}

func (h *eventHandlers) dispatch(event Event, onPanic func(any)) {
	h.mu.RLock()
	callbacks := append([]EventCallback(nil), h.handlers[event.Type]...)
	h.mu.RUnlock()

	for _, callback := range callbacks {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					onPanic(recovered)
				}
			}()
			callback(event)
		}()
	}
}
