// Package invalidation subscribes to registry change-notification events
// and dispatches decoded RegistryChangedEvent values to registered
// handlers, so a client's local resolution cache tracks registry state
// without polling.
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/jeeves-cluster-organization/capctl/internal/bus"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
)

// Handler reacts to a decoded registry change event. Handlers must not
// block for long; Stop does not wait on in-flight handler calls beyond
// unsubscribing from future deliveries.
type Handler func(event capctl.RegistryChangedEvent)

// Logger is the structured logging interface used for decode failures
// and recovered handler panics.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Subscriber is the Invalidation Subscriber from spec §4.5. It
// subscribes to subjectPrefix (global changes) and subjectPrefix.* (the
// NATS single-token wildcard form for per-capability changes, honored by
// the NATS transport; the in-memory test transport has no pattern
// matching and only ever delivers on exact subject names) and fans each
// decoded event out to every registered handler.
type Subscriber struct {
	bus           bus.Bus
	subjectPrefix string
	log           Logger

	mu       sync.Mutex
	handlers []Handler
	subs     []bus.Subscription
	stopOnce sync.Once
}

// New creates a Subscriber. Register handlers with OnChange before
// calling Start.
func New(b bus.Bus, subjectPrefix string, log Logger) *Subscriber {
	if log == nil {
		log = noopLogger{}
	}
	return &Subscriber{bus: b, subjectPrefix: subjectPrefix, log: log}
}

// OnChange registers a handler invoked for every event received after
// Start. Safe to call before or after Start.
func (s *Subscriber) OnChange(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Start subscribes to the configured subjects. Returns an error if
// either subscription fails to register; a partial subscription is torn
// down before returning.
func (s *Subscriber) Start(ctx context.Context) error {
	global, err := s.bus.Subscribe(s.subjectPrefix, "", s.onMessage)
	if err != nil {
		return fmt.Errorf("subscribing to %q: %w", s.subjectPrefix, err)
	}

	wildcard := s.subjectPrefix + ".*"
	perCap, err := s.bus.Subscribe(wildcard, "", s.onMessage)
	if err != nil {
		_ = global.Unsubscribe()
		return fmt.Errorf("subscribing to %q: %w", wildcard, err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, global, perCap)
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) onMessage(ctx context.Context, subject string, data []byte) ([]byte, error) {
	var event capctl.RegistryChangedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.log.Error("invalidation_event_decode_failed", "subject", subject, "error", err.Error())
		return nil, nil
	}

	s.mu.Lock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		s.dispatch(h, event)
	}
	return nil, nil
}

// dispatch isolates one handler's panic from the others and from the
// subscription's delivery loop: a misbehaving handler never stops the
// stream of future invalidation events.
func (s *Subscriber) dispatch(h Handler, event capctl.RegistryChangedEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("invalidation_handler_panic_recovered",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
				"capability", event.Capability)
		}
	}()
	h(event)
}

// Stop unsubscribes from every subject. Idempotent: safe to call
// multiple times or from multiple goroutines.
func (s *Subscriber) Stop() error {
	var firstErr error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()

		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
