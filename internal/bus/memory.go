package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberEntry is one registered handler, grouped by queue name.
// Entries sharing a non-empty queue name form a queue group: the bus
// round-robins deliveries among them so each message reaches exactly one
// member, mirroring NATS queue-group semantics.
type subscriberEntry struct {
	id      string
	queue   string
	handler Handler
}

// InMemory is a thread-safe, single-process Bus implementation used for
// tests and local development. It supports request-reply with timeout and
// queue-group fan-out, adapted from the same fan-out/registration model
// used by the project's in-process event bus.
type InMemory struct {
	mu        sync.RWMutex
	subs      map[string][]*subscriberEntry
	nextSubID uint64
	rrCursor  map[string]int // round-robin cursor per (subject|queue)
	closed    bool
	logger    Logger
}

// NewInMemory creates an empty InMemory bus.
func NewInMemory() *InMemory {
	return &InMemory{
		subs:     make(map[string][]*subscriberEntry),
		rrCursor: make(map[string]int),
		logger:   NoopLogger(),
	}
}

// SetLogger overrides the bus's logger.
func (b *InMemory) SetLogger(l Logger) {
	if l == nil {
		l = NoopLogger()
	}
	b.logger = l
}

type memSubscription struct {
	bus     *InMemory
	subject string
	id      string
}

func (s *memSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	entries := s.bus.subs[s.subject]
	for i, e := range entries {
		if e.id == s.id {
			s.bus.subs[s.subject] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil // idempotent
}

// Subscribe registers handler under (subject, queue).
func (b *InMemory) Subscribe(subject, queue string, handler Handler) (Subscription, error) {
	id := fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextSubID, 1))

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], &subscriberEntry{id: id, queue: queue, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("bus_subscribed", "subject", subject, "queue", queue, "id", id)
	return &memSubscription{bus: b, subject: subject, id: id}, nil
}

// groupedTargets partitions the current subscribers for subject into one
// target per distinct queue group (each unqueued subscriber is its own
// singleton group), applying round robin within named groups.
func (b *InMemory) groupedTargets(subject string) []*subscriberEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	entries := b.subs[subject]
	if len(entries) == 0 {
		return nil
	}

	byQueue := make(map[string][]*subscriberEntry)
	var singles []*subscriberEntry
	for _, e := range entries {
		if e.queue == "" {
			singles = append(singles, e)
			continue
		}
		byQueue[e.queue] = append(byQueue[e.queue], e)
	}

	targets := append([]*subscriberEntry{}, singles...)
	for queue, members := range byQueue {
		key := subject + "|" + queue
		idx := b.rrCursor[key] % len(members)
		b.rrCursor[key] = (b.rrCursor[key] + 1) % len(members)
		targets = append(targets, members[idx])
	}
	return targets
}

// Request delivers payload to exactly one target (the first unqueued
// subscriber if there is one, otherwise the next member of one of the
// queue groups) and waits for its reply.
func (b *InMemory) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	targets := b.groupedTargets(subject)
	if len(targets) == 0 {
		return nil, fmt.Errorf("bus: no responders for subject %q", subject)
	}
	target := targets[0]

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		data, err := target.handler(reqCtx, subject, payload)
		resultCh <- result{data: data, err: err}
	}()

	select {
	case <-reqCtx.Done():
		return nil, fmt.Errorf("bus: request on %q timed out: %w", subject, reqCtx.Err())
	case r := <-resultCh:
		return r.data, r.err
	}
}

// Publish fans payload out to every queue group and every unqueued
// subscriber for subject; handler errors are logged, never propagated.
func (b *InMemory) Publish(ctx context.Context, subject string, payload []byte) error {
	targets := b.groupedTargets(subject)
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(e *subscriberEntry) {
			defer wg.Done()
			if _, err := e.handler(ctx, subject, payload); err != nil {
				b.logger.Warn("bus_publish_handler_failed", "subject", subject, "error", err.Error())
			}
		}(t)
	}
	wg.Wait()
	return nil
}

// Drain marks the bus closed to new work; in-memory handlers are
// synchronous so there is nothing in flight to wait for beyond Publish's
// own WaitGroup.
func (b *InMemory) Drain(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Close releases all subscriptions.
func (b *InMemory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscriberEntry)
	b.closed = true
	return nil
}

var _ Bus = (*InMemory)(nil)
