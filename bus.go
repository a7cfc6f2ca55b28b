package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MsgError is the bus event type emitted when delivery to a provider fails
// after retries. Publishers never see delivery failures synchronously.
const MsgError = "message.error"

// deliveryRetries is how many times a transient delivery failure is retried
// before the error event is emitted.
const deliveryRetries = 3

// providerQueueSize bounds each provider's inbound FIFO.
const providerQueueSize = 256

// Provider is one transport adapter bound to the bus. Implementations
// declare the message types they handle (empty set = all types), receive
// matching messages one at a time via Deliver, and publish inbound traffic
// back through the bus they were registered on.
type Provider interface {
	// ID is the provider's stable bus identity, usable as a destination.
	ID() string
	// Types is the handled type set. Empty means all types.
	Types() []string
	// Start transitions the provider to running. Called once by the bus.
	Start(ctx context.Context) error
	// Stop releases resources. Called once by the bus.
	Stop() error
	// Ready reports whether the provider can accept deliveries.
	Ready() bool
	// Deliver hands one message to the provider. Called sequentially per
	// provider, in publish order.
	Deliver(ctx context.Context, msg Message) error
}

// Bus is the in-process type-routed broker. Routing prefers an explicit
// destination; otherwise every started, ready provider whose type set
// matches receives the message. Delivery is FIFO per provider with no
// global ordering across providers.
type Bus struct {
	logger   *slog.Logger
	loopback bool

	mu        sync.Mutex
	providers map[string]*busEntry
	started   bool
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type busEntry struct {
	provider Provider
	types    map[string]bool // nil = all types
	queue    chan Message
	quit     chan struct{}
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLoopback lets a provider receive messages it published itself
// (matched by Message.Source). Off by default.
func WithLoopback() BusOption {
	return func(b *Bus) { b.loopback = true }
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{logger: logger, providers: make(map[string]*busEntry)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a provider. If the bus is already started the provider is
// started immediately. Registration is serialised across the bus.
func (b *Bus) Register(p Provider) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.providers[p.ID()]; exists {
		return fmt.Errorf("provider %q already registered", p.ID())
	}

	var types map[string]bool
	if declared := p.Types(); len(declared) > 0 {
		types = make(map[string]bool, len(declared))
		for _, t := range declared {
			types[t] = true
		}
	}
	entry := &busEntry{
		provider: p,
		types:    types,
		queue:    make(chan Message, providerQueueSize),
		quit:     make(chan struct{}),
	}
	b.providers[p.ID()] = entry

	if b.started {
		if err := p.Start(b.baseCtx); err != nil {
			delete(b.providers, p.ID())
			return fmt.Errorf("start provider %q: %w", p.ID(), err)
		}
		b.startWorker(entry)
	}
	return nil
}

// Unregister stops and removes a provider. Unknown IDs are a no-op.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	entry, ok := b.providers[id]
	if ok {
		delete(b.providers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(entry.quit)
	if err := entry.provider.Stop(); err != nil {
		b.logger.Warn("provider stop failed", "provider", id, "error", err)
	}
}

// Start starts every registered provider and their delivery workers.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.baseCtx, b.cancel = context.WithCancel(ctx)
	for id, entry := range b.providers {
		if err := entry.provider.Start(b.baseCtx); err != nil {
			return fmt.Errorf("start provider %q: %w", id, err)
		}
		b.startWorker(entry)
	}
	b.started = true
	return nil
}

// startWorker launches the per-provider FIFO delivery goroutine.
// Caller holds b.mu.
func (b *Bus) startWorker(entry *busEntry) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-entry.quit:
				return
			case <-b.baseCtx.Done():
				return
			case msg := <-entry.queue:
				b.deliver(entry, msg)
			}
		}
	}()
}

// deliver hands one message to a provider, retrying transient failures.
// A final failure surfaces as a message.error bus event, never to the
// publisher.
func (b *Bus) deliver(entry *busEntry, msg Message) {
	var err error
	for attempt := 1; attempt <= deliveryRetries; attempt++ {
		err = entry.provider.Deliver(b.baseCtx, msg)
		if err == nil {
			return
		}
		if b.baseCtx.Err() != nil {
			return
		}
	}
	b.logger.Warn("delivery failed",
		"provider", entry.provider.ID(),
		"type", msg.Type,
		"id", msg.ID,
		"error", err)
	// Never emit error events for error events; that way lies recursion.
	if msg.Type == MsgError {
		return
	}
	b.Publish(Message{
		ID:            uuid.NewString(),
		Type:          MsgError,
		SchemaVersion: 1,
		Timestamp:     time.Now(),
		Source:        "bus",
		Payload: map[string]any{
			"originalId":   msg.ID,
			"originalType": msg.Type,
			"provider":     entry.provider.ID(),
			"error":        err.Error(),
		},
	})
}

// Publish routes a message. With a destination it routes exclusively to
// that provider; otherwise it fans out by type set. Full provider queues
// drop the message with a warning rather than blocking the publisher.
func (b *Bus) Publish(msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		b.logger.Warn("publish on stopped bus dropped", "type", msg.Type)
		return
	}

	if msg.Destination != "" {
		if entry, ok := b.providers[msg.Destination]; ok && entry.provider.Ready() {
			b.enqueue(entry, msg)
			return
		}
		b.logger.Warn("no ready provider for destination", "destination", msg.Destination, "type", msg.Type)
		return
	}

	for id, entry := range b.providers {
		if !b.loopback && msg.Source != "" && msg.Source == id {
			continue
		}
		if !entry.provider.Ready() {
			continue
		}
		if entry.types != nil && !entry.types[msg.Type] {
			continue
		}
		b.enqueue(entry, msg)
	}
}

func (b *Bus) enqueue(entry *busEntry, msg Message) {
	select {
	case entry.queue <- msg:
	default:
		b.logger.Warn("provider queue full, dropping message",
			"provider", entry.provider.ID(), "type", msg.Type, "id", msg.ID)
	}
}

// Stop drains the bus: delivery workers get until grace to finish in-flight
// handlers, then every provider is stopped.
func (b *Bus) Stop(grace time.Duration) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	entries := make([]*busEntry, 0, len(b.providers))
	for _, e := range b.providers {
		entries = append(entries, e)
	}
	cancel := b.cancel
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, e := range entries {
			close(e.quit)
		}
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		cancel()
		<-done
	}
	cancel()

	for _, e := range entries {
		if err := e.provider.Stop(); err != nil {
			b.logger.Warn("provider stop failed", "provider", e.provider.ID(), "error", err)
		}
	}
}
