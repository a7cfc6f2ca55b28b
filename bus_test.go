package substrate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// captureProvider records every delivered message.
type captureProvider struct {
	id    string
	types []string
	ready bool
	fail  int // first N deliveries fail

	mu       sync.Mutex
	got      []Message
	attempts int
}

func (c *captureProvider) ID() string                  { return c.id }
func (c *captureProvider) Types() []string             { return c.types }
func (c *captureProvider) Start(context.Context) error { return nil }
func (c *captureProvider) Stop() error                 { return nil }
func (c *captureProvider) Ready() bool                 { return c.ready }

func (c *captureProvider) Deliver(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.attempts <= c.fail {
		return errors.New("transient failure")
	}
	c.got = append(c.got, msg)
	return nil
}

func (c *captureProvider) received() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.got))
	copy(out, c.got)
	return out
}

func startedBus(t *testing.T, providers ...Provider) *Bus {
	t.Helper()
	bus := NewBus(testLogger())
	for _, p := range providers {
		if err := bus.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.ID(), err)
		}
	}
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("bus start: %v", err)
	}
	t.Cleanup(func() { bus.Stop(time.Second) })
	return bus
}

func TestPublishFansOutByType(t *testing.T) {
	match := &captureProvider{id: "match", types: []string{"a.b"}, ready: true}
	other := &captureProvider{id: "other", types: []string{"c.d"}, ready: true}
	all := &captureProvider{id: "all", ready: true} // empty type set matches everything
	bus := startedBus(t, match, other, all)

	bus.Publish(Message{Type: "a.b", Payload: map[string]any{"n": 1}})

	waitFor(t, func() bool { return len(match.received()) == 1 && len(all.received()) == 1 })
	if len(other.received()) != 0 {
		t.Error("non-matching provider received the message")
	}
	got := match.received()[0]
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Error("bus must fill in ID and timestamp")
	}
}

func TestPublishDestinationExclusive(t *testing.T) {
	dest := &captureProvider{id: "dest", types: []string{"a.b"}, ready: true}
	bystander := &captureProvider{id: "bystander", types: []string{"a.b"}, ready: true}
	bus := startedBus(t, dest, bystander)

	bus.Publish(Message{Type: "a.b", Destination: "dest"})

	waitFor(t, func() bool { return len(dest.received()) == 1 })
	time.Sleep(10 * time.Millisecond)
	if len(bystander.received()) != 0 {
		t.Error("destination routing must be exclusive")
	}
}

func TestPublishSkipsSourceAndNotReady(t *testing.T) {
	self := &captureProvider{id: "self", types: []string{"a.b"}, ready: true}
	asleep := &captureProvider{id: "asleep", types: []string{"a.b"}, ready: false}
	awake := &captureProvider{id: "awake", types: []string{"a.b"}, ready: true}
	bus := startedBus(t, self, asleep, awake)

	bus.Publish(Message{Type: "a.b", Source: "self"})

	waitFor(t, func() bool { return len(awake.received()) == 1 })
	time.Sleep(10 * time.Millisecond)
	if len(self.received()) != 0 {
		t.Error("publisher received its own message without loopback")
	}
	if len(asleep.received()) != 0 {
		t.Error("not-ready provider received a message")
	}
}

func TestLoopbackOption(t *testing.T) {
	self := &captureProvider{id: "self", types: []string{"a.b"}, ready: true}
	bus := NewBus(testLogger(), WithLoopback())
	if err := bus.Register(self); err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer bus.Stop(time.Second)

	bus.Publish(Message{Type: "a.b", Source: "self"})
	waitFor(t, func() bool { return len(self.received()) == 1 })
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	flaky := &captureProvider{id: "flaky", types: []string{"a.b"}, ready: true, fail: 2}
	bus := startedBus(t, flaky)

	bus.Publish(Message{Type: "a.b"})

	waitFor(t, func() bool { return len(flaky.received()) == 1 })
	flaky.mu.Lock()
	attempts := flaky.attempts
	flaky.mu.Unlock()
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDeliveryFailureEmitsErrorEvent(t *testing.T) {
	broken := &captureProvider{id: "broken", types: []string{"a.b"}, ready: true, fail: 1000}
	errWatcher := &captureProvider{id: "err-watcher", types: []string{MsgError}, ready: true}
	bus := startedBus(t, broken, errWatcher)

	bus.Publish(Message{ID: "msg-1", Type: "a.b"})

	waitFor(t, func() bool { return len(errWatcher.received()) == 1 })
	ev := errWatcher.received()[0]
	if ev.Payload["originalId"] != "msg-1" || ev.Payload["provider"] != "broken" {
		t.Errorf("error event payload incomplete: %v", ev.Payload)
	}
	if ev.Payload["originalType"] != "a.b" {
		t.Errorf("error event missing original type: %v", ev.Payload)
	}
}

func TestFIFOPerProvider(t *testing.T) {
	p := &captureProvider{id: "fifo", types: []string{"seq"}, ready: true}
	bus := startedBus(t, p)

	for i := 0; i < 20; i++ {
		bus.Publish(Message{Type: "seq", Payload: map[string]any{"n": i}})
	}
	waitFor(t, func() bool { return len(p.received()) == 20 })
	for i, msg := range p.received() {
		if msg.Payload["n"] != i {
			t.Fatalf("message %d out of order: %v", i, msg.Payload["n"])
		}
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	bus := NewBus(testLogger())
	p := &captureProvider{id: "dup", ready: true}
	if err := bus.Register(p); err != nil {
		t.Fatal(err)
	}
	if err := bus.Register(&captureProvider{id: "dup"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestPublishOnStoppedBusDropped(t *testing.T) {
	p := &captureProvider{id: "p", types: []string{"a.b"}, ready: true}
	bus := NewBus(testLogger())
	if err := bus.Register(p); err != nil {
		t.Fatal(err)
	}
	// Never started: publish must not panic or deliver.
	bus.Publish(Message{Type: "a.b"})
	time.Sleep(10 * time.Millisecond)
	if len(p.received()) != 0 {
		t.Error("stopped bus delivered a message")
	}
}
