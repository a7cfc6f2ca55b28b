package substrate

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus message types.
const (
	// MsgUserMessage carries human input from the UI toward the loop.
	MsgUserMessage = "conversation.user"
	// MsgAgoraInbound carries a verified peer message toward the loop.
	MsgAgoraInbound = "agora.inbound"
	// MsgAgoraOutbound asks the peer outbound provider to send an envelope.
	MsgAgoraOutbound = "agora.outbound"
)

// LoopController is the orchestrator surface providers depend on. The
// orchestrator is the single authority on effective pause; providers query
// it instead of tracking their own.
type LoopController interface {
	State() LoopState
	EffectivelyPaused() bool
	InjectMessage(text string) bool
	Emit(ev LoopEvent)
}

// UnknownSenderPolicy decides what happens to envelopes from peers not in
// the known registry.
type UnknownSenderPolicy string

const (
	SenderAllow      UnknownSenderPolicy = "allow"
	SenderQuarantine UnknownSenderPolicy = "quarantine"
	SenderReject     UnknownSenderPolicy = "reject"
)

// --- session injection provider ---

// SessionInjectionProvider routes user and peer messages into the live
// session. It is ready only while the loop is not effectively paused; the
// conversation-on-pause provider covers the complement.
type SessionInjectionProvider struct {
	ctrl    LoopController
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewSessionInjectionProvider binds the provider to the loop controller.
func NewSessionInjectionProvider(ctrl LoopController, logger *slog.Logger) *SessionInjectionProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionInjectionProvider{ctrl: ctrl, logger: logger}
}

func (p *SessionInjectionProvider) ID() string      { return "session-injection" }
func (p *SessionInjectionProvider) Types() []string { return []string{MsgUserMessage, MsgAgoraInbound} }

func (p *SessionInjectionProvider) Start(context.Context) error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *SessionInjectionProvider) Stop() error {
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	return nil
}

func (p *SessionInjectionProvider) Ready() bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	return started && !p.ctrl.EffectivelyPaused()
}

func (p *SessionInjectionProvider) Deliver(_ context.Context, msg Message) error {
	text, _ := msg.Payload["text"].(string)
	if text == "" {
		return fmt.Errorf("message %s has no text payload", msg.ID)
	}
	// False means deferred, not failed: the orchestrator queued it for the
	// next Ego prompt.
	p.ctrl.InjectMessage(text)
	return nil
}

// --- conversation-on-pause provider ---

// ConversationOnPauseProvider records messages arriving while the loop is
// effectively paused, marked [UNPROCESSED] so the next Ego pass surfaces
// them.
type ConversationOnPauseProvider struct {
	ctrl    LoopController
	conv    *ConversationManager
	started bool
	mu      sync.Mutex
}

// NewConversationOnPauseProvider binds the provider to the conversation
// writer and loop controller.
func NewConversationOnPauseProvider(ctrl LoopController, conv *ConversationManager) *ConversationOnPauseProvider {
	return &ConversationOnPauseProvider{ctrl: ctrl, conv: conv}
}

func (p *ConversationOnPauseProvider) ID() string { return "conversation-on-pause" }
func (p *ConversationOnPauseProvider) Types() []string {
	return []string{MsgUserMessage, MsgAgoraInbound}
}

func (p *ConversationOnPauseProvider) Start(context.Context) error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *ConversationOnPauseProvider) Stop() error {
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	return nil
}

func (p *ConversationOnPauseProvider) Ready() bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	return started && p.ctrl.EffectivelyPaused()
}

func (p *ConversationOnPauseProvider) Deliver(_ context.Context, msg Message) error {
	text, _ := msg.Payload["text"].(string)
	if text == "" {
		return fmt.Errorf("message %s has no text payload", msg.ID)
	}
	role := RoleUser
	if msg.Type == MsgAgoraInbound {
		role = RoleAgora
	}
	return p.conv.Append(role, text, true)
}

// --- peer outbound provider ---

// RelaySender is the relay client surface the outbound provider needs.
type RelaySender interface {
	Connected() bool
	Send(to string, env Envelope) error
}

// PeerOutboundProvider signs and sends envelopes over the relay on behalf
// of the loop. Send failures while disconnected surface to the bus, which
// retries and then emits a message.error event.
type PeerOutboundProvider struct {
	sender  RelaySender
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewPeerOutboundProvider creates the provider with the host identity key.
func NewPeerOutboundProvider(sender RelaySender, priv ed25519.PrivateKey, logger *slog.Logger) *PeerOutboundProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerOutboundProvider{
		sender: sender,
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
		logger: logger,
	}
}

func (p *PeerOutboundProvider) ID() string      { return "peer-outbound" }
func (p *PeerOutboundProvider) Types() []string { return []string{MsgAgoraOutbound} }

func (p *PeerOutboundProvider) Start(context.Context) error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *PeerOutboundProvider) Stop() error {
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	return nil
}

func (p *PeerOutboundProvider) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *PeerOutboundProvider) Deliver(_ context.Context, msg Message) error {
	to, _ := msg.Payload["to"].(string)
	text, _ := msg.Payload["text"].(string)
	if to == "" || text == "" {
		return fmt.Errorf("outbound message %s needs to and text", msg.ID)
	}
	typ := EnvRequest
	if t, ok := msg.Payload["envelopeType"].(string); ok && EnvelopeType(t).Valid() {
		typ = EnvelopeType(t)
	}

	env, err := NewEnvelope(typ, p.pub, map[string]string{"text": text})
	if err != nil {
		return err
	}
	if reply, ok := msg.Payload["inReplyTo"].(string); ok {
		env.InReplyTo = reply
	}
	if err := env.Sign(p.priv); err != nil {
		return err
	}
	return p.sender.Send(to, env)
}

// --- peer inbound provider ---

// PeerInboundProvider turns verified relay envelopes into bus traffic and
// inbox entries, applying the per-sender rate limit and unknown-sender
// policy first. As a bus provider it handles message.error events, logging
// delivery failures to PROGRESS.
type PeerInboundProvider struct {
	bus     *Bus
	ctrl    LoopController
	conv    *ConversationManager
	store   *Store
	limiter *SenderLimiter
	policy  UnknownSenderPolicy
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	known   map[string]bool
}

// NewPeerInboundProvider creates the inbound adapter. A nil limiter
// disables rate limiting; an empty policy defaults to allow.
func NewPeerInboundProvider(bus *Bus, ctrl LoopController, conv *ConversationManager, store *Store, limiter *SenderLimiter, policy UnknownSenderPolicy, logger *slog.Logger) *PeerInboundProvider {
	if policy == "" {
		policy = SenderAllow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerInboundProvider{
		bus:     bus,
		ctrl:    ctrl,
		conv:    conv,
		store:   store,
		limiter: limiter,
		policy:  policy,
		logger:  logger,
		known:   make(map[string]bool),
	}
}

func (p *PeerInboundProvider) ID() string      { return "peer-inbound" }
func (p *PeerInboundProvider) Types() []string { return []string{MsgError} }

func (p *PeerInboundProvider) Start(context.Context) error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *PeerInboundProvider) Stop() error {
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	return nil
}

func (p *PeerInboundProvider) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Deliver logs bus delivery failures into PROGRESS so the agent can see
// its own plumbing problems.
func (p *PeerInboundProvider) Deliver(_ context.Context, msg Message) error {
	return p.store.Append(FileProgress, RoleSystem,
		fmt.Sprintf("bus delivery error: provider=%v type=%v error=%v",
			msg.Payload["provider"], msg.Payload["originalType"], msg.Payload["error"]))
}

// KnowPeer marks a sender fingerprint as known (seen in the relay peer
// list).
func (p *PeerInboundProvider) KnowPeer(fingerprint string) {
	p.mu.Lock()
	p.known[fingerprint] = true
	p.mu.Unlock()
}

// HandleEnvelope processes one verified inbound envelope from the relay
// client: policy, inbox, agora_message event, and a bus publish toward the
// loop. Envelopes reaching the bus here have already passed signature
// verification in the relay client; HandleEnvelope re-checks to keep the
// invariant local.
func (p *PeerInboundProvider) HandleEnvelope(env Envelope) {
	if err := env.Verify(); err != nil {
		p.logger.Warn("inbound envelope rejected", "error", err)
		return
	}

	p.mu.Lock()
	known := p.known[env.Sender]
	p.mu.Unlock()
	if !known && p.policy == SenderReject {
		p.logger.Warn("envelope from unknown sender rejected", "sender", env.Sender)
		return
	}
	if p.limiter != nil && !p.limiter.Allow(env.Sender) {
		p.logger.Warn("sender rate limited, dropping envelope", "sender", env.Sender, "id", env.ID)
		return
	}

	text := env.TextPayload()
	if err := p.conv.AddInbox(InboxEntry{EnvelopeID: env.ID, Sender: env.Sender, Text: text}); err != nil {
		p.logger.Warn("inbox write failed", "error", err)
	}
	p.ctrl.Emit(LoopEvent{Type: EvAgoraMessage, Data: map[string]any{
		"envelopeId": env.ID,
		"sender":     env.Sender,
		"type":       string(env.Type),
	}})

	// Quarantined senders stop at the inbox: nothing reaches the session.
	if !known && p.policy == SenderQuarantine {
		return
	}

	p.bus.Publish(Message{
		ID:            uuid.NewString(),
		Type:          MsgAgoraInbound,
		SchemaVersion: 1,
		Timestamp:     time.Now(),
		Source:        p.ID(),
		Payload: map[string]any{
			"text":       fmt.Sprintf("[Agora message from %s] %s", shortFingerprint(env.Sender), text),
			"sender":     env.Sender,
			"envelopeId": env.ID,
		},
	})
}

// shortFingerprint abbreviates a hex fingerprint for display.
func shortFingerprint(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12] + "…"
}
