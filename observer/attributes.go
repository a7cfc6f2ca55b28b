package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for loop and relay spans and metrics.
var (
	AttrLoopState  = attribute.Key("loop.state")
	AttrLoopCycle  = attribute.Key("loop.cycle")
	AttrLoopMode   = attribute.Key("loop.mode")
	AttrIdleStreak = attribute.Key("loop.idle_streak")

	AttrRole          = attribute.Key("session.role")
	AttrSessionStatus = attribute.Key("session.status")

	AttrEnvelopeType = attribute.Key("agora.envelope.type")
	AttrSender       = attribute.Key("agora.sender")
	AttrDropReason   = attribute.Key("agora.drop_reason")
)
