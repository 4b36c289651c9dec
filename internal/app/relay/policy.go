package relay

import (
	"github.com/dkeye/warmode/internal/core"
	"github.com/rs/zerolog/log"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	}
	return "none"
}

// Policy decides what happens to a subscriber whose queue is full.
type Policy interface {
	OnBackPressure(topic core.Topic, sub core.SubscriberDTO) BackpressureAction
}

// SimplePolicy kicks slow subscribers; their peers recover through
// retransmission and polling.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(topic core.Topic, sub core.SubscriberDTO) BackpressureAction {
	return KickMember
}

// LenientPolicy keeps slow subscribers and drops the frame for them only.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(topic core.Topic, sub core.SubscriberDTO) BackpressureAction {
	log.Warn().Str("module", "app.relay").Str("topic", string(topic)).Str("user", string(sub.User)).Msg("slow subscriber, frame dropped")
	return DropFrame
}

// PolicyByName maps a config value to a policy; unknown names fall back to kick.
func PolicyByName(name string) Policy {
	switch name {
	case "drop":
		return LenientPolicy{}
	default:
		return SimplePolicy{}
	}
}
