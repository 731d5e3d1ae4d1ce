package app

import (
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

type BackpressureAction int

const (
	KickMember BackpressureAction = iota + 1
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "unknown"
	}
}

// Policy decides what happens to a participant whose outbound queue is full.
type Policy interface {
	OnBackPressure(to domain.ParticipantID, msg core.Message) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ParticipantID, core.Message) BackpressureAction {
	return KickMember
}

// DropPolicy keeps slow consumers connected and drops what does not fit.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.ParticipantID, core.Message) BackpressureAction {
	return DropFrame
}

// PolicyByName maps a config value to a Policy.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "drop":
		return DropPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown backpressure policy %q", name)
	}
}
