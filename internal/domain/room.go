package domain

import "fmt"

type ChannelID string

func (id ChannelID) String() string { return string(id) }

type ChannelKind string

const (
	ChannelText  ChannelKind = "text"
	ChannelVoice ChannelKind = "voice"
)

// ParseChannelKind maps an empty value to voice.
func ParseChannelKind(s string) (ChannelKind, error) {
	switch ChannelKind(s) {
	case "", ChannelVoice:
		return ChannelVoice, nil
	case ChannelText:
		return ChannelText, nil
	default:
		return "", fmt.Errorf("unknown channel kind %q", s)
	}
}

type Channel struct {
	ID   ChannelID   `json:"id"`
	Kind ChannelKind `json:"kind"`
}

// Exclusive reports whether a participant may hold at most one channel of this kind.
func (c Channel) Exclusive() bool { return c.Kind == ChannelVoice }
