package app

import (
	"encoding/json"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// ChatSink receives relayed chat payloads. Content is opaque to the relay.
type ChatSink interface {
	Deliver(ch domain.ChannelID, from domain.ParticipantID, payload json.RawMessage) error
}

// LogChatSink records chat traffic in the log without the payload.
type LogChatSink struct{}

func (LogChatSink) Deliver(ch domain.ChannelID, from domain.ParticipantID, payload json.RawMessage) error {
	log.Debug().
		Str("module", "app.chat").
		Str("channel", ch.String()).
		Str("from", from.String()).
		Int("bytes", len(payload)).
		Msg("chat relayed")
	return nil
}
