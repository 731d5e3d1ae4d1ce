package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MessageType tags the signaling union on the wire.
type MessageType string

const (
	TypeUsers     MessageType = "users"
	TypeJoin      MessageType = "user-joined"
	TypeLeave     MessageType = "user-left"
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "ice-candidate"
	// TypeHangup closes the link whose offer carried SDP, or declines that offer.
	TypeHangup    MessageType = "hang-up"
	TypeChat      MessageType = "chat-message"
	TypeError     MessageType = "error"
)

// Error codes carried by TypeError frames.
const (
	CodeUnreachable = "relay_target_unreachable"
	CodeBadPayload  = "bad_payload"
	CodeRateLimited = "rate_limited"
	CodeJoinFailed  = "join_failed"
)

var ErrMalformed = errors.New("malformed message")

// Message is the binding-agnostic signaling envelope. Which fields are set depends on Type.
type Message struct {
	Type          MessageType              `json:"type"`
	Channel       domain.ChannelID         `json:"channel,omitempty"`
	Kind          domain.ChannelKind       `json:"kind,omitempty"`
	From          domain.ParticipantID     `json:"from,omitempty"`
	To            domain.ParticipantID     `json:"to,omitempty"`
	Participant   *domain.Participant      `json:"participant,omitempty"`
	ParticipantID domain.ParticipantID     `json:"participantId,omitempty"`
	Users         []domain.Participant     `json:"users,omitempty"`
	SDP           string                   `json:"sdp,omitempty"`
	Candidate     *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Payload       json.RawMessage          `json:"payload,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

func NewUsers(ch domain.ChannelID, users []domain.Participant) Message {
	return Message{Type: TypeUsers, Channel: ch, Users: users}
}

func NewJoin(ch domain.ChannelID, p domain.Participant) Message {
	return Message{Type: TypeJoin, Channel: ch, Participant: &p}
}

func NewLeave(ch domain.ChannelID, id domain.ParticipantID) Message {
	return Message{Type: TypeLeave, Channel: ch, ParticipantID: id}
}

func NewOffer(from, to domain.ParticipantID, sdp string) Message {
	return Message{Type: TypeOffer, From: from, To: to, SDP: sdp}
}

func NewAnswer(from, to domain.ParticipantID, sdp string) Message {
	return Message{Type: TypeAnswer, From: from, To: to, SDP: sdp}
}

func NewCandidate(from, to domain.ParticipantID, c webrtc.ICECandidateInit) Message {
	return Message{Type: TypeCandidate, From: from, To: to, Candidate: &c}
}

func NewHangup(from, to domain.ParticipantID, offerSDP string) Message {
	return Message{Type: TypeHangup, From: from, To: to, SDP: offerSDP}
}

func NewChatRelay(from domain.ParticipantID, payload json.RawMessage) Message {
	return Message{Type: TypeChat, From: from, Payload: payload}
}

func NewError(code string, to domain.ParticipantID) Message {
	return Message{Type: TypeError, Error: code, To: to}
}

// Targeted reports whether the message is relayed to exactly one participant.
func (m Message) Targeted() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeHangup:
		return true
	}
	return false
}

// Validate checks that the fields required by Type are present.
func (m Message) Validate() error {
	switch m.Type {
	case TypeUsers:
		return nil
	case TypeJoin:
		if m.Participant == nil && m.Channel == "" {
			return fmt.Errorf("%w: join without participant or channel", ErrMalformed)
		}
	case TypeLeave:
		if m.ParticipantID == "" && m.Channel == "" {
			return fmt.Errorf("%w: leave without participant or channel", ErrMalformed)
		}
	case TypeOffer, TypeAnswer, TypeHangup:
		if m.To == "" || m.SDP == "" {
			return fmt.Errorf("%w: %s needs to and sdp", ErrMalformed, m.Type)
		}
	case TypeCandidate:
		if m.To == "" || m.Candidate == nil {
			return fmt.Errorf("%w: candidate needs to and candidate", ErrMalformed)
		}
	case TypeChat:
		if len(m.Payload) == 0 {
			return fmt.Errorf("%w: empty chat payload", ErrMalformed)
		}
	case TypeError:
		if m.Error == "" {
			return fmt.Errorf("%w: error without code", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}

// Encode renders one frame of the socket relay binding.
func Encode(m Message) (Frame, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return b, nil
}

// Decode parses and validates one frame.
func Decode(f Frame) (Message, error) {
	var m Message
	if err := json.Unmarshal(f, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
