package peer

import (
	"context"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Session is the media engine behind one link (a PeerConnection in production).
type Session interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error
	// ReplaceTrack swaps the outbound track of a kind without renegotiation.
	// It returns domain.ErrNoSuchTrack when no sender of that kind exists.
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	Close() error
}

// SessionFactory builds the Session for one remote. The session reports
// asynchronous engine activity through emit.
type SessionFactory func(remote domain.ParticipantID, emit func(Event)) (Session, error)

// Sender is the outbound half of a SignalTransport.
type Sender interface {
	Send(ctx context.Context, msg core.Message) error
}

type EventKind int

const (
	EventLocalCandidate EventKind = iota + 1
	EventConnectionState
	EventRemoteTrack
)

// Event is one input from the media engine to the link state machine.
type Event struct {
	Kind      EventKind
	Candidate webrtc.ICECandidateInit
	ConnState webrtc.PeerConnectionState
	Track     *webrtc.TrackRemote
}

func LocalCandidate(c webrtc.ICECandidateInit) Event {
	return Event{Kind: EventLocalCandidate, Candidate: c}
}

func ConnectionState(s webrtc.PeerConnectionState) Event {
	return Event{Kind: EventConnectionState, ConnState: s}
}

func RemoteTrack(t *webrtc.TrackRemote) Event {
	return Event{Kind: EventRemoteTrack, Track: t}
}
