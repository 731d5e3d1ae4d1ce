// Package peer implements the negotiation state machine of one direct media link.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultNegotiationTimeout = 30 * time.Second

type Options struct {
	Local  domain.ParticipantID
	Remote domain.ParticipantID
	Role   Role
	Sender Sender

	// NegotiationTimeout bounds the time from creation to Connected.
	NegotiationTimeout time.Duration

	// Hooks run outside the link lock.
	OnFailed      func(l *Link, err error)
	OnTrack       func(l *Link, track *webrtc.TrackRemote)
	OnStateChange func(l *Link, s State)
}

// Link owns one media session to one remote participant.
type Link struct {
	local  domain.ParticipantID
	remote domain.ParticipantID
	sender Sender
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu            sync.Mutex
	session       Session
	role          Role
	state         State
	localDesc     *webrtc.SessionDescription
	remoteDesc    *webrtc.SessionDescription
	pendingLocal  []webrtc.ICECandidateInit
	pendingRemote []webrtc.ICECandidateInit
	tracks        map[string]webrtc.TrackLocal
	timer         *time.Timer

	// drained by unlockAndNotify
	failure     error
	transitions []State
	remoteTrack []*webrtc.TrackRemote
}

// New creates an Idle link and its media session.
func New(ctx context.Context, opts Options, newSession SessionFactory) (*Link, error) {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Link{
		local:  opts.Local,
		remote: opts.Remote,
		sender: opts.Sender,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		role:   opts.Role,
		state:  StateIdle,
		tracks: make(map[string]webrtc.TrackLocal),
		logger: log.With().
			Str("module", "peer").
			Str("local", opts.Local.String()).
			Str("remote", opts.Remote.String()).
			Logger(),
	}

	session, err := newSession(opts.Remote, l.Handle)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: new session: %v", domain.ErrPeerConnectionFailed, err)
	}

	l.mu.Lock()
	l.session = session
	l.timer = time.AfterFunc(opts.NegotiationTimeout, l.onNegotiationTimeout)
	l.mu.Unlock()

	l.logger.Debug().Str("role", l.role.String()).Msg("link created")
	return l, nil
}

func (l *Link) Remote() domain.ParticipantID { return l.remote }

func (l *Link) Role() Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) LocalDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyDesc(l.localDesc)
}

func (l *Link) RemoteDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyDesc(l.remoteDesc)
}

// OfferSDP returns the offer this link was negotiated from: ours as initiator,
// the remote one as responder. It is empty before an offer exists.
func (l *Link) OfferSDP() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.localDesc
	if l.role == RoleResponder {
		d = l.remoteDesc
	}
	if d == nil || d.Type != webrtc.SDPTypeOffer {
		return ""
	}
	return d.SDP
}

func (l *Link) PendingRemoteCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendingRemote)
}

func (l *Link) PendingLocalCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendingLocal)
}

func (l *Link) Tracks() []webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(l.tracks))
	for _, t := range l.tracks {
		out = append(out, t)
	}
	return out
}

// AddTrack attaches a local track before negotiation starts.
func (l *Link) AddTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.unlockAndNotify()
	if l.state != StateIdle {
		return fmt.Errorf("%w: add track in %s", domain.ErrInvalidState, l.state)
	}
	if err := l.session.AddTrack(track); err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	l.tracks[track.ID()] = track
	return nil
}

// CreateOffer produces the local offer and sends it. Only one offer may be outstanding.
func (l *Link) CreateOffer(ctx context.Context) error {
	l.mu.Lock()
	defer l.unlockAndNotify()

	if l.state != StateIdle || l.role != RoleInitiator {
		return fmt.Errorf("%w: create offer as %s in %s", domain.ErrInvalidState, l.role, l.state)
	}

	offer, err := l.session.CreateOffer()
	if err != nil {
		return l.failLocked(fmt.Errorf("create offer: %w", err))
	}
	if err := l.session.SetLocalDescription(offer); err != nil {
		return l.failLocked(fmt.Errorf("set local offer: %w", err))
	}
	l.localDesc = &offer
	l.setStateLocked(StateOfferCreated)

	if err := l.sender.Send(ctx, core.NewOffer(l.local, l.remote, offer.SDP)); err != nil {
		return l.failLocked(fmt.Errorf("send offer: %w", err))
	}
	l.setStateLocked(StateOfferSent)
	l.flushLocalLocked(ctx)
	return nil
}

// ReceiveOffer applies a remote offer, then produces and sends the answer.
func (l *Link) ReceiveOffer(ctx context.Context, sdp string) error {
	l.mu.Lock()
	defer l.unlockAndNotify()

	if l.state != StateIdle {
		return fmt.Errorf("%w: receive offer in %s", domain.ErrInvalidState, l.state)
	}
	l.role = RoleResponder

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := l.session.SetRemoteDescription(offer); err != nil {
		return l.failLocked(fmt.Errorf("set remote offer: %w", err))
	}
	l.remoteDesc = &offer
	l.setStateLocked(StateOfferReceived)
	l.flushRemoteLocked()

	answer, err := l.session.CreateAnswer()
	if err != nil {
		return l.failLocked(fmt.Errorf("create answer: %w", err))
	}
	if err := l.session.SetLocalDescription(answer); err != nil {
		return l.failLocked(fmt.Errorf("set local answer: %w", err))
	}
	l.localDesc = &answer
	l.setStateLocked(StateAnswerCreated)

	if err := l.sender.Send(ctx, core.NewAnswer(l.local, l.remote, answer.SDP)); err != nil {
		return l.failLocked(fmt.Errorf("send answer: %w", err))
	}
	l.setStateLocked(StateAnswerSent)
	l.flushLocalLocked(ctx)
	l.connectedLocked()
	return nil
}

// ReceiveAnswer completes an outstanding offer. A remote description is applied once;
// repeated answers are ignored.
func (l *Link) ReceiveAnswer(sdp string) error {
	l.mu.Lock()
	defer l.unlockAndNotify()

	if l.remoteDesc != nil {
		l.logger.Debug().Str("state", l.state.String()).Msg("answer already applied")
		return nil
	}
	if l.state != StateOfferSent {
		return fmt.Errorf("%w: receive answer in %s", domain.ErrInvalidState, l.state)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := l.session.SetRemoteDescription(answer); err != nil {
		return l.failLocked(fmt.Errorf("set remote answer: %w", err))
	}
	l.remoteDesc = &answer
	l.flushRemoteLocked()
	l.connectedLocked()
	return nil
}

// AddRemoteCandidate applies a trickled candidate, buffering it until the
// remote description is known.
func (l *Link) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.unlockAndNotify()

	if l.state.Terminal() {
		return fmt.Errorf("%w: candidate in %s", domain.ErrInvalidState, l.state)
	}
	if l.remoteDesc == nil {
		l.pendingRemote = append(l.pendingRemote, c)
		return nil
	}
	if err := l.session.AddICECandidate(c); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

// ReplaceOutboundTrack swaps the outbound track of the given kind without
// renegotiation. A nil track stops sending that kind.
func (l *Link) ReplaceOutboundTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.unlockAndNotify()

	if l.state != StateConnected {
		return fmt.Errorf("%w: replace track in %s", domain.ErrInvalidState, l.state)
	}
	if err := l.session.ReplaceTrack(kind, track); err != nil {
		return err
	}
	for id, t := range l.tracks {
		if t.Kind() == kind {
			delete(l.tracks, id)
		}
	}
	if track != nil {
		l.tracks[track.ID()] = track
	}
	return nil
}

// Handle consumes one media-engine event.
func (l *Link) Handle(ev Event) {
	l.mu.Lock()
	defer l.unlockAndNotify()

	if l.state == StateClosed {
		return
	}

	switch ev.Kind {
	case EventLocalCandidate:
		if l.state == StateFailed {
			return
		}
		if !l.state.localDescriptionSent() {
			l.pendingLocal = append(l.pendingLocal, ev.Candidate)
			return
		}
		l.sendCandidateLocked(l.ctx, ev.Candidate)

	case EventConnectionState:
		l.logger.Info().Str("peer_connection_state", ev.ConnState.String()).Msg("connection state")
		if ev.ConnState == webrtc.PeerConnectionStateFailed && l.state != StateFailed {
			_ = l.failLocked(fmt.Errorf("%w: connectivity lost", domain.ErrPeerConnectionFailed))
		}

	case EventRemoteTrack:
		if ev.Track != nil {
			l.remoteTrack = append(l.remoteTrack, ev.Track)
		}
	}
}

// Close releases the session and its tracks. Idempotent.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.unlockAndNotify()

	if l.state == StateClosed {
		return
	}
	l.stopTimerLocked()
	if l.session != nil {
		if err := l.session.Close(); err != nil {
			l.logger.Error().Err(err).Msg("session close")
		}
	}
	clear(l.tracks)
	l.pendingLocal = nil
	l.pendingRemote = nil
	l.failure = nil
	l.setStateLocked(StateClosed)
	l.cancel()
}

func (l *Link) onNegotiationTimeout() {
	l.mu.Lock()
	defer l.unlockAndNotify()
	if l.state == StateConnected || l.state.Terminal() {
		return
	}
	_ = l.failLocked(fmt.Errorf("%w: no answer within %s (state %s)",
		domain.ErrPeerConnectionFailed, l.opts.NegotiationTimeout, l.state))
}

func (l *Link) connectedLocked() {
	l.stopTimerLocked()
	l.setStateLocked(StateConnected)
}

func (l *Link) failLocked(err error) error {
	l.stopTimerLocked()
	l.setStateLocked(StateFailed)
	l.failure = err
	l.logger.Warn().Err(err).Msg("link failed")
	return err
}

func (l *Link) setStateLocked(s State) {
	if l.state == s {
		return
	}
	l.logger.Debug().Str("from", l.state.String()).Str("to", s.String()).Msg("transition")
	l.state = s
	l.transitions = append(l.transitions, s)
}

func (l *Link) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Link) flushRemoteLocked() {
	for _, c := range l.pendingRemote {
		if err := l.session.AddICECandidate(c); err != nil {
			l.logger.Warn().Err(err).Msg("apply buffered candidate")
		}
	}
	l.pendingRemote = nil
}

func (l *Link) flushLocalLocked(ctx context.Context) {
	for _, c := range l.pendingLocal {
		l.sendCandidateLocked(ctx, c)
	}
	l.pendingLocal = nil
}

func (l *Link) sendCandidateLocked(ctx context.Context, c webrtc.ICECandidateInit) {
	if err := l.sender.Send(ctx, core.NewCandidate(l.local, l.remote, c)); err != nil {
		l.logger.Warn().Err(err).Msg("send candidate")
	}
}

// unlockAndNotify releases the lock, then runs hooks collected while it was held.
func (l *Link) unlockAndNotify() {
	failure := l.failure
	transitions := l.transitions
	tracks := l.remoteTrack
	l.failure = nil
	l.transitions = nil
	l.remoteTrack = nil
	l.mu.Unlock()

	if l.opts.OnStateChange != nil {
		for _, s := range transitions {
			l.opts.OnStateChange(l, s)
		}
	}
	if l.opts.OnTrack != nil {
		for _, t := range tracks {
			l.opts.OnTrack(l, t)
		}
	}
	if failure != nil && l.opts.OnFailed != nil {
		l.opts.OnFailed(l, failure)
	}
}

func copyDesc(d *webrtc.SessionDescription) *webrtc.SessionDescription {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
