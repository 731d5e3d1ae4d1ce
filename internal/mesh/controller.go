// Package mesh keeps one PeerLink per remote voice-channel member.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/peer"
	"github.com/dkeye/voicemesh/internal/vad"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc"
)

type VoiceMode string

const (
	// VoiceTied: disabling voice leaves the channel.
	VoiceTied VoiceMode = "tied"
	// VoiceIndependent: voice can be off while the participant stays a member.
	VoiceIndependent VoiceMode = "independent"
)

type Config struct {
	VoiceMode          VoiceMode     `mapstructure:"voice_mode"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	// Video requests a camera track in addition to the microphone.
	Video bool `mapstructure:"video"`
}

// MediaSource supplies local capture tracks. It returns an error wrapping
// domain.ErrMediaAccessDenied when a device refuses access.
type MediaSource interface {
	LocalTracks(ctx context.Context, video bool) ([]webrtc.TrackLocal, error)
}

// Hooks are the UI collaborator's view of the mesh. All are optional.
type Hooks struct {
	OnMembership  func(ch domain.ChannelID, members []domain.Participant)
	OnSpeaking    func(ev vad.Event)
	OnLinkState   func(remote domain.ParticipantID, s peer.State)
	OnLinkFailed  func(remote domain.ParticipantID, err error)
	OnMediaError  func(err error)
	OnRemoteTrack func(remote domain.ParticipantID, track *webrtc.TrackRemote)
	OnChat        func(ch domain.ChannelID, from domain.ParticipantID, payload []byte)
	OnError       func(code string, target domain.ParticipantID)
}

type Options struct {
	Self       domain.Participant
	Transport  core.SignalTransport
	NewSession peer.SessionFactory
	Media      MediaSource
	// AudioSource turns a remote audio track into VAD frames.
	AudioSource func(track *webrtc.TrackRemote) vad.Source
	VAD         vad.Config
	Config      Config
	Hooks       Hooks
}

// LinkInfo is a snapshot of one link for inspection.
type LinkInfo struct {
	Remote domain.ParticipantID
	Role   peer.Role
	State  peer.State
}

// Controller drives the full mesh of one local participant. The participant
// that was already present when another joins is the initiator of their link.
// Link methods are never called with mu held.
type Controller struct {
	opts    Options
	self    domain.ParticipantID
	monitor *vad.Monitor
	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger

	// opMu orders incoming signaling against local voice toggles, so an offer
	// is either declined before voice comes on or answered after.
	opMu sync.Mutex

	mu      sync.Mutex
	channel domain.ChannelID
	members []domain.Participant
	links   map[domain.ParticipantID]*peer.Link
	tracks  []webrtc.TrackLocal
	voiceOn bool
	muted   bool
	closed  bool
}

func New(opts Options) *Controller {
	if opts.Config.VoiceMode == "" {
		opts.Config.VoiceMode = VoiceTied
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:   opts,
		self:   opts.Self.ID,
		ctx:    ctx,
		cancel: cancel,
		links:  make(map[domain.ParticipantID]*peer.Link),
		logger: log.With().Str("module", "mesh").Str("participant", opts.Self.ID.String()).Logger(),
	}
	c.monitor = vad.NewMonitor(opts.VAD, func(ev vad.Event) {
		if opts.Hooks.OnSpeaking != nil {
			opts.Hooks.OnSpeaking(ev)
		}
	})
	return c
}

// Run consumes signaling messages until the transport ends or ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	msgs := c.opts.Transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info().Msg("transport closed")
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Controller) handle(ctx context.Context, msg core.Message) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch msg.Type {
	case core.TypeUsers:
		c.OnMembership(msg.Channel, msg.Users)
	case core.TypeJoin:
		if msg.Participant != nil {
			c.OnMemberJoined(ctx, msg.Channel, *msg.Participant)
		}
	case core.TypeLeave:
		c.OnMemberLeft(msg.Channel, msg.ParticipantID)
	case core.TypeOffer:
		c.onOffer(ctx, msg.From, msg.SDP)
	case core.TypeAnswer:
		c.onAnswer(msg.From, msg.SDP)
	case core.TypeCandidate:
		if msg.Candidate != nil {
			c.onCandidate(msg.From, *msg.Candidate)
		}
	case core.TypeHangup:
		c.onHangup(msg.From, msg.SDP)
	case core.TypeChat:
		if c.opts.Hooks.OnChat != nil {
			c.opts.Hooks.OnChat(msg.Channel, msg.From, msg.Payload)
		}
	case core.TypeError:
		c.logger.Warn().Str("code", msg.Error).Str("target", msg.To.String()).Msg("coordinator error")
		if c.opts.Hooks.OnError != nil {
			c.opts.Hooks.OnError(msg.Error, msg.To)
		}
	}
}

// Join requests membership of a voice channel and enables voice.
func (c *Controller) Join(ctx context.Context, ch domain.ChannelID) error {
	c.mu.Lock()
	prev := c.channel
	c.mu.Unlock()
	if prev != "" && prev != ch {
		c.closeAll()
	}

	c.acquireTracks(ctx)

	c.mu.Lock()
	c.channel = ch
	c.members = nil
	c.voiceOn = true
	c.mu.Unlock()

	msg := core.Message{Type: core.TypeJoin, Channel: ch, Kind: domain.ChannelVoice, From: c.self}
	if err := c.opts.Transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("join %s: %w", ch, err)
	}
	return nil
}

// Leave gives up channel membership and tears down every link.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	ch := c.channel
	c.channel = ""
	c.members = nil
	c.voiceOn = false
	c.mu.Unlock()

	c.closeAll()
	if ch == "" {
		return nil
	}
	if err := c.opts.Transport.Send(ctx, core.Message{Type: core.TypeLeave, Channel: ch, From: c.self}); err != nil {
		return fmt.Errorf("leave %s: %w", ch, err)
	}
	return nil
}

// OnMembership applies the snapshot received on join. The newcomer prepares
// responder links and waits for the existing members to offer.
func (c *Controller) OnMembership(ch domain.ChannelID, members []domain.Participant) {
	c.mu.Lock()
	if c.channel == "" {
		// joined at handshake
		c.channel = ch
		c.voiceOn = true
	}
	if ch != c.channel {
		c.mu.Unlock()
		return
	}
	c.members = slices.Clone(members)
	voiceOn := c.voiceOn
	c.mu.Unlock()

	c.publishMembership()
	if !voiceOn {
		return
	}
	for _, p := range members {
		if p.ID == c.self {
			continue
		}
		if _, _, err := c.ensureLink(p.ID, peer.RoleResponder); err != nil {
			c.logger.Warn().Err(err).Str("remote", p.ID.String()).Msg("prepare link")
		}
	}
}

// OnMemberJoined makes the local participant the initiator towards the newcomer.
func (c *Controller) OnMemberJoined(ctx context.Context, ch domain.ChannelID, p domain.Participant) {
	c.mu.Lock()
	if ch != c.channel || p.ID == c.self {
		c.mu.Unlock()
		return
	}
	if !slices.ContainsFunc(c.members, func(m domain.Participant) bool { return m.ID == p.ID }) {
		c.members = append(c.members, p)
	}
	voiceOn := c.voiceOn
	stale := c.links[p.ID]
	c.mu.Unlock()

	c.publishMembership()
	if !voiceOn {
		return
	}
	if stale != nil {
		c.dropLink(stale)
	}
	c.offerTo(ctx, p.ID)
}

// OnMemberLeft destroys the link to departed and its VAD state. Our own
// departure, such as a removal by an operator, tears the whole mesh down.
func (c *Controller) OnMemberLeft(ch domain.ChannelID, departed domain.ParticipantID) {
	c.mu.Lock()
	if ch != "" && ch != c.channel {
		c.mu.Unlock()
		return
	}
	if departed == c.self {
		ch = c.channel
		c.channel = ""
		c.members = nil
		c.voiceOn = false
		c.mu.Unlock()

		c.logger.Info().Str("channel", ch.String()).Msg("removed from channel")
		c.closeAll()
		if c.opts.Hooks.OnMembership != nil {
			c.opts.Hooks.OnMembership(ch, nil)
		}
		return
	}
	c.members = slices.DeleteFunc(c.members, func(m domain.Participant) bool { return m.ID == departed })
	l := c.links[departed]
	c.mu.Unlock()

	if l != nil {
		c.dropLink(l)
	}
	c.monitor.Remove(departed)
	c.publishMembership()
}

// OnLocalCallToggle enables or disables local voice. Enabling offers to every
// member without a link. Disabling closes the links and, in tied mode, leaves the channel.
func (c *Controller) OnLocalCallToggle(ctx context.Context, enable bool) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !enable {
		if c.opts.Config.VoiceMode == VoiceTied {
			return c.Leave(ctx)
		}
		c.mu.Lock()
		c.voiceOn = false
		links := lo.Values(c.links)
		c.mu.Unlock()

		// tell the other ends now rather than leaving them to notice dead media
		for _, l := range links {
			c.hangup(ctx, l.Remote(), l.OfferSDP())
		}
		c.closeAll()
		return nil
	}

	c.acquireTracks(ctx)

	c.mu.Lock()
	if c.channel == "" {
		c.mu.Unlock()
		return fmt.Errorf("enable voice: %w", domain.ErrNotFound)
	}
	c.voiceOn = true
	var targets []domain.ParticipantID
	for _, m := range c.members {
		if _, ok := c.links[m.ID]; !ok && m.ID != c.self {
			targets = append(targets, m.ID)
		}
	}
	c.mu.Unlock()

	for _, id := range targets {
		c.offerTo(ctx, id)
	}
	return nil
}

func (c *Controller) offerTo(ctx context.Context, remote domain.ParticipantID) {
	l, _, err := c.ensureLink(remote, peer.RoleInitiator)
	if err != nil {
		c.logger.Warn().Err(err).Str("remote", remote.String()).Msg("create link")
		return
	}
	if err := l.CreateOffer(ctx); err != nil {
		c.logger.Warn().Err(err).Str("remote", remote.String()).Msg("offer")
	}
}

func (c *Controller) onOffer(ctx context.Context, from domain.ParticipantID, sdp string) {
	c.mu.Lock()
	voiceOn := c.voiceOn
	existing := c.links[from]
	c.mu.Unlock()
	if !voiceOn {
		c.logger.Debug().Str("remote", from.String()).Msg("declining offer while voice is off")
		c.hangup(ctx, from, sdp)
		return
	}

	if existing != nil {
		switch {
		case offerPending(existing) && c.self < from:
			// glare: the smaller id keeps the initiator role
			c.logger.Info().Str("remote", from.String()).Msg("glare, keeping own offer")
			return
		case existing.Role() == peer.RoleResponder && existing.State() == peer.StateIdle:
			// prepared from the membership snapshot
		default:
			c.dropLink(existing)
		}
	}

	l, _, err := c.ensureLink(from, peer.RoleResponder)
	if err != nil {
		c.logger.Warn().Err(err).Str("remote", from.String()).Msg("create link")
		return
	}
	if err := l.ReceiveOffer(ctx, sdp); err != nil {
		c.logger.Warn().Err(err).Str("remote", from.String()).Msg("answer")
	}
}

// onHangup drops the link negotiated from offerSDP. A hang-up for an older
// negotiation leaves a newer link alone.
func (c *Controller) onHangup(from domain.ParticipantID, offerSDP string) {
	l := c.link(from)
	if l == nil {
		return
	}
	if l.OfferSDP() != offerSDP {
		c.logger.Debug().Str("remote", from.String()).Msg("stale hang-up")
		return
	}
	c.logger.Info().Str("remote", from.String()).Msg("remote hung up")
	c.dropLink(l)
}

func (c *Controller) hangup(ctx context.Context, to domain.ParticipantID, offerSDP string) {
	if offerSDP == "" {
		return
	}
	if err := c.opts.Transport.Send(ctx, core.NewHangup(c.self, to, offerSDP)); err != nil {
		c.logger.Debug().Err(err).Str("remote", to.String()).Msg("hang-up")
	}
}

func (c *Controller) onAnswer(from domain.ParticipantID, sdp string) {
	l := c.link(from)
	if l == nil {
		c.logger.Debug().Str("remote", from.String()).Msg("answer without link")
		return
	}
	if err := l.ReceiveAnswer(sdp); err != nil {
		c.logger.Warn().Err(err).Str("remote", from.String()).Msg("apply answer")
	}
}

func (c *Controller) onCandidate(from domain.ParticipantID, cand webrtc.ICECandidateInit) {
	l := c.link(from)
	if l == nil {
		c.mu.Lock()
		known := c.voiceOn && slices.ContainsFunc(c.members, func(m domain.Participant) bool { return m.ID == from })
		c.mu.Unlock()
		if !known {
			return
		}
		var err error
		if l, _, err = c.ensureLink(from, peer.RoleResponder); err != nil {
			return
		}
	}
	if err := l.AddRemoteCandidate(cand); err != nil {
		c.logger.Debug().Err(err).Str("remote", from.String()).Msg("remote candidate")
	}
}

func offerPending(l *peer.Link) bool {
	if l.Role() != peer.RoleInitiator {
		return false
	}
	switch l.State() {
	case peer.StateIdle, peer.StateOfferCreated, peer.StateOfferSent:
		return true
	}
	return false
}

// ensureLink returns the link to remote, creating it with role when missing.
func (c *Controller) ensureLink(remote domain.ParticipantID, role peer.Role) (*peer.Link, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, fmt.Errorf("mesh closed: %w", domain.ErrInvalidState)
	}
	if l, ok := c.links[remote]; ok {
		c.mu.Unlock()
		return l, false, nil
	}
	l, err := peer.New(c.ctx, peer.Options{
		Local:              c.self,
		Remote:             remote,
		Role:               role,
		Sender:             c.opts.Transport,
		NegotiationTimeout: c.opts.Config.NegotiationTimeout,
		OnFailed:           c.onLinkFailed,
		OnTrack:            c.onRemoteTrack,
		OnStateChange:      c.onLinkState,
	}, c.opts.NewSession)
	if err != nil {
		c.mu.Unlock()
		return nil, false, err
	}
	c.links[remote] = l
	tracks := slices.Clone(c.tracks)
	c.mu.Unlock()

	for _, t := range tracks {
		if err := l.AddTrack(t); err != nil {
			c.logger.Warn().Err(err).Str("remote", remote.String()).Msg("attach local track")
		}
	}
	return l, true, nil
}

func (c *Controller) link(remote domain.ParticipantID) *peer.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[remote]
}

// dropLink closes l and forgets it unless a newer link has taken its place.
func (c *Controller) dropLink(l *peer.Link) {
	c.mu.Lock()
	if c.links[l.Remote()] == l {
		delete(c.links, l.Remote())
	}
	c.mu.Unlock()
	l.Close()
	c.monitor.Remove(l.Remote())
}

func (c *Controller) closeAll() {
	c.mu.Lock()
	links := lo.Values(c.links)
	clear(c.links)
	c.mu.Unlock()

	var wg conc.WaitGroup
	for _, l := range links {
		wg.Go(func() {
			l.Close()
			c.monitor.Remove(l.Remote())
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		c.logger.Error().Str("panic", r.String()).Msg("link teardown")
	}
}

func (c *Controller) onLinkFailed(l *peer.Link, err error) {
	c.logger.Warn().Err(err).Str("remote", l.Remote().String()).Msg("link failed, removing")
	c.dropLink(l)
	if c.opts.Hooks.OnLinkFailed != nil {
		c.opts.Hooks.OnLinkFailed(l.Remote(), err)
	}
}

func (c *Controller) onLinkState(l *peer.Link, s peer.State) {
	if c.opts.Hooks.OnLinkState != nil {
		c.opts.Hooks.OnLinkState(l.Remote(), s)
	}
}

func (c *Controller) onRemoteTrack(l *peer.Link, track *webrtc.TrackRemote) {
	if c.opts.Hooks.OnRemoteTrack != nil {
		c.opts.Hooks.OnRemoteTrack(l.Remote(), track)
	}
	if track.Kind() != webrtc.RTPCodecTypeAudio || c.opts.AudioSource == nil {
		return
	}
	if c.link(l.Remote()) != l {
		return
	}
	c.AttachAudio(l.Remote(), c.opts.AudioSource(track))
}

// AttachAudio starts voice activity detection on src for id.
func (c *Controller) AttachAudio(id domain.ParticipantID, src vad.Source) {
	c.mu.Lock()
	muted := c.muted && id == c.self
	c.mu.Unlock()
	det := c.monitor.Attach(c.ctx, id, src)
	if muted {
		det.SetMuted(true)
	}
}

// SetMuted gates the local microphone: a muted source never registers as speaking.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	c.monitor.SetMuted(c.self, muted)
}

// ReplaceTrack swaps the outbound track of kind on every connected link.
// Failures are per link and do not stop the others.
func (c *Controller) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	c.mu.Lock()
	links := lo.Values(c.links)
	c.tracks = slices.DeleteFunc(c.tracks, func(t webrtc.TrackLocal) bool { return t.Kind() == kind })
	if track != nil {
		c.tracks = append(c.tracks, track)
	}
	c.mu.Unlock()

	var errs []error
	for _, l := range links {
		if l.State() != peer.StateConnected {
			continue
		}
		if err := l.ReplaceOutboundTrack(kind, track); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Remote(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) acquireTracks(ctx context.Context) {
	if c.opts.Media == nil {
		return
	}
	c.mu.Lock()
	have := len(c.tracks) > 0
	c.mu.Unlock()
	if have {
		return
	}

	tracks, err := c.opts.Media.LocalTracks(ctx, c.opts.Config.Video)
	if err != nil {
		c.logger.Warn().Err(err).Msg("local media unavailable")
		if c.opts.Hooks.OnMediaError != nil {
			c.opts.Hooks.OnMediaError(err)
		}
	}
	c.mu.Lock()
	c.tracks = tracks
	c.mu.Unlock()
}

func (c *Controller) publishMembership() {
	if c.opts.Hooks.OnMembership == nil {
		return
	}
	c.mu.Lock()
	ch, members := c.channel, slices.Clone(c.members)
	c.mu.Unlock()
	c.opts.Hooks.OnMembership(ch, members)
}

// Links returns the current links sorted by remote id.
func (c *Controller) Links() []LinkInfo {
	c.mu.Lock()
	links := lo.Values(c.links)
	c.mu.Unlock()

	out := lo.Map(links, func(l *peer.Link, _ int) LinkInfo {
		return LinkInfo{Remote: l.Remote(), Role: l.Role(), State: l.State()}
	})
	slices.SortFunc(out, func(a, b LinkInfo) int {
		switch {
		case a.Remote < b.Remote:
			return -1
		case a.Remote > b.Remote:
			return 1
		}
		return 0
	})
	return out
}

func (c *Controller) Link(remote domain.ParticipantID) (*peer.Link, bool) {
	l := c.link(remote)
	return l, l != nil
}

func (c *Controller) Members() []domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.members)
}

func (c *Controller) Channel() domain.ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Tracked lists the participants with live voice activity detection.
func (c *Controller) Tracked() []domain.ParticipantID {
	return c.monitor.Participants()
}

// Close tears down every link and detector. The transport is left to its owner.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeAll()
	c.monitor.Close()
	c.cancel()
}
