package app

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("join rate limited")

type CoordinatorOptions struct {
	Policy  Policy
	Limiter *JoinRateLimiter
	Chat    ChatSink
	// ReportUnreachable answers a relay to a missing target with an error frame.
	ReportUnreachable bool
}

type connEntry struct {
	participant domain.Participant
	conn        core.SignalConnection
}

// Coordinator is the server-side rendezvous point: it maps participants to
// their live signaling connection and relays messages between them.
//
// Lock order: the registry calls Deliver with its own lock held, so the
// coordinator never calls the registry while holding mu.
type Coordinator struct {
	Registry *ChannelRegistry

	policy            Policy
	limiter           *JoinRateLimiter
	chat              ChatSink
	reportUnreachable bool

	mu    sync.RWMutex
	conns map[domain.ParticipantID]*connEntry
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		policy:            opts.Policy,
		limiter:           opts.Limiter,
		chat:              opts.Chat,
		reportUnreachable: opts.ReportUnreachable,
		conns:             make(map[domain.ParticipantID]*connEntry),
	}
	if c.policy == nil {
		c.policy = SimplePolicy{}
	}
	if c.chat == nil {
		c.chat = LogChatSink{}
	}
	c.Registry = NewRegistry(c)
	return c
}

// Connect binds conn to p. A newer connection for the same participant replaces the old one.
func (c *Coordinator) Connect(p domain.Participant, conn core.SignalConnection) {
	c.mu.Lock()
	old, replaced := c.conns[p.ID]
	c.conns[p.ID] = &connEntry{participant: p, conn: conn}
	c.mu.Unlock()

	if replaced && old.conn != conn {
		old.conn.Close()
		log.Info().Str("module", "app.coordinator").Str("participant", p.ID.String()).Msg("connection replaced")
		return
	}
	log.Info().Str("module", "app.coordinator").Str("participant", p.ID.String()).Msg("connected")
}

// Disconnect handles transport loss: the participant leaves every channel.
// A stale conn that has already been replaced is ignored.
func (c *Coordinator) Disconnect(id domain.ParticipantID, conn core.SignalConnection) {
	c.mu.Lock()
	e, ok := c.conns[id]
	if !ok || e.conn != conn {
		c.mu.Unlock()
		return
	}
	delete(c.conns, id)
	c.mu.Unlock()

	left := c.Registry.LeaveAll(id)
	c.limiter.Forget(id)
	log.Info().
		Str("module", "app.coordinator").
		Str("participant", id.String()).
		Int("channels", len(left)).
		Msg("disconnected")
}

// Kick closes the participant's connection and removes it from every channel.
func (c *Coordinator) Kick(id domain.ParticipantID) {
	c.mu.Lock()
	e, ok := c.conns[id]
	delete(c.conns, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	e.conn.Close()
	c.Registry.LeaveAll(id)
	log.Warn().Str("module", "app.coordinator").Str("participant", id.String()).Msg("kicked")
}

func (c *Coordinator) participant(id domain.ParticipantID) (domain.Participant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.conns[id]
	if !ok {
		return domain.Participant{}, false
	}
	return e.participant, true
}

// Connected reports whether id has a live connection.
func (c *Coordinator) Connected(id domain.ParticipantID) bool {
	_, ok := c.participant(id)
	return ok
}

// JoinChannel joins a connected participant to ch.
func (c *Coordinator) JoinChannel(id domain.ParticipantID, ch domain.Channel) (Snapshot, error) {
	p, ok := c.participant(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("join %s: participant %s: %w", ch.ID, id, domain.ErrNotFound)
	}
	if !c.limiter.Allow(id) {
		return Snapshot{}, ErrRateLimited
	}
	return c.Registry.Join(ch, p)
}

// RemoveMember takes id out of ch on an operator's behalf. Unlike a leave,
// the removed participant is told as well; its connection stays open.
func (c *Coordinator) RemoveMember(ch domain.ChannelID, id domain.ParticipantID) bool {
	return c.Registry.Remove(ch, id)
}

func (c *Coordinator) LeaveChannel(id domain.ParticipantID, ch domain.ChannelID) {
	if !c.Registry.Leave(ch, id) {
		log.Debug().Str("module", "app.coordinator").Str("participant", id.String()).Str("channel", ch.String()).Msg("leave: not a member")
	}
}

// Dispatch handles one message received from id's connection.
func (c *Coordinator) Dispatch(id domain.ParticipantID, msg core.Message) {
	// the authenticated identity is authoritative
	msg.From = id

	switch msg.Type {
	case core.TypeJoin:
		kind, err := domain.ParseChannelKind(string(msg.Kind))
		if err != nil || msg.Channel == "" {
			c.reply(id, core.NewError(core.CodeBadPayload, ""))
			return
		}
		_, err = c.JoinChannel(id, domain.Channel{ID: msg.Channel, Kind: kind})
		switch {
		case err == nil, errors.Is(err, domain.ErrAlreadyMember):
		case errors.Is(err, ErrRateLimited):
			c.reply(id, core.NewError(core.CodeRateLimited, ""))
		default:
			log.Warn().Err(err).Str("module", "app.coordinator").Str("participant", id.String()).Msg("join failed")
			c.reply(id, core.NewError(core.CodeJoinFailed, ""))
		}

	case core.TypeLeave:
		if msg.Channel == "" {
			c.Registry.LeaveAll(id)
			return
		}
		c.LeaveChannel(id, msg.Channel)

	case core.TypeOffer, core.TypeAnswer, core.TypeCandidate, core.TypeHangup:
		_ = c.Relay(msg)

	case core.TypeChat:
		c.relayChat(msg)

	default:
		log.Warn().Str("module", "app.coordinator").Str("type", string(msg.Type)).Msg("unexpected message from client")
	}
}

// Relay forwards a targeted message verbatim. A missing target, or one that
// shares no channel with the sender, yields ErrRelayTargetUnreachable; the
// sender only learns about it when ReportUnreachable is set.
func (c *Coordinator) Relay(msg core.Message) error {
	if !msg.Targeted() {
		return fmt.Errorf("relay %s: %w", msg.Type, core.ErrMalformed)
	}
	if !c.Connected(msg.To) || !c.Registry.Shares(msg.From, msg.To) {
		log.Warn().
			Str("module", "app.coordinator").
			Str("from", msg.From.String()).
			Str("to", msg.To.String()).
			Str("type", string(msg.Type)).
			Msg("relay target unreachable")
		if c.reportUnreachable {
			c.reply(msg.From, core.NewError(core.CodeUnreachable, msg.To))
		}
		return fmt.Errorf("relay %s to %s: %w", msg.Type, msg.To, domain.ErrRelayTargetUnreachable)
	}
	return c.Deliver(msg.To, msg)
}

func (c *Coordinator) relayChat(msg core.Message) {
	channels := c.Registry.ChannelsOf(msg.From)
	if msg.Channel != "" {
		if !slices.Contains(channels, msg.Channel) {
			log.Warn().Str("module", "app.coordinator").Str("from", msg.From.String()).Str("channel", msg.Channel.String()).Msg("chat to foreign channel")
			return
		}
		channels = []domain.ChannelID{msg.Channel}
	}
	for _, ch := range channels {
		out := msg
		out.Channel = ch
		for _, p := range c.Registry.MembersOf(ch) {
			if p.ID == msg.From {
				continue
			}
			_ = c.Deliver(p.ID, out)
		}
		if err := c.chat.Deliver(ch, msg.From, msg.Payload); err != nil {
			log.Error().Err(err).Str("module", "app.coordinator").Str("channel", ch.String()).Msg("chat sink")
		}
	}
}

// Deliver encodes msg and queues it on the target connection without blocking.
// A full queue is resolved by the backpressure policy.
func (c *Coordinator) Deliver(to domain.ParticipantID, msg core.Message) error {
	c.mu.RLock()
	e, ok := c.conns[to]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("deliver %s to %s: %w", msg.Type, to, domain.ErrRelayTargetUnreachable)
	}

	frame, err := core.Encode(msg)
	if err != nil {
		return err
	}
	err = e.conn.TrySend(frame)
	if errors.Is(err, core.ErrBackpressure) {
		action := c.policy.OnBackPressure(to, msg)
		log.Warn().
			Str("module", "app.coordinator").
			Str("participant", to.String()).
			Str("type", string(msg.Type)).
			Str("action", action.String()).
			Msg("backpressure")
		if action == KickMember {
			// may run under the registry lock
			go c.Kick(to)
		}
	}
	return err
}

func (c *Coordinator) reply(to domain.ParticipantID, msg core.Message) {
	if err := c.Deliver(to, msg); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Str("to", to.String()).Msg("reply")
	}
}
