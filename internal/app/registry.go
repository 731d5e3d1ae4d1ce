package app

import (
	"slices"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Notifier delivers a registry event to one participant.
// Deliver is called with the registry lock held and must not call back into the registry.
type Notifier interface {
	Deliver(to domain.ParticipantID, msg core.Message) error
}

// Snapshot is the membership of one channel at the moment of a join.
type Snapshot struct {
	Channel domain.Channel
	Members []domain.Participant
}

// ChannelInfo is a read-only view for listings.
type ChannelInfo struct {
	ID      domain.ChannelID   `json:"id"`
	Kind    domain.ChannelKind `json:"kind"`
	Members int                `json:"members"`
}

type channelState struct {
	channel domain.Channel
	members []domain.Member // join order
}

func (s *channelState) index(id domain.ParticipantID) int {
	return slices.IndexFunc(s.members, func(m domain.Member) bool { return m.Participant.ID == id })
}

func (s *channelState) participants() []domain.Participant {
	return lo.Map(s.members, func(m domain.Member, _ int) domain.Participant { return m.Participant })
}

// ChannelRegistry is the authoritative membership of all channels.
// Every join and leave runs inside one critical section, including the
// broadcasts it causes, so members observe membership changes in one order.
type ChannelRegistry struct {
	notifier Notifier
	now      func() time.Time

	mu       sync.Mutex
	channels map[domain.ChannelID]*channelState
	voice    map[domain.ParticipantID]domain.ChannelID
}

func NewRegistry(n Notifier) *ChannelRegistry {
	return &ChannelRegistry{
		notifier: n,
		now:      time.Now,
		channels: make(map[domain.ChannelID]*channelState),
		voice:    make(map[domain.ParticipantID]domain.ChannelID),
	}
}

// Join adds p to ch, creating the channel on first join. The joiner receives
// the full membership, every other member receives a join event. Joining a
// second voice channel leaves the first one. A repeated join returns the
// snapshot with ErrAlreadyMember and broadcasts nothing.
func (r *ChannelRegistry) Join(ch domain.Channel, p domain.Participant) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.channels[ch.ID]
	if !ok {
		state = &channelState{channel: ch}
		r.channels[ch.ID] = state
		log.Info().Str("module", "app.registry").Str("channel", ch.ID.String()).Str("kind", string(ch.Kind)).Msg("channel created")
	}
	// the kind of an existing channel wins
	ch = state.channel

	if state.index(p.ID) >= 0 {
		snap := Snapshot{Channel: ch, Members: state.participants()}
		r.deliver(p.ID, usersMessage(snap))
		return snap, domain.ErrAlreadyMember
	}

	if ch.Exclusive() {
		if prev, ok := r.voice[p.ID]; ok && prev != ch.ID {
			r.leaveLocked(prev, p.ID)
		}
		r.voice[p.ID] = ch.ID
	}

	others := state.participants()
	state.members = append(state.members, domain.NewMember(p, r.now()))
	snap := Snapshot{Channel: ch, Members: state.participants()}

	r.deliver(p.ID, usersMessage(snap))
	join := core.NewJoin(ch.ID, p)
	join.Kind = ch.Kind
	for _, other := range others {
		r.deliver(other.ID, join)
	}

	log.Info().
		Str("module", "app.registry").
		Str("channel", ch.ID.String()).
		Str("participant", p.ID.String()).
		Int("members", len(state.members)).
		Msg("joined")
	return snap, nil
}

// Leave removes id from ch and notifies the remaining members.
// It reports false when id was not a member.
func (r *ChannelRegistry) Leave(ch domain.ChannelID, id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(ch, id)
}

// Remove is Leave for an external removal: the removed participant receives
// the same leave event as the remaining members.
func (r *ChannelRegistry) Remove(ch domain.ChannelID, id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.leaveLocked(ch, id) {
		return false
	}
	r.deliver(id, core.NewLeave(ch, id))
	return true
}

// LeaveAll removes id from every channel; used on transport loss.
func (r *ChannelRegistry) LeaveAll(id domain.ParticipantID) []domain.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []domain.ChannelID
	for chID, state := range r.channels {
		if state.index(id) >= 0 {
			left = append(left, chID)
		}
	}
	slices.Sort(left)
	for _, chID := range left {
		r.leaveLocked(chID, id)
	}
	return left
}

func (r *ChannelRegistry) leaveLocked(ch domain.ChannelID, id domain.ParticipantID) bool {
	state, ok := r.channels[ch]
	if !ok {
		return false
	}
	i := state.index(id)
	if i < 0 {
		return false
	}
	state.members = slices.Delete(state.members, i, i+1)
	if r.voice[id] == ch {
		delete(r.voice, id)
	}

	leave := core.NewLeave(ch, id)
	for _, m := range state.members {
		r.deliver(m.Participant.ID, leave)
	}

	log.Info().
		Str("module", "app.registry").
		Str("channel", ch.String()).
		Str("participant", id.String()).
		Int("members", len(state.members)).
		Msg("left")

	if len(state.members) == 0 {
		delete(r.channels, ch)
		log.Info().Str("module", "app.registry").Str("channel", ch.String()).Msg("channel collected")
	}
	return true
}

func (r *ChannelRegistry) deliver(to domain.ParticipantID, msg core.Message) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Deliver(to, msg); err != nil {
		log.Warn().Err(err).
			Str("module", "app.registry").
			Str("to", to.String()).
			Str("type", string(msg.Type)).
			Msg("deliver failed")
	}
}

// MembersOf returns the participants of ch in join order.
func (r *ChannelRegistry) MembersOf(ch domain.ChannelID) []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.channels[ch]
	if !ok {
		return nil
	}
	return state.participants()
}

// Members returns the membership records of ch, or ErrNotFound.
func (r *ChannelRegistry) Members(ch domain.ChannelID) ([]domain.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.channels[ch]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return slices.Clone(state.members), nil
}

func (r *ChannelRegistry) Channels() []ChannelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := lo.MapToSlice(r.channels, func(id domain.ChannelID, s *channelState) ChannelInfo {
		return ChannelInfo{ID: id, Kind: s.channel.Kind, Members: len(s.members)}
	})
	slices.SortFunc(out, func(a, b ChannelInfo) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// ChannelsOf lists the channels id belongs to.
func (r *ChannelRegistry) ChannelsOf(id domain.ParticipantID) []domain.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ChannelID
	for chID, state := range r.channels {
		if state.index(id) >= 0 {
			out = append(out, chID)
		}
	}
	slices.Sort(out)
	return out
}

// VoiceChannelOf returns the voice channel id currently belongs to.
func (r *ChannelRegistry) VoiceChannelOf(id domain.ParticipantID) (domain.ChannelID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.voice[id]
	return ch, ok
}

// Shares reports whether a and b are members of a common channel.
func (r *ChannelRegistry) Shares(a, b domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range r.channels {
		if state.index(a) >= 0 && state.index(b) >= 0 {
			return true
		}
	}
	return false
}

func usersMessage(s Snapshot) core.Message {
	m := core.NewUsers(s.Channel.ID, s.Members)
	m.Kind = s.Channel.Kind
	return m
}
