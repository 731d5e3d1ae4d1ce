package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	offerCandidates  = "offerCandidates"
	answerCandidates = "answerCandidates"
)

func channelPrefix(ch domain.ChannelID) string { return "ch/" + ch.String() + "/" }
func membersPrefix(ch domain.ChannelID) string { return channelPrefix(ch) + "members/" }
func callsPrefix(ch domain.ChannelID) string   { return channelPrefix(ch) + "calls/" }
func chatPrefix(ch domain.ChannelID) string    { return channelPrefix(ch) + "chat/" }

func memberKey(ch domain.ChannelID, id domain.ParticipantID) string {
	return membersPrefix(ch) + id.String()
}

func callKey(ch domain.ChannelID, offerer, answerer domain.ParticipantID) string {
	return callsPrefix(ch) + offerer.String() + "|" + answerer.String()
}

// callDoc is the document shared by the two ends of one negotiation.
type callDoc struct {
	Offer  *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`
	// HungUp names the end that closed or declined this negotiation.
	HungUp domain.ParticipantID `json:"hungUp,omitempty"`
}

var errNoSuchCall = errors.New("no matching call")

type chatDoc struct {
	From    domain.ParticipantID `json:"from"`
	Payload json.RawMessage      `json:"payload"`
}

// Transport is a core.SignalTransport for one participant over a shared Store.
// It holds at most one channel membership at a time.
type Transport struct {
	store  *Store
	self   domain.Participant
	logger zerolog.Logger

	out  chan core.Message
	ctx  context.Context
	stop context.CancelFunc
	wg   conc.WaitGroup

	mu      sync.Mutex
	channel domain.ChannelID
	leave   context.CancelFunc
	// calls remembers which call document carries our side of each negotiation.
	calls map[domain.ParticipantID]string
	once  sync.Once
}

func NewTransport(store *Store, self domain.Participant) *Transport {
	ctx, stop := context.WithCancel(context.Background())
	return &Transport{
		store:  store,
		self:   self,
		logger: log.With().Str("module", "docstore").Str("participant", self.ID.String()).Logger(),
		out:    make(chan core.Message, 64),
		ctx:    ctx,
		stop:   stop,
		calls:  make(map[domain.ParticipantID]string),
	}
}

func (t *Transport) Messages() <-chan core.Message { return t.out }

func (t *Transport) Send(ctx context.Context, msg core.Message) error {
	if t.ctx.Err() != nil {
		return core.ErrConnClosed
	}
	switch msg.Type {
	case core.TypeJoin:
		return t.join(msg.Channel)
	case core.TypeLeave:
		return t.leaveChannel(msg.Channel)
	case core.TypeOffer:
		return t.sendOffer(msg.To, msg.SDP)
	case core.TypeAnswer:
		return t.sendAnswer(msg.To, msg.SDP)
	case core.TypeCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: candidate missing", core.ErrMalformed)
		}
		return t.sendCandidate(msg.To, *msg.Candidate)
	case core.TypeHangup:
		return t.sendHangup(msg.To, msg.SDP)
	case core.TypeChat:
		return t.sendChat(msg.Payload)
	default:
		return fmt.Errorf("%w: %s is not sent by participants", core.ErrMalformed, msg.Type)
	}
}

// Close leaves the current channel and ends the message stream.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.leaveChannel("")
		t.stop()
		t.wg.Wait()
		close(t.out)
	})
	return err
}

func (t *Transport) join(ch domain.ChannelID) error {
	if ch == "" {
		return fmt.Errorf("%w: join without channel", core.ErrMalformed)
	}
	t.mu.Lock()
	cur := t.channel
	t.mu.Unlock()
	if cur == ch {
		return nil
	}
	if cur != "" {
		// voice membership is exclusive
		if err := t.leaveChannel(cur); err != nil {
			return err
		}
	}

	doc, err := json.Marshal(t.self)
	if err != nil {
		return err
	}
	if err := t.store.Put(memberKey(ch, t.self.ID), doc); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(t.ctx)
	members, memberUpdates, err := t.store.Watch(ctx, membersPrefix(ch))
	if err != nil {
		cancel()
		return err
	}
	calls, callUpdates, err := t.store.Watch(ctx, callsPrefix(ch))
	if err != nil {
		cancel()
		return err
	}
	_, chatUpdates, err := t.store.Watch(ctx, chatPrefix(ch))
	if err != nil {
		cancel()
		return err
	}

	t.mu.Lock()
	t.channel = ch
	t.leave = cancel
	clear(t.calls)
	t.mu.Unlock()

	t.logger.Info().Str("channel", ch.String()).Int("members", len(members)).Msg("joined")
	w := &channelWatch{
		t:          t,
		ch:         ch,
		known:      map[domain.ParticipantID]bool{},
		offers:     map[string]string{},
		hangups:    map[string]string{},
		candidates: map[string]bool{},
	}
	t.wg.Go(func() {
		w.run(ctx, members, calls, memberUpdates, callUpdates, chatUpdates)
	})
	return nil
}

// leaveChannel removes our member document and every call we take part in.
// An empty ch means whatever channel is current.
func (t *Transport) leaveChannel(ch domain.ChannelID) error {
	t.mu.Lock()
	cur := t.channel
	if ch == "" {
		ch = cur
	}
	if ch == "" || ch != cur {
		t.mu.Unlock()
		return nil
	}
	t.channel = ""
	cancel := t.leave
	t.leave = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	var errs []error
	if err := t.store.Delete(memberKey(ch, t.self.ID)); err != nil {
		errs = append(errs, err)
	}
	calls, err := t.store.Scan(callsPrefix(ch))
	if err != nil {
		errs = append(errs, err)
	}
	for _, rec := range calls {
		ref, ok := parseCallKey(strings.TrimPrefix(rec.Key, callsPrefix(ch)))
		if !ok || ref.sub != "" {
			continue
		}
		if ref.offerer != t.self.ID && ref.answerer != t.self.ID {
			continue
		}
		if err := t.store.DeletePrefix(rec.Key + "/"); err != nil {
			errs = append(errs, err)
		}
		if err := t.store.Delete(rec.Key); err != nil {
			errs = append(errs, err)
		}
	}
	t.logger.Info().Str("channel", ch.String()).Msg("left")
	return errors.Join(errs...)
}

func (t *Transport) current() (domain.ChannelID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channel == "" {
		return "", fmt.Errorf("not in a channel: %w", domain.ErrNotFound)
	}
	return t.channel, nil
}

// reachable requires the target to hold a member document in our channel.
func (t *Transport) reachable(to domain.ParticipantID) (domain.ChannelID, error) {
	ch, err := t.current()
	if err != nil {
		return "", err
	}
	if !t.store.Exists(memberKey(ch, to)) {
		return "", fmt.Errorf("%s: %w", to, domain.ErrRelayTargetUnreachable)
	}
	return ch, nil
}

// sendOffer starts a fresh call document, dropping leftovers of an earlier negotiation.
func (t *Transport) sendOffer(to domain.ParticipantID, sdp string) error {
	ch, err := t.reachable(to)
	if err != nil {
		return err
	}
	key := callKey(ch, t.self.ID, to)
	if err := t.store.DeletePrefix(key + "/"); err != nil {
		return err
	}
	doc, err := json.Marshal(callDoc{Offer: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}})
	if err != nil {
		return err
	}
	if err := t.store.Put(key, doc); err != nil {
		return err
	}
	t.remember(to, key)
	return nil
}

func (t *Transport) sendAnswer(to domain.ParticipantID, sdp string) error {
	ch, err := t.reachable(to)
	if err != nil {
		return err
	}
	key := callKey(ch, to, t.self.ID)
	err = t.store.Update(key, func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, fmt.Errorf("no offer from %s: %w", to, domain.ErrNotFound)
		}
		var doc callDoc
		if err := json.Unmarshal(cur, &doc); err != nil {
			return nil, err
		}
		doc.Answer = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
		return json.Marshal(doc)
	})
	if err != nil {
		return err
	}
	t.remember(to, key)
	return nil
}

func (t *Transport) sendCandidate(to domain.ParticipantID, c webrtc.ICECandidateInit) error {
	if _, err := t.reachable(to); err != nil {
		return err
	}
	t.mu.Lock()
	key, ok := t.calls[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("candidate for %s before any description: %w", to, domain.ErrInvalidState)
	}
	sub := answerCandidates
	if strings.HasSuffix(key, "/"+t.self.ID.String()+"|"+to.String()) {
		sub = offerCandidates
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = t.store.Append(key+"/"+sub+"/", doc)
	return err
}

// sendHangup marks the call document negotiated from offerSDP, in either
// direction. Nothing matching means the negotiation is already gone.
func (t *Transport) sendHangup(to domain.ParticipantID, offerSDP string) error {
	ch, err := t.current()
	if err != nil {
		return err
	}
	for _, key := range []string{callKey(ch, t.self.ID, to), callKey(ch, to, t.self.ID)} {
		err := t.store.Update(key, func(cur []byte) ([]byte, error) {
			if cur == nil {
				return nil, errNoSuchCall
			}
			var doc callDoc
			if err := json.Unmarshal(cur, &doc); err != nil {
				return nil, err
			}
			if doc.Offer == nil || doc.Offer.SDP != offerSDP {
				return nil, errNoSuchCall
			}
			doc.HungUp = t.self.ID
			return json.Marshal(doc)
		})
		switch {
		case errors.Is(err, errNoSuchCall):
			continue
		case err != nil:
			return err
		}
		t.mu.Lock()
		if t.calls[to] == key {
			delete(t.calls, to)
		}
		t.mu.Unlock()
		return nil
	}
	t.logger.Debug().Str("remote", to.String()).Msg("hang-up without a call")
	return nil
}

// inChannel reports whether ch is still the current channel.
func (t *Transport) inChannel(ch domain.ChannelID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel == ch
}

func (t *Transport) sendChat(payload json.RawMessage) error {
	ch, err := t.current()
	if err != nil {
		return err
	}
	doc, err := json.Marshal(chatDoc{From: t.self.ID, Payload: payload})
	if err != nil {
		return err
	}
	_, err = t.store.Append(chatPrefix(ch), doc)
	return err
}

func (t *Transport) remember(remote domain.ParticipantID, key string) {
	t.mu.Lock()
	t.calls[remote] = key
	t.mu.Unlock()
}

func (t *Transport) emit(ctx context.Context, msg core.Message) bool {
	select {
	case t.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

type callRef struct {
	offerer  domain.ParticipantID
	answerer domain.ParticipantID
	sub      string
}

// parseCallKey splits "<offerer>|<answerer>[/<sub>/<seq>]".
func parseCallKey(rest string) (callRef, bool) {
	pair, sub, _ := strings.Cut(rest, "/")
	o, a, ok := strings.Cut(pair, "|")
	if !ok || o == "" || a == "" {
		return callRef{}, false
	}
	if sub != "" {
		sub, _, _ = strings.Cut(sub, "/")
	}
	return callRef{offerer: domain.ParticipantID(o), answerer: domain.ParticipantID(a), sub: sub}, true
}

// channelWatch turns document changes of one channel into signaling messages.
// A single goroutine keeps them in commit order.
type channelWatch struct {
	t  *Transport
	ch domain.ChannelID

	known map[domain.ParticipantID]bool
	// offers and hangups hold the last offer sdp handed on per call key.
	offers     map[string]string
	hangups    map[string]string
	candidates map[string]bool
}

func (w *channelWatch) run(ctx context.Context, members, calls []Record, memberUpdates, callUpdates, chatUpdates <-chan Record) {
	users := make([]domain.Participant, 0, len(members))
	for _, rec := range members {
		var p domain.Participant
		if err := json.Unmarshal(rec.Value, &p); err != nil {
			w.t.logger.Warn().Err(err).Str("key", rec.Key).Msg("bad member document")
			continue
		}
		w.known[p.ID] = true
		users = append(users, p)
	}
	if !w.t.emit(ctx, core.Message{Type: core.TypeUsers, Channel: w.ch, Kind: domain.ChannelVoice, Users: users}) {
		return
	}
	for _, rec := range calls {
		if !w.onCall(ctx, rec) {
			return
		}
	}

	for {
		var ok bool
		select {
		case <-ctx.Done():
			return
		case rec, open := <-memberUpdates:
			if !open {
				return
			}
			ok = w.onMember(ctx, rec)
		case rec, open := <-callUpdates:
			if !open {
				return
			}
			ok = w.onCall(ctx, rec)
		case rec, open := <-chatUpdates:
			if !open {
				return
			}
			ok = w.onChat(ctx, rec)
		}
		if !ok {
			return
		}
	}
}

func (w *channelWatch) onMember(ctx context.Context, rec Record) bool {
	id := domain.ParticipantID(strings.TrimPrefix(rec.Key, membersPrefix(w.ch)))
	if id == w.t.self.ID {
		// our own leave clears the channel before deleting, so this is a removal
		if !rec.Deleted || !w.t.inChannel(w.ch) {
			return true
		}
		w.t.logger.Info().Str("channel", w.ch.String()).Msg("member document removed")
		if err := w.t.leaveChannel(w.ch); err != nil {
			w.t.logger.Warn().Err(err).Str("channel", w.ch.String()).Msg("cleanup after removal")
		}
		// the watch context is gone now
		w.t.emit(w.t.ctx, core.NewLeave(w.ch, id))
		return false
	}
	if rec.Deleted {
		if !w.known[id] {
			return true
		}
		delete(w.known, id)
		return w.t.emit(ctx, core.NewLeave(w.ch, id))
	}
	if w.known[id] {
		return true
	}
	var p domain.Participant
	if err := json.Unmarshal(rec.Value, &p); err != nil {
		w.t.logger.Warn().Err(err).Str("key", rec.Key).Msg("bad member document")
		return true
	}
	w.known[id] = true
	return w.t.emit(ctx, core.NewJoin(w.ch, p))
}

func (w *channelWatch) onCall(ctx context.Context, rec Record) bool {
	if rec.Deleted {
		return true
	}
	ref, ok := parseCallKey(strings.TrimPrefix(rec.Key, callsPrefix(w.ch)))
	if !ok {
		return true
	}
	self := w.t.self.ID

	switch ref.sub {
	case "":
		var doc callDoc
		if err := json.Unmarshal(rec.Value, &doc); err != nil {
			w.t.logger.Warn().Err(err).Str("key", rec.Key).Msg("bad call document")
			return true
		}
		if doc.HungUp != "" {
			if doc.HungUp == self || doc.Offer == nil || (ref.offerer != self && ref.answerer != self) {
				return true
			}
			if w.hangups[rec.Key] == doc.Offer.SDP {
				return true
			}
			w.hangups[rec.Key] = doc.Offer.SDP
			return w.t.emit(ctx, core.NewHangup(doc.HungUp, self, doc.Offer.SDP))
		}
		switch {
		case ref.answerer == self && doc.Offer != nil && w.offers[rec.Key] != doc.Offer.SDP:
			// the answerer reads each offer once
			w.offers[rec.Key] = doc.Offer.SDP
			return w.t.emit(ctx, core.NewOffer(ref.offerer, self, doc.Offer.SDP))
		case ref.offerer == self && doc.Answer != nil:
			return w.t.emit(ctx, core.NewAnswer(ref.answerer, self, doc.Answer.SDP))
		}
	case offerCandidates, answerCandidates:
		from, to := ref.offerer, ref.answerer
		if ref.sub == answerCandidates {
			from, to = to, from
		}
		if to != self || w.candidates[rec.Key] {
			return true
		}
		w.candidates[rec.Key] = true
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(rec.Value, &c); err != nil {
			w.t.logger.Warn().Err(err).Str("key", rec.Key).Msg("bad candidate document")
			return true
		}
		return w.t.emit(ctx, core.NewCandidate(from, self, c))
	}
	return true
}

func (w *channelWatch) onChat(ctx context.Context, rec Record) bool {
	if rec.Deleted {
		return true
	}
	var doc chatDoc
	if err := json.Unmarshal(rec.Value, &doc); err != nil {
		w.t.logger.Warn().Err(err).Str("key", rec.Key).Msg("bad chat document")
		return true
	}
	if doc.From == w.t.self.ID {
		return true
	}
	msg := core.NewChatRelay(doc.From, doc.Payload)
	msg.Channel = w.ch
	return w.t.emit(ctx, msg)
}
