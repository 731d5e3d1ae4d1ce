package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/adapters/docstore"
	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/peer"
	"github.com/dkeye/voicemesh/internal/vad"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// loopTransport connects a controller to an in-process Coordinator.
type loopTransport struct {
	id    domain.ParticipantID
	coord *app.Coordinator
	conn  *loopConn
}

// loopConn is the coordinator's handle on the same pipe.
type loopConn struct {
	mu     sync.Mutex
	msgs   chan core.Message
	closed bool
}

func dial(coord *app.Coordinator, p domain.Participant) *loopTransport {
	t := &loopTransport{id: p.ID, coord: coord, conn: &loopConn{msgs: make(chan core.Message, 4096)}}
	coord.Connect(p, t.conn)
	return t
}

func (c *loopConn) TrySend(f core.Frame) error {
	msg, err := core.Decode(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.msgs <- msg:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *loopConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.msgs)
	}
}

func (c *loopConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (t *loopTransport) Send(_ context.Context, msg core.Message) error {
	if t.conn.isClosed() {
		return core.ErrConnClosed
	}
	t.coord.Dispatch(t.id, msg)
	return nil
}

func (t *loopTransport) Messages() <-chan core.Message { return t.conn.msgs }

// Close drops the connection without an explicit leave.
func (t *loopTransport) Close() error {
	t.conn.Close()
	t.coord.Disconnect(t.id, t.conn)
	return nil
}

type fakeSession struct {
	remote domain.ParticipantID
	emit   func(peer.Event)

	mu         sync.Mutex
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
	kinds      map[webrtc.RTPCodecType]bool
	closed     int
}

// offerSeq keeps offers distinct, as real session descriptions are.
var offerSeq atomic.Int64

func (s *fakeSession) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", offerSeq.Add(1))}, nil
}

func (s *fakeSession) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (s *fakeSession) SetLocalDescription(webrtc.SessionDescription) error {
	// trickle one candidate, like an ICE agent would after gathering starts
	go s.emit(peer.LocalCandidate(webrtc.ICECandidateInit{Candidate: "host " + string(s.remote)}))
	return nil
}

func (s *fakeSession) SetRemoteDescription(webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteSet {
		return errors.New("remote already set")
	}
	s.remoteSet = true
	return nil
}

func (s *fakeSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.remoteSet {
		return errors.New("candidate before description")
	}
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *fakeSession) AddTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[t.Kind()] = true
	return nil
}

func (s *fakeSession) ReplaceTrack(kind webrtc.RTPCodecType, _ webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.kinds[kind] {
		return domain.ErrNoSuchTrack
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) stats() (candidates, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates), s.closed
}

type sessions struct {
	mu   sync.Mutex
	byID map[domain.ParticipantID][]*fakeSession
}

func (s *sessions) factory() peer.SessionFactory {
	return func(remote domain.ParticipantID, emit func(peer.Event)) (peer.Session, error) {
		fs := &fakeSession{remote: remote, emit: emit, kinds: make(map[webrtc.RTPCodecType]bool)}
		s.mu.Lock()
		s.byID[remote] = append(s.byID[remote], fs)
		s.mu.Unlock()
		return fs, nil
	}
}

func (s *sessions) to(remote domain.ParticipantID) []*fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeSession(nil), s.byID[remote]...)
}

type staticMedia struct {
	tracks []webrtc.TrackLocal
	err    error
}

func (m staticMedia) LocalTracks(context.Context, bool) ([]webrtc.TrackLocal, error) {
	return m.tracks, m.err
}

// recordingTransport captures what a controller sends; nothing comes back.
type recordingTransport struct {
	mu   sync.Mutex
	sent []core.Message
}

func (r *recordingTransport) Send(_ context.Context, msg core.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingTransport) Messages() <-chan core.Message { return nil }
func (r *recordingTransport) Close() error                  { return nil }

func (r *recordingTransport) count(typ core.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.sent {
		if m.Type == typ {
			n++
		}
	}
	return n
}

type node struct {
	ctrl      *Controller
	transport core.SignalTransport
	sessions  *sessions
	done      chan struct{}
}

func participant(id string) domain.Participant {
	return domain.Participant{ID: domain.ParticipantID(id), DisplayName: id}
}

func newNode(t *testing.T, coord *app.Coordinator, id string, mutate ...func(*Options)) *node {
	t.Helper()
	p := participant(id)
	return newNodeOn(t, p, dial(coord, p), mutate...)
}

func newDocNode(t *testing.T, store *docstore.Store, id string, mutate ...func(*Options)) *node {
	t.Helper()
	p := participant(id)
	return newNodeOn(t, p, docstore.NewTransport(store, p), mutate...)
}

func newNodeOn(t *testing.T, p domain.Participant, tr core.SignalTransport, mutate ...func(*Options)) *node {
	t.Helper()
	id := p.ID.String()
	n := &node{
		transport: tr,
		sessions:  &sessions{byID: make(map[domain.ParticipantID][]*fakeSession)},
		done:      make(chan struct{}),
	}
	opts := Options{
		Self:       p,
		Transport:  n.transport,
		NewSession: n.sessions.factory(),
		Media:      staticMedia{tracks: []webrtc.TrackLocal{micTrack(t, id)}},
		Config:     Config{VoiceMode: VoiceIndependent, NegotiationTimeout: 5 * time.Second},
	}
	for _, m := range mutate {
		m(&opts)
	}
	n.ctrl = New(opts)
	go func() {
		defer close(n.done)
		_ = n.ctrl.Run(context.Background())
	}()
	t.Cleanup(func() {
		_ = n.transport.Close()
		<-n.done
		n.ctrl.Close()
	})
	return n
}

func micTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic-"+id, id)
	require.NoError(t, err)
	return tr
}

func allConnected(n *node, want int) func() bool {
	return func() bool {
		links := n.ctrl.Links()
		if len(links) != want {
			return false
		}
		for _, l := range links {
			if l.State != peer.StateConnected {
				return false
			}
		}
		return true
	}
}

const channel = domain.ChannelID("general")

// pair joins a, then b, and waits for their link.
func pair(t *testing.T, a, b *node) {
	t.Helper()
	require.NoError(t, a.ctrl.Join(context.Background(), channel))
	require.Eventually(t, func() bool { return len(a.ctrl.Members()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.ctrl.Join(context.Background(), channel))
	require.Eventually(t, allConnected(a, 1), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, allConnected(b, 1), 2*time.Second, 5*time.Millisecond)
}

func noLinks(n *node) func() bool {
	return func() bool { return len(n.ctrl.Links()) == 0 }
}

func TestTwoPartiesConnect(t *testing.T) {
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	a := newNode(t, coord, "a")
	b := newNode(t, coord, "b")

	require.NoError(t, a.ctrl.Join(context.Background(), channel))
	require.Eventually(t, func() bool { return len(a.ctrl.Members()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.ctrl.Join(context.Background(), channel))

	require.Eventually(t, allConnected(a, 1), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, allConnected(b, 1), 2*time.Second, 5*time.Millisecond)

	require.Equal(t, peer.RoleInitiator, a.ctrl.Links()[0].Role, "the member already present initiates")
	require.Equal(t, peer.RoleResponder, b.ctrl.Links()[0].Role)

	// candidates flowed both ways and were applied
	require.Eventually(t, func() bool {
		ca, _ := a.sessions.to("b")[0].stats()
		cb, _ := b.sessions.to("a")[0].stats()
		return ca == 1 && cb == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFullMeshAndAbruptDisconnect(t *testing.T) {
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	ids := []string{"a", "b", "c", "d"}
	nodes := make(map[string]*node, len(ids))
	for i, id := range ids {
		n := newNode(t, coord, id)
		nodes[id] = n
		require.NoError(t, n.ctrl.Join(context.Background(), channel))
		for _, prev := range ids[:i+1] {
			require.Eventually(t, allConnected(nodes[prev], i), 2*time.Second, 5*time.Millisecond, prev)
		}
	}

	pairs := map[[2]domain.ParticipantID]bool{}
	for id, n := range nodes {
		for _, l := range n.ctrl.Links() {
			pair := [2]domain.ParticipantID{domain.ParticipantID(id), l.Remote}
			if pair[0] > pair[1] {
				pair[0], pair[1] = pair[1], pair[0]
			}
			pairs[pair] = true
		}
	}
	require.Len(t, pairs, len(ids)*(len(ids)-1)/2)

	// a watches c's audio
	nodes["a"].ctrl.AttachAudio("c", &silentSource{})
	require.Contains(t, nodes["a"].ctrl.Tracked(), domain.ParticipantID("c"))

	require.NoError(t, nodes["c"].transport.Close())

	for _, id := range []string{"a", "b", "d"} {
		n := nodes[id]
		require.Eventually(t, allConnected(n, 2), 2*time.Second, 5*time.Millisecond, id)
		_, ok := n.ctrl.Link("c")
		require.False(t, ok)
		require.Len(t, n.ctrl.Members(), 3)

		toC := n.sessions.to("c")
		require.Len(t, toC, 1)
		_, closed := toC[0].stats()
		require.Equal(t, 1, closed, "link to c closed exactly once")
	}
	require.NotContains(t, nodes["a"].ctrl.Tracked(), domain.ParticipantID("c"))
	require.Len(t, coord.Registry.MembersOf(channel), 3)
}

func TestIndependentToggleKeepsMembership(t *testing.T) {
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	a := newNode(t, coord, "a")
	b := newNode(t, coord, "b")
	require.NoError(t, a.ctrl.Join(context.Background(), channel))
	require.Eventually(t, func() bool { return len(a.ctrl.Members()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.ctrl.Join(context.Background(), channel))
	require.Eventually(t, allConnected(b, 1), 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.ctrl.OnLocalCallToggle(context.Background(), false))
	require.Empty(t, b.ctrl.Links())
	require.Len(t, coord.Registry.MembersOf(channel), 2)
	// a learns about it from b, not from its media engine
	require.Eventually(t, noLinks(a), 2*time.Second, 5*time.Millisecond)
	require.Len(t, a.ctrl.Members(), 2)

	require.NoError(t, b.ctrl.OnLocalCallToggle(context.Background(), true))
	require.Eventually(t, allConnected(b, 1), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, allConnected(a, 1), 2*time.Second, 5*time.Millisecond)
	require.Equal(t, peer.RoleInitiator, b.ctrl.Links()[0].Role)
	require.Equal(t, peer.RoleResponder, a.ctrl.Links()[0].Role)
}

func TestTiedToggleLeavesChannel(t *testing.T) {
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	tied := func(o *Options) { o.Config.VoiceMode = VoiceTied }
	a := newNode(t, coord, "a", tied)
	b := newNode(t, coord, "b", tied)
	require.NoError(t, a.ctrl.Join(context.Background(), channel))
	require.Eventually(t, func() bool { return len(a.ctrl.Members()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.ctrl.Join(context.Background(), channel))
	require.Eventually(t, allConnected(a, 1), 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.ctrl.OnLocalCallToggle(context.Background(), false))

	require.Eventually(t, func() bool { return len(a.ctrl.Links()) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []domain.Participant{{ID: "a", DisplayName: "a"}}, coord.Registry.MembersOf(channel))
	require.Empty(t, b.ctrl.Channel())
}

func TestReplaceTrackAggregatesFailures(t *testing.T) {
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	a := newNode(t, coord, "a")
	b := newNode(t, coord, "b")
	require.NoError(t, a.ctrl.Join(context.Background(), channel))
	require.Eventually(t, func() bool { return len(a.ctrl.Members()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.ctrl.Join(context.Background(), channel))
	require.Eventually(t, allConnected(a, 1), 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.ctrl.ReplaceTrack(webrtc.RTPCodecTypeAudio, micTrack(t, "a2")))

	screen, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "a")
	require.NoError(t, err)
	err = a.ctrl.ReplaceTrack(webrtc.RTPCodecTypeVideo, screen)
	require.ErrorIs(t, err, domain.ErrNoSuchTrack)
	require.ErrorContains(t, err, "b")

	// a nil track mutes the kind without failing
	require.NoError(t, a.ctrl.ReplaceTrack(webrtc.RTPCodecTypeAudio, nil))
}

func TestMediaDeniedContinuesWithoutTracks(t *testing.T) {
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	var mediaErr error
	a := newNode(t, coord, "a", func(o *Options) {
		o.Media = staticMedia{err: domain.ErrMediaAccessDenied}
		o.Hooks.OnMediaError = func(err error) { mediaErr = err }
	})
	require.NoError(t, a.ctrl.Join(context.Background(), channel))
	require.ErrorIs(t, mediaErr, domain.ErrMediaAccessDenied)
	require.Equal(t, channel, a.ctrl.Channel())
}

func TestSimultaneousEnableConverges(t *testing.T) {
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	a := newNode(t, coord, "a")
	b := newNode(t, coord, "b")
	pair(t, a, b)

	// both drop voice, then both enable at once
	require.NoError(t, a.ctrl.OnLocalCallToggle(context.Background(), false))
	require.NoError(t, b.ctrl.OnLocalCallToggle(context.Background(), false))

	var wg sync.WaitGroup
	for _, n := range []*node{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.ctrl.OnLocalCallToggle(context.Background(), true)
		}()
	}
	wg.Wait()

	require.Eventually(t, allConnected(a, 1), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, allConnected(b, 1), 2*time.Second, 5*time.Millisecond)
	require.NotEqual(t, a.ctrl.Links()[0].Role, b.ctrl.Links()[0].Role)
}

func TestGlareSmallerIDKeepsInitiator(t *testing.T) {
	tests := []struct {
		self     string
		keepsOwn bool
	}{
		{self: "a", keepsOwn: true},
		{self: "c", keepsOwn: false},
	}
	for _, tt := range tests {
		t.Run(tt.self, func(t *testing.T) {
			ctx := context.Background()
			rec := &recordingTransport{}
			ctrl := New(Options{
				Self:       participant(tt.self),
				Transport:  rec,
				NewSession: (&sessions{byID: make(map[domain.ParticipantID][]*fakeSession)}).factory(),
				Config:     Config{VoiceMode: VoiceIndependent},
			})
			t.Cleanup(ctrl.Close)

			ctrl.OnMembership(channel, []domain.Participant{participant(tt.self)})
			ctrl.OnMemberJoined(ctx, channel, participant("b"))
			require.Equal(t, 1, rec.count(core.TypeOffer))

			// b offered at the same time
			ctrl.handle(ctx, core.NewOffer("b", domain.ParticipantID(tt.self), "offer-from-b"))

			l, ok := ctrl.Link("b")
			require.True(t, ok)
			if tt.keepsOwn {
				require.Equal(t, peer.RoleInitiator, l.Role())
				require.Equal(t, peer.StateOfferSent, l.State())
				require.Zero(t, rec.count(core.TypeAnswer))
				return
			}
			require.Equal(t, peer.RoleResponder, l.Role())
			require.Equal(t, "offer-from-b", l.OfferSDP())
			require.Equal(t, 1, rec.count(core.TypeAnswer))
		})
	}
}

func TestOfferDeclinedWhileVoiceOff(t *testing.T) {
	ctx := context.Background()
	rec := &recordingTransport{}
	ctrl := New(Options{
		Self:       participant("b"),
		Transport:  rec,
		NewSession: (&sessions{byID: make(map[domain.ParticipantID][]*fakeSession)}).factory(),
		Config:     Config{VoiceMode: VoiceIndependent},
	})
	t.Cleanup(ctrl.Close)
	ctrl.OnMembership(channel, []domain.Participant{participant("a"), participant("b")})
	require.NoError(t, ctrl.OnLocalCallToggle(ctx, false))

	ctrl.handle(ctx, core.NewOffer("a", "b", "offer-from-a"))
	require.Empty(t, ctrl.Links())
	require.Equal(t, 1, rec.count(core.TypeHangup))
	rec.mu.Lock()
	last := rec.sent[len(rec.sent)-1]
	rec.mu.Unlock()
	require.Equal(t, core.NewHangup("b", "a", "offer-from-a"), last)
}

func TestStaggeredEnableAfterDecline(t *testing.T) {
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	short := func(o *Options) { o.Config.NegotiationTimeout = 300 * time.Millisecond }
	a := newNode(t, coord, "a", short)
	b := newNode(t, coord, "b", short)
	pair(t, a, b)

	require.NoError(t, a.ctrl.OnLocalCallToggle(context.Background(), false))
	require.NoError(t, b.ctrl.OnLocalCallToggle(context.Background(), false))
	require.Eventually(t, noLinks(a), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, noLinks(b), 2*time.Second, 5*time.Millisecond)

	// a offers while b is still off, b declines, then b comes back well
	// inside a's negotiation timeout
	require.NoError(t, a.ctrl.OnLocalCallToggle(context.Background(), true))
	require.Len(t, a.ctrl.Links(), 1)
	require.Eventually(t, noLinks(a), 200*time.Millisecond, 2*time.Millisecond)
	require.NoError(t, b.ctrl.OnLocalCallToggle(context.Background(), true))

	require.Eventually(t, allConnected(a, 1), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, allConnected(b, 1), 2*time.Second, 5*time.Millisecond)

	// past the negotiation timeout the link is still there
	time.Sleep(400 * time.Millisecond)
	require.True(t, allConnected(a, 1)())
	require.True(t, allConnected(b, 1)())
	require.Equal(t, peer.RoleResponder, a.ctrl.Links()[0].Role)
	require.Equal(t, peer.RoleInitiator, b.ctrl.Links()[0].Role)
}

func TestStaleHangupKeepsNewerLink(t *testing.T) {
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	a := newNode(t, coord, "a")
	b := newNode(t, coord, "b")
	pair(t, a, b)

	l, ok := a.ctrl.Link("b")
	require.True(t, ok)
	a.ctrl.handle(context.Background(), core.NewHangup("b", "a", "offer-from-an-older-call"))
	require.True(t, allConnected(a, 1)())

	a.ctrl.handle(context.Background(), core.NewHangup("b", "a", l.OfferSDP()))
	require.Empty(t, a.ctrl.Links())
}

func TestRemovedParticipantTearsDown(t *testing.T) {
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	var emptied atomic.Bool
	a := newNode(t, coord, "a")
	b := newNode(t, coord, "b", func(o *Options) {
		o.Hooks.OnMembership = func(_ domain.ChannelID, members []domain.Participant) {
			emptied.Store(len(members) == 0)
		}
	})
	pair(t, a, b)

	require.True(t, coord.RemoveMember(channel, "b"))

	// the membership hook fires after the links are gone
	require.Eventually(t, emptied.Load, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, b.ctrl.Channel())
	require.Empty(t, b.ctrl.Links())
	require.Empty(t, b.ctrl.Members())
	require.Eventually(t, noLinks(a), 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []domain.Participant{participant("a")}, coord.Registry.MembersOf(channel))
	require.True(t, coord.Connected("b"))

	// the connection survived, so b can come back
	require.NoError(t, b.ctrl.Join(context.Background(), channel))
	require.Eventually(t, allConnected(a, 1), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, allConnected(b, 1), 2*time.Second, 5*time.Millisecond)
}

func TestFullMeshOverDocumentStore(t *testing.T) {
	store, err := docstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ids := []string{"a", "b", "c"}
	nodes := make(map[string]*node, len(ids))
	for i, id := range ids {
		n := newDocNode(t, store, id)
		nodes[id] = n
		require.NoError(t, n.ctrl.Join(context.Background(), channel))
		for _, prev := range ids[:i+1] {
			require.Eventually(t, allConnected(nodes[prev], i), 2*time.Second, 5*time.Millisecond, prev)
		}
	}
	require.Equal(t, peer.RoleInitiator, nodes["a"].ctrl.Links()[0].Role)
	require.Equal(t, peer.RoleResponder, nodes["c"].ctrl.Links()[0].Role)

	// c vanishes without leaving first
	require.NoError(t, nodes["c"].transport.Close())

	for _, id := range []string{"a", "b"} {
		n := nodes[id]
		require.Eventually(t, allConnected(n, 1), 2*time.Second, 5*time.Millisecond, id)
		_, ok := n.ctrl.Link("c")
		require.False(t, ok)
		require.Len(t, n.ctrl.Members(), 2)
	}
}

func TestIndependentToggleOverDocumentStore(t *testing.T) {
	store, err := docstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	a := newDocNode(t, store, "a")
	b := newDocNode(t, store, "b")
	pair(t, a, b)

	require.NoError(t, b.ctrl.OnLocalCallToggle(context.Background(), false))
	require.Eventually(t, noLinks(a), 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.ctrl.OnLocalCallToggle(context.Background(), true))
	require.Eventually(t, allConnected(a, 1), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, allConnected(b, 1), 2*time.Second, 5*time.Millisecond)
}

func TestSpeakingEventsFromAttachedAudio(t *testing.T) {
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	events := make(chan vad.Event, 8)
	a := newNode(t, coord, "a", func(o *Options) {
		o.VAD = vad.Config{Interval: time.Millisecond}
		o.Hooks.OnSpeaking = func(ev vad.Event) { events <- ev }
	})

	a.ctrl.AttachAudio("a", &loudSource{})
	select {
	case ev := <-events:
		require.Equal(t, vad.Event{Participant: "a", Speaking: true}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no speaking event")
	}

	a.ctrl.SetMuted(true)
	select {
	case ev := <-events:
		require.False(t, ev.Speaking)
	case <-time.After(2 * time.Second):
		t.Fatal("mute did not release speaking")
	}
}

type silentSource struct{}

func (silentSource) Frame() ([]byte, error) { return make([]byte, 16), nil }
func (silentSource) Close() error           { return nil }

type loudSource struct{}

func (loudSource) Frame() ([]byte, error) {
	f := make([]byte, 16)
	for i := range f {
		f[i] = 200
	}
	return f, nil
}
func (loudSource) Close() error { return nil }
