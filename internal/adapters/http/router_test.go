package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/adapters/wsclient"
	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*httptest.Server, *app.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:       "test",
		Secret:     "test-secret",
		StaticPath: t.TempDir(),
		ReadLimit:  32768,
		PingPeriod: time.Second,
		WriteWait:  time.Second,
		SendBuffer: 32,
	}
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, coord))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, coord
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
}

func next(t *testing.T, tr *wsclient.Transport) core.Message {
	t.Helper()
	select {
	case m, ok := <-tr.Messages():
		require.True(t, ok, "transport closed")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return core.Message{}
	}
}

func dial(t *testing.T, srv *httptest.Server, id string, ch domain.ChannelID) *wsclient.Transport {
	t.Helper()
	tr, err := wsclient.Dial(context.Background(), wsURL(srv), domain.Participant{ID: domain.ParticipantID(id), DisplayName: id}, ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestSocketRelayEndToEnd(t *testing.T) {
	srv, coord := newServer(t)

	a := dial(t, srv, "a", "general")
	users := next(t, a)
	require.Equal(t, core.TypeUsers, users.Type)
	require.Len(t, users.Users, 1)

	b := dial(t, srv, "b", "general")
	require.Equal(t, core.TypeUsers, next(t, b).Type)

	joined := next(t, a)
	require.Equal(t, core.TypeJoin, joined.Type)
	require.Equal(t, domain.ParticipantID("b"), joined.Participant.ID)

	// the server stamps the sender
	require.NoError(t, a.Send(context.Background(), core.NewOffer("spoofed", "b", "v=0 offer")))
	offer := next(t, b)
	require.Equal(t, core.TypeOffer, offer.Type)
	require.Equal(t, domain.ParticipantID("a"), offer.From)
	require.Equal(t, "v=0 offer", offer.SDP)

	require.NoError(t, b.Send(context.Background(), core.NewAnswer("b", "a", "v=0 answer")))
	require.Equal(t, core.TypeAnswer, next(t, a).Type)

	// abrupt loss of b
	require.NoError(t, b.Close())
	left := next(t, a)
	require.Equal(t, core.TypeLeave, left.Type)
	require.Equal(t, domain.ParticipantID("b"), left.ParticipantID)
	require.Eventually(t, func() bool { return !coord.Connected("b") }, time.Second, 5*time.Millisecond)
}

func TestJoinAfterConnect(t *testing.T) {
	srv, coord := newServer(t)
	a := dial(t, srv, "a", "")

	require.NoError(t, a.Send(context.Background(), core.Message{Type: core.TypeJoin, Channel: "text", Kind: domain.ChannelText}))
	users := next(t, a)
	require.Equal(t, core.TypeUsers, users.Type)
	require.Equal(t, domain.ChannelText, users.Kind)
	require.Equal(t, []domain.ChannelID{"text"}, coord.Registry.ChannelsOf("a"))
}

func TestBadFrameGetsErrorReply(t *testing.T) {
	srv, _ := newServer(t)
	a := dial(t, srv, "a", "")

	require.NoError(t, a.Send(context.Background(), core.Message{Type: core.TypeOffer}))
	reply := next(t, a)
	require.Equal(t, core.TypeError, reply.Type)
	require.Equal(t, core.CodeBadPayload, reply.Error)
}

func TestChannelEndpoints(t *testing.T) {
	srv, coord := newServer(t)
	a := dial(t, srv, "a", "general")
	next(t, a)

	resp, err := http.Get(srv.URL + "/api/channels")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Channels []app.ChannelInfo `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Equal(t, []app.ChannelInfo{{ID: "general", Kind: domain.ChannelVoice, Members: 1}}, list.Channels)

	resp2, err := http.Get(srv.URL + "/api/channels/general/members")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var members struct {
		Members []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&members))
	require.Len(t, members.Members, 1)
	require.Equal(t, "a", members.Members[0].ID)

	resp3, err := http.Get(srv.URL + "/api/channels/nope/members")
	require.NoError(t, err)
	resp3.Body.Close()
	require.Equal(t, http.StatusNotFound, resp3.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/channels/general/members/a", nil)
	require.NoError(t, err)
	resp4, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp4.Body.Close()
	require.Equal(t, http.StatusNoContent, resp4.StatusCode)
	require.Empty(t, coord.Registry.Channels())
	require.True(t, coord.Connected("a"))

	// the removed participant hears about it on its own socket
	removed := next(t, a)
	require.Equal(t, core.TypeLeave, removed.Type)
	require.Equal(t, domain.ParticipantID("a"), removed.ParticipantID)
	require.Equal(t, domain.ChannelID("general"), removed.Channel)
}

func TestRenameIsRememberedBySession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	coord := app.NewCoordinator(app.CoordinatorOptions{})
	r := SetupRouter(context.Background(), &config.Config{Mode: "test", Secret: "s", StaticPath: t.TempDir()}, coord)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/whoami", strings.NewReader(`{"name":"Ann"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	for _, c := range w.Result().Cookies() {
		req2.AddCookie(c)
	}
	r.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)

	var who struct {
		Participant domain.Participant `json:"participant"`
	}
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &who))
	require.Equal(t, "Ann", who.Participant.DisplayName)
	require.NotEmpty(t, who.Participant.ID)
}

func TestRenameRejectsEmpty(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := SetupRouter(context.Background(), &config.Config{Mode: "test", Secret: "s"}, app.NewCoordinator(app.CoordinatorOptions{}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/whoami", strings.NewReader(`{"name":""}`))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
