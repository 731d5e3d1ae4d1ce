package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/voicemesh/internal/adapters/signal"
	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	coord  *app.Coordinator
	signal *signal.SignalWSController
}

type NickRequest struct {
	Name string `json:"name"`
}

// resolveIdentity prefers the handshake query (userId, username) and falls
// back to the session: the client token cookie and a stored display name.
func resolveIdentity(c *gin.Context) (domain.Participant, error) {
	id := c.Query("userId")
	if id == "" {
		id = c.GetString(clientTokenKey)
	}
	name := c.Query("username")
	if name == "" {
		if stored, ok := sessions.Default(c).Get(displayNameKey).(string); ok {
			name = stored
		}
	}
	if name == "" {
		name = "guest"
	}
	return domain.NewParticipant(id, name)
}

func (h *handlers) whoAmI(c *gin.Context) {
	p, err := resolveIdentity(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"participant": p, "channels": h.coord.Registry.ChannelsOf(p.ID)}
	if ch, ok := h.coord.Registry.VoiceChannelOf(p.ID); ok {
		resp["voice"] = ch
	}
	c.JSON(http.StatusOK, resp)
}

// rename stores the display name used by later handshakes of this browser.
func (h *handlers) rename(c *gin.Context) {
	var req NickRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
		return
	}
	p, err := domain.NewParticipant(c.GetString(clientTokenKey), req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := sessions.Default(c)
	s.Set(displayNameKey, p.DisplayName)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant": p})
}

func (h *handlers) listChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": h.coord.Registry.Channels()})
}

func (h *handlers) listMembers(c *gin.Context) {
	members, err := h.coord.Registry.Members(domain.ChannelID(c.Param("id")))
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	out := make([]gin.H, 0, len(members))
	for _, m := range members {
		out = append(out, gin.H{
			"id":          m.Participant.ID,
			"displayName": m.Participant.DisplayName,
			"joinedAt":    m.JoinedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"members": out})
}

// removeMember takes a participant out of one channel; its connection stays open.
func (h *handlers) removeMember(c *gin.Context) {
	ch := domain.ChannelID(c.Param("id"))
	pid := domain.ParticipantID(c.Param("pid"))
	if !h.coord.RemoveMember(ch, pid) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not a member"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("channel", ch.String()).Str("participant", pid.String()).Msg("member removed")
	c.Status(http.StatusNoContent)
}

func (h *handlers) serveSignal(ctx context.Context, c *gin.Context) {
	p, err := resolveIdentity(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var join *domain.Channel
	if ch := c.Query("channel"); ch != "" {
		kind, err := domain.ParseChannelKind(c.Query("kind"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		join = &domain.Channel{ID: domain.ChannelID(ch), Kind: kind}
	}

	log.Info().Str("module", "adapters.http").Str("participant", p.ID.String()).Msg("ws signal endpoint hit")
	h.signal.HandleSignal(ctx, c, p, join)
}
