// agent is a headless participant. It joins a voice channel with real pion
// connections and logs membership, link and speaking events.
//
// With --binding socket it dials a signaling server. With --binding doc it
// runs every --participants entry in this process over one shared document
// store, which makes a self-contained loopback mesh.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicemesh/internal/adapters/docstore"
	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/adapters/wsclient"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/mesh"
	"github.com/dkeye/voicemesh/internal/peer"
	"github.com/dkeye/voicemesh/internal/vad"
)

const statusInterval = 10 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := config.NewViper()
	flagSet := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	configFile := flagSet.String("config", "", "yaml config file")
	flagSet.String("server", v.GetString("agent.server"), "signaling websocket url (socket binding)")
	flagSet.String("id", "", "participant id (default: random)")
	flagSet.String("name", v.GetString("agent.name"), "display name")
	flagSet.String("channel", v.GetString("agent.channel"), "voice channel to join")
	flagSet.String("binding", v.GetString("agent.binding"), "signaling binding: socket or doc")
	flagSet.StringSlice("participants", nil, "participant ids to run in-process (doc binding)")
	flagSet.String("voice-mode", v.GetString("mesh.voice_mode"), "tied or independent")
	flagSet.String("store", "", "badger directory for the doc binding (default: in memory)")
	flagSet.String("log-level", v.GetString("log_level"), "log level")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	for key, flag := range map[string]string{
		"agent.server":       "server",
		"agent.id":           "id",
		"agent.name":         "name",
		"agent.channel":      "channel",
		"agent.binding":      "binding",
		"agent.participants": "participants",
		"mesh.voice_mode":    "voice-mode",
		"docstore.path":      "store",
		"log_level":          "log-level",
	} {
		if err := v.BindPFlag(key, flagSet.Lookup(flag)); err != nil {
			return fmt.Errorf("bind %s: %w", flag, err)
		}
	}

	cfg, err := config.Read(v, *configFile)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())

	engine, err := rtc.NewEngine(cfg.Mesh.ICEServers)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	channel := domain.ChannelID(cfg.Agent.Channel)
	switch cfg.Agent.Binding {
	case "doc":
		store, err := docstore.Open(cfg.DocStore.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		ids := cfg.Agent.Participants
		if len(ids) == 0 {
			ids = []string{agentID(cfg.Agent.ID)}
		}
		for i, id := range ids {
			p, err := domain.NewParticipant(id, id)
			if err != nil {
				return err
			}
			// stagger speakers so their turns are distinguishable in the log
			pattern := []time.Duration{1500 * time.Millisecond, time.Duration(len(ids)+i) * time.Second}
			startParticipant(gctx, g, cfg, engine, p, docstore.NewTransport(store, p), channel, pattern)
		}
	default:
		p, err := domain.NewParticipant(agentID(cfg.Agent.ID), cfg.Agent.Name)
		if err != nil {
			return err
		}
		tr, err := wsclient.Dial(gctx, cfg.Agent.Server, p, "")
		if err != nil {
			return err
		}
		startParticipant(gctx, g, cfg, engine, p, tr, channel, []time.Duration{2 * time.Second, 3 * time.Second})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("agent stopped")
	return nil
}

func agentID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// startParticipant wires one mesh controller and keeps it running in g.
func startParticipant(ctx context.Context, g *errgroup.Group, cfg *config.Config, engine *rtc.Engine,
	p domain.Participant, tr core.SignalTransport, ch domain.ChannelID, pattern []time.Duration) {
	logger := log.With().Str("module", "agent").Str("participant", p.ID.String()).Logger()
	capture := &rtc.Capture{StreamID: p.ID.String(), Pattern: pattern}

	ctrl := mesh.New(mesh.Options{
		Self:        p,
		Transport:   tr,
		NewSession:  engine.Factory(),
		Media:       capture,
		AudioSource: rtc.NewAudioLevelSource,
		VAD:         cfg.VAD,
		Config:      cfg.Mesh.Config,
		Hooks: mesh.Hooks{
			OnMembership: func(ch domain.ChannelID, members []domain.Participant) {
				logger.Info().Str("channel", ch.String()).Int("members", len(members)).Msg("membership")
			},
			OnSpeaking: func(ev vad.Event) {
				logger.Info().Str("remote", ev.Participant.String()).Bool("speaking", ev.Speaking).Msg("speaking")
			},
			OnLinkState: func(remote domain.ParticipantID, s peer.State) {
				logger.Debug().Str("remote", remote.String()).Str("state", s.String()).Msg("link state")
			},
			OnLinkFailed: func(remote domain.ParticipantID, err error) {
				logger.Warn().Err(err).Str("remote", remote.String()).Msg("link failed")
			},
			OnMediaError: func(err error) {
				logger.Warn().Err(err).Msg("local media")
			},
			OnChat: func(ch domain.ChannelID, from domain.ParticipantID, payload []byte) {
				logger.Info().Str("channel", ch.String()).Str("from", from.String()).RawJSON("payload", payload).Msg("chat")
			},
			OnError: func(code string, target domain.ParticipantID) {
				logger.Warn().Str("code", code).Str("target", target.String()).Msg("signaling error")
			},
		},
	})

	ctx, stop := context.WithCancel(ctx)
	g.Go(func() error {
		// a finished transport ends this participant only
		defer stop()
		err := ctrl.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer func() {
			leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := ctrl.Leave(leaveCtx); err != nil {
				logger.Debug().Err(err).Msg("leave")
			}
			ctrl.Close()
			_ = tr.Close()
		}()

		if err := ctrl.Join(ctx, ch); err != nil {
			return err
		}
		go func() {
			if err := capture.Run(ctx); err != nil {
				logger.Warn().Err(err).Msg("capture")
			}
		}()

		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, l := range ctrl.Links() {
					logger.Info().Str("remote", l.Remote.String()).Str("role", l.Role.String()).Str("state", l.State.String()).Msg("link")
				}
			}
		}
	})
}
