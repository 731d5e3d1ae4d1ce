package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/voicemesh/internal/mesh"
	"github.com/dkeye/voicemesh/internal/vad"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Relay    RelayConfig    `mapstructure:"relay"`
	Join     JoinConfig     `mapstructure:"join"`
	Mesh     MeshConfig     `mapstructure:"mesh"`
	VAD      vad.Config     `mapstructure:"vad"`
	DocStore DocStoreConfig `mapstructure:"docstore"`
	Agent    AgentConfig    `mapstructure:"agent"`
}

type RelayConfig struct {
	ReportUnreachable bool `mapstructure:"report_unreachable"`
	// Backpressure is "kick" or "drop".
	Backpressure string `mapstructure:"backpressure"`
}

type JoinConfig struct {
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type MeshConfig struct {
	mesh.Config `mapstructure:",squash"`
	ICEServers  []string `mapstructure:"ice_servers"`
}

type DocStoreConfig struct {
	// Path of the badger directory; empty keeps the store in memory.
	Path string `mapstructure:"path"`
}

type AgentConfig struct {
	Server       string   `mapstructure:"server"`
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Channel      string   `mapstructure:"channel"`
	Binding      string   `mapstructure:"binding"`
	Participants []string `mapstructure:"participants"`
}

// NewViper returns a viper instance with every default set and VOICE_ env overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("relay.report_unreachable", false)
	v.SetDefault("relay.backpressure", "kick")
	v.SetDefault("join.rate_limit", 5)
	v.SetDefault("join.rate_interval", "10s")

	v.SetDefault("mesh.voice_mode", string(mesh.VoiceTied))
	v.SetDefault("mesh.negotiation_timeout", "30s")
	v.SetDefault("mesh.video", false)
	v.SetDefault("mesh.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("vad.threshold", vad.DefaultThreshold)
	v.SetDefault("vad.attack_frames", vad.DefaultAttackFrames)
	v.SetDefault("vad.release_frames", vad.DefaultReleaseFrames)
	v.SetDefault("vad.interval", vad.DefaultInterval.String())

	v.SetDefault("docstore.path", "")

	v.SetDefault("agent.server", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("agent.id", "")
	v.SetDefault("agent.name", "agent")
	v.SetDefault("agent.channel", "general")
	v.SetDefault("agent.binding", "socket")
	v.SetDefault("agent.participants", []string{})

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return Read(NewViper(), fmt.Sprintf("config/config.%s.yaml", env))
}

// Read merges fileName (if present) into v and decodes the result.
func Read(v *viper.Viper, fileName string) (*Config, error) {
	if fileName != "" {
		v.SetConfigFile(fileName)
		if err := v.ReadInConfig(); err != nil {
			log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		} else {
			log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("voice_mode", string(cfg.Mesh.VoiceMode)).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Mesh.VoiceMode {
	case mesh.VoiceTied, mesh.VoiceIndependent:
	default:
		return fmt.Errorf("mesh.voice_mode: unknown value %q", c.Mesh.VoiceMode)
	}
	switch c.Agent.Binding {
	case "socket", "doc":
	default:
		return fmt.Errorf("agent.binding: unknown value %q", c.Agent.Binding)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level is the parsed log level; validated on load.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
