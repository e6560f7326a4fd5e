package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`

	// TrustedProxies lists the addresses or CIDRs whose forwarding headers
	// are believed. Empty means the peer address is always the source.
	TrustedProxies []string `mapstructure:"trusted_proxies"`

	Room         RoomConfig      `mapstructure:"room"`
	RateLimit    RateLimitConfig `mapstructure:"ratelimit"`
	Kick         KickConfig      `mapstructure:"kick"`
	RelayServers []RelayServer   `mapstructure:"relay_servers"`
	Peer         PeerConfig      `mapstructure:"peer"`
}

type RoomConfig struct {
	DefaultCapacity int `mapstructure:"default_capacity"`
	// EmptyRetention keeps an empty room around for quick rejoins. Zero
	// deletes it on the last leave.
	EmptyRetention time.Duration `mapstructure:"empty_retention"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

type RateLimitConfig struct {
	Window        time.Duration `mapstructure:"window"`
	Limit         int           `mapstructure:"limit"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type KickConfig struct {
	DisconnectDelay time.Duration `mapstructure:"disconnect_delay"`
}

type RelayServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type PeerConfig struct {
	ServerURL      string        `mapstructure:"server_url"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	RestartTimeout time.Duration `mapstructure:"restart_timeout"`
	StatsInterval  time.Duration `mapstructure:"stats_interval"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 64*1024)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("trusted_proxies", []string{})

	v.SetDefault("room.default_capacity", 10)
	v.SetDefault("room.empty_retention", "0s")
	v.SetDefault("room.idle_timeout", "24h")
	v.SetDefault("room.sweep_interval", "1m")

	v.SetDefault("ratelimit.window", "15m")
	v.SetDefault("ratelimit.limit", 100)
	v.SetDefault("ratelimit.sweep_interval", "1m")

	v.SetDefault("kick.disconnect_delay", "1500ms")

	v.SetDefault("relay_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	v.SetDefault("peer.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("peer.grace_period", "12s")
	v.SetDefault("peer.restart_timeout", "30s")
	v.SetDefault("peer.stats_interval", "2s")
	v.SetDefault("peer.ping_interval", "30s")
	v.SetDefault("peer.pong_timeout", "10s")
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads a YAML config file. A missing file is not an error.
// Environment variables prefixed ZLOVER_ override file values
// (ZLOVER_RATELIMIT_LIMIT overrides ratelimit.limit).
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("ZLOVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Room.DefaultCapacity < 1:
		return fmt.Errorf("room.default_capacity must be positive, got %d", c.Room.DefaultCapacity)
	case c.RateLimit.Limit < 1:
		return fmt.Errorf("ratelimit.limit must be positive, got %d", c.RateLimit.Limit)
	case c.RateLimit.Window <= 0:
		return fmt.Errorf("ratelimit.window must be positive")
	case c.PingPeriod >= c.PongWait:
		return fmt.Errorf("ping_period (%s) must be shorter than pong_wait (%s)", c.PingPeriod, c.PongWait)
	}
	for _, p := range c.TrustedProxies {
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			return fmt.Errorf("trusted_proxies: %q is neither an IP nor a CIDR", p)
		}
	}
	return nil
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Relays converts the configured relay servers into the descriptors sent
// with join-accepted.
func (c *Config) Relays() []protocol.RelayServer {
	out := make([]protocol.RelayServer, 0, len(c.RelayServers))
	for _, r := range c.RelayServers {
		out = append(out, protocol.RelayServer{URLs: r.URLs, Username: r.Username, Credential: r.Credential})
	}
	return out
}
