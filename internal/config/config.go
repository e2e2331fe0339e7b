package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay node runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	AdvertiseURL        string        `mapstructure:"advertise_url"`
	AdminAddress        string        `mapstructure:"admin_address"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	GenesisPeers        []string      `mapstructure:"genesis_peers"`
	Gossip              GossipConfig  `mapstructure:"gossip"`
	Room                RoomConfig    `mapstructure:"room"`
	ForwardTimeout      time.Duration `mapstructure:"forward_timeout"`
}

// GossipConfig controls the periodic directory push.
type GossipConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	PushTimeout time.Duration `mapstructure:"push_timeout"`
}

// RoomConfig controls room lifetime and the optional hygiene sweep.
type RoomConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultGossipInterval      = 30 * time.Second
	defaultGossipPushTimeout   = 3 * time.Second
	defaultRoomTTL             = time.Hour
	defaultSweepInterval       = 5 * time.Minute
	defaultForwardTimeout      = 3 * time.Second
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with SOS_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SOS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("advertise_url", "")
	v.SetDefault("admin_address", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("genesis_peers", []string{})
	v.SetDefault("gossip.interval", defaultGossipInterval.String())
	v.SetDefault("gossip.push_timeout", defaultGossipPushTimeout.String())
	v.SetDefault("room.ttl", defaultRoomTTL.String())
	v.SetDefault("room.sweep_interval", defaultSweepInterval.String())
	v.SetDefault("forward_timeout", defaultForwardTimeout.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"gossip.interval", &cfg.Gossip.Interval, defaultGossipInterval},
		{"gossip.push_timeout", &cfg.Gossip.PushTimeout, defaultGossipPushTimeout},
		{"room.ttl", &cfg.Room.TTL, defaultRoomTTL},
		{"room.sweep_interval", &cfg.Room.SweepInterval, defaultSweepInterval},
		{"forward_timeout", &cfg.ForwardTimeout, defaultForwardTimeout},
	}
	for _, d := range durations {
		if !v.IsSet(d.key) {
			*d.dst = d.def
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.AdvertiseURL == "" {
		cfg.AdvertiseURL = "http://" + cfg.ListenAddress
	}
	cfg.AdvertiseURL = strings.TrimRight(cfg.AdvertiseURL, "/")

	if err := validatePeers(cfg.GenesisPeers); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validatePeers(peers []string) error {
	for _, p := range peers {
		u, err := url.Parse(p)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("genesis peer %q is not an absolute URL", p)
		}
	}
	return nil
}
