// Package config loads the agent configuration from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. P2PCALL_RELAY_URL.
const EnvPrefix = "P2PCALL"

// TURN describes an optional relay server for ICE.
type TURN struct {
	URL        string `mapstructure:"url"`
	Username   string `mapstructure:"username"`
	Credential string `mapstructure:"credential"`
}

// Config is the full agent configuration.
type Config struct {
	RelayURL string `mapstructure:"relay_url"`

	APIBaseURL string        `mapstructure:"api_base_url"`
	APITimeout time.Duration `mapstructure:"api_timeout"`

	STUNServers          []string `mapstructure:"stun_servers"`
	TURN                 TURN     `mapstructure:"turn"`
	ICECandidatePoolSize int      `mapstructure:"ice_candidate_pool_size"`

	VideoFile string `mapstructure:"video_file"`
	AudioFile string `mapstructure:"audio_file"`
	RecordDir string `mapstructure:"record_dir"`

	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	EndedHold   time.Duration `mapstructure:"ended_hold"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	RelayListen string  `mapstructure:"relay_listen"`
	RelayRate   float64 `mapstructure:"relay_rate"`
	RelayBurst  int     `mapstructure:"relay_burst"`

	IdentityFile string `mapstructure:"identity_file"`
	LogLevel     string `mapstructure:"log_level"` // trace, debug, info, warn or error
	Debug        bool   `mapstructure:"debug"`     // shorthand for log_level = "debug"
}

// Dir returns the per-user config directory (~/.config/p2pcall on Unix).
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "p2pcall"), nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	dir, err := Dir()
	if err != nil {
		dir = "."
	}

	v.SetDefault("relay_url", "ws://127.0.0.1:8787/ws")
	v.SetDefault("api_base_url", "http://127.0.0.1:8000")
	v.SetDefault("api_timeout", 10*time.Second)
	v.SetDefault("stun_servers", []string{
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	})
	v.SetDefault("ice_candidate_pool_size", 10)
	v.SetDefault("ring_timeout", 45*time.Second)
	v.SetDefault("ended_hold", time.Duration(0))
	v.SetDefault("relay_listen", "127.0.0.1:8787")
	v.SetDefault("relay_rate", 20.0)
	v.SetDefault("relay_burst", 60)
	v.SetDefault("identity_file", filepath.Join(dir, "identity.json"))
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
}

// Load reads configuration into v: defaults, then the TOML file (path, or
// config.toml in Dir when path is empty; a missing default file is fine),
// then P2PCALL_* environment variables. Flags bound to v win over all.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if dir, err := Dir(); err == nil {
		v.SetConfigFile(filepath.Join(dir, "config.toml"))
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// Validate checks value ranges and required combinations.
func (c *Config) Validate() error {
	var errs []error

	if c.RelayURL == "" {
		errs = append(errs, errors.New("relay_url is required"))
	}
	if c.APITimeout < 0 {
		errs = append(errs, errors.New("api_timeout must not be negative"))
	}
	if c.ICECandidatePoolSize < 0 || c.ICECandidatePoolSize > 255 {
		errs = append(errs, fmt.Errorf("ice_candidate_pool_size must be 0~255, got %d", c.ICECandidatePoolSize))
	}
	if c.TURN.URL != "" && (c.TURN.Username == "" || c.TURN.Credential == "") {
		errs = append(errs, errors.New("turn.url requires turn.username and turn.credential"))
	}
	if c.RingTimeout < 0 {
		errs = append(errs, errors.New("ring_timeout must not be negative"))
	}
	if c.EndedHold < 0 {
		errs = append(errs, errors.New("ended_hold must not be negative"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be trace, debug, info, warn or error, got %q", c.LogLevel))
	}
	if c.RelayRate <= 0 || c.RelayBurst <= 0 {
		errs = append(errs, errors.New("relay_rate and relay_burst must be positive"))
	}

	return errors.Join(errs...)
}

// ICEServers builds the pion ICE server list from the STUN and TURN settings.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if c.TURN.URL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURN.URL},
			Username:   c.TURN.Username,
			Credential: c.TURN.Credential,
		})
	}
	return servers
}
