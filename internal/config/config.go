// Package config holds the configuration types for the call client and the
// relay, and loads them from YAML, environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role is the perfect-negotiation role of one participant. The two peers of
// a room must hold complementary roles.
type Role string

const (
	RolePolite   Role = "polite"
	RoleImpolite Role = "impolite"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RolePolite || r == RoleImpolite
}

// Opposite returns the complementary role.
func (r Role) Opposite() Role {
	if r == RolePolite {
		return RoleImpolite
	}
	return RolePolite
}

// ICEServer is one STUN or TURN entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// ReconnectConfig bounds the signaling channel's automatic reconnection.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// RestartConfig controls ICE restart after a connectivity failure.
type RestartConfig struct {
	Delay       time.Duration `yaml:"delay"`
	MaxRestarts int           `yaml:"max_restarts"`
}

// MediaConfig selects the local media source. Empty file paths produce
// silent tracks of the requested kinds.
type MediaConfig struct {
	Audio     bool   `yaml:"audio"`
	Video     bool   `yaml:"video"`
	AudioFile string `yaml:"audio_file,omitempty"`
	VideoFile string `yaml:"video_file,omitempty"`
}

// RedisConfig points the relay at a Redis room store. An empty Addr keeps
// rooms in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RelayConfig configures cmd/relay.
type RelayConfig struct {
	Listen         string        `yaml:"listen"`
	Environment    string        `yaml:"environment"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	JWTSecret      string        `yaml:"jwt_secret"`
	RoomTTL        time.Duration `yaml:"room_ttl"`
	RateLimit      float64       `yaml:"rate_limit"` // messages per second per client
	RateBurst      int           `yaml:"rate_burst"`
	Redis          RedisConfig   `yaml:"redis"`
}

// Config stores every parameter of a call client and of the relay.
type Config struct {
	RelayURL   string          `yaml:"relay_url"` // websocket endpoint of the signaling relay
	APIURL     string          `yaml:"api_url"`   // base URL of the room-membership service
	ICEServers []ICEServer     `yaml:"ice_servers"`
	Reconnect  ReconnectConfig `yaml:"reconnect"`
	ICERestart RestartConfig   `yaml:"ice_restart"`
	Debounce   time.Duration   `yaml:"negotiation_debounce"`
	PingEvery  time.Duration   `yaml:"ping_interval"`
	StatsEvery time.Duration   `yaml:"stats_interval"`
	Media      MediaConfig     `yaml:"media"`
	Relay      RelayConfig     `yaml:"relay"`
	Debug      bool            `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RelayURL: "ws://localhost:8080/ws",
		APIURL:   "http://localhost:8080",
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.relay.metered.ca:80", "stun:stun.l.google.com:19302"}},
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
		},
		ICERestart: RestartConfig{
			Delay:       2 * time.Second,
			MaxRestarts: 3,
		},
		Debounce:   150 * time.Millisecond,
		PingEvery:  5 * time.Second,
		StatsEvery: 10 * time.Second,
		Media:      MediaConfig{Audio: true, Video: true},
		Relay: RelayConfig{
			Listen:         ":8080",
			Environment:    "development",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			JWTSecret:      "change-me-in-production",
			RoomTTL:        24 * time.Hour,
			RateLimit:      50,
			RateBurst:      100,
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// JOINIX_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Reconnect.BaseDelay <= 0 {
		errs = append(errs, errors.New("reconnect.base_delay must be positive"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if c.ICERestart.Delay <= 0 {
		errs = append(errs, errors.New("ice_restart.delay must be positive"))
	}
	if c.ICERestart.MaxRestarts < 0 {
		errs = append(errs, errors.New("ice_restart.max_restarts must not be negative"))
	}
	if c.PingEvery <= 0 {
		errs = append(errs, errors.New("ping_interval must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnv overrides fields from JOINIX_* environment variables.
func applyEnv(c *Config) error {
	c.RelayURL = getEnv("JOINIX_RELAY_URL", c.RelayURL)
	c.APIURL = getEnv("JOINIX_API_URL", c.APIURL)
	c.Media.AudioFile = getEnv("JOINIX_AUDIO_FILE", c.Media.AudioFile)
	c.Media.VideoFile = getEnv("JOINIX_VIDEO_FILE", c.Media.VideoFile)

	if v := os.Getenv("JOINIX_ICE_SERVERS"); v != "" {
		c.ICEServers = []ICEServer{{URLs: strings.Split(v, ",")}}
	}

	c.Relay.Listen = getEnv("JOINIX_LISTEN", c.Relay.Listen)
	c.Relay.Environment = getEnv("JOINIX_ENVIRONMENT", c.Relay.Environment)
	c.Relay.JWTSecret = getEnv("JOINIX_JWT_SECRET", c.Relay.JWTSecret)
	c.Relay.Redis.Addr = getEnv("JOINIX_REDIS_ADDR", c.Relay.Redis.Addr)
	c.Relay.Redis.Password = getEnv("JOINIX_REDIS_PASSWORD", c.Relay.Redis.Password)
	if v := os.Getenv("JOINIX_ALLOWED_ORIGINS"); v != "" {
		c.Relay.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("JOINIX_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JOINIX_REDIS_DB: %w", err)
		}
		c.Relay.Redis.DB = db
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
