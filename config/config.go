package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"` // empty or "*" allows any origin
}

type GRPC struct {
	Addr string `yaml:"addr"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // chat-service
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Chat struct {
	// member count at which a room is reconciled before broadcasting
	ReconcileThreshold int `yaml:"reconcileThreshold"`
	// cap on concurrent sends within one broadcast
	MaxConcurrentSends int `yaml:"maxConcurrentSends"`
	// remove a connection from all its rooms as soon as it closes
	PruneOnClose bool `yaml:"pruneOnClose"`
	// drop rooms that end up with no members
	CollectEmptyRooms bool  `yaml:"collectEmptyRooms"`
	MaxMessageSize    int64 `yaml:"maxMessageSize"`

	SendTimeoutRaw  string `yaml:"sendTimeout"`  // 5s
	PingIntervalRaw string `yaml:"pingInterval"` // 15s

	SendTimeout  time.Duration `yaml:"-"`
	PingInterval time.Duration `yaml:"-"`
}

type Config struct {
	HTTP    HTTP    `yaml:"http"`
	GRPC    GRPC    `yaml:"grpc"`
	Logging Logging `yaml:"logging"`
	Chat    Chat    `yaml:"chat"`
}

// LoadConfig reads .env (if any) and then the YAML file at CONFIG_PATH.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config data and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.GRPC.Addr == "" {
		return errors.New("grpc.addr is required")
	}
	if c.Chat.ReconcileThreshold < 0 {
		return fmt.Errorf("chat.reconcileThreshold must be positive, got %d", c.Chat.ReconcileThreshold)
	}

	if c.Logging.Service == "" {
		c.Logging.Service = "chat-service"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}

	if c.Chat.ReconcileThreshold == 0 {
		c.Chat.ReconcileThreshold = 3
	}
	if c.Chat.MaxConcurrentSends <= 0 {
		c.Chat.MaxConcurrentSends = 32
	}
	if c.Chat.MaxMessageSize <= 0 {
		c.Chat.MaxMessageSize = 64 << 10
	}
	c.Chat.SendTimeout = parseDurationOr(5*time.Second, c.Chat.SendTimeoutRaw)
	c.Chat.PingInterval = parseDurationOr(15*time.Second, c.Chat.PingIntervalRaw)
	// a peer is dropped after two silent ping intervals
	if c.Chat.SendTimeout >= 2*c.Chat.PingInterval {
		return fmt.Errorf("chat.sendTimeout (%s) must be shorter than two ping intervals (%s)",
			c.Chat.SendTimeout, 2*c.Chat.PingInterval)
	}
	return nil
}

func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
