// Package config defines the configuration surface of the UMN bus: the six
// relay endpoints, the per-channel tunables, and the well-known topics.
//
// All endpoints are connectable addresses (the bus only ever dials; relays
// own the bound sockets). Durations are encoded as nanoseconds in JSON,
// matching the rest of the platform's config files.
package config

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/HomoYouDidnt/kloros-sub004/errors"
)

// Transport mode constants.
const (
	// TransportZMQ is the primary ZeroMQ transport.
	TransportZMQ = "zmq"
	// TransportLocal is the degraded same-host datagram fallback.
	TransportLocal = "local"
)

// Endpoints holds the six relay addresses the bus connects to.
// Pub/Sub pairs name the two sides of a forwarding relay.
type Endpoints struct {
	BroadcastPub    string `json:"broadcast_pub"`    // forwarder ingress (publishers connect here)
	BroadcastSub    string `json:"broadcast_sub"`    // forwarder egress (subscribers connect here)
	ReflexResponder string `json:"reflex_responder"` // acknowledging responder
	AffectPub       string `json:"affect_pub"`       // ephemeral relay ingress
	AffectSub       string `json:"affect_sub"`       // ephemeral relay egress
	TrophicPush     string `json:"trophic_push"`     // work-queue ingress (producers connect here)
	TrophicPull     string `json:"trophic_pull"`     // work-queue egress (workers connect here)
}

// Channels controls which specialized adapters a process enables. The
// broadcast adapter is always on; emits tagged for a disabled channel fall
// back to broadcast.
type Channels struct {
	Reflex  bool `json:"reflex"`
	Affect  bool `json:"affect"`
	Trophic bool `json:"trophic"`
}

// Topics names the well-known governance topics.
type Topics struct {
	Kill      string `json:"kill"`      // every subscriber auto-subscribes
	Heartbeat string `json:"heartbeat"` // every subscriber auto-publishes
}

// Config is the complete bus configuration for one process.
type Config struct {
	Transport string    `json:"transport"` // "zmq" or "local"
	LocalDir  string    `json:"local_dir"` // socket directory for the local fallback
	Endpoints Endpoints `json:"endpoints"`
	Channels  Channels  `json:"channels"`
	Topics    Topics    `json:"topics"`

	// Acknowledged channel.
	AckTimeout time.Duration `json:"ack_timeout"`
	AckRetries int           `json:"ack_retries"` // extra resends before giving up; 0 = never

	// Subscriber behavior.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	ReplayWindow      time.Duration `json:"replay_window"`
	PollInterval      time.Duration `json:"poll_interval"` // receive-loop poll granularity

	// Batched channel consumer.
	BatchSize int           `json:"batch_size"`
	BatchWait time.Duration `json:"batch_wait"`

	// Send-buffer high-water marks, per channel.
	BroadcastHWM int `json:"broadcast_hwm"`
	AffectHWM    int `json:"affect_hwm"`
	TrophicHWM   int `json:"trophic_hwm"`

	// Socket teardown lingers, per channel.
	BroadcastLinger time.Duration `json:"broadcast_linger"`
	AffectLinger    time.Duration `json:"affect_linger"`
	TrophicLinger   time.Duration `json:"trophic_linger"`

	// Slow-joiner double-tap delays for the first send on a fresh topic.
	BroadcastDoubleTap time.Duration `json:"broadcast_double_tap"`
	AffectDoubleTap    time.Duration `json:"affect_double_tap"`
}

// Default returns the platform defaults. Endpoints are left empty; callers
// fill them from a config file or environment.
func Default() *Config {
	return &Config{
		Transport: TransportZMQ,
		LocalDir:  "/tmp/umn",
		Topics: Topics{
			Kill:      "umn.governance.kill",
			Heartbeat: "umn.heartbeat",
		},
		AckTimeout:         5000 * time.Millisecond,
		AckRetries:         0,
		HeartbeatInterval:  10 * time.Second,
		ReplayWindow:       60 * time.Second,
		PollInterval:       250 * time.Millisecond,
		BatchSize:          100,
		BatchWait:          time.Second,
		BroadcastHWM:       1000,
		AffectHWM:          100,
		TrophicHWM:         10000,
		BroadcastLinger:    1000 * time.Millisecond,
		AffectLinger:       100 * time.Millisecond,
		TrophicLinger:      5000 * time.Millisecond,
		BroadcastDoubleTap: 150 * time.Millisecond,
		AffectDoubleTap:    50 * time.Millisecond,
	}
}

// Validate checks the config is internally consistent: endpoints present
// for every enabled channel, positive tunables, known transport mode.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportZMQ:
		if c.Endpoints.BroadcastPub == "" || c.Endpoints.BroadcastSub == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"Config", "Validate", "broadcast endpoints are required")
		}
	case TransportLocal:
		if c.LocalDir == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"Config", "Validate", "local_dir is required for the local transport")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", "unknown transport "+c.Transport)
	}

	if c.Channels.Reflex && c.Endpoints.ReflexResponder == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "reflex_responder endpoint is required when reflex is enabled")
	}
	if c.Channels.Affect && c.Endpoints.AffectPub == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "affect_pub endpoint is required when affect is enabled")
	}
	if c.Channels.Trophic && c.Endpoints.TrophicPush == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "trophic_push endpoint is required when trophic is enabled")
	}

	if c.Topics.Kill == "" || c.Topics.Heartbeat == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "well-known topics cannot be empty")
	}
	if c.AckTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", "ack_timeout must be positive")
	}
	if c.AckRetries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", "ack_retries cannot be negative")
	}
	if c.HeartbeatInterval <= 0 || c.ReplayWindow <= 0 || c.PollInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", "intervals must be positive")
	}
	if c.BatchSize <= 0 || c.BatchWait <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", "batch_size and batch_wait must be positive")
	}
	return nil
}

// LoadFile reads a JSON config file over the defaults and validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "LoadFile", "read file")
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "LoadFile", "parse json")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	copied := *c
	return &copied
}

// SafeConfig provides thread-safe access to a live configuration. The bus
// itself reads config once at construction; SafeConfig exists for host
// processes that hot-reload files and hand fresh snapshots to new
// publishers and subscribers.
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig creates a thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{cfg: cfg}
}

// Get returns a copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cfg.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg = cfg
	return nil
}
