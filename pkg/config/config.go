package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
)

type Config struct {
	Home         string             `json:"home" env:"MESH_HOME"`
	HTTP         HTTPConfig         `json:"http"`
	Security     SecurityConfig     `json:"security"`
	Queue        QueueConfig        `json:"queue"`
	Discovery    DiscoveryConfig    `json:"discovery"`
	Conversation ConversationConfig `json:"conversation"`
	Session      SessionConfig      `json:"session"`
	Dashboard    DashboardConfig    `json:"dashboard"`
	Logging      LoggingConfig      `json:"logging"`
	Handler      HandlerConfig      `json:"handler"`
}

type HTTPConfig struct {
	Port              int `json:"port" env:"MESH_HTTP_PORT"`
	ConnectTimeoutSec int `json:"connect_timeout_sec" env:"MESH_HTTP_CONNECT_TIMEOUT_SEC"`
	TotalTimeoutSec   int `json:"total_timeout_sec" env:"MESH_HTTP_TOTAL_TIMEOUT_SEC"`
}

type SecurityConfig struct {
	// RequireSigned rejects unsigned envelopes from peers whose registry
	// entry has signing enabled. Off by default for compatibility with
	// older senders.
	RequireSigned bool `json:"require_signed" env:"MESH_SECURITY_REQUIRE_SIGNED"`
	// StrictCrypto fails a send when encryption was requested but the key
	// is missing or unusable, instead of falling back to plaintext.
	StrictCrypto    bool `json:"strict_crypto" env:"MESH_SECURITY_STRICT_CRYPTO"`
	ReplayWindowSec int  `json:"replay_window_sec" env:"MESH_SECURITY_REPLAY_WINDOW_SEC"`
	ClockSkewSec    int  `json:"clock_skew_sec" env:"MESH_SECURITY_CLOCK_SKEW_SEC"`
}

type QueueConfig struct {
	MaxQueue       int    `json:"max_queue" env:"MESH_QUEUE_MAX"`
	DrainCron      string `json:"drain_cron" env:"MESH_QUEUE_DRAIN_CRON"`
	ReplaySpacingMS int   `json:"replay_spacing_ms" env:"MESH_QUEUE_REPLAY_SPACING_MS"`
}

type DiscoveryConfig struct {
	ProbeCron       string `json:"probe_cron" env:"MESH_DISCOVERY_PROBE_CRON"`
	ProbeTimeoutSec int    `json:"probe_timeout_sec" env:"MESH_DISCOVERY_PROBE_TIMEOUT_SEC"`
}

type ConversationConfig struct {
	SweepCron     string `json:"sweep_cron" env:"MESH_CONVERSATION_SWEEP_CRON"`
	DefaultTTLSec int    `json:"default_ttl_sec" env:"MESH_CONVERSATION_DEFAULT_TTL_SEC"`
}

type SessionConfig struct {
	CleanupCron string `json:"cleanup_cron" env:"MESH_SESSION_CLEANUP_CRON"`
	TTLHours    int    `json:"ttl_hours" env:"MESH_SESSION_TTL_HOURS"`
	RingSize    int    `json:"ring_size" env:"MESH_SESSION_RING_SIZE"`
}

type DashboardConfig struct {
	Enabled    bool `json:"enabled" env:"MESH_DASHBOARD_ENABLED"`
	NotifyPort int  `json:"notify_port" env:"MESH_DASHBOARD_NOTIFY_PORT"`
}

type LoggingConfig struct {
	FileEnabled bool   `json:"file_enabled" env:"MESH_LOGGING_FILE_ENABLED"`
	FilePath    string `json:"file_path" env:"MESH_LOGGING_FILE_PATH"`
	MaxSizeMB   int    `json:"max_size_mb" env:"MESH_LOGGING_MAX_SIZE_MB"`
	Debug       bool   `json:"debug" env:"MESH_LOGGING_DEBUG"`
}

type HandlerConfig struct {
	// Command is executed with the inbound envelope JSON on stdin. Its
	// stdout becomes the response body for request-typed envelopes.
	Command    string `json:"command" env:"MESH_HANDLER"`
	TimeoutSec int    `json:"timeout_sec" env:"MESH_HANDLER_TIMEOUT_SEC"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Home: filepath.Join(home, ".mesh"),
		HTTP: HTTPConfig{
			Port:              8900,
			ConnectTimeoutSec: 10,
			TotalTimeoutSec:   30,
		},
		Security: SecurityConfig{
			ReplayWindowSec: 300,
			ClockSkewSec:    60,
		},
		Queue: QueueConfig{
			MaxQueue:        100,
			DrainCron:       "* * * * *",
			ReplaySpacingMS: 1000,
		},
		Discovery: DiscoveryConfig{
			ProbeCron:       "*/5 * * * *",
			ProbeTimeoutSec: 3,
		},
		Conversation: ConversationConfig{
			SweepCron:     "* * * * *",
			DefaultTTLSec: 300,
		},
		Session: SessionConfig{
			CleanupCron: "0 * * * *",
			TTLHours:    24,
			RingSize:    50,
		},
		Dashboard: DashboardConfig{
			Enabled:    true,
			NotifyPort: 8880,
		},
		Logging: LoggingConfig{
			FileEnabled: true,
			MaxSizeMB:   50,
		},
		Handler: HandlerConfig{
			TimeoutSec: 30,
		},
	}
}

// Load reads MESH_HOME/config/mesh.json (comments and trailing commas
// tolerated), overlays MESH_* environment variables, and fills defaults.
// A missing config file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if home := os.Getenv("MESH_HOME"); home != "" {
		cfg.Home = home
	}

	path := filepath.Join(cfg.Home, "config", "mesh.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Logging.FilePath == "" {
		cfg.Logging.FilePath = filepath.Join(cfg.Home, "logs", "mesh.log")
	}
	return cfg, nil
}

func Save(cfg *Config) error {
	path := filepath.Join(cfg.Home, "config", "mesh.json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Path helpers for the on-disk layout rooted at Home.

func (c *Config) ConfigDir() string  { return filepath.Join(c.Home, "config") }
func (c *Config) StateDir() string   { return filepath.Join(c.Home, "state") }
func (c *Config) LogsDir() string    { return filepath.Join(c.Home, "logs") }
func (c *Config) SessionsDir() string { return filepath.Join(c.Home, "sessions") }

func (c *Config) IdentityPath() string { return filepath.Join(c.ConfigDir(), "identity") }
func (c *Config) RegistryPath() string { return filepath.Join(c.ConfigDir(), "agent-registry.json") }

func (c *Config) SigningKeyPath(peer string) string {
	return filepath.Join(c.ConfigDir(), "signing-keys", peer+".key")
}

func (c *Config) EncryptionKeyPath(peer string) string {
	return filepath.Join(c.ConfigDir(), "encryption-keys", peer+".key")
}

func (c *Config) CircuitsPath() string    { return filepath.Join(c.StateDir(), "circuit-breakers.json") }
func (c *Config) DeadLettersPath() string { return filepath.Join(c.StateDir(), "dead-letters.json") }
func (c *Config) PeerHealthPath() string  { return filepath.Join(c.StateDir(), "peer-health.json") }
func (c *Config) RoutingPath() string     { return filepath.Join(c.StateDir(), "routing-table.json") }
func (c *Config) NoncesPath() string      { return filepath.Join(c.StateDir(), "seen-nonces.log") }
func (c *Config) QueueStatePath() string  { return filepath.Join(c.StateDir(), "queue-state.json") }

func (c *Config) ConversationsDir() string {
	return filepath.Join(c.StateDir(), "conversations")
}

func (c *Config) ConversationsArchiveDir() string {
	return filepath.Join(c.StateDir(), "conversations-archive")
}

func (c *Config) AuditLogPath() string  { return filepath.Join(c.LogsDir(), "mesh-audit.jsonl") }
func (c *Config) ReplayLogPath() string { return filepath.Join(c.LogsDir(), "queue-replay.jsonl") }
func (c *Config) DiscoverLogPath() string {
	return filepath.Join(c.LogsDir(), "discover.jsonl")
}

// EnsureLayout creates the directory tree under Home.
func (c *Config) EnsureLayout() error {
	dirs := []string{
		c.ConfigDir(),
		filepath.Join(c.ConfigDir(), "signing-keys"),
		filepath.Join(c.ConfigDir(), "encryption-keys"),
		c.StateDir(),
		c.ConversationsDir(),
		c.ConversationsArchiveDir(),
		c.LogsDir(),
		c.SessionsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
