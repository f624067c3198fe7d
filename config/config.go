// Package config defines the tourmatch daemon and agent configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvJWTSecret overrides auth.jwt_secret when set.
const EnvJWTSecret = "TOURMATCH_JWT_SECRET"

// Config is the top-level tourmatch configuration.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Match    MatchConfig   `json:"match" yaml:"match"`
	Ledger   LedgerConfig  `json:"ledger" yaml:"ledger"`
	Bus      BusConfig     `json:"bus" yaml:"bus"`
	Relay    RelayConfig   `json:"relay" yaml:"relay"`
	Agents   []AgentConfig `json:"agents,omitempty" yaml:"agents"`
	LogLevel string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr           string        `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	ManifestPath   string        `json:"manifest_path,omitempty" yaml:"manifest_path"`
}

// AuthConfig controls agent authentication.
type AuthConfig struct {
	Disabled  bool             `json:"disabled" yaml:"disabled"`
	JWTSecret string           `json:"-" yaml:"jwt_secret"`
	TokenTTL  time.Duration    `json:"token_ttl" yaml:"token_ttl"`
	Agents    []AgentSecretRef `json:"agents" yaml:"agents"`
}

// AgentSecretRef is an agent allowed to request tokens.
type AgentSecretRef struct {
	ID         string `json:"id" yaml:"id"`
	SecretHash string `json:"-" yaml:"secret_hash"` // bcrypt hash
}

// MatchConfig controls the match engine.
type MatchConfig struct {
	Workers     int      `json:"workers" yaml:"workers"`
	Ranking     []string `json:"ranking" yaml:"ranking"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
}

// LedgerConfig controls proposal deadlines, the sweep and the journal.
type LedgerConfig struct {
	ResponseTimeout time.Duration `json:"response_timeout" yaml:"response_timeout"`
	LockTimeout     time.Duration `json:"lock_timeout" yaml:"lock_timeout"`
	SweepInterval   time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	Retention       time.Duration `json:"retention" yaml:"retention"`
	JournalPath     string        `json:"journal_path,omitempty" yaml:"journal_path"` // empty keeps the journal in memory
}

// BusConfig controls the notification bus.
type BusConfig struct {
	LogSize          int `json:"log_size" yaml:"log_size"`
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
	DedupWindow      int `json:"dedup_window" yaml:"dedup_window"`
}

// RelayConfig lists the external event relays.
type RelayConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

// TelegramConfig posts event summaries to a group chat.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	TokenEnv string `json:"token_env" yaml:"token_env"` // env var holding the bot token
	ChatID   int64  `json:"chat_id" yaml:"chat_id"`
}

// AgentConfig defines an autonomous agent run by `tourmatch agent run`.
type AgentConfig struct {
	ID           string        `json:"id" yaml:"id"`
	Role         string        `json:"role" yaml:"role"`                   // "guide" or "tourist"
	Strategy     string        `json:"strategy" yaml:"strategy"`           // "heuristic" or "llm"
	Provider     string        `json:"provider,omitempty" yaml:"provider"` // "mock", "anthropic"
	Model        string        `json:"model,omitempty" yaml:"model"`
	APIKeyEnv    string        `json:"api_key_env,omitempty" yaml:"api_key_env"`
	SystemPrompt string        `json:"system_prompt,omitempty" yaml:"system_prompt"`
	SecretEnv    string        `json:"secret_env,omitempty" yaml:"secret_env"`
	AutoAccept   *bool         `json:"auto_accept,omitempty" yaml:"auto_accept"`
	Submissions  int           `json:"submissions,omitempty" yaml:"submissions"` // 0 means unlimited
	Profile      ProfileConfig `json:"profile" yaml:"profile"`
}

// ProfileConfig describes what an agent offers or wants. It drives the
// heuristic strategy and seeds the LLM prompt.
type ProfileConfig struct {
	Categories      []string      `json:"categories" yaml:"categories"`
	HourlyRate      string        `json:"hourly_rate,omitempty" yaml:"hourly_rate"`       // guide
	MaxGroupSize    int           `json:"max_group_size,omitempty" yaml:"max_group_size"` // guide
	Budget          string        `json:"budget,omitempty" yaml:"budget"`                 // tourist
	PartySize       int           `json:"party_size,omitempty" yaml:"party_size"`         // tourist
	DurationMinutes int           `json:"duration_minutes,omitempty" yaml:"duration_minutes"`
	WindowHours     int           `json:"window_hours,omitempty" yaml:"window_hours"`
	LeadTime        time.Duration `json:"lead_time,omitempty" yaml:"lead_time"`
}

// AcceptsByDefault reports whether the agent accepts proposals its strategy
// does not object to. Every agent does unless auto_accept is false.
func (a AgentConfig) AcceptsByDefault() bool {
	if a.AutoAccept != nil {
		return *a.AutoAccept
	}
	return true
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":9090",
			RequestTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Match: MatchConfig{
			Workers:     4,
			Ranking:     []string{"overlap", "submitted", "id"},
			MaxAttempts: 8,
		},
		Ledger: LedgerConfig{
			ResponseTimeout: 5 * time.Minute,
			LockTimeout:     2 * time.Second,
			SweepInterval:   time.Second,
			Retention:       time.Hour,
		},
		Bus: BusConfig{
			LogSize:          4096,
			SubscriberBuffer: 64,
			DedupWindow:      8192,
		},
		Relay: RelayConfig{
			Telegram: TelegramConfig{TokenEnv: "TELEGRAM_BOT_TOKEN"},
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over DefaultConfig, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if s := os.Getenv(EnvJWTSecret); s != "" {
		c.Auth.JWTSecret = s
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("auth.jwt_secret (or %s) is required unless auth.disabled", EnvJWTSecret))
	}
	for i, a := range c.Auth.Agents {
		if a.ID == "" || a.SecretHash == "" {
			errs = append(errs, fmt.Errorf("auth.agents[%d] needs id and secret_hash", i))
		}
	}
	if c.Match.Workers < 1 {
		errs = append(errs, errors.New("match.workers must be at least 1"))
	}
	for _, setting := range []struct {
		key string
		d   time.Duration
	}{
		{"ledger.response_timeout", c.Ledger.ResponseTimeout},
		{"ledger.lock_timeout", c.Ledger.LockTimeout},
		{"ledger.sweep_interval", c.Ledger.SweepInterval},
		{"ledger.retention", c.Ledger.Retention},
	} {
		if setting.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", setting.key))
		}
	}
	if c.Relay.Telegram.Enabled && c.Relay.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("relay.telegram.chat_id is required when enabled"))
	}
	errs = append(errs, validateAgents(c.Agents)...)
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validateAgents(agents []AgentConfig) []error {
	var errs []error
	seen := make(map[string]bool, len(agents))
	for i, a := range agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agents[%d].id is required", i))
		} else if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agents[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		if a.Role != "guide" && a.Role != "tourist" {
			errs = append(errs, fmt.Errorf("agents[%d].role must be guide or tourist", i))
		}
		switch a.Strategy {
		case "", "heuristic", "llm":
		default:
			errs = append(errs, fmt.Errorf("agents[%d].strategy must be heuristic or llm", i))
		}
		if len(a.Profile.Categories) == 0 {
			errs = append(errs, fmt.Errorf("agents[%d].profile.categories is required", i))
		}
	}
	return errs
}

// LoadAgents reads only the agents section of a config file, so agent
// processes can share the daemon's file or use one of their own.
func LoadAgents(path string) ([]AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc struct {
		Agents []AgentConfig `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(doc.Agents) == 0 {
		return nil, fmt.Errorf("config %s: no agents defined", path)
	}
	if err := errors.Join(validateAgents(doc.Agents)...); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return doc.Agents, nil
}

// Agent returns the agent entry with the given id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log_level %q", s)
}
