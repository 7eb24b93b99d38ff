// Package config loads the bridge configuration from a YAML file with
// environment expansion and CALLBRIDGE_* overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the bridge.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Twilio  TwilioConfig  `yaml:"twilio"`
	Agents  AgentsConfig  `yaml:"agents"`
	Web     WebConfig     `yaml:"web"`
	Calls   CallsConfig   `yaml:"calls"`
	CallLog CallLogConfig `yaml:"call_log"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PublicURL is the externally reachable base URL, used to build
	// webhook callback URLs handed to the telephony provider.
	PublicURL string `yaml:"public_url"`
}

type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`

	// BaseURL and ControlURL override the REST and control-channel
	// endpoints. Left empty in production.
	BaseURL    string `yaml:"base_url"`
	ControlURL string `yaml:"control_url"`

	Model         string `yaml:"model"`
	DefaultVoice  string `yaml:"default_voice"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`

	// SIPDomain is the backend SIP endpoint outbound calls are bridged
	// into, e.g. "proj@sip.api.openai.com;transport=tls".
	SIPDomain string `yaml:"sip_domain"`
}

// Enabled reports whether telephony credentials are configured.
func (c TwilioConfig) Enabled() bool {
	return c.AccountSID != "" || c.AuthToken != ""
}

type AgentsConfig struct {
	Dir            string `yaml:"dir"`
	DefaultAgentID string `yaml:"default_agent_id"`
	Watch          bool   `yaml:"watch"`
}

type WebConfig struct {
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SecretTTL      time.Duration `yaml:"secret_ttl"`
	PruneSchedule  string        `yaml:"prune_schedule"`
}

type CallsConfig struct {
	TransferSettleDelay time.Duration `yaml:"transfer_settle_delay"`
	EndCallDelay        time.Duration `yaml:"end_call_delay"`
	ConfirmWindow       time.Duration `yaml:"confirm_window"`
	FallbackTransferURI string        `yaml:"fallback_transfer_uri"`
}

type CallLogConfig struct {
	// Path is the SQLite database file; empty disables call history.
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets secrets come from the environment without
// appearing in the file at all.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CALLBRIDGE_OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("CALLBRIDGE_OPENAI_WEBHOOK_SECRET"); v != "" {
		cfg.OpenAI.WebhookSecret = v
	}
	if v := os.Getenv("CALLBRIDGE_TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Twilio.AccountSID = v
	}
	if v := os.Getenv("CALLBRIDGE_TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Twilio.AuthToken = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.OpenAI.DefaultVoice == "" {
		cfg.OpenAI.DefaultVoice = "marin"
	}
	if cfg.Web.SecretTTL == 0 {
		cfg.Web.SecretTTL = 10 * time.Minute
	}
	if cfg.Web.PruneSchedule == "" {
		cfg.Web.PruneSchedule = "@every 5m"
	}
	if cfg.Calls.TransferSettleDelay == 0 {
		cfg.Calls.TransferSettleDelay = 1500 * time.Millisecond
	}
	if cfg.Calls.EndCallDelay == 0 {
		cfg.Calls.EndCallDelay = 600 * time.Millisecond
	}
	if cfg.Calls.ConfirmWindow == 0 {
		cfg.Calls.ConfirmWindow = 45 * time.Second
	}
	if cfg.CallLog.Retention == 0 {
		cfg.CallLog.Retention = 30 * 24 * time.Hour
	}
	if cfg.CallLog.PruneSchedule == "" {
		cfg.CallLog.PruneSchedule = "@daily"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for problems that would only surface
// later at call time.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("config: openai.api_key is required")
	}
	if c.Agents.Dir == "" {
		return fmt.Errorf("config: agents.dir is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Twilio.Enabled() {
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			return fmt.Errorf("config: twilio requires both account_sid and auth_token")
		}
	}
	for _, origin := range c.Web.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("config: web.allowed_origins entry %q must be an http(s) origin", origin)
		}
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
