package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Capabilities understood by the authorizer.
const (
	CapInterestExpress  = "interest.express"
	CapInterestWithdraw = "interest.withdraw"
	CapCommit           = "commitment.commit"
	CapDeposit          = "commitment.deposit"
	CapCancel           = "commitment.cancel"
	CapForceRelease     = "commitment.force_release"
	CapResourceManage   = "resource.manage"
)

const defaultConfigName = "holdline.yml"

// KnownCapabilities lists every capability a role may grant.
var KnownCapabilities = []string{
	CapInterestExpress,
	CapInterestWithdraw,
	CapCommit,
	CapDeposit,
	CapCancel,
	CapForceRelease,
	CapResourceManage,
}

// Config models holdline.yml.
type Config struct {
	Commitment struct {
		GracePeriod Duration `yaml:"grace_period"`
	} `yaml:"commitment"`
	Sweep struct {
		Interval Duration   `yaml:"interval"`
		Warnings []Duration `yaml:"warnings"`
	} `yaml:"sweep"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth   AuthConfig `yaml:"auth"`
	Notify struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type AuthConfig struct {
	JWTSecret              string              `yaml:"jwt_secret"`
	AllowLegacyActorHeader bool                `yaml:"allow_legacy_actor_header"`
	DefaultRole            string              `yaml:"default_role"`
	Roles                  map[string][]string `yaml:"roles"`
	Assignments            map[string][]string `yaml:"assignments"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Duration is a time.Duration that reads and writes as "72h"-style strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// GracePeriod returns the configured commitment grace period.
func (c *Config) GracePeriod() time.Duration {
	return c.Commitment.GracePeriod.Std()
}

// SweepInterval returns the configured sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return c.Sweep.Interval.Std()
}

// WarningThresholds returns advisory thresholds as plain durations.
func (c *Config) WarningThresholds() []time.Duration {
	out := make([]time.Duration, 0, len(c.Sweep.Warnings))
	for _, w := range c.Sweep.Warnings {
		out = append(out, w.Std())
	}
	return out
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Commitment.GracePeriod <= 0 {
		return fmt.Errorf("config.commitment.grace_period must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("config.sweep.interval must be positive")
	}
	for _, w := range c.Sweep.Warnings {
		if w <= 0 {
			return fmt.Errorf("sweep warning threshold %s must be positive", w.Std())
		}
		if w >= c.Commitment.GracePeriod {
			return fmt.Errorf("sweep warning threshold %s must be shorter than the grace period %s", w.Std(), c.GracePeriod())
		}
	}
	known := make(map[string]struct{}, len(KnownCapabilities))
	for _, capability := range KnownCapabilities {
		known[capability] = struct{}{}
	}
	for roleID, caps := range c.Auth.Roles {
		if roleID == "" {
			return fmt.Errorf("config.auth.roles contains empty role id")
		}
		for _, capability := range caps {
			if _, ok := known[capability]; !ok {
				return fmt.Errorf("role %s grants unknown capability %s", roleID, capability)
			}
		}
	}
	if c.Auth.DefaultRole != "" {
		if _, ok := c.Auth.Roles[c.Auth.DefaultRole]; !ok {
			return fmt.Errorf("config.auth.default_role %s is not defined", c.Auth.DefaultRole)
		}
	}
	for actorID, roles := range c.Auth.Assignments {
		if actorID == "" {
			return fmt.Errorf("config.auth.assignments has empty actor id")
		}
		for _, roleID := range roles {
			if _, ok := c.Auth.Roles[roleID]; !ok {
				return fmt.Errorf("actor %s is assigned unknown role %s", actorID, roleID)
			}
		}
	}
	for i, hook := range c.Notify.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, defaultConfigName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with hl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the default when the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `commitment:
  grace_period: 72h

sweep:
  interval: 5m
  warnings: [48h, 70h]

server:
  addr: 127.0.0.1:8080
  base_path: /v0

auth:
  jwt_secret: ""
  allow_legacy_actor_header: false
  default_role: buyer
  roles:
    buyer:
      - interest.express
      - interest.withdraw
      - commitment.commit
      - commitment.deposit
      - commitment.cancel
    admin:
      - resource.manage
      - commitment.force_release
  assignments: {}

notify:
  webhooks: []

log:
  level: info
  format: text
`
