package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/crmflow/internal/engine"
	"github.com/rendis/crmflow/internal/scheduler"
	"github.com/rendis/crmflow/internal/secrets"
	"github.com/rendis/crmflow/pkg/schema"
)

// Config holds all crmflow configuration.
// Priority: flags > env vars > settings file > defaults. The settings file is
// JSON, or YAML when its name ends in .yaml or .yml.
type Config struct {
	ListenAddr         string   `json:"listen_addr" yaml:"listen_addr"`
	DBPath             string   `json:"db_path" yaml:"db_path"`
	LogLevel           string   `json:"log_level" yaml:"log_level"`
	PoolSize           int      `json:"pool_size" yaml:"pool_size"`
	MaxChainDepth      int      `json:"max_chain_depth" yaml:"max_chain_depth"`
	MaxStepsPerSegment int      `json:"max_steps_per_segment" yaml:"max_steps_per_segment"`
	DelayPollSpec      string   `json:"delay_poll_spec" yaml:"delay_poll_spec"`
	ResumeInactive     bool     `json:"resume_inactive" yaml:"resume_inactive"`
	WebhookTimeout     Duration `json:"webhook_timeout" yaml:"webhook_timeout"`
	AllowedOrigins     []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`

	SMTPHost     string `json:"smtp_host,omitempty" yaml:"smtp_host,omitempty"`
	SMTPPort     int    `json:"smtp_port,omitempty" yaml:"smtp_port,omitempty"`
	SMTPUser     string `json:"smtp_user,omitempty" yaml:"smtp_user,omitempty"`
	SMTPPassword string `json:"smtp_password,omitempty" yaml:"smtp_password,omitempty"`
	SMTPFrom     string `json:"smtp_from,omitempty" yaml:"smtp_from,omitempty"`

	// VaultKey is a base64 32-byte key. VaultPassphrase with VaultSalt
	// derives one instead. Without either, secret references fail.
	VaultKey        string `json:"vault_key,omitempty" yaml:"vault_key,omitempty"`
	VaultPassphrase string `json:"vault_passphrase,omitempty" yaml:"vault_passphrase,omitempty"`
	VaultSalt       string `json:"vault_salt,omitempty" yaml:"vault_salt,omitempty"`
}

// Duration is a time.Duration read from JSON as a string like "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:         ":4200",
		DBPath:             filepath.Join(crmflowDir(), "crmflow.db"),
		LogLevel:           "info",
		PoolSize:           engine.DefaultPoolSize,
		MaxChainDepth:      schema.MaxTriggerChainDepth,
		MaxStepsPerSegment: engine.DefaultMaxStepsPerSegment,
		DelayPollSpec:      scheduler.DefaultSpec,
		WebhookTimeout:     Duration(30 * time.Second),
		SMTPPort:           587,
	}
}

func crmflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crmflow"
	}
	return filepath.Join(home, ".crmflow")
}

func settingsPath() string {
	return filepath.Join(crmflowDir(), "settings.json")
}

// loadConfig layers the settings file at path and CRMFLOW_* variables from
// getenv over the defaults. A missing settings file is not an error.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := decodeSettings(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	env := envReader{getenv: getenv}
	env.setString("CRMFLOW_LISTEN_ADDR", &cfg.ListenAddr)
	env.setString("CRMFLOW_DB_PATH", &cfg.DBPath)
	env.setString("CRMFLOW_LOG_LEVEL", &cfg.LogLevel)
	env.setInt("CRMFLOW_POOL_SIZE", &cfg.PoolSize)
	env.setInt("CRMFLOW_MAX_CHAIN_DEPTH", &cfg.MaxChainDepth)
	env.setInt("CRMFLOW_MAX_STEPS_PER_SEGMENT", &cfg.MaxStepsPerSegment)
	env.setString("CRMFLOW_DELAY_POLL_SPEC", &cfg.DelayPollSpec)
	env.setBool("CRMFLOW_RESUME_INACTIVE", &cfg.ResumeInactive)
	env.setDuration("CRMFLOW_WEBHOOK_TIMEOUT", &cfg.WebhookTimeout)
	env.setList("CRMFLOW_ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	env.setString("CRMFLOW_SMTP_HOST", &cfg.SMTPHost)
	env.setInt("CRMFLOW_SMTP_PORT", &cfg.SMTPPort)
	env.setString("CRMFLOW_SMTP_USER", &cfg.SMTPUser)
	env.setString("CRMFLOW_SMTP_PASSWORD", &cfg.SMTPPassword)
	env.setString("CRMFLOW_SMTP_FROM", &cfg.SMTPFrom)
	env.setString("CRMFLOW_VAULT_KEY", &cfg.VaultKey)
	env.setString("CRMFLOW_VAULT_PASSPHRASE", &cfg.VaultPassphrase)
	env.setString("CRMFLOW_VAULT_SALT", &cfg.VaultSalt)
	if env.err != nil {
		return cfg, env.err
	}

	return cfg, cfg.validate()
}

func decodeSettings(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.MaxChainDepth <= 0 {
		return fmt.Errorf("max_chain_depth must be positive, got %d", c.MaxChainDepth)
	}
	if c.MaxStepsPerSegment <= 0 {
		return fmt.Errorf("max_steps_per_segment must be positive, got %d", c.MaxStepsPerSegment)
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		return fmt.Errorf("smtp_from is required when smtp_host is set")
	}
	if _, _, err := c.vaultConfig(); err != nil {
		return err
	}
	return nil
}

// vaultConfig returns the vault key settings and whether a vault is configured.
func (c Config) vaultConfig() (secrets.VaultConfig, bool, error) {
	switch {
	case c.VaultKey != "":
		key, err := base64.StdEncoding.DecodeString(c.VaultKey)
		if err != nil {
			return secrets.VaultConfig{}, false, fmt.Errorf("vault_key must be base64: %w", err)
		}
		if len(key) != 32 {
			return secrets.VaultConfig{}, false, fmt.Errorf("vault_key must decode to 32 bytes, got %d", len(key))
		}
		return secrets.VaultConfig{MasterKey: key}, true, nil
	case c.VaultPassphrase != "":
		if c.VaultSalt == "" {
			return secrets.VaultConfig{}, false, fmt.Errorf("vault_salt is required with vault_passphrase")
		}
		return secrets.VaultConfig{Passphrase: c.VaultPassphrase, Salt: []byte(c.VaultSalt)}, true, nil
	}
	return secrets.VaultConfig{}, false, nil
}

// envReader applies set variables and keeps the first parse error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) setString(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) setBool(key string, dst *bool) {
	if v := e.getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func (e *envReader) setDuration(key string, dst *Duration) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = Duration(d)
}

func (e *envReader) setList(key string, dst *[]string) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: %w", key, err)
	}
}
