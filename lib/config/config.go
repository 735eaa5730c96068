// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/widgets/lib/ref"
)

// EnvVar names the environment variable [Load] reads.
const EnvVar = "WIDGETD_CONFIG"

// Environment is the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is widgetd's configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// Root is the base directory for local state. Exposed to path
	// fields as ${WIDGETD_ROOT}.
	Root string `yaml:"root"`

	// HomeserverURL is the Matrix homeserver every session talks to.
	HomeserverURL string `yaml:"homeserver_url"`

	IntegrationManager IntegrationManagerConfig `yaml:"integration_manager"`
	State              StateConfig              `yaml:"state"`

	// Listen is the address of the HTTP API served by "widgetd serve".
	Listen string `yaml:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Sessions []SessionConfig `yaml:"sessions"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// IntegrationManagerConfig locates the Scalar-style integration
// manager.
type IntegrationManagerConfig struct {
	// APIURL is the REST base: /register and /account hang off it.
	APIURL string `yaml:"api_url"`

	// WidgetsURL is the base for hosted widget pages such as
	// widgets/jitsi.html.
	WidgetsURL string `yaml:"widgets_url"`

	// Whitelist lists the integration-manager URLs (scheme, host and
	// base path) whose widgets receive the integration token when a
	// widget URL is resolved. Defaults to APIURL.
	Whitelist []string `yaml:"whitelist"`

	// Timeout bounds each request to the integration manager.
	Timeout time.Duration `yaml:"timeout"`
}

// StateConfig configures persisted integration tokens. Persistence is
// disabled when TokenDB is empty.
type StateConfig struct {
	TokenDB string `yaml:"token_db"`

	// Recipient is the age public key tokens are sealed to.
	Recipient string `yaml:"recipient"`

	// IdentityFile holds the matching AGE-SECRET-KEY-1 identity.
	IdentityFile string `yaml:"identity_file"`
}

// SessionConfig is one Matrix login widgetd acts for.
type SessionConfig struct {
	UserID          string `yaml:"user_id"`
	DeviceID        string `yaml:"device_id"`
	AccessTokenFile string `yaml:"access_token_file"`
}

// Overrides holds the fields an environment section may replace.
type Overrides struct {
	Listen             *string                   `yaml:"listen,omitempty"`
	LogLevel           *string                   `yaml:"log_level,omitempty"`
	IntegrationManager *IntegrationManagerConfig `yaml:"integration_manager,omitempty"`
	State              *StateConfig              `yaml:"state,omitempty"`
}

// Default returns the base configuration a file is merged onto.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Environment: Development,
		Root:        filepath.Join(homeDir, ".local", "state", "widgetd"),
		IntegrationManager: IntegrationManagerConfig{
			APIURL:     "https://scalar.vector.im/api",
			WidgetsURL: "https://scalar.vector.im/api",
			Timeout:    30 * time.Second,
		},
		Listen:   "127.0.0.1:8765",
		LogLevel: "info",
	}
}

// Load reads the file named by WIDGETD_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your widgetd.yaml, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads, merges and expands the configuration at path. It does
// not validate; call [Config.Validate].
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyOverrides()
	cfg.expandVariables()
	if len(cfg.IntegrationManager.Whitelist) == 0 && cfg.IntegrationManager.APIURL != "" {
		cfg.IntegrationManager.Whitelist = []string{cfg.IntegrationManager.APIURL}
	}
	return cfg, nil
}

func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Listen != nil {
		c.Listen = *overrides.Listen
	}
	if overrides.LogLevel != nil {
		c.LogLevel = *overrides.LogLevel
	}
	if manager := overrides.IntegrationManager; manager != nil {
		if manager.APIURL != "" {
			c.IntegrationManager.APIURL = manager.APIURL
		}
		if manager.WidgetsURL != "" {
			c.IntegrationManager.WidgetsURL = manager.WidgetsURL
		}
		if len(manager.Whitelist) > 0 {
			c.IntegrationManager.Whitelist = manager.Whitelist
		}
		if manager.Timeout > 0 {
			c.IntegrationManager.Timeout = manager.Timeout
		}
	}
	if state := overrides.State; state != nil {
		if state.TokenDB != "" {
			c.State.TokenDB = state.TokenDB
		}
		if state.Recipient != "" {
			c.State.Recipient = state.Recipient
		}
		if state.IdentityFile != "" {
			c.State.IdentityFile = state.IdentityFile
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Root = expandVars(c.Root, vars)
	vars["WIDGETD_ROOT"] = c.Root

	c.State.TokenDB = expandVars(c.State.TokenDB, vars)
	c.State.IdentityFile = expandVars(c.State.IdentityFile, vars)
	for index := range c.Sessions {
		c.Sessions[index].AccessTokenFile = expandVars(c.Sessions[index].AccessTokenFile, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. vars take precedence
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	if err := requireURL("homeserver_url", c.HomeserverURL); err != nil {
		errs = append(errs, err)
	}
	if err := requireURL("integration_manager.api_url", c.IntegrationManager.APIURL); err != nil {
		errs = append(errs, err)
	}
	if err := requireURL("integration_manager.widgets_url", c.IntegrationManager.WidgetsURL); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if c.State.TokenDB != "" && c.State.Recipient == "" {
		errs = append(errs, errors.New("state.recipient is required when state.token_db is set"))
	}
	if c.Environment == Production && c.State.TokenDB != "" && c.State.IdentityFile == "" {
		errs = append(errs, errors.New("state.identity_file is required in production"))
	}

	seen := make(map[string]bool)
	for index, session := range c.Sessions {
		userID, err := ref.ParseUserID(session.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("sessions[%d].user_id: %w", index, err))
			continue
		}
		sessionID, err := ref.NewSessionID(userID, session.DeviceID)
		if err != nil {
			errs = append(errs, fmt.Errorf("sessions[%d]: %w", index, err))
			continue
		}
		if seen[sessionID.String()] {
			errs = append(errs, fmt.Errorf("sessions[%d]: duplicate session %s", index, sessionID))
		}
		seen[sessionID.String()] = true
		if session.AccessTokenFile == "" {
			errs = append(errs, fmt.Errorf("sessions[%d].access_token_file is required", index))
		}
	}

	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// EnsureStateDir creates the directory holding the token database.
func (c *Config) EnsureStateDir() error {
	if c.State.TokenDB == "" {
		return nil
	}
	dir := filepath.Dir(c.State.TokenDB)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

func requireURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, parsed.Scheme)
	}
	return nil
}
