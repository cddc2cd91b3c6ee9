package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/epochwatch/epochbot/internal/probe"
)

// Config holds everything the bot reads at startup. The YAML file
// carries the deployment settings; secrets come from the environment
// (FromEnv) so the file can be committed.
type Config struct {
	CommandPrefix string `yaml:"command_prefix"`
	DatabaseFile  string `yaml:"database_file"`
	LogLevel      string `yaml:"log_level"`

	StatusIntervalSeconds int `yaml:"status_interval_seconds"`
	PatchIntervalSeconds  int `yaml:"patch_interval_seconds"`
	ProbeTimeoutSeconds   int `yaml:"probe_timeout_seconds"`
	VerifyDelaySeconds    int `yaml:"verify_delay_seconds"`
	WarmupTicks           int `yaml:"warmup_ticks"`

	ManifestURL            string `yaml:"manifest_url"`
	ManifestTimeoutSeconds int    `yaml:"manifest_timeout_seconds"`

	Endpoints []probe.Endpoint `yaml:"endpoints"`

	// Token is never read from the file.
	Token string `yaml:"-"`
}

// Default returns the stock Project Epoch deployment.
func Default() Config {
	return Config{
		CommandPrefix:          "!",
		DatabaseFile:           "bot_settings.db",
		LogLevel:               "info",
		StatusIntervalSeconds:  15,
		PatchIntervalSeconds:   60,
		ProbeTimeoutSeconds:    3,
		VerifyDelaySeconds:     10,
		WarmupTicks:            3,
		ManifestURL:            "https://updater.project-epoch.net/api/v2/manifest",
		ManifestTimeoutSeconds: 10,
		Endpoints: []probe.Endpoint{
			{Name: "Auth", Host: "game.project-epoch.net", Port: 3724},
			{Name: "Kezan", Host: "game.project-epoch.net", Port: 8085},
			{Name: "Gurubashi", Host: "game.project-epoch.net", Port: 8086},
		},
	}
}

// Load reads configuration from a YAML file. A missing file falls
// back to defaults; a present but broken file is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg.withEnv(), nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg.withEnv(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg = cfg.withEnv()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// withEnv applies environment overrides. The variable names match the
// deployments that predate the config file.
func (c Config) withEnv() Config {
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("DATABASE_FILE"); v != "" {
		c.DatabaseFile = v
	}
	if v := os.Getenv("COMMAND_PREFIX"); v != "" {
		c.CommandPrefix = v
	}
	if v := os.Getenv("API_URL"); v != "" {
		c.ManifestURL = v
	}
	if v := os.Getenv("CHECK_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StatusIntervalSeconds = n
		}
	}
	return c
}

func (c Config) validate() error {
	if c.StatusIntervalSeconds <= 0 {
		return fmt.Errorf("status_interval_seconds must be positive, got %d", c.StatusIntervalSeconds)
	}
	if c.PatchIntervalSeconds <= 0 {
		return fmt.Errorf("patch_interval_seconds must be positive, got %d", c.PatchIntervalSeconds)
	}
	if c.WarmupTicks < 0 {
		return fmt.Errorf("warmup_ticks must not be negative, got %d", c.WarmupTicks)
	}
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	for _, e := range c.Endpoints {
		if e.Name == "" || e.Host == "" {
			return fmt.Errorf("endpoint %+v: name and host are required", e)
		}
		if e.Port <= 0 || e.Port > 65535 {
			return fmt.Errorf("endpoint %s: invalid port %d", e.Name, e.Port)
		}
	}
	return nil
}

func (c Config) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSeconds) * time.Second
}

func (c Config) PatchInterval() time.Duration {
	return time.Duration(c.PatchIntervalSeconds) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

func (c Config) VerifyDelay() time.Duration {
	return time.Duration(c.VerifyDelaySeconds) * time.Second
}

func (c Config) ManifestTimeout() time.Duration {
	return time.Duration(c.ManifestTimeoutSeconds) * time.Second
}
