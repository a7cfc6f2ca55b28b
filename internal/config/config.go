// Package config loads the host configuration: defaults, then a TOML file,
// then environment variables, with env winning.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	SubstratePath    string `toml:"substrate_path"`
	WorkingDirectory string `toml:"working_directory"`
	SourceCodePath   string `toml:"source_code_path"`
	BackupPath       string `toml:"backup_path"`
	Port             int    `toml:"port"`
	APIToken         string `toml:"api_token"`

	Model          string `toml:"model"`
	StrategicModel string `toml:"strategic_model"`
	TacticalModel  string `toml:"tactical_model"`

	Mode                  string `toml:"mode"`
	AutoStartOnFirstRun   bool   `toml:"auto_start_on_first_run"`
	AutoStartAfterRestart bool   `toml:"auto_start_after_restart"`
	SuperegoAuditInterval int    `toml:"superego_audit_interval"`
	CycleDelayMs          int    `toml:"cycle_delay_ms"`
	ShutdownGraceMs       int    `toml:"shutdown_grace_ms"`
	ProgressMaxBytes      int64  `toml:"progress_max_bytes"`
	EnableFileReadCache   bool   `toml:"enable_file_read_cache"`

	Session   SessionConfig   `toml:"session"`
	Watchdog  WatchdogConfig  `toml:"watchdog"`
	IdleSleep IdleSleepConfig `toml:"idle_sleep"`
	Agora     AgoraConfig     `toml:"agora"`
}

type SessionConfig struct {
	Command   string   `toml:"command"`
	Args      []string `toml:"args"`
	TimeoutMs int      `toml:"timeout_ms"`
}

type WatchdogConfig struct {
	StallThresholdMs        int `toml:"stall_threshold_ms"`
	CheckIntervalMs         int `toml:"check_interval_ms"`
	ForceRestartThresholdMs int `toml:"force_restart_threshold_ms"`
}

type IdleSleepConfig struct {
	Enabled               bool `toml:"enabled"`
	IdleCyclesBeforeSleep int  `toml:"idle_cycles_before_sleep"`
}

type AgoraConfig struct {
	RelayURL       string        `toml:"relay_url"`
	JWTSecret      string        `toml:"jwt_secret"`
	JWTExpirySecs  int           `toml:"jwt_expiry_seconds"`
	WebhookToken   string        `toml:"webhook_token"`
	IdentityKey    string        `toml:"identity_key"`
	Security       AgoraSecurity `toml:"security"`
}

type AgoraSecurity struct {
	PerSenderRateLimit  SenderRateLimit `toml:"per_sender_rate_limit"`
	UnknownSenderPolicy string          `toml:"unknown_sender_policy"`
}

type SenderRateLimit struct {
	Enabled     bool `toml:"enabled"`
	MaxMessages int  `toml:"max_messages"`
	WindowMs    int  `toml:"window_ms"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		SubstratePath:         filepath.Join(home, "substrate"),
		WorkingDirectory:      home,
		Port:                  8420,
		Mode:                  "cycle",
		AutoStartOnFirstRun:   true,
		AutoStartAfterRestart: true,
		SuperegoAuditInterval: 5,
		CycleDelayMs:          2000,
		ShutdownGraceMs:       10000,
		ProgressMaxBytes:      512 * 1024,
		EnableFileReadCache:   true,
		Session:               SessionConfig{Command: "claude", TimeoutMs: 600000},
		Watchdog: WatchdogConfig{
			StallThresholdMs:        30 * 60 * 1000,
			CheckIntervalMs:         60 * 1000,
			ForceRestartThresholdMs: 90 * 60 * 1000,
		},
		IdleSleep: IdleSleepConfig{Enabled: true, IdleCyclesBeforeSleep: 3},
		Agora: AgoraConfig{
			JWTExpirySecs: 3600,
			Security: AgoraSecurity{
				PerSenderRateLimit:  SenderRateLimit{Enabled: true, MaxMessages: 30, WindowMs: 60000},
				UnknownSenderPolicy: "allow",
			},
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "substrate.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("SUBSTRATE_PATH"); v != "" {
		cfg.SubstratePath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("SUPEREGO_AUDIT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SuperegoAuditInterval = n
		}
	}
	if v := os.Getenv("AGORA_RELAY_JWT_SECRET"); v != "" {
		cfg.Agora.JWTSecret = v
	}
	if v := os.Getenv("AGORA_JWT_EXPIRY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agora.JWTExpirySecs = n
		}
	}
	if v := os.Getenv("AGORA_WEBHOOK_TOKEN"); v != "" {
		cfg.Agora.WebhookToken = v
	}

	// Fallbacks
	if cfg.StrategicModel == "" {
		cfg.StrategicModel = cfg.Model
	}
	if cfg.TacticalModel == "" {
		cfg.TacticalModel = cfg.Model
	}
	if cfg.Mode != "cycle" && cfg.Mode != "tick" {
		cfg.Mode = "cycle"
	}

	return cfg
}
