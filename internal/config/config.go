package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Ingress    IngressConfig    `yaml:"ingress"`
	UI         UIConfig         `yaml:"ui"`
	Approvals  ApprovalsConfig  `yaml:"approvals"`
	Tmux       TmuxConfig       `yaml:"tmux"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Log        LogConfig        `yaml:"log"`
}

type IngressConfig struct {
	Listen string `yaml:"listen"`
}

type UIConfig struct {
	Listen string `yaml:"listen"`
}

type ApprovalsConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

type TmuxConfig struct {
	Bin    string `yaml:"bin"`
	Socket string `yaml:"socket"`
}

type TranscriptConfig struct {
	InterruptMarkers []string `yaml:"interrupt_markers"`
	PollIntervalMs   int      `yaml:"poll_interval_ms"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads a YAML config file and applies defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Ingress.Listen == "" {
		cfg.Ingress.Listen = "127.0.0.1:4457"
	}
	if cfg.UI.Listen == "" {
		cfg.UI.Listen = "127.0.0.1:4458"
	}
	if cfg.Approvals.TimeoutMs == 0 {
		cfg.Approvals.TimeoutMs = 600000
	}
	if cfg.Tmux.Bin == "" {
		cfg.Tmux.Bin = "tmux"
	}
	if len(cfg.Transcript.InterruptMarkers) == 0 {
		cfg.Transcript.InterruptMarkers = []string{"[Request interrupted by user"}
	}
	if cfg.Transcript.PollIntervalMs == 0 {
		cfg.Transcript.PollIntervalMs = 2000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Optional environment overrides.
	if envLevel := os.Getenv("NOTCHD_LOG_LEVEL"); envLevel != "" {
		cfg.Log.Level = envLevel
	}

	return &cfg, nil
}
