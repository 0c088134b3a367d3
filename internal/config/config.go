package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Records RecordsConfig `yaml:"records"`
	Watch   WatchConfig   `yaml:"watch"`
	Channel ChannelConfig `yaml:"channel"`
	Stream  StreamConfig  `yaml:"stream"`
	Tmux    TmuxConfig    `yaml:"tmux"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

type RecordsConfig struct {
	Dir string `yaml:"dir"`
}

type WatchConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

type ChannelConfig struct {
	PingIntervalMs    int `yaml:"ping_interval_ms"`
	PongTimeoutMs     int `yaml:"pong_timeout_ms"`
	ReconnectBaseMs   int `yaml:"reconnect_base_ms"`
	ReconnectMaxMs    int `yaml:"reconnect_max_ms"`
	ReconnectJitterMs int `yaml:"reconnect_jitter_ms"`
}

type StreamConfig struct {
	ResizeDebounceMs int `yaml:"resize_debounce_ms"`
	ReconnectDelayMs int `yaml:"reconnect_delay_ms"`
	CoalesceMs       int `yaml:"coalesce_ms"`
	OutputMaxBytes   int `yaml:"output_max_bytes"`
}

type TmuxConfig struct {
	Bin    string `yaml:"bin"`
	Socket string `yaml:"socket"`
}

func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:7591"
	}
	if cfg.Records.Dir == "" {
		cfg.Records.Dir = defaultRecordsDir()
	}
	if cfg.Watch.PollIntervalMs == 0 {
		cfg.Watch.PollIntervalMs = 500
	}
	if cfg.Channel.PingIntervalMs == 0 {
		cfg.Channel.PingIntervalMs = 30000
	}
	if cfg.Channel.PongTimeoutMs == 0 {
		cfg.Channel.PongTimeoutMs = 10000
	}
	if cfg.Channel.ReconnectBaseMs == 0 {
		cfg.Channel.ReconnectBaseMs = 1000
	}
	if cfg.Channel.ReconnectMaxMs == 0 {
		cfg.Channel.ReconnectMaxMs = 30000
	}
	if cfg.Channel.ReconnectJitterMs == 0 {
		cfg.Channel.ReconnectJitterMs = 1000
	}
	if cfg.Stream.ResizeDebounceMs == 0 {
		cfg.Stream.ResizeDebounceMs = 150
	}
	if cfg.Stream.ReconnectDelayMs == 0 {
		cfg.Stream.ReconnectDelayMs = 2000
	}
	if cfg.Stream.CoalesceMs == 0 {
		cfg.Stream.CoalesceMs = 100
	}
	if cfg.Stream.OutputMaxBytes == 0 {
		cfg.Stream.OutputMaxBytes = 256 * 1024
	}
	if cfg.Tmux.Bin == "" {
		cfg.Tmux.Bin = "tmux"
	}

	// Optional environment overrides for secrets.
	if envToken := os.Getenv("WATCHD_TOKEN"); envToken != "" {
		cfg.Server.Token = envToken
	}

	return &cfg, nil
}

func defaultRecordsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/watchd/sessions"
	}
	return home + "/.local/share/watchd/sessions"
}
