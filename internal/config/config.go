package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NodeID   string `yaml:"node_id"`
	HTTPPort int    `yaml:"http_port"`
	DataDir  string `yaml:"data_dir"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	ItemDeadline      time.Duration `yaml:"item_deadline"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WatchdogInterval  time.Duration `yaml:"watchdog_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ReopenDelay       time.Duration `yaml:"reopen_delay"`
	MilestoneEvery    int           `yaml:"milestone_every"`

	SMTP SMTPConfig `yaml:"smtp"`
}

// SMTPConfig enables email notifications when Addr is set.
type SMTPConfig struct {
	Addr     string   `yaml:"addr"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func (s SMTPConfig) Enabled() bool {
	return s.Addr != "" && len(s.To) > 0
}

func Load() *Config {
	cfg := &Config{
		NodeID:            getEnv("NODE_ID", "node-default"),
		HTTPPort:          getEnvInt("HTTP_PORT", 8000),
		DataDir:           getEnv("DATA_DIR", "./data"),
		Debug:             getEnvBool("DEBUG", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		ItemDeadline:      time.Duration(getEnvInt("ITEM_DEADLINE", 15)) * time.Second,
		SettleDelay:       time.Duration(getEnvInt("SETTLE_DELAY", 10)) * time.Second,
		HeartbeatInterval: time.Duration(getEnvInt("HEARTBEAT_INTERVAL", 25)) * time.Second,
		WatchdogInterval:  time.Duration(getEnvInt("WATCHDOG_INTERVAL", 60)) * time.Second,
		StaleAfter:        time.Duration(getEnvInt("STALE_AFTER", 300)) * time.Second,
		ReopenDelay:       time.Duration(getEnvInt("REOPEN_DELAY", 5)) * time.Second,
		MilestoneEvery:    getEnvInt("MILESTONE_EVERY", 5),
		SMTP: SMTPConfig{
			Addr:     getEnv("SMTP_ADDR", ""),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
		},
	}
	if to := getEnv("SMTP_TO", ""); to != "" {
		cfg.SMTP.To = []string{to}
	}
	return cfg
}

// LoadWithFile loads env config and decodes the YAML file at path over it.
// Keys present in the file replace the env value, zero values included;
// absent keys keep it.
func LoadWithFile(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("yaml parse: %w", err)
	}
	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}
