package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/medirec/offsync/logging"
)

type config struct {
	ServerAddr   string `mapstructure:"server_addr"`
	RemoteURL    string `mapstructure:"remote_url"`
	DBPath       string `mapstructure:"db_path"`
	FacilityID   string `mapstructure:"facility_id"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	BatchSize    int    `mapstructure:"batch_size"`
	MaxRetries   int    `mapstructure:"max_retries"`
	ProbeSeconds int    `mapstructure:"probe_seconds"`
}

// loadConfig reads .env when present, then the OFFSYNC_* environment.
func loadConfig() (*config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetEnvPrefix("offsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_addr", ":8873")
	v.SetDefault("remote_url", "http://localhost:8873")
	v.SetDefault("db_path", "offsync.db")
	v.SetDefault("facility_id", "demo-facility")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("batch_size", 50)
	v.SetDefault("max_retries", 5)
	v.SetDefault("probe_seconds", 15)

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Environment: "dev",
	})
	return &cfg, nil
}
