package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Addr         string        `mapstructure:"addr"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	DirectoryURL string        `mapstructure:"directory_url"`
	// BusyNoticeTTL is a hint sent to clients for how long to display the
	// user-is-busy notice before auto-dismissing it.
	BusyNoticeTTL time.Duration `mapstructure:"busy_notice_ttl"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("TS_CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("TS")
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("addr", ":8080")
	v.SetDefault("send_buffer", 256)
	v.SetDefault("ping_interval", "25s")
	v.SetDefault("pong_timeout", "60s")
	v.SetDefault("directory_url", "")
	v.SetDefault("busy_notice_ttl", "4s")

	// Missing config file is fine; defaults plus env cover it.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
