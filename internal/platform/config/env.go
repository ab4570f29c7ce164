package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ServerEnv seeds the arenaswap server flags. Flags given on the command
// line win over these.
type ServerEnv struct {
	Addr            string `env:"ARENASWAP_ADDR" envDefault:":8080"`
	DataDir         string `env:"ARENASWAP_DATA_DIR" envDefault:"./data"`
	ZonesPath       string `env:"ARENASWAP_ZONES" envDefault:"./configs/zones.yaml"`
	TuningPath      string `env:"ARENASWAP_TUNING" envDefault:"./configs/tuning.yaml"`
	LogLevel        string `env:"ARENASWAP_LOG_LEVEL" envDefault:"info"`
	LogFormat       string `env:"ARENASWAP_LOG_FORMAT" envDefault:"json"`
	TickMS          int    `env:"ARENASWAP_TICK_MS" envDefault:"100"`
	EnableAdminHTTP *bool  `env:"ARENASWAP_ENABLE_ADMIN_HTTP"`
}

// LoadServerEnv parses ServerEnv from the process environment.
func LoadServerEnv() (ServerEnv, error) {
	var cfg ServerEnv
	if err := ParseEnv(&cfg); err != nil {
		return ServerEnv{}, err
	}
	return cfg, nil
}
