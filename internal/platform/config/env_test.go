package config

import (
	"strings"
	"testing"
)

type envTestConfig struct {
	Port int `env:"ARENASWAP_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("ARENASWAP_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadServerEnv(t *testing.T) {
	t.Setenv("ARENASWAP_ADDR", "127.0.0.1:9000")
	t.Setenv("ARENASWAP_TICK_MS", "250")

	cfg, err := LoadServerEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" || cfg.TickMS != 250 {
		t.Fatalf("unexpected env: %+v", cfg)
	}
	if cfg.DataDir != "./data" || cfg.LogFormat != "json" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.EnableAdminHTTP != nil {
		t.Fatalf("admin flag should be unset")
	}

	t.Setenv("ARENASWAP_ENABLE_ADMIN_HTTP", "false")
	cfg, err = LoadServerEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EnableAdminHTTP == nil || *cfg.EnableAdminHTTP {
		t.Fatalf("admin flag: %v", cfg.EnableAdminHTTP)
	}
}
