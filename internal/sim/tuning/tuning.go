package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"arenaswap.ai/internal/sim/model"
)

type Tuning struct {
	HoldingPosition [3]float64 `yaml:"holding_position"`

	SaveTimeoutMs int `yaml:"save_timeout_ms"`
	SnapshotQueue int `yaml:"snapshot_queue"`
	MaxAttempts   int `yaml:"max_attempts"`

	AlternateNamePrefix      string  `yaml:"alternate_name_prefix"`
	AlternateResourceQuality float64 `yaml:"alternate_resource_quality"`

	AbilityCatalog []int `yaml:"ability_catalog"`
	UnlockAll      bool  `yaml:"unlock_all"`

	CommandRatePerSec float64 `yaml:"command_rate_per_sec"`
	CommandBurst      int     `yaml:"command_burst"`
}

func Defaults() Tuning {
	return Tuning{
		HoldingPosition:          [3]float64{-1000, 5, -500},
		SaveTimeoutMs:            5000,
		SnapshotQueue:            256,
		MaxAttempts:              20,
		AlternateNamePrefix:      "[PvP]",
		AlternateResourceQuality: 100,
		CommandRatePerSec:        5,
		CommandBurst:             10,
	}
}

// Load reads lifecycle.yaml over the defaults. An empty path yields defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("lifecycle.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("lifecycle.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	d := Defaults()
	if t.SaveTimeoutMs <= 0 {
		t.SaveTimeoutMs = d.SaveTimeoutMs
	}
	if t.SnapshotQueue <= 0 {
		t.SnapshotQueue = d.SnapshotQueue
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = d.MaxAttempts
	}
	if t.CommandRatePerSec <= 0 {
		t.CommandRatePerSec = d.CommandRatePerSec
	}
	if t.CommandBurst <= 0 {
		t.CommandBurst = d.CommandBurst
	}
}

func (t Tuning) Validate() error {
	if t.AlternateResourceQuality < 0 || t.AlternateResourceQuality > 100 {
		return fmt.Errorf("alternate_resource_quality must be in [0, 100]")
	}
	for _, id := range t.AbilityCatalog {
		if id <= 0 {
			return fmt.Errorf("ability_catalog ids must be > 0 (got %d)", id)
		}
	}
	return nil
}

func (t Tuning) Holding() model.Vec3 {
	return model.Vec3{X: t.HoldingPosition[0], Y: t.HoldingPosition[1], Z: t.HoldingPosition[2]}
}

func (t Tuning) SaveTimeout() time.Duration {
	return time.Duration(t.SaveTimeoutMs) * time.Millisecond
}
