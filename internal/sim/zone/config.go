package zone

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"arenaswap.ai/internal/sim/model"
)

type Config struct {
	Zones []ZoneSpec `yaml:"zones"`
}

type ZoneSpec struct {
	Name         string     `yaml:"name"`
	Center       [3]float64 `yaml:"center"`
	CenterRadius float64    `yaml:"center_radius"`
	ZoneRadius   float64    `yaml:"zone_radius"`
	BuildID      string     `yaml:"build_id"`
}

func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("zones.yaml: %w: %v", ErrConfigInvalid, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("zones.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Zones {
		c.Zones[i].Name = strings.TrimSpace(c.Zones[i].Name)
		c.Zones[i].BuildID = strings.TrimSpace(c.Zones[i].BuildID)
		if c.Zones[i].ZoneRadius == 0 {
			c.Zones[i].ZoneRadius = c.Zones[i].CenterRadius
		}
	}
}

func (c Config) Validate() error {
	_, err := NewTable(c.Definitions())
	return err
}

func (c Config) Definitions() []Definition {
	out := make([]Definition, 0, len(c.Zones))
	for _, z := range c.Zones {
		out = append(out, Definition{
			Name:         z.Name,
			Center:       model.Vec3{X: z.Center[0], Y: z.Center[1], Z: z.Center[2]},
			CenterRadius: z.CenterRadius,
			ZoneRadius:   z.ZoneRadius,
			BuildID:      z.BuildID,
		})
	}
	return out
}
