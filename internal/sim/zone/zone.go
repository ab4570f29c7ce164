// Package zone classifies positions against arena zone definitions.
//
// A zone has two radii. The inner center radius is the commit threshold for
// entering; leaving only commits once a position is outside the outer zone
// radius. The band between the two keeps a player standing on one boundary
// from flipping state every tick.
package zone

import (
	"errors"
	"fmt"
	"strings"

	"arenaswap.ai/internal/sim/model"
)

var ErrConfigInvalid = errors.New("zone config invalid")

type Classification uint8

const (
	Outside Classification = iota
	InZone
	InCenter
)

func (c Classification) String() string {
	switch c {
	case InZone:
		return "in_zone"
	case InCenter:
		return "in_center"
	default:
		return "outside"
	}
}

type Definition struct {
	Name         string
	Center       model.Vec3
	CenterRadius float64
	ZoneRadius   float64
	BuildID      string
}

func (d Definition) Validate() error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("%w: zone name must not be empty", ErrConfigInvalid)
	}
	if !(d.CenterRadius > 0) {
		return fmt.Errorf("%w: zone %s center_radius must be > 0", ErrConfigInvalid, name)
	}
	if !(d.CenterRadius <= d.ZoneRadius) {
		return fmt.Errorf("%w: zone %s center_radius %.3f exceeds zone_radius %.3f", ErrConfigInvalid, name, d.CenterRadius, d.ZoneRadius)
	}
	return nil
}

// Classify has no side effects and no failure modes.
func Classify(pos model.Vec3, z Definition) Classification {
	d := model.Distance(pos, z.Center)
	switch {
	case d <= z.CenterRadius:
		return InCenter
	case d <= z.ZoneRadius:
		return InZone
	default:
		return Outside
	}
}
