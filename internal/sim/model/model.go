package model

import (
	"math"
	"strconv"
)

// PlayerID is the stable platform identifier of a player account.
type PlayerID uint64

func (id PlayerID) String() string { return strconv.FormatUint(uint64(id), 10) }

func ParsePlayerID(s string) (PlayerID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return PlayerID(v), nil
}

type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }

func (v Vec3) Len() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

func Distance(a, b Vec3) float64 { return a.Sub(b).Len() }

// ItemStack is one inventory slot. Order of stacks in an inventory is significant.
type ItemStack struct {
	ItemID int64 `json:"item_id"`
	Amount int   `json:"amount"`
}
