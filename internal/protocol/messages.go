package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"arenaswap.ai/internal/sim/model"
)

// HELLO (host -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	HostID          string `json:"host_id"`
}

// WELCOME (server -> host)
type WelcomeMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	SessionID       string    `json:"session_id"`
	RuntimeState    string    `json:"runtime_state"`
	Zones           []ZoneRef `json:"zones"`
}

type ZoneRef struct {
	Name         string     `json:"name"`
	Center       model.Vec3 `json:"center"`
	CenterRadius float64    `json:"center_radius"`
	ZoneRadius   float64    `json:"zone_radius"`
	BuildID      string     `json:"build_id,omitempty"`
}

type BloodState struct {
	Quality float64 `json:"quality"`
	TypeID  int64   `json:"type_id"`
}

// BodyState is the full component set of a player's body as the host sees it.
type BodyState struct {
	Pos       model.Vec3        `json:"pos"`
	Name      string            `json:"name"`
	Level     int               `json:"level"`
	Health    float64           `json:"health"`
	Blood     BloodState        `json:"blood"`
	Inventory []model.ItemStack `json:"inventory,omitempty"`
	Abilities []int             `json:"abilities,omitempty"`
	UI        map[string]bool   `json:"ui,omitempty"`
}

type PlayerPos struct {
	PlayerID model.PlayerID `json:"player_id"`
	Pos      model.Vec3     `json:"pos"`
}

// Command is a host -> server message. The set is closed: only the types
// in this file implement it.
type Command interface {
	CommandType() string
	RefID() string
	isCommand()
}

type JoinCmd struct {
	Ref      string         `json:"ref,omitempty"`
	PlayerID model.PlayerID `json:"player_id"`
	Body     BodyState      `json:"body"`
}

type LeaveCmd struct {
	Ref      string         `json:"ref,omitempty"`
	PlayerID model.PlayerID `json:"player_id"`
}

type PositionsCmd struct {
	Ref       string      `json:"ref,omitempty"`
	Tick      uint64      `json:"tick"`
	Positions []PlayerPos `json:"positions"`
}

type EnterCmd struct {
	Ref      string         `json:"ref,omitempty"`
	PlayerID model.PlayerID `json:"player_id"`
	Zone     string         `json:"zone,omitempty"`
}

type ExitCmd struct {
	Ref      string         `json:"ref,omitempty"`
	PlayerID model.PlayerID `json:"player_id"`
}

type OverrideCmd struct {
	Ref      string         `json:"ref,omitempty"`
	PlayerID model.PlayerID `json:"player_id"`
	Enabled  bool           `json:"enabled"`
}

func (JoinCmd) CommandType() string      { return TypeJoin }
func (LeaveCmd) CommandType() string     { return TypeLeave }
func (PositionsCmd) CommandType() string { return TypePositions }
func (EnterCmd) CommandType() string     { return TypeEnter }
func (ExitCmd) CommandType() string      { return TypeExit }
func (OverrideCmd) CommandType() string  { return TypeOverride }

func (c JoinCmd) RefID() string      { return c.Ref }
func (c LeaveCmd) RefID() string     { return c.Ref }
func (c PositionsCmd) RefID() string { return c.Ref }
func (c EnterCmd) RefID() string     { return c.Ref }
func (c ExitCmd) RefID() string      { return c.Ref }
func (c OverrideCmd) RefID() string  { return c.Ref }

func (JoinCmd) isCommand()      {}
func (LeaveCmd) isCommand()     {}
func (PositionsCmd) isCommand() {}
func (EnterCmd) isCommand()     {}
func (ExitCmd) isCommand()      {}
func (OverrideCmd) isCommand()  {}

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrBadVersion  = errors.New("bad protocol_version")
	ErrMalformed   = errors.New("malformed message")
)

// DecodeCommand parses one host message into its concrete command type.
func DecodeCommand(b []byte) (Command, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if base.ProtocolVersion != "" && base.ProtocolVersion != Version {
		return nil, fmt.Errorf("%w: %q", ErrBadVersion, base.ProtocolVersion)
	}
	switch base.Type {
	case TypeJoin:
		return decodeAs[JoinCmd](b, func(c JoinCmd) bool { return c.PlayerID != 0 })
	case TypeLeave:
		return decodeAs[LeaveCmd](b, func(c LeaveCmd) bool { return c.PlayerID != 0 })
	case TypePositions:
		return decodeAs[PositionsCmd](b, nil)
	case TypeEnter:
		return decodeAs[EnterCmd](b, func(c EnterCmd) bool { return c.PlayerID != 0 })
	case TypeExit:
		return decodeAs[ExitCmd](b, func(c ExitCmd) bool { return c.PlayerID != 0 })
	case TypeOverride:
		return decodeAs[OverrideCmd](b, func(c OverrideCmd) bool { return c.PlayerID != 0 })
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
	}
}

func decodeAs[T Command](b []byte, valid func(T) bool) (Command, error) {
	var c T
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if valid != nil && !valid(c) {
		return nil, fmt.Errorf("%w: missing player_id", ErrMalformed)
	}
	return c, nil
}

// ACK (server -> host)
type AckMsg struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

// ERROR (server -> host)
type ErrorMsg struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EVENT (server -> host)
type EventMsg struct {
	Type         string         `json:"type"`
	Kind         string         `json:"kind"`
	PlayerID     model.PlayerID `json:"player_id"`
	Zone         string         `json:"zone,omitempty"`
	TransitionID string         `json:"transition_id,omitempty"`
	At           string         `json:"at"`
}

func NewAck(ref string) AckMsg { return AckMsg{Type: TypeAck, Ref: ref} }

func NewError(ref, code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Ref: ref, Code: code, Message: msg}
}
