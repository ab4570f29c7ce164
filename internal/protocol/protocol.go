package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"

	// host -> server commands
	TypeJoin      = "JOIN"
	TypeLeave     = "LEAVE"
	TypePositions = "POSITIONS"
	TypeEnter     = "ENTER"
	TypeExit      = "EXIT"
	TypeOverride  = "OVERRIDE"

	// server -> host
	TypeAck   = "ACK"
	TypeError = "ERROR"
	TypeEvent = "EVENT"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Ref             string `json:"ref,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
