package protocol

import (
	"errors"
	"testing"
)

func TestDecodeCommand(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"type":"JOIN","protocol_version":"1.0","ref":"r1","player_id":7,"body":{"pos":{"x":1,"y":2,"z":3},"name":"Ada","level":25,"health":200,"blood":{"quality":40,"type_id":7},"inventory":[{"item_id":2001,"amount":3}]}}`, TypeJoin},
		{`{"type":"LEAVE","player_id":7}`, TypeLeave},
		{`{"type":"POSITIONS","tick":12,"positions":[{"player_id":7,"pos":{"x":115,"y":0,"z":200}}]}`, TypePositions},
		{`{"type":"ENTER","player_id":7,"zone":"colosseum"}`, TypeEnter},
		{`{"type":"EXIT","player_id":7}`, TypeExit},
		{`{"type":"OVERRIDE","player_id":7,"enabled":true}`, TypeOverride},
	}
	for _, tc := range cases {
		cmd, err := DecodeCommand([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.want, err)
		}
		if cmd.CommandType() != tc.want {
			t.Fatalf("type: got %s want %s", cmd.CommandType(), tc.want)
		}
	}

	cmd, _ := DecodeCommand([]byte(cases[0].raw))
	join, ok := cmd.(JoinCmd)
	if !ok {
		t.Fatalf("expected JoinCmd, got %T", cmd)
	}
	if join.RefID() != "r1" || join.PlayerID != 7 || join.Body.Level != 25 || join.Body.Pos.Z != 3 || len(join.Body.Inventory) != 1 {
		t.Fatalf("join: %+v", join)
	}

	cmd, _ = DecodeCommand([]byte(cases[2].raw))
	pos := cmd.(PositionsCmd)
	if pos.Tick != 12 || len(pos.Positions) != 1 || pos.Positions[0].Pos.X != 115 {
		t.Fatalf("positions: %+v", pos)
	}
}

func TestDecodeCommandRejects(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{`{"type":"DANCE"}`, ErrUnknownType},
		{`{"type":"HELLO"}`, ErrUnknownType},
		{`{"type":"EXIT","protocol_version":"0.1","player_id":7}`, ErrBadVersion},
		{`{"type":"EXIT"}`, ErrMalformed},
		{`{"type":"ENTER","player_id":"seven"}`, ErrMalformed},
		{`not json`, ErrMalformed},
	}
	for _, tc := range cases {
		if _, err := DecodeCommand([]byte(tc.raw)); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.raw, err, tc.want)
		}
	}
}
