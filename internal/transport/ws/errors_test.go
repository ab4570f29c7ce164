package ws

import (
	"errors"
	"fmt"
	"testing"

	"github.com/samber/oops"

	"arenaswap.ai/internal/protocol"
	"arenaswap.ai/internal/sim/body"
	"arenaswap.ai/internal/sim/lifecycle"
)

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{lifecycle.ErrTransitionConflict, protocol.ErrTransitionConflict},
		{fmt.Errorf("wrapped: %w", lifecycle.ErrNotReady), protocol.ErrNotReady},
		{oops.In("body").With("player", 1).Wrapf(body.ErrBodyMissing, "swap"), protocol.ErrBodyMissing},
		{fmt.Errorf("%w: x", protocol.ErrUnknownType), protocol.ErrBadRequest},
		{errors.New("disk on fire"), protocol.ErrInternal},
	}
	for _, tc := range cases {
		if got := ErrorCode(tc.err); got != tc.want {
			t.Fatalf("ErrorCode(%v) = %q want %q", tc.err, got, tc.want)
		}
		if tc.err != nil && !protocol.IsKnownCode(ErrorCode(tc.err)) {
			t.Fatalf("unknown code for %v", tc.err)
		}
	}
}
