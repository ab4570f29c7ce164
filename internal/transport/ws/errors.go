package ws

import (
	"errors"

	"arenaswap.ai/internal/boot"
	"arenaswap.ai/internal/persistence/snapshot"
	"arenaswap.ai/internal/protocol"
	"arenaswap.ai/internal/sim/body"
	"arenaswap.ai/internal/sim/lifecycle"
	"arenaswap.ai/internal/sim/zone"
)

// ErrorCode maps a core error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, lifecycle.ErrTransitionConflict):
		return protocol.ErrTransitionConflict
	case errors.Is(err, lifecycle.ErrNotReady):
		return protocol.ErrNotReady
	case errors.Is(err, lifecycle.ErrRecoveryPending):
		return protocol.ErrRecoveryPending
	case errors.Is(err, body.ErrBodyMissing):
		return protocol.ErrBodyMissing
	case errors.Is(err, snapshot.ErrCorrupt):
		return protocol.ErrSnapshotCorruption
	case errors.Is(err, zone.ErrConfigInvalid):
		return protocol.ErrConfigInvalid
	case errors.Is(err, boot.ErrInitializationFailure):
		return protocol.ErrInitFailure
	case errors.Is(err, protocol.ErrBadVersion):
		return protocol.ErrProtoBadRequest
	case errors.Is(err, protocol.ErrUnknownType), errors.Is(err, protocol.ErrMalformed):
		return protocol.ErrBadRequest
	default:
		return protocol.ErrInternal
	}
}
