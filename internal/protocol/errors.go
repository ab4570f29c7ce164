package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrRateLimit       = "E_RATE_LIMIT"

	// Lifecycle core.
	ErrConfigInvalid        = "E_CONFIG_INVALID"
	ErrSnapshotCorruption   = "E_SNAPSHOT_CORRUPTION"
	ErrBodyMissing          = "E_BODY_MISSING"
	ErrTransitionConflict   = "E_TRANSITION_CONFLICT"
	ErrInitFailure          = "E_INIT_FAILURE"
	ErrNotReady             = "E_NOT_READY"
	ErrRecoveryPending      = "E_RECOVERY_PENDING"
	ErrUnknownPlayer        = "E_UNKNOWN_PLAYER"
	ErrOverrideNotPersisted = "E_OVERRIDE_NOT_PERSISTED"
	ErrInternal             = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:      {},
	ErrBadRequest:           {},
	ErrRateLimit:            {},
	ErrConfigInvalid:        {},
	ErrSnapshotCorruption:   {},
	ErrBodyMissing:          {},
	ErrTransitionConflict:   {},
	ErrInitFailure:          {},
	ErrNotReady:             {},
	ErrRecoveryPending:      {},
	ErrUnknownPlayer:        {},
	ErrOverrideNotPersisted: {},
	ErrInternal:             {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
