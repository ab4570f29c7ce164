package snapshot

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"arenaswap.ai/internal/sim/model"
)

// SchemaVersion is the newest record layout this package reads and writes.
const SchemaVersion = 1

// PlayerSnapshot is everything needed to put a player's normal body back
// the way it was before entering an arena.
type PlayerSnapshot struct {
	SchemaVersion int       `json:"schema_version"`
	CapturedAt    time.Time `json:"captured_at"`

	OriginalDisplayName string  `json:"original_display_name"`
	Level               int     `json:"level"`
	Health              float64 `json:"health"`

	// Secondary resource (blood) quality and type.
	ResourceQuality float64 `json:"secondary_resource_quality"`
	ResourceTypeID  int64   `json:"secondary_resource_type_id"`

	Inventory         []model.ItemStack `json:"inventory"`
	UnlockedAbilities []int             `json:"unlocked_special_abilities"`
	UIVisibility      map[string]bool   `json:"ui_visibility_flags"`

	Zone string `json:"zone,omitempty"`
}

// Equal compares field by field; CapturedAt uses time equality so a
// decoded record equals the value that was saved.
func (s PlayerSnapshot) Equal(o PlayerSnapshot) bool {
	return s.SchemaVersion == o.SchemaVersion &&
		s.CapturedAt.Equal(o.CapturedAt) &&
		s.OriginalDisplayName == o.OriginalDisplayName &&
		s.Level == o.Level &&
		s.Health == o.Health &&
		s.ResourceQuality == o.ResourceQuality &&
		s.ResourceTypeID == o.ResourceTypeID &&
		slices.Equal(s.Inventory, o.Inventory) &&
		slices.Equal(s.UnlockedAbilities, o.UnlockedAbilities) &&
		maps.Equal(s.UIVisibility, o.UIVisibility) &&
		s.Zone == o.Zone
}

var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("arenaswap.ai/snapshot"))

// RecordID is the stable identifier stored inside a player's record. It is
// derived from the player id alone, so a record copied under another
// player's name is detectable on load.
func RecordID(id model.PlayerID) uuid.UUID {
	return uuid.NewSHA1(recordNamespace, []byte("player:"+id.String()))
}

type record struct {
	RecordID string         `json:"record_id"`
	PlayerID string         `json:"player_id"`
	Snapshot PlayerSnapshot `json:"snapshot"`
}
