package ws

import (
	"sort"
	"sync"

	"arenaswap.ai/internal/sim/lifecycle"
	"arenaswap.ai/internal/sim/model"
)

// Feed keeps the latest reported position per player between ticks.
type Feed struct {
	mu     sync.Mutex
	latest map[model.PlayerID]model.Vec3
}

func NewFeed() *Feed {
	return &Feed{latest: map[model.PlayerID]model.Vec3{}}
}

func (f *Feed) Push(id model.PlayerID, pos model.Vec3) {
	f.mu.Lock()
	f.latest[id] = pos
	f.mu.Unlock()
}

// Drain returns the buffered reports ordered by player and empties the feed.
func (f *Feed) Drain() []lifecycle.PositionReport {
	f.mu.Lock()
	cur := f.latest
	f.latest = make(map[model.PlayerID]model.Vec3, len(cur))
	f.mu.Unlock()

	out := make([]lifecycle.PositionReport, 0, len(cur))
	for id, pos := range cur {
		out = append(out, lifecycle.PositionReport{Player: id, Pos: pos})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Player < out[j].Player })
	return out
}
