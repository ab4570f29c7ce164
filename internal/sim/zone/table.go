package zone

import (
	"fmt"
	"sync/atomic"

	"arenaswap.ai/internal/sim/model"
)

// Table is an immutable, ordered set of zone definitions.
type Table struct {
	defs   []Definition
	byName map[string]int
}

func NewTable(defs []Definition) (*Table, error) {
	t := &Table{
		defs:   make([]Definition, 0, len(defs)),
		byName: make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate zone name: %s", ErrConfigInvalid, d.Name)
		}
		t.byName[d.Name] = len(t.defs)
		t.defs = append(t.defs, d)
	}
	return t, nil
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.defs)
}

func (t *Table) Definitions() []Definition {
	if t == nil {
		return nil
	}
	out := make([]Definition, len(t.defs))
	copy(out, t.defs)
	return out
}

func (t *Table) Lookup(name string) (Definition, bool) {
	if t == nil {
		return Definition{}, false
	}
	i, ok := t.byName[name]
	if !ok {
		return Definition{}, false
	}
	return t.defs[i], true
}

// Locate returns the zone that best contains pos: the first zone (in table
// order) whose center contains it, else the first zone containing it at all.
func (t *Table) Locate(pos model.Vec3) (Definition, Classification) {
	if t == nil {
		return Definition{}, Outside
	}
	best := -1
	for i, d := range t.defs {
		switch Classify(pos, d) {
		case InCenter:
			return d, InCenter
		case InZone:
			if best < 0 {
				best = i
			}
		}
	}
	if best >= 0 {
		return t.defs[best], InZone
	}
	return Definition{}, Outside
}

// Detector holds the live table. Reload swaps the whole table; readers
// never observe a partially replaced set.
type Detector struct {
	cur atomic.Pointer[Table]
}

func NewDetector(t *Table) *Detector {
	d := &Detector{}
	if t == nil {
		t = &Table{byName: map[string]int{}}
	}
	d.cur.Store(t)
	return d
}

func (d *Detector) Table() *Table { return d.cur.Load() }

// Replace validates defs and installs them as the live table. On error the
// current table is kept.
func (d *Detector) Replace(defs []Definition) error {
	t, err := NewTable(defs)
	if err != nil {
		return err
	}
	d.cur.Store(t)
	return nil
}
