// Package ability grants and revokes the expanded ability set on bodies
// and holds the per-account override flag.
package ability

import (
	"sync"

	"go.uber.org/zap"

	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/sim/model"
)

// AccountStore persists the per-account override flag.
type AccountStore interface {
	SetOverride(id model.PlayerID, enabled bool) error
}

type Config struct {
	// Catalog is the full ability set granted on expansion.
	Catalog []int
	// UnlockAll turns the override on for every account.
	UnlockAll bool
}

type Service struct {
	host  host.Host
	store AccountStore
	log   *zap.Logger

	mu        sync.Mutex
	catalog   host.Abilities
	unlockAll bool
	baselines map[host.Handle]host.Abilities
	overrides map[model.PlayerID]bool
}

func NewService(h host.Host, cfg Config, store AccountStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		host:      h,
		store:     store,
		log:       logger.Named("ability"),
		catalog:   host.NewAbilities(cfg.Catalog...),
		unlockAll: cfg.UnlockAll,
		baselines: map[host.Handle]host.Abilities{},
		overrides: map[model.PlayerID]bool{},
	}
}

// ExpandAbilities grants the full catalog on h and remembers what h had
// before. Expanding an already expanded body succeeds without changes.
func (s *Service) ExpandAbilities(h host.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.host.Exists(h) {
		s.log.Warn("expand: body not found", zap.Uint64("handle", uint64(h)))
		return false
	}
	if _, ok := s.baselines[h]; ok {
		return true
	}
	cur, _ := host.TryRead[host.Abilities](s.host, h)
	base := host.NewAbilities(cur...)
	if !s.host.Write(h, base.Union(s.catalog)) {
		s.log.Warn("expand: write failed", zap.Uint64("handle", uint64(h)))
		return false
	}
	s.baselines[h] = base
	return true
}

// RestoreAbilities puts back the set recorded by ExpandAbilities. A body
// that was never expanded is left alone.
func (s *Service) RestoreAbilities(h host.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.host.Exists(h) {
		s.log.Warn("restore: body not found", zap.Uint64("handle", uint64(h)))
		return false
	}
	base, ok := s.baselines[h]
	if !ok {
		return true
	}
	if !s.host.Write(h, base) {
		s.log.Warn("restore: write failed", zap.Uint64("handle", uint64(h)))
		return false
	}
	delete(s.baselines, h)
	return true
}

// Forget drops the record for a body that no longer exists.
func (s *Service) Forget(h host.Handle) {
	s.mu.Lock()
	delete(s.baselines, h)
	s.mu.Unlock()
}

func (s *Service) IsExpanded(h host.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.baselines[h]
	return ok
}

// Baseline returns the abilities h has of its own: the recorded
// pre-expansion set when expanded, otherwise the current set.
func (s *Service) Baseline(h host.Handle) host.Abilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	if base, ok := s.baselines[h]; ok {
		return append(host.Abilities(nil), base...)
	}
	cur, _ := host.TryRead[host.Abilities](s.host, h)
	return host.NewAbilities(cur...)
}

// SetAccountOverride persists the flag first and only then updates memory.
func (s *Service) SetAccountOverride(id model.PlayerID, enabled bool) bool {
	if s.store != nil {
		if err := s.store.SetOverride(id, enabled); err != nil {
			s.log.Error("persist account override", zap.Stringer("player", id), zap.Bool("enabled", enabled), zap.Error(err))
			return false
		}
	}
	s.mu.Lock()
	if enabled {
		s.overrides[id] = true
	} else {
		delete(s.overrides, id)
	}
	s.mu.Unlock()
	s.log.Info("account override set", zap.Stringer("player", id), zap.Bool("enabled", enabled))
	return true
}

func (s *Service) AccountOverride(id model.PlayerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrides[id]
}

// Effective is true when the global or the account override applies.
func (s *Service) Effective(id model.PlayerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlockAll || s.overrides[id]
}

// LoadOverrides seeds flags read back from the account store.
func (s *Service) LoadOverrides(flags map[model.PlayerID]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, on := range flags {
		if on {
			s.overrides[id] = true
		}
	}
}

func (s *Service) SetGlobalOverride(on bool) {
	s.mu.Lock()
	s.unlockAll = on
	s.mu.Unlock()
}
