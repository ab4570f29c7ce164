// Package boot runs named subsystem initializers at most once each and
// exposes the process-wide runtime state that gates the lifecycle core.
package boot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.uber.org/zap"
)

var ErrInitializationFailure = errors.New("initialization failure")

type RuntimeState uint32

const (
	Off RuntimeState = iota
	Booting
	Ready
	Failed
)

func (s RuntimeState) String() string {
	switch s {
	case Booting:
		return "booting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "off"
	}
}

type Step struct {
	Name string
	Init func(ctx context.Context) error
}

type Sequencer struct {
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	state    RuntimeState
	inBoot   bool
	registry map[string]time.Time
	inflight map[string]chan struct{}

	failedName string
	failedErr  error
}

func NewSequencer(logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		log:      logger.Named("boot"),
		now:      time.Now,
		registry: map[string]time.Time{},
		inflight: map[string]chan struct{}{},
	}
}

func (s *Sequencer) State() RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sequencer) Ready() bool { return s.State() == Ready }

// Ensure runs f unless name already initialized successfully. It reports
// whether name is initialized on return. A failure moves the runtime to
// Failed; while Failed, Ensure runs nothing new, but names already in the
// registry still report true.
func (s *Sequencer) Ensure(name string, f func() error) bool {
	var done chan struct{}
	for {
		s.mu.Lock()
		if _, ok := s.registry[name]; ok {
			s.mu.Unlock()
			return true
		}
		if s.state == Failed {
			s.mu.Unlock()
			s.log.Debug("ensure refused while failed", zap.String("name", name))
			return false
		}
		if ch, running := s.inflight[name]; running {
			s.mu.Unlock()
			<-ch
			continue
		}
		done = make(chan struct{})
		s.inflight[name] = done
		if s.state == Off {
			s.state = Booting
		}
		s.mu.Unlock()
		break
	}

	start := s.now()
	err := call(f)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, name)
	close(done)
	if err != nil {
		s.state = Failed
		s.failedName = name
		s.failedErr = err
		s.log.Error("initialization failed", zap.String("name", name), zap.Error(err))
		return false
	}
	s.registry[name] = s.now()
	if !s.inBoot && s.state == Booting {
		s.state = Ready
	}
	s.log.Info("initialized", zap.String("name", name), zap.Duration("took", s.now().Sub(start)))
	return true
}

func call(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if f == nil {
		return nil
	}
	return f()
}

// Boot ensures every step in order and stops at the first failure.
func (s *Sequencer) Boot(ctx context.Context, steps []Step) error {
	s.mu.Lock()
	if s.state == Failed {
		name, cause := s.failedName, s.failedErr
		s.mu.Unlock()
		return oops.In("boot").With("step", name).Wrapf(ErrInitializationFailure, "runtime failed until reset: %v", cause)
	}
	s.inBoot = true
	if s.state != Ready {
		s.state = Booting
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inBoot = false
		s.mu.Unlock()
	}()

	for _, st := range steps {
		ok := s.Ensure(st.Name, func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return st.Init(ctx)
		})
		if !ok {
			_, cause := s.LastFailure()
			return oops.In("boot").With("step", st.Name).Wrapf(ErrInitializationFailure, "%s: %v", st.Name, cause)
		}
	}

	s.mu.Lock()
	if s.state == Booting {
		s.state = Ready
	}
	s.mu.Unlock()
	s.log.Info("runtime ready", zap.Int("steps", len(steps)))
	return nil
}

// Fail marks a running subsystem as failed, e.g. a store whose writes have
// stopped completing. The name is dropped from the registry so the next
// boot after Reset initializes it again.
func (s *Sequencer) Fail(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registry, name)
	if s.state == Failed {
		return
	}
	s.state = Failed
	s.failedName = name
	s.failedErr = err
	s.log.Error("subsystem failed", zap.String("name", name), zap.Error(err))
}

// ForceReinit removes name from the registry so its initializer runs again
// on the next Ensure.
func (s *Sequencer) ForceReinit(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registry[name]; !ok {
		return false
	}
	delete(s.registry, name)
	s.log.Info("force reinit", zap.String("name", name))
	return true
}

// Reset clears a Failed state back to Off. Initialized names stay registered.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = Off
	s.failedName = ""
	s.failedErr = nil
	s.log.Info("runtime reset", zap.Stringer("from", prev))
}

func (s *Sequencer) Initialized(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registry[name]
	return ok
}

func (s *Sequencer) Registry() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.registry))
	for name := range s.registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Sequencer) LastFailure() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedName, s.failedErr
}
