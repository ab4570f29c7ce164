package boot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestEnsureRunsOnce(t *testing.T) {
	s := NewSequencer(nil)
	calls := 0
	f := func() error { calls++; return nil }
	if !s.Ensure("x", f) || !s.Ensure("x", f) {
		t.Fatalf("ensure reported failure")
	}
	if calls != 1 {
		t.Fatalf("init calls: got %d want 1", calls)
	}
}

func TestEnsureFailureIsStickyUntilReset(t *testing.T) {
	s := NewSequencer(nil)
	if s.State() != Off {
		t.Fatalf("initial state: %s", s.State())
	}
	if !s.Ensure("LifecycleService", func() error { return nil }) {
		t.Fatalf("ensure lifecycle failed")
	}
	if s.State() != Ready {
		t.Fatalf("state after success: %s", s.State())
	}

	boom := errors.New("boom")
	if s.Ensure("Other", func() error { return boom }) {
		t.Fatalf("failing ensure reported success")
	}
	if s.State() != Failed {
		t.Fatalf("state after failure: %s", s.State())
	}
	if s.Initialized("Other") {
		t.Fatalf("failed name registered")
	}
	name, err := s.LastFailure()
	if name != "Other" || !errors.Is(err, boom) {
		t.Fatalf("last failure: %s %v", name, err)
	}

	ran := false
	if s.Ensure("Third", func() error { ran = true; return nil }) || ran {
		t.Fatalf("ensure ran while failed")
	}
	if !s.Ensure("LifecycleService", func() error { ran = true; return nil }) || ran {
		t.Fatalf("registered name must report true without running while failed")
	}
	if s.State() != Failed {
		t.Fatalf("state changed by registered ensure: %s", s.State())
	}

	s.Reset()
	if s.State() != Off {
		t.Fatalf("state after reset: %s", s.State())
	}
	if !s.Initialized("LifecycleService") {
		t.Fatalf("reset dropped registry entries")
	}
	if !s.Ensure("Other", func() error { return nil }) || s.State() != Ready {
		t.Fatalf("retry after reset: state=%s", s.State())
	}
}

func TestEnsurePanicIsFailure(t *testing.T) {
	s := NewSequencer(nil)
	if s.Ensure("p", func() error { panic("bad") }) {
		t.Fatalf("panicking init reported success")
	}
	if s.State() != Failed {
		t.Fatalf("state: %s", s.State())
	}
}

func TestBootOrderAndShortCircuit(t *testing.T) {
	s := NewSequencer(nil)
	var order []string
	step := func(name string, err error) Step {
		return Step{Name: name, Init: func(context.Context) error {
			order = append(order, name)
			return err
		}}
	}
	err := s.Boot(context.Background(), []Step{
		step("a", nil),
		step("b", errors.New("disk")),
		step("c", nil),
	})
	if !errors.Is(err, ErrInitializationFailure) {
		t.Fatalf("expected ErrInitializationFailure, got %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order: %v", order)
	}
	if s.State() != Failed {
		t.Fatalf("state: %s", s.State())
	}
	if err := s.Boot(context.Background(), nil); !errors.Is(err, ErrInitializationFailure) {
		t.Fatalf("boot while failed: %v", err)
	}

	s.Reset()
	order = nil
	err = s.Boot(context.Background(), []Step{step("a", nil), step("b", nil), step("c", nil)})
	if err != nil {
		t.Fatalf("second boot: %v", err)
	}
	if len(order) != 2 || order[0] != "b" || order[1] != "c" {
		t.Fatalf("second boot should skip initialized steps: %v", order)
	}
	if s.State() != Ready {
		t.Fatalf("state: %s", s.State())
	}
}

func TestBootStaysBootingUntilAllStepsDone(t *testing.T) {
	s := NewSequencer(nil)
	var seen []RuntimeState
	mk := func(name string) Step {
		return Step{Name: name, Init: func(context.Context) error {
			seen = append(seen, s.State())
			return nil
		}}
	}
	if err := s.Boot(context.Background(), []Step{mk("a"), mk("b")}); err != nil {
		t.Fatalf("boot: %v", err)
	}
	for i, st := range seen {
		if st != Booting {
			t.Fatalf("step %d saw state %s", i, st)
		}
	}
}

func TestForceReinitAndFail(t *testing.T) {
	s := NewSequencer(nil)
	calls := 0
	f := func() error { calls++; return nil }
	s.Ensure("store", f)
	if !s.ForceReinit("store") {
		t.Fatalf("force reinit refused")
	}
	if s.ForceReinit("missing") {
		t.Fatalf("force reinit of unknown name succeeded")
	}
	s.Ensure("store", f)
	if calls != 2 {
		t.Fatalf("calls after reinit: %d", calls)
	}

	s.Fail("store", errors.New("write stuck"))
	if s.State() != Failed || s.Initialized("store") {
		t.Fatalf("fail: state=%s initialized=%v", s.State(), s.Initialized("store"))
	}
}

func TestEnsureConcurrentCallersRunOnce(t *testing.T) {
	s := NewSequencer(nil)
	var calls atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Ensure("shared", func() error {
				calls.Add(1)
				<-release
				return nil
			})
		}()
	}
	close(release)
	wg.Wait()
	if got := calls.Load(); got != 1 {
		t.Fatalf("init calls: got %d want 1", got)
	}
}
