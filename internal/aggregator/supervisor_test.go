package aggregator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHealth struct {
	ready atomic.Int32
	err   atomic.Value // error
}

func (f *fakeHealth) Health(ctx context.Context) (int, error) {
	if v := f.err.Load(); v != nil {
		if err, ok := v.(error); ok && err != nil {
			return 0, err
		}
	}
	return int(f.ready.Load()), nil
}

func TestSupervisorStartAndStop(t *testing.T) {
	health := &fakeHealth{}
	health.ready.Store(2)

	sup, err := NewSupervisor(SupervisorConfig{
		Command:        []string{"sleep", "60"},
		Health:         health,
		MinEngines:     1,
		StartupTimeout: 5 * time.Second,
		Interval:       time.Hour,
		GracePeriod:    time.Second,
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := sup.State(); got != StateHealthy {
		t.Errorf("expected healthy, got %s", got)
	}

	sup.Stop()
	if got := sup.State(); got != StateStopped {
		t.Errorf("expected stopped after Stop, got %s", got)
	}
}

func TestSupervisorStartupTimeout(t *testing.T) {
	health := &fakeHealth{} // zero engines ready, never healthy

	sup, err := NewSupervisor(SupervisorConfig{
		Command:        []string{"sleep", "60"},
		Health:         health,
		MinEngines:     1,
		StartupTimeout: 100 * time.Millisecond,
		GracePeriod:    time.Second,
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	if err := sup.Start(context.Background()); err == nil {
		t.Fatal("expected startup timeout error")
	}
	if got := sup.State(); got != StateStopped {
		t.Errorf("expected stopped after failed start, got %s", got)
	}
	// Stop must not hang even though the monitor never ran.
	sup.Stop()
}

func TestSupervisorGivesUpAfterRestartBudget(t *testing.T) {
	health := &fakeHealth{}
	health.ready.Store(1)

	// The process exits immediately, so every health pass is followed
	// by a crash. The supervisor should burn through its budget and
	// then stop for good.
	sup, err := NewSupervisor(SupervisorConfig{
		Command:        []string{"true"},
		Health:         health,
		MinEngines:     1,
		StartupTimeout: 5 * time.Second,
		Interval:       time.Hour,
		GracePeriod:    100 * time.Millisecond,
		MaxRestarts:    2,
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	deadline := time.After(30 * time.Second)
	for sup.State() != StateStopped {
		select {
		case <-deadline:
			t.Fatalf("supervisor never gave up, state=%s", sup.State())
		case <-time.After(50 * time.Millisecond):
		}
	}

	if !errors.Is(sup.Err(), ErrRestartBudgetExhausted) {
		t.Errorf("expected restart budget error, got %v", sup.Err())
	}
	sup.Stop()
}

func TestSupervisorRequiresCommandAndHealth(t *testing.T) {
	if _, err := NewSupervisor(SupervisorConfig{Health: &fakeHealth{}}); err == nil {
		t.Error("expected error without command")
	}
	if _, err := NewSupervisor(SupervisorConfig{Command: []string{"sleep", "1"}}); err == nil {
		t.Error("expected error without health checker")
	}
}
