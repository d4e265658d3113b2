package nurture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ixfleet/orchestrator/internal/domain"
)

type fakeBroker struct {
	mu     sync.Mutex
	opened map[string]int
	closed map[string]int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{opened: map[string]int{}, closed: map[string]int{}}
}

func (f *fakeBroker) OpenProfile(ctx domain.Context, windowName string, headless bool) (domain.OpenedProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened[windowName]++
	return domain.OpenedProfile{WindowName: windowName}, nil
}

func (f *fakeBroker) CloseProfile(ctx domain.Context, windowName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[windowName]++
	return nil
}

func (f *fakeBroker) ListOpenedProfiles(ctx domain.Context) ([]domain.OpenedProfile, error) {
	return nil, nil
}

func (f *fakeBroker) ResetOpenState(ctx domain.Context, windowName string) error { return nil }

func (f *fakeBroker) counts(windowName string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[windowName], f.closed[windowName]
}

func TestService_Run_CyclesOpenClose(t *testing.T) {
	broker := newFakeBroker()
	svc := New(broker, Config{DwellMin: time.Millisecond, DwellMax: 2 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	svc.Run(ctx, []string{"win-1"})

	opened, closed := broker.counts("win-1")
	if opened == 0 || closed == 0 {
		t.Fatalf("expected at least one open/close cycle, got opened=%d closed=%d", opened, closed)
	}
}

func TestService_Run_NoWindows(t *testing.T) {
	broker := newFakeBroker()
	svc := New(broker, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	svc.Run(ctx, nil)
}

func TestNew_DefaultsDwell(t *testing.T) {
	svc := New(newFakeBroker(), Config{})
	if svc.cfg.DwellMin != 30*time.Second {
		t.Fatalf("expected default dwell min 30s, got %v", svc.cfg.DwellMin)
	}
	if svc.cfg.DwellMax <= svc.cfg.DwellMin {
		t.Fatalf("expected dwell max > dwell min, got min=%v max=%v", svc.cfg.DwellMin, svc.cfg.DwellMax)
	}
}
