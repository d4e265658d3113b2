// Package nurture is a minimal smoke-test consumer of the Broker Adapter's
// idempotent open/close contract: it cycles a profile window open and
// closed on a jittered dwell interval, purely to keep the broker's
// open-with-retry and cooldown paths exercised under low, steady load. It
// never touches job dispatch.
package nurture

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// Config controls the dwell window between an open and its matching close.
type Config struct {
	DwellMin time.Duration
	DwellMax time.Duration
}

// Service cycles a fixed set of profile windows open/closed indefinitely.
type Service struct {
	broker domain.BrokerClient
	cfg    Config
}

// New constructs a Service. cfg.DwellMin/DwellMax default to 30s/90s when
// unset or inverted, mirroring the original's scroll-loop pacing jitter.
func New(broker domain.BrokerClient, cfg Config) *Service {
	if cfg.DwellMin <= 0 {
		cfg.DwellMin = 30 * time.Second
	}
	if cfg.DwellMax <= cfg.DwellMin {
		cfg.DwellMax = cfg.DwellMin + 60*time.Second
	}
	return &Service{broker: broker, cfg: cfg}
}

// Run cycles every window in windowNames open-dwell-close, one goroutine per
// window, until ctx is cancelled. It never returns an error: a failed open
// or close is logged and retried on the next cycle, the same
// log-and-continue posture original_source's own engage loop takes toward
// any single action failing.
func (s *Service) Run(ctx context.Context, windowNames []string) {
	if s == nil || s.broker == nil || len(windowNames) == 0 {
		return
	}
	for _, name := range windowNames {
		go s.cycleWindow(ctx, name)
	}
	<-ctx.Done()
}

func (s *Service) cycleWindow(ctx context.Context, windowName string) {
	tracer := otel.Tracer("nurture")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cycleCtx, span := tracer.Start(ctx, "nurture.cycle")
		if _, err := s.broker.OpenProfile(cycleCtx, windowName, true); err != nil {
			slog.Warn("nurture open failed", slog.String("window_name", windowName), slog.Any("error", err))
			span.End()
			s.sleep(ctx, s.cfg.DwellMin)
			continue
		}

		s.sleep(cycleCtx, s.dwell())

		if err := s.broker.CloseProfile(cycleCtx, windowName); err != nil {
			slog.Warn("nurture close failed", slog.String("window_name", windowName), slog.Any("error", err))
		}
		span.End()
	}
}

func (s *Service) dwell() time.Duration {
	span := s.cfg.DwellMax - s.cfg.DwellMin
	if span <= 0 {
		return s.cfg.DwellMin
	}
	return s.cfg.DwellMin + time.Duration(rand.Int63n(int64(span)))
}

func (s *Service) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
