package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketplace-api/internal/auth"
	"marketplace-api/internal/observability"
)

const (
	defaultTemporaryPasswordInterval = 6 * time.Hour
	defaultResetTokenInterval        = time.Hour
	defaultInitialDelay              = 10 * time.Second
	defaultSweepTimeout              = 30 * time.Second
	defaultRefreshBatchSize          = 500
)

// Store is the part of the credential store the sweeps need.
type Store interface {
	PurgeExpiredTemporaryPasswords(ctx context.Context, now time.Time) (int64, error)
	PurgeExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time, batchSize int) (int64, error)
}

type SweeperConfig struct {
	TemporaryPasswordInterval time.Duration
	ResetTokenInterval        time.Duration
	InitialDelay              time.Duration
	Timeout                   time.Duration
	RefreshBatchSize          int
}

type Sweeper struct {
	store  Store
	logger *observability.Logger
	cfg    SweeperConfig
	now    func() time.Time
}

func NewSweeper(store Store, logger *observability.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.TemporaryPasswordInterval <= 0 {
		cfg.TemporaryPasswordInterval = defaultTemporaryPasswordInterval
	}
	if cfg.ResetTokenInterval <= 0 {
		cfg.ResetTokenInterval = defaultResetTokenInterval
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSweepTimeout
	}
	if cfg.RefreshBatchSize <= 0 {
		cfg.RefreshBatchSize = defaultRefreshBatchSize
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Sweeper{store: store, logger: logger, cfg: cfg, now: time.Now}
}

// Run drives both sweep loops until ctx is cancelled. Each loop fires once
// after the initial delay and then on its own interval.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper_started", map[string]any{
		"temporary_password_interval": s.cfg.TemporaryPasswordInterval.String(),
		"reset_token_interval":        s.cfg.ResetTokenInterval.String(),
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, "temporary_passwords", s.cfg.TemporaryPasswordInterval, s.SweepTemporaryPasswords)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, "reset_tokens", s.cfg.ResetTokenInterval, s.SweepResetTokens)
	}()
	wg.Wait()

	s.logger.Info("sweeper_stopped", nil)
}

func (s *Sweeper) SweepTemporaryPasswords(ctx context.Context) (int64, error) {
	return s.store.PurgeExpiredTemporaryPasswords(ctx, s.now().UTC())
}

func (s *Sweeper) SweepResetTokens(ctx context.Context) (int64, error) {
	return s.store.PurgeExpiredResetTokens(ctx, s.now().UTC())
}

func (s *Sweeper) SweepRefreshTokens(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredRefreshTokens(ctx, s.now().UTC(), s.cfg.RefreshBatchSize)
}

// SweepAll runs every sweep once. A failing sweep does not stop the others;
// their errors are joined.
func (s *Sweeper) SweepAll(ctx context.Context) (auth.SweepResult, error) {
	var (
		result auth.SweepResult
		errs   []error
	)

	n, err := s.SweepTemporaryPasswords(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	result.TemporaryPasswords = n

	n, err = s.SweepResetTokens(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	result.ResetTokens = n

	n, err = s.SweepRefreshTokens(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	result.RefreshTokens = n

	return result, errors.Join(errs...)
}

func (s *Sweeper) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) (int64, error)) {
	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.runOnce(ctx, name, sweep)
		timer.Reset(interval)
	}
}

func (s *Sweeper) runOnce(ctx context.Context, name string, sweep func(context.Context) (int64, error)) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("sweep_panic", map[string]any{"sweep": name, "panic": fmt.Sprint(rec)})
		}
	}()

	cleaned, err := sweep(sweepCtx)
	if err != nil {
		s.logger.Error("sweep_failed", map[string]any{"sweep": name, "error": err.Error()})
		return
	}
	s.logger.Info("sweep_completed", map[string]any{"sweep": name, "cleaned": cleaned})
}
