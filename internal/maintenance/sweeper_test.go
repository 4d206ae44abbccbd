package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu sync.Mutex

	temporary, reset, refresh int64
	resetErr                  error
	batchSizes                []int
	calls                     []time.Time
}

func (s *fakeStore) PurgeExpiredTemporaryPasswords(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, now)
	return s.temporary, nil
}

func (s *fakeStore) PurgeExpiredResetTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, now)
	return s.reset, s.resetErr
}

func (s *fakeStore) DeleteExpiredRefreshTokens(_ context.Context, now time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, now)
	s.batchSizes = append(s.batchSizes, batchSize)
	return s.refresh, nil
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestSweepAll(t *testing.T) {
	t.Parallel()

	store := &fakeStore{temporary: 2, reset: 1, refresh: 9}
	sweeper := NewSweeper(store, nil, SweeperConfig{})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))
	sweeper.now = func() time.Time { return fixed }

	result, err := sweeper.SweepAll(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.TemporaryPasswords)
	assert.EqualValues(t, 1, result.ResetTokens)
	assert.EqualValues(t, 9, result.RefreshTokens)

	assert.Equal(t, []int{defaultRefreshBatchSize}, store.batchSizes)
	for _, at := range store.calls {
		assert.Equal(t, time.UTC, at.Location())
		assert.True(t, at.Equal(fixed))
	}
}

func TestSweepAllKeepsGoingAfterFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("reset sweep failed")
	store := &fakeStore{temporary: 3, refresh: 4, resetErr: boom}
	sweeper := NewSweeper(store, nil, SweeperConfig{RefreshBatchSize: 50})

	result, err := sweeper.SweepAll(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 3, result.TemporaryPasswords)
	assert.EqualValues(t, 4, result.RefreshTokens)
	assert.Equal(t, []int{50}, store.batchSizes)
}

func TestNewSweeperDefaults(t *testing.T) {
	t.Parallel()

	sweeper := NewSweeper(&fakeStore{}, nil, SweeperConfig{})
	assert.Equal(t, defaultTemporaryPasswordInterval, sweeper.cfg.TemporaryPasswordInterval)
	assert.Equal(t, defaultResetTokenInterval, sweeper.cfg.ResetTokenInterval)
	assert.Equal(t, defaultInitialDelay, sweeper.cfg.InitialDelay)
	assert.Equal(t, defaultSweepTimeout, sweeper.cfg.Timeout)
	assert.NotNil(t, sweeper.logger)
}

func TestRunOnceRecoversFromPanic(t *testing.T) {
	t.Parallel()

	sweeper := NewSweeper(&fakeStore{}, nil, SweeperConfig{})
	assert.NotPanics(t, func() {
		sweeper.runOnce(context.Background(), "boom", func(context.Context) (int64, error) {
			panic("sweep exploded")
		})
	})
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	sweeper := NewSweeper(store, nil, SweeperConfig{
		InitialDelay:              time.Millisecond,
		TemporaryPasswordInterval: 5 * time.Millisecond,
		ResetTokenInterval:        5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.callCount() >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}
