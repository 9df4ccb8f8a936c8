package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loaderengine/pkg/metrics"
)

func newTestMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	return metrics.InitMetrics("test", "sweeper")
}

type stubLockStore struct {
	reaped     []string
	reapErr    error
	recovered  []string
	recoverErr error

	reapCalledWith    time.Duration
	recoverCalledWith time.Duration
}

func (s *stubLockStore) ReapStaleLocks(ctx context.Context, staleThreshold time.Duration) ([]string, error) {
	s.reapCalledWith = staleThreshold
	return s.reaped, s.reapErr
}

func (s *stubLockStore) RecoverGraceExpired(ctx context.Context, grace time.Duration) ([]string, error) {
	s.recoverCalledWith = grace
	return s.recovered, s.recoverErr
}

func TestSweeper_RunOnce_ReapsAndRecovers(t *testing.T) {
	store := &stubLockStore{reaped: []string{"ldr-1"}, recovered: []string{"ldr-2", "ldr-3"}}
	s := New(store, newTestMetrics(t), time.Hour, 2*time.Minute, 20*time.Minute)

	s.runOnce(context.Background())

	assert.Equal(t, 2*time.Minute, store.reapCalledWith)
	assert.Equal(t, 20*time.Minute, store.recoverCalledWith)
}

func TestSweeper_RunOnce_ReapFailureStillAttemptsRecovery(t *testing.T) {
	store := &stubLockStore{reapErr: errors.New("connection refused"), recovered: []string{"ldr-2"}}
	s := New(store, newTestMetrics(t), time.Hour, 2*time.Minute, 20*time.Minute)

	s.runOnce(context.Background())

	assert.Equal(t, 20*time.Minute, store.recoverCalledWith)
}

func TestSweeper_RunOnce_RecoveryFailureDoesNotPanic(t *testing.T) {
	store := &stubLockStore{recoverErr: errors.New("connection refused")}
	s := New(store, newTestMetrics(t), time.Hour, 2*time.Minute, 20*time.Minute)

	s.runOnce(context.Background())
}

func TestSweeper_Run_StopsOnContextCancel(t *testing.T) {
	store := &stubLockStore{}
	s := New(store, newTestMetrics(t), time.Millisecond, 2*time.Minute, 20*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestSweeper_RunOnce_NoActionsTakenWhenNothingToReapOrRecover(t *testing.T) {
	store := &stubLockStore{}
	s := New(store, newTestMetrics(t), time.Hour, 2*time.Minute, 20*time.Minute)

	require.NotPanics(t, func() { s.runOnce(context.Background()) })
}
