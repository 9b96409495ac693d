package workers

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *PoolConfig {
	return &PoolConfig{
		Name:            "test",
		NumWorkers:      2,
		QueueSize:       4,
		TaskTimeout:     time.Second,
		ShutdownTimeout: time.Second,
	}
}

func TestPoolExecutesTasks(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig())
	p.Start()
	defer p.Stop()

	var mu sync.Mutex
	done := make(chan struct{}, 3)
	ran := 0
	for i := 0; i < 3; i++ {
		require.NoError(t, p.SubmitFunc(func() error {
			mu.Lock()
			ran++
			mu.Unlock()
			done <- struct{}{}
			return nil
		}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("task did not run")
		}
	}

	mu.Lock()
	require.Equal(t, 3, ran)
	mu.Unlock()
}

func TestSubmitRejectsWhenStopped(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig())
	err := p.SubmitFunc(func() error { return nil })
	require.ErrorIs(t, err, ErrPoolStopped)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.NumWorkers = 1
	cfg.QueueSize = 1
	p := NewPool(zap.NewNop(), cfg)
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	// First task occupies the single worker.
	require.NoError(t, p.SubmitFunc(func() error {
		<-block
		return nil
	}))

	// Fill the queue, then overflow it.
	var overflowed bool
	for i := 0; i < 5; i++ {
		if err := p.SubmitFunc(func() error { return nil }); errors.Is(err, ErrQueueFull) {
			overflowed = true
			break
		}
	}
	close(block)
	require.True(t, overflowed)
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig())
	p.Start()
	defer p.Stop()

	require.NoError(t, p.SubmitFunc(func() error {
		panic("order handler blew up")
	}))

	done := make(chan struct{})
	require.NoError(t, p.SubmitFunc(func() error {
		close(done)
		return nil
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not survive the panic")
	}

	require.Eventually(t, func() bool {
		return p.Stats().TasksFailed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPoolRestartsAfterStop(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig())
	p.Start()
	require.NoError(t, p.Stop())
	require.False(t, p.IsRunning())

	p.Start()
	defer p.Stop()
	require.True(t, p.IsRunning())

	done := make(chan struct{})
	require.NoError(t, p.SubmitFunc(func() error {
		close(done)
		return nil
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("restarted pool did not execute the task")
	}
}

func TestStatsCountsSubmissions(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig())
	p.Start()
	defer p.Stop()

	done := make(chan struct{}, 2)
	require.NoError(t, p.SubmitFunc(func() error { done <- struct{}{}; return nil }))
	require.NoError(t, p.SubmitFunc(func() error { done <- struct{}{}; return errors.New("fill rejected") }))
	<-done
	<-done

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.TasksSubmitted == 2 && s.TasksCompleted == 1 && s.TasksFailed == 1
	}, time.Second, 10*time.Millisecond)
}
