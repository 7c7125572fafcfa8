package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockRunsFnAndReleases(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	ran := false
	require.NoError(t, m.WithLock(Messages, func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	require.NoError(t, m.WithLock(Messages, func() error { return nil }))
}

func TestWithLockSerializesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	var mu sync.Mutex
	var order []int
	active, maxActive := 0, 0
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock(Events, func() error {
				mu.Lock()
				order = append(order, i)
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Len(t, order, 5)
	assert.Equal(t, 1, maxActive, "no two callers may hold the lock at the same time")
}

func TestWithLockTimeoutFailsFastWhenHeld(t *testing.T) {
	dir := t.TempDir()
	holder := NewManager(dir)
	waiter := NewManager(dir)
	waiter.SetTimeout(50 * time.Millisecond)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = holder.WithLock(Acks, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := waiter.WithLock(Acks, func() error {
		t.Fatal("fn should not run when the lock is already held past the timeout")
		return nil
	})
	assert.Error(t, err)
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingObserver) ObserveLockWait(resource string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resource)
}

func TestWithLockReportsWaitToObserver(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	obs := &recordingObserver{}
	m.SetObserver(obs)

	require.NoError(t, m.WithLock(TaskSnapshots, func() error { return nil }))
	assert.Equal(t, []string{"task-snapshots"}, obs.calls)
}

func TestWithLocksAcquiresOutOfOrderArgsWithoutDeadlock(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	ran := false
	err := m.WithLocks([]Resource{NudgeCooldown, Messages, Acks}, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
