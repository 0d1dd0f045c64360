package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id        int
	destroyed atomic.Bool
	run       func(inputs map[string]*models.Tensor) (map[string]*models.Tensor, error)
}

func (f *fakeSession) Run(inputs map[string]*models.Tensor) (map[string]*models.Tensor, error) {
	if f.run != nil {
		return f.run(inputs)
	}
	return map[string]*models.Tensor{"output0": models.NewTensor(1, 5, 2)}, nil
}

func (f *fakeSession) Destroy() {
	f.destroyed.Store(true)
}

type fakeFactory struct {
	mu       sync.Mutex
	created  []*fakeSession
	failNext bool
	run      func(inputs map[string]*models.Tensor) (map[string]*models.Tensor, error)
}

func (f *fakeFactory) New() (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("out of memory")
	}
	s := &fakeSession{id: len(f.created), run: f.run}
	f.created = append(f.created, s)
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func TestPoolAcquireRelease(t *testing.T) {
	f := &fakeFactory{}
	pool, err := NewSessionPool(logs.NewTestingLog(t), f.New, 2, 50*time.Millisecond)
	require.NoError(t, err)
	defer pool.Destroy()
	require.Equal(t, 2, f.count())

	ctx := context.Background()
	a, err := pool.Acquire(ctx)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NotSame(t, a, b)

	m := pool.GetMetrics()
	require.Equal(t, 2, m.InUse)
	require.Equal(t, int64(2), m.TotalAcquired)

	// Pool is empty, so this times out
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrAcquireTimeout)
	require.Equal(t, int64(1), pool.GetMetrics().AcquireFailures)

	pool.Release(a)
	c, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, a, c)

	pool.Release(b)
	pool.Release(c)
	m = pool.GetMetrics()
	require.Equal(t, 0, m.InUse)
	require.Equal(t, int64(3), m.TotalReleased)
	require.Equal(t, 2, m.Live)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	f := &fakeFactory{}
	pool, err := NewSessionPool(logs.NewTestingLog(t), f.New, 1, time.Minute)
	require.NoError(t, err)
	defer pool.Destroy()

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolInitFailure(t *testing.T) {
	f := &fakeFactory{}
	// first session succeeds, second fails
	calls := 0
	factory := func() (Session, error) {
		calls++
		if calls == 2 {
			f.failNext = true
		}
		return f.New()
	}
	_, err := NewSessionPool(logs.NewTestingLog(t), factory, 3, time.Second)
	require.Error(t, err)
	require.Len(t, f.created, 1)
	require.True(t, f.created[0].destroyed.Load())
}

func TestPoolDestroy(t *testing.T) {
	f := &fakeFactory{}
	pool, err := NewSessionPool(logs.NewTestingLog(t), f.New, 2, time.Second)
	require.NoError(t, err)

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Destroy()
	pool.Destroy()

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)

	// The idle session is gone, the held one goes when it's released
	destroyed := 0
	for _, s := range f.created {
		if s.destroyed.Load() {
			destroyed++
		}
	}
	require.Equal(t, 1, destroyed)
	pool.Release(held)
	require.True(t, held.(*fakeSession).destroyed.Load())
	require.Equal(t, 0, pool.GetMetrics().Live)
}

func TestPoolDiscardAndReplenish(t *testing.T) {
	f := &fakeFactory{}
	pool, err := NewSessionPool(logs.NewTestingLog(t), f.New, 2, 20*time.Millisecond)
	require.NoError(t, err)
	defer pool.Destroy()

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Discard(s, errors.New("session corrupted"))
	require.True(t, s.(*fakeSession).destroyed.Load())

	m := pool.GetMetrics()
	require.Equal(t, 1, m.Live)
	require.Equal(t, int64(1), m.TotalDiscarded)
	require.Equal(t, "session corrupted", m.LastError)

	// A failed replacement leaves the pool short until the next attempt
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()
	pool.replenish()
	require.Equal(t, 1, pool.GetMetrics().Live)
	require.Equal(t, "out of memory", pool.GetMetrics().LastError)

	pool.replenish()
	require.Equal(t, 2, pool.GetMetrics().Live)
	require.Equal(t, 3, f.count())

	// A full pool isn't replenished
	pool.replenish()
	require.Equal(t, 3, f.count())

	a, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(a)
	pool.Release(b)
}
