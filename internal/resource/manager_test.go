package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == typ {
			n++
		}
	}
	return n
}

func waitQueued(t *testing.T, m *Manager, resourceID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.Queue(resourceID)) == n }, time.Second, time.Millisecond)
}

func TestAcquireFreeAndReentrant(t *testing.T) {
	rec := &recorder{}
	m := New(Config{}, WithPublisher(rec))
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "db", "a", 0))
	require.NoError(t, m.Acquire(ctx, "db", "a", 0))

	holder, ok := m.Holder("db")
	require.True(t, ok)
	assert.Equal(t, "a", holder)
	assert.Equal(t, []string{"db"}, m.AgentResources("a"))
	assert.Equal(t, 1, rec.count(events.EventTypeResourceAcquired))
}

func TestReleaseNotHeldIsNoop(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Acquire(context.Background(), "db", "a", 0))

	m.Release("db", "b")
	m.Release("unknown", "a")

	holder, _ := m.Holder("db")
	assert.Equal(t, "a", holder)
	assert.Equal(t, uint64(0), m.Stats().Released)
}

func TestMutualExclusion(t *testing.T) {
	m := New(Config{Timeout: 5 * time.Second})
	ctx := context.Background()

	var holders atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup
	for _, agent := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				if err := m.Acquire(ctx, "shared", agent, 0); err != nil {
					t.Error(err)
					return
				}
				if holders.Add(1) != 1 {
					violations.Add(1)
				}
				time.Sleep(100 * time.Microsecond)
				holders.Add(-1)
				m.Release("shared", agent)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	_, locked := m.Holder("shared")
	assert.False(t, locked)
	assert.Equal(t, uint64(100), m.Stats().Acquired)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	m := New(Config{Timeout: 2 * time.Second})
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "r", "a", 0))

	acquired := make(chan error, 1)
	go func() { acquired <- m.Acquire(ctx, "r", "b", 0) }()

	waitQueued(t, m, "r", 1)
	select {
	case <-acquired:
		t.Fatal("b acquired while a holds the lock")
	case <-time.After(20 * time.Millisecond):
	}

	m.Release("r", "a")
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("b was not granted after release")
	}
	holder, _ := m.Holder("r")
	assert.Equal(t, "b", holder)
}

func TestGrantOrderPriorityThenArrival(t *testing.T) {
	m := New(Config{Timeout: 2 * time.Second})
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "r", "holder", 0))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	request := func(agent string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Acquire(ctx, "r", agent, priority); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, agent)
			mu.Unlock()
			m.Release("r", agent)
		}()
	}

	request("first", 5)
	waitQueued(t, m, "r", 1)
	request("second", 5)
	waitQueued(t, m, "r", 2)
	request("third", 10)
	waitQueued(t, m, "r", 3)

	queue := m.Queue("r")
	assert.Equal(t, "third", queue[0].AgentID)

	m.Release("r", "holder")
	wg.Wait()
	assert.Equal(t, []string{"third", "first", "second"}, order)
}

func TestAcquireTimeout(t *testing.T) {
	rec := &recorder{}
	m := New(Config{Timeout: 30 * time.Millisecond}, WithPublisher(rec))
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "r", "a", 0))

	err := m.Acquire(ctx, "r", "b", 0)
	var lockErr *errors.ResourceLockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "b", lockErr.AgentID)
	assert.ErrorIs(t, err, errors.ErrLockTimeout)
	assert.Empty(t, m.Queue("r"))
	assert.Equal(t, 1, rec.count(events.EventTypeResourceTimeout))
	assert.Equal(t, uint64(1), m.Stats().Timeouts)
}

func TestAcquireContextCancel(t *testing.T) {
	m := New(Config{Timeout: 5 * time.Second})
	require.NoError(t, m.Acquire(context.Background(), "r", "a", 0))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Acquire(ctx, "r", "b", 0) }()
	waitQueued(t, m, "r", 1)
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Queue("r"))
}

func TestSweepEvictsStaleRequestsAndLocks(t *testing.T) {
	base := time.Now()
	var offset atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	rec := &recorder{}
	m := New(Config{Timeout: time.Minute}, WithClock(clock), WithPublisher(rec))
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "r", "a", 0))

	errCh := make(chan error, 1)
	go func() { errCh <- m.Acquire(ctx, "r", "b", 0) }()
	waitQueued(t, m, "r", 1)

	m.Sweep(base.Add(61 * time.Second))
	err := <-errCh
	assert.ErrorIs(t, err, errors.ErrLockEvicted)
	assert.Empty(t, m.Queue("r"))

	holder, _ := m.Holder("r")
	assert.Equal(t, "a", holder)
	offset.Store(int64(90 * time.Second))
	assert.False(t, m.Health().Healthy)

	m.Sweep(base.Add(121 * time.Second))
	_, locked := m.Holder("r")
	assert.False(t, locked)
	assert.Empty(t, m.AgentResources("a"))
	assert.Equal(t, uint64(1), m.Stats().ForcedReleases)
	assert.True(t, m.Health().Healthy)
}

func TestReleaseAllForAgentPromotesWaiters(t *testing.T) {
	m := New(Config{Timeout: 2 * time.Second})
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "r1", "a", 0))
	require.NoError(t, m.Acquire(ctx, "r2", "a", 0))
	require.NoError(t, m.Acquire(ctx, "r3", "b", 0))

	bWaits := make(chan error, 1)
	go func() { bWaits <- m.Acquire(ctx, "r1", "b", 0) }()
	waitQueued(t, m, "r1", 1)
	aWaits := make(chan error, 1)
	go func() { aWaits <- m.Acquire(ctx, "r3", "a", 0) }()
	waitQueued(t, m, "r3", 1)

	released := m.ReleaseAllForAgent("a")
	assert.Equal(t, []string{"r1", "r2"}, released)

	require.NoError(t, <-bWaits)
	assert.ErrorIs(t, <-aWaits, errors.ErrLockEvicted)

	holder, _ := m.Holder("r1")
	assert.Equal(t, "b", holder)
	assert.Empty(t, m.AgentResources("a"))
	assert.Equal(t, []string{"r1", "r3"}, m.AgentResources("b"))
}

func TestWaitGraph(t *testing.T) {
	m := New(Config{Timeout: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Acquire(ctx, "r1", "a", 0))
	require.NoError(t, m.Acquire(ctx, "r2", "b", 0))
	go func() { _ = m.Acquire(ctx, "r2", "a", 0) }()
	go func() { _ = m.Acquire(ctx, "r1", "b", 0) }()
	waitQueued(t, m, "r1", 1)
	waitQueued(t, m, "r2", 1)

	assert.Equal(t, []Wait{
		{AgentID: "a", ResourceID: "r2", Holder: "b"},
		{AgentID: "b", ResourceID: "r1", Holder: "a"},
	}, m.WaitGraph())

	h := m.Health()
	assert.Equal(t, 2, h.Locked)
	assert.Equal(t, 2, h.Waiting)
}
