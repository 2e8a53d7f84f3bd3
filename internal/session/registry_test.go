package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(10)
	require.NotNil(t, reg)
	assert.Zero(t, reg.Count())
	assert.Empty(t, reg.List())
}

func TestRegistry_CreateIsPending(t *testing.T) {
	reg := NewRegistry(10)

	id, err := reg.Create("/scripts/simple.py")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sess, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, "/scripts/simple.py", sess.ScriptPath)
	assert.False(t, sess.Running())
	assert.Zero(t, sess.Pending())
	assert.Equal(t, StatePending, sess.State())
}

func TestRegistry_UniqueIDs(t *testing.T) {
	reg := NewRegistry(0)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := reg.Create("/scripts/simple.py")
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 100, reg.Count())
}

func TestRegistry_GetNotFound(t *testing.T) {
	reg := NewRegistry(10)
	_, err := reg.Get("nonexistent")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_DestroyTwice(t *testing.T) {
	reg := NewRegistry(10)
	id, err := reg.Create("/scripts/simple.py")
	require.NoError(t, err)

	assert.NoError(t, reg.Destroy(id))
	_, err = reg.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, reg.Destroy(id), ErrSessionNotFound)
}

func TestRegistry_DestroyUnknown(t *testing.T) {
	reg := NewRegistry(10)
	assert.ErrorIs(t, reg.Destroy("nonexistent"), ErrSessionNotFound)
}

func TestRegistry_MaxSessionsLimit(t *testing.T) {
	reg := NewRegistry(1)
	_, err := reg.Create("/scripts/a.py")
	require.NoError(t, err)

	_, err = reg.Create("/scripts/b.py")
	assert.ErrorIs(t, err, ErrTooManySessions)
}

func TestRegistry_SweepRemovesIdle(t *testing.T) {
	reg := NewRegistry(0)
	idle, err := reg.Create("/scripts/idle.py")
	require.NoError(t, err)
	fresh, err := reg.Create("/scripts/fresh.py")
	require.NoError(t, err)

	sess, err := reg.Get(idle)
	require.NoError(t, err)
	sess.mu.Lock()
	sess.lastActivity = time.Now().Add(-2 * time.Hour)
	sess.mu.Unlock()

	removed := reg.Sweep(time.Hour)
	assert.Equal(t, 1, removed)

	_, err = reg.Get(idle)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = reg.Get(fresh)
	assert.NoError(t, err)
	assert.Equal(t, StateDestroyed, sess.State())
}

func TestRegistry_SweepKeepsRunning(t *testing.T) {
	requirePython(t)
	reg := NewRegistry(0)
	e := NewEngine(reg, DefaultOptions())
	script := writeScript(t, "hang.py", "import time\ntime.sleep(60)\n")

	id, err := reg.Create(script)
	require.NoError(t, err)
	require.NoError(t, e.Start(id))

	sess, err := reg.Get(id)
	require.NoError(t, err)
	sess.mu.Lock()
	sess.lastActivity = time.Now().Add(-24 * time.Hour)
	sess.mu.Unlock()

	assert.Zero(t, reg.Sweep(time.Nanosecond))
	_, err = reg.Get(id)
	assert.NoError(t, err)
	assert.True(t, e.IsRunning(id))

	assert.NoError(t, reg.Destroy(id))
}

func TestRegistry_ListOrdered(t *testing.T) {
	reg := NewRegistry(0)
	first, err := reg.Create("/scripts/a.py")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := reg.Create("/scripts/b.py")
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
	assert.Equal(t, StatePending, list[0].State)
}

func TestRegistry_Shutdown(t *testing.T) {
	reg := NewRegistry(0)
	for i := 0; i < 3; i++ {
		_, err := reg.Create("/scripts/a.py")
		require.NoError(t, err)
	}

	reg.Shutdown()
	assert.Zero(t, reg.Count())
}

func TestRegistry_ConcurrentCreateDestroy(t *testing.T) {
	reg := NewRegistry(0)
	var wg sync.WaitGroup
	var destroyed atomic.Int32

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := reg.Create("/scripts/a.py")
			if err != nil {
				return
			}
			// Two racing destroys: exactly one wins.
			var inner sync.WaitGroup
			for j := 0; j < 2; j++ {
				inner.Add(1)
				go func() {
					defer inner.Done()
					if reg.Destroy(id) == nil {
						destroyed.Add(1)
					}
				}()
			}
			inner.Wait()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), destroyed.Load())
	assert.Zero(t, reg.Count())
}

type countingObserver struct {
	created, started, finished, spawnFailed, destroyed atomic.Int32
}

func (o *countingObserver) SessionCreated()       { o.created.Add(1) }
func (o *countingObserver) SessionStarted()       { o.started.Add(1) }
func (o *countingObserver) SessionFinished(State) { o.finished.Add(1) }
func (o *countingObserver) SpawnFailed()          { o.spawnFailed.Add(1) }
func (o *countingObserver) SessionDestroyed()     { o.destroyed.Add(1) }

func TestRegistry_Observer(t *testing.T) {
	reg := NewRegistry(0)
	obs := &countingObserver{}
	reg.SetObserver(obs)

	id, err := reg.Create("/scripts/a.py")
	require.NoError(t, err)
	require.NoError(t, reg.Destroy(id))

	assert.Equal(t, int32(1), obs.created.Load())
	assert.Equal(t, int32(1), obs.destroyed.Load())
	assert.Zero(t, obs.started.Load())
}

func TestSession_LastActivityNeverMovesBackward(t *testing.T) {
	now := time.Now()
	sess := newSession("id", "/scripts/a.py", now)

	sess.refresh(now.Add(-time.Minute))
	assert.Equal(t, now, sess.LastActivity())

	later := now.Add(time.Second)
	sess.refresh(later)
	assert.Equal(t, later, sess.LastActivity())
}

func TestSession_SingleTerminalMessage(t *testing.T) {
	sess := newSession("id", "/scripts/a.py", time.Now())
	sess.running = true

	assert.True(t, sess.conclude(StateExited, Message{Kind: KindExit, Code: 0}))
	assert.False(t, sess.conclude(StateTimedOut, Message{Kind: KindTimeout}))
	sess.appendOutput([]byte("late"))

	msgs := sess.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindExit, msgs[0].Kind)
	assert.Equal(t, StateExited, sess.State())
	assert.False(t, sess.Running())
}

func TestSession_Snapshot(t *testing.T) {
	sess := newSession("id", "/scripts/a.py", time.Now())
	sess.conclude(StateExited, Message{Kind: KindExit, Code: 2})

	snap := sess.Snapshot()
	assert.Equal(t, "id", snap.ID)
	assert.Equal(t, StateExited, snap.State)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 2, *snap.ExitCode)
	assert.Equal(t, 1, snap.Pending)
}
