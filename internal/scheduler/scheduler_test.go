package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

type recorder struct {
	mu    sync.Mutex
	fires []string
	done  chan struct{}
}

func newRecorder(n int) *recorder {
	return &recorder{done: make(chan struct{}, n)}
}

func (r *recorder) handle(name, _ string) {
	r.mu.Lock()
	r.fires = append(r.fires, name)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fires...)
}

func waitFire(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func newTestStore(t *testing.T) *storage.BoltDB {
	t.Helper()
	store, err := storage.NewBoltDB(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScheduleFires(t *testing.T) {
	store := newTestStore(t)
	rec := newRecorder(1)
	s := New(store, zap.NewNop(), rec.handle)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.Schedule("refresh:github", time.Now().Add(20*time.Millisecond), ""))
	waitFire(t, rec)

	assert.Equal(t, []string{"refresh:github"}, rec.names())

	// fired timer is removed from the store; the delete runs after the
	// handler returns, so poll rather than assert immediately
	assert.Eventually(t, func() bool {
		timers, err := store.ListWakeTimers()
		return err == nil && len(timers) == 0
	}, 2*time.Second, 10*time.Millisecond, "fired timer not removed from the store")
}

func TestRescheduleFromHandlerStaysDurable(t *testing.T) {
	store := newTestStore(t)

	next := time.Now().Add(time.Hour)
	done := make(chan struct{})
	var s *Scheduler
	s = New(store, zap.NewNop(), func(name, _ string) {
		// a refresh handler arms the follow-up timer under the same name
		require.NoError(t, s.Schedule(name, next, ""))
		close(done)
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.Schedule("refresh:github", time.Now().Add(20*time.Millisecond), ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	// the record persisted by the handler must survive the post-fire cleanup
	timers, err := store.ListWakeTimers()
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, "refresh:github", timers[0].Name)
	assert.WithinDuration(t, next, timers[0].FireAt, time.Second)
}

func TestScheduleReplacesByName(t *testing.T) {
	store := newTestStore(t)
	rec := newRecorder(2)
	s := New(store, zap.NewNop(), rec.handle)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.Schedule("refresh:github", time.Now().Add(time.Hour), "old"))
	require.NoError(t, s.Schedule("refresh:github", time.Now().Add(20*time.Millisecond), "new"))
	waitFire(t, rec)

	// only the replacement fired
	assert.Equal(t, []string{"refresh:github"}, rec.names())
}

func TestCancel(t *testing.T) {
	store := newTestStore(t)
	rec := newRecorder(1)
	s := New(store, zap.NewNop(), rec.handle)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.Schedule("refresh:github", time.Now().Add(30*time.Millisecond), ""))
	require.NoError(t, s.Cancel("refresh:github"))

	select {
	case <-rec.done:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}

	timers, err := store.ListWakeTimers()
	require.NoError(t, err)
	assert.Empty(t, timers)

	// cancelling an unknown name is fine
	require.NoError(t, s.Cancel("refresh:missing"))
}

func TestRehydratePastTimerFiresImmediately(t *testing.T) {
	store := newTestStore(t)

	// persist a timer whose fire time already passed, as if the process
	// had been down when it was due
	require.NoError(t, store.SaveWakeTimer(&storage.WakeTimerRecord{
		Name:    "refresh:linear",
		FireAt:  time.Now().Add(-time.Minute),
		Created: time.Now().Add(-2 * time.Hour),
	}))

	rec := newRecorder(1)
	s := New(store, zap.NewNop(), rec.handle)
	require.NoError(t, s.Start())
	defer s.Stop()

	waitFire(t, rec)
	assert.Equal(t, []string{"refresh:linear"}, rec.names())
}

func TestStopKeepsPersistedTimers(t *testing.T) {
	store := newTestStore(t)
	rec := newRecorder(1)
	s := New(store, zap.NewNop(), rec.handle)
	require.NoError(t, s.Start())

	require.NoError(t, s.Schedule("refresh:github", time.Now().Add(time.Hour), ""))
	s.Stop()

	timers, err := store.ListWakeTimers()
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, "refresh:github", timers[0].Name)
}
