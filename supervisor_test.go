package stormlsp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxFailures:        2,
		FailureWindow:      10 * time.Second,
		CooldownInitial:    5 * time.Second,
		CooldownMax:        60 * time.Second,
		CooldownMultiplier: 2.0,
		RestartDelay:       10 * time.Millisecond,
	}
}

// connFactory spawns fake-backed connections and remembers the processes so
// tests can crash them.
type connFactory struct {
	mu           sync.Mutex
	procs        []*fakeProcess
	fail         bool
	badHandshake bool
	seq          int64
}

func (f *connFactory) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *connFactory) lastProc() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

func (f *connFactory) spawn() (*Connection, error) {
	f.mu.Lock()
	if f.fail {
		f.mu.Unlock()
		return nil, errors.New("spawn refused")
	}
	f.seq++
	id := ConnectionID(f.seq)
	f.mu.Unlock()

	proc := newFakeProcess()
	srv := &fakeServer{
		proc:     proc,
		framer:   NewFramer(proc.stdinR, proc.stdoutW),
		handlers: make(map[string]func(json.RawMessage) (any, *RPCError)),
		noReply:  make(map[string]bool),
	}
	if f.badHandshake {
		srv.handlers["initialize"] = func(json.RawMessage) (any, *RPCError) {
			return nil, &RPCError{Code: CodeInternalError, Message: "broken install"}
		}
	}
	go srv.run()
	f.mu.Lock()
	f.procs = append(f.procs, proc)
	f.mu.Unlock()

	conn := newConnection(id, "go", ServerConfig{Command: "fakesrv"}, func(Event) {}, zap.NewNop(), 5*time.Second, 5*time.Second)
	spawnProc := func(ServerConfig, string) (process, error) { return proc, nil }
	if err := conn.launch(spawnProc, "", nil); err != nil {
		return nil, err
	}
	return conn, nil
}

// waitRunning blocks until conn's background handshake has settled cleanly.
func waitRunning(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case <-conn.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("handshake never settled")
	}
	require.NoError(t, conn.StartErr())
}

func newTestSupervisor(t *testing.T, factory *connFactory, events chan Event) (*Supervisor, *fakeClock) {
	t.Helper()
	clock := newFakeClock()

	var replaced []ConnectionID
	var mu sync.Mutex
	onReplaced := func(old *Connection, err error) {
		mu.Lock()
		replaced = append(replaced, old.ID())
		mu.Unlock()
	}

	emit := func(Event) {}
	if events != nil {
		emit = func(ev Event) {
			select {
			case events <- ev:
			default:
			}
		}
	}

	sup := newSupervisor("go", testSupervisorConfig(), zap.NewNop(), factory.spawn, onReplaced, emit)
	sup.now = clock.Now

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.close(ctx)
	})
	return sup, clock
}

func TestSupervisorEnsureSpawnsOnce(t *testing.T) {
	factory := &connFactory{}
	sup, _ := newTestSupervisor(t, factory, nil)

	conn, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	waitRunning(t, conn)
	assert.Equal(t, ConnRunning, conn.State())
	assert.Equal(t, StatusRunning, sup.Status())

	again, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, again)
}

func TestSupervisorCooldownAfterRepeatedFailures(t *testing.T) {
	factory := &connFactory{fail: true}
	events := make(chan Event, 16)
	sup, clock := newTestSupervisor(t, factory, events)

	_, err := sup.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, sup.State().Failures())

	clock.Advance(time.Second)
	_, err = sup.Ensure(context.Background())
	require.Error(t, err)

	// Two failures inside the window: the language is now cooling down and
	// further attempts fail fast without spawning.
	var cdErr *CooldownError
	_, err = sup.Ensure(context.Background())
	require.ErrorAs(t, err, &cdErr)
	assert.Equal(t, "go", cdErr.Language)
	assert.Equal(t, StatusCooldown, sup.Status())
	assert.Greater(t, sup.CooldownRemaining(), time.Duration(0))

	foundCooldown := false
	for len(events) > 0 {
		if ev, ok := (<-events).(StatusEvent); ok && ev.Status == StatusCooldown {
			foundCooldown = true
			assert.False(t, ev.CooldownUntil.IsZero())
		}
	}
	assert.True(t, foundCooldown, "no cooldown status event")
}

func TestSupervisorCooldownExpires(t *testing.T) {
	factory := &connFactory{fail: true}
	sup, clock := newTestSupervisor(t, factory, nil)

	sup.Ensure(context.Background())
	sup.Ensure(context.Background())
	_, err := sup.Ensure(context.Background())
	var cdErr *CooldownError
	require.ErrorAs(t, err, &cdErr)

	clock.Advance(6 * time.Second) // past the 5s initial cooldown

	factory.setFail(false)
	conn, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	waitRunning(t, conn)
	require.Eventually(t, func() bool {
		return sup.State().Failures() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisorSeparatedFailuresDoNotCooldown(t *testing.T) {
	factory := &connFactory{fail: true}
	sup, clock := newTestSupervisor(t, factory, nil)

	_, err := sup.Ensure(context.Background())
	require.Error(t, err)

	// The second failure lands outside the window, so it starts a fresh
	// count instead of triggering cooldown.
	clock.Advance(11 * time.Second)
	_, err = sup.Ensure(context.Background())
	require.Error(t, err)
	require.NotErrorAs(t, err, new(*CooldownError))
	assert.Equal(t, 1, sup.State().Failures())
	assert.Equal(t, StatusStopped, sup.Status())
}

func TestSupervisorManualRestartBypassesCooldown(t *testing.T) {
	factory := &connFactory{fail: true}
	sup, _ := newTestSupervisor(t, factory, nil)

	sup.Ensure(context.Background())
	sup.Ensure(context.Background())
	require.Equal(t, StatusCooldown, sup.Status())

	factory.setFail(false)
	conn, err := sup.Restart(context.Background())
	require.NoError(t, err)
	waitRunning(t, conn)
	assert.Equal(t, ConnRunning, conn.State())
	assert.Equal(t, 0, sup.State().Failures())
	assert.True(t, sup.State().CooldownUntil().IsZero())
}

func TestSupervisorRestartReplacesConnection(t *testing.T) {
	factory := &connFactory{}
	sup, _ := newTestSupervisor(t, factory, nil)

	first, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	waitRunning(t, first)

	second, err := sup.Restart(context.Background())
	require.NoError(t, err)
	waitRunning(t, second)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, ConnStopped, first.State())
	assert.Equal(t, ConnRunning, second.State())
}

func TestSupervisorAutoRespawnAfterCrash(t *testing.T) {
	factory := &connFactory{}
	sup, _ := newTestSupervisor(t, factory, nil)

	first, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	waitRunning(t, first)

	factory.lastProc().exit(errors.New("segfault"))

	require.Eventually(t, func() bool {
		conn := sup.Conn()
		return conn != nil && conn.ID() != first.ID() &&
			conn.State() == ConnRunning && sup.State().Failures() == 0
	}, 5*time.Second, 10*time.Millisecond, "no replacement connection")
}

func TestSupervisorHandshakeFailureEntersCooldown(t *testing.T) {
	factory := &connFactory{badHandshake: true}
	sup, _ := newTestSupervisor(t, factory, nil)

	conn, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	select {
	case <-conn.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("handshake never settled")
	}
	require.Error(t, conn.StartErr())

	// The failed start counts against the window; the automatic retry fails
	// the same way and tips the language into cooldown.
	require.Eventually(t, func() bool {
		return sup.Status() == StatusCooldown
	}, 5*time.Second, 10*time.Millisecond)
	assert.Greater(t, sup.CooldownRemaining(), time.Duration(0))
}

func TestSupervisorStopSuppressesRespawn(t *testing.T) {
	factory := &connFactory{}
	sup, _ := newTestSupervisor(t, factory, nil)

	first, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	waitRunning(t, first)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(ctx))
	assert.Nil(t, sup.Conn())
	assert.Equal(t, StatusStopped, sup.Status())

	// No automatic comeback after a manual stop.
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, sup.Conn())

	// An explicit ensure starts it again.
	conn, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	waitRunning(t, conn)
	assert.Equal(t, ConnRunning, conn.State())
}

func TestSupervisorCleanSpawnResetsWindow(t *testing.T) {
	factory := &connFactory{fail: true}
	sup, _ := newTestSupervisor(t, factory, nil)

	_, err := sup.Ensure(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, sup.State().Failures())

	factory.setFail(false)
	conn, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	waitRunning(t, conn)
	require.Eventually(t, func() bool {
		return sup.State().Failures() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
