package stormlsp

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RestartState tracks consecutive failures of one language's server inside
// a sliding window, and the cooldown they may have earned.
type RestartState struct {
	failures      int
	windowStart   time.Time
	cooldownUntil time.Time
}

// Failures returns the consecutive failure count in the current window.
func (s RestartState) Failures() int { return s.failures }

// CooldownUntil returns the end of the active cooldown, zero when none.
func (s RestartState) CooldownUntil() time.Time { return s.cooldownUntil }

// Supervisor owns one language's connection lifecycle: it observes crashes,
// decides between respawn and cooldown, and hands out the live connection.
// The Manager creates one per configured language and is the only caller.
type Supervisor struct {
	mu sync.Mutex

	language string
	cfg      SupervisorConfig
	logger   *zap.Logger

	conn    *Connection
	restart RestartState
	bo      *backoff.ExponentialBackOff

	// spawnMu serializes spawn attempts: at most one subprocess launch runs
	// at a time per language.
	spawnMu sync.Mutex

	// spawn allocates a fresh ConnectionID and launches a connection. The
	// handshake continues in the background; the returned connection already
	// accepts traffic. Installed by the Manager.
	spawn func() (*Connection, error)

	// onReplaced lets the Manager orphan sync state and surface status when
	// a connection dies or is replaced.
	onReplaced func(old *Connection, err error)
	emit       func(Event)

	// stopped suppresses auto-respawn after an explicit user stop; any
	// explicit ensure/restart clears it.
	stopped bool
	closed  bool

	now func() time.Time
}

// newSupervisor creates a supervisor with no connection.
func newSupervisor(language string, cfg SupervisorConfig, logger *zap.Logger, spawn func() (*Connection, error), onReplaced func(*Connection, error), emit func(Event)) *Supervisor {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.CooldownInitial
	bo.Multiplier = cfg.CooldownMultiplier
	bo.MaxInterval = cfg.CooldownMax
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()

	return &Supervisor{
		language:   language,
		cfg:        cfg,
		logger:     logger.With(zap.String("language", language)),
		bo:         bo,
		spawn:      spawn,
		onReplaced: onReplaced,
		emit:       emit,
		now:        time.Now,
	}
}

// Conn returns the live connection, nil when none.
func (s *Supervisor) Conn() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// State returns a copy of the restart bookkeeping.
func (s *Supervisor) State() RestartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restart
}

// Status maps the supervisor's situation onto the user-visible status.
func (s *Supervisor) Status() LanguageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		switch s.conn.State() {
		case ConnSpawning, ConnInitializing:
			return StatusStarting
		case ConnRunning:
			return StatusRunning
		}
	}
	if s.now().Before(s.restart.cooldownUntil) {
		return StatusCooldown
	}
	return StatusStopped
}

// CooldownRemaining reports how much cooldown is left, zero when none.
func (s *Supervisor) CooldownRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d := s.restart.cooldownUntil.Sub(s.now()); d > 0 {
		return d
	}
	return 0
}

// alive reports whether conn is usable. Callers hold s.mu.
func alive(conn *Connection) bool {
	if conn == nil {
		return false
	}
	switch conn.State() {
	case ConnCrashed, ConnStopped, ConnStopping:
		return false
	}
	return true
}

// Ensure returns the live connection, spawning one if needed. The returned
// connection may still be initializing; requests and notifications issued
// against it queue behind the handshake. During an active cooldown it fails
// fast with a CooldownError instead of spawning.
func (s *Supervisor) Ensure(ctx context.Context) (*Connection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	if alive(s.conn) {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	if until := s.restart.cooldownUntil; s.now().Before(until) {
		s.mu.Unlock()
		return nil, &CooldownError{Language: s.language, Until: until}
	}
	s.stopped = false
	s.mu.Unlock()

	return s.spawnOne()
}

// spawnOne performs one serialized spawn attempt. A failure to launch the
// process counts against the failure window immediately; handshake outcomes
// arrive later through watchStartup. Concurrent callers block, then adopt
// the connection the winner produced.
func (s *Supervisor) spawnOne() (*Connection, error) {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	// A racing caller may have spawned while we waited.
	s.mu.Lock()
	if alive(s.conn) {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	if until := s.restart.cooldownUntil; s.now().Before(until) {
		s.mu.Unlock()
		return nil, &CooldownError{Language: s.language, Until: until}
	}
	s.mu.Unlock()

	conn, err := s.spawn()
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.emit(StatusEvent{Language: s.language, Status: StatusStarting, Connection: conn.ID()})
	go s.watchStartup(conn)
	return conn, nil
}

// watchStartup waits for the background handshake of conn to settle and
// records the outcome: a clean start resets the failure window, a failed one
// counts against it like a crash.
func (s *Supervisor) watchStartup(conn *Connection) {
	<-conn.Ready()

	if err := conn.StartErr(); err != nil {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		s.logger.Warn("server failed to start", zap.Error(err), zap.Int64("conn", int64(conn.ID())))
		s.onReplaced(conn, err)
		s.recordFailure(err)
		s.maybeRespawn()
		return
	}

	s.mu.Lock()
	current := s.conn == conn && !s.closed
	if current {
		// Clean handshake: the failure window starts over.
		s.restart = RestartState{}
		s.bo.Reset()
	}
	s.mu.Unlock()
	if !current {
		return
	}

	s.emit(StatusEvent{Language: s.language, Status: StatusRunning, Connection: conn.ID()})
	go s.watch(conn)
}

// watch waits for an unexpected death of conn and drives the restart or
// cooldown decision.
func (s *Supervisor) watch(conn *Connection) {
	err, ok := <-conn.Exited()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.conn != conn || s.closed {
		// Already replaced (manual restart) or shutting down.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	s.logger.Warn("server crashed", zap.Error(err), zap.Int64("conn", int64(conn.ID())))
	s.onReplaced(conn, err)
	s.recordFailure(err)
	s.maybeRespawn()
}

// maybeRespawn schedules a delayed automatic respawn unless cooldown, an
// explicit stop, or shutdown forbids it. It runs off the caller's goroutine
// so a dead connection's watcher never blocks teardown.
func (s *Supervisor) maybeRespawn() {
	s.mu.Lock()
	inCooldown := s.now().Before(s.restart.cooldownUntil)
	stopped := s.stopped || s.closed
	s.mu.Unlock()

	if inCooldown || stopped {
		return
	}

	go func() {
		time.Sleep(s.cfg.RestartDelay)

		s.mu.Lock()
		skip := s.stopped || s.closed || alive(s.conn)
		s.mu.Unlock()
		if skip {
			return
		}

		if _, err := s.spawnOne(); err != nil {
			s.logger.Warn("automatic restart failed", zap.Error(err))
		}
	}()
}

// recordFailure counts a failure against the sliding window and enters
// cooldown once the window overflows.
func (s *Supervisor) recordFailure(cause error) {
	s.mu.Lock()

	now := s.now()
	if s.restart.failures == 0 || now.Sub(s.restart.windowStart) > s.cfg.FailureWindow {
		s.restart.failures = 0
		s.restart.windowStart = now
	}
	s.restart.failures++

	if s.restart.failures >= s.cfg.MaxFailures {
		delay := s.bo.NextBackOff()
		s.restart.cooldownUntil = now.Add(delay)
		until := s.restart.cooldownUntil
		s.mu.Unlock()

		s.logger.Warn("entering cooldown",
			zap.Duration("for", delay),
			zap.Int("failures", s.restart.failures),
			zap.Error(cause))
		s.emit(StatusEvent{
			Language:      s.language,
			Status:        StatusCooldown,
			Err:           cause,
			CooldownUntil: until,
		})
		return
	}

	s.mu.Unlock()
}

// Restart is the manual restart: it bypasses any cooldown, resets the
// failure bookkeeping, tears down the old connection and spawns a new one.
func (s *Supervisor) Restart(ctx context.Context) (*Connection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	old := s.conn
	s.conn = nil
	s.restart = RestartState{}
	s.bo.Reset()
	s.stopped = false
	s.mu.Unlock()

	if old != nil {
		s.onReplaced(old, nil) // orphan the old connection's sync state
		_ = old.Stop(ctx)
	}
	return s.spawnOne()
}

// Stop tears down the connection and suppresses auto-respawn until the
// next explicit ensure or restart.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	old := s.conn
	s.conn = nil
	s.stopped = true
	s.mu.Unlock()

	if old == nil {
		return nil
	}
	s.onReplaced(old, nil)
	err := old.Stop(ctx)
	s.emit(StatusEvent{Language: s.language, Status: StatusStopped, Connection: old.ID()})
	return err
}

// close shuts the supervisor down for good during manager shutdown.
func (s *Supervisor) close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	old := s.conn
	s.conn = nil
	s.mu.Unlock()

	if old == nil {
		return nil
	}
	return old.Stop(ctx)
}
