package stormlsp

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// eventBufferSize bounds the host-facing event queue. The host drains it
// once per loop iteration; when the queue is full the new event is
// discarded and counted rather than blocking a connection goroutine.
const eventBufferSize = 256

// Manager is the top-level facade over every language server. It owns all
// connections, supervisors, and sync state; callers hold nothing but
// language names and buffer ids.
type Manager struct {
	cfg      Config
	provider TextProvider
	logger   *zap.Logger

	mu          sync.Mutex
	supervisors map[string]*Supervisor

	sync    *SyncTracker
	events  chan Event
	dropped atomic.Int64

	// connSeq allocates ConnectionIDs. A Manager field, not a package
	// global: several engines in one process must not share a sequence.
	connSeq atomic.Int64

	spawnProc spawnFunc
	folders   []WorkspaceFolder

	closed atomic.Bool
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithWorkspaceFolders sets the workspace roots sent during initialize.
func WithWorkspaceFolders(folders ...WorkspaceFolder) ManagerOption {
	return func(m *Manager) { m.folders = folders }
}

// NewManager creates a manager over the given configuration and the host's
// buffer store.
func NewManager(cfg Config, provider TextProvider, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:         cfg,
		provider:    provider,
		logger:      zap.NewNop(),
		supervisors: make(map[string]*Supervisor),
		events:      make(chan Event, eventBufferSize),
		spawnProc:   launchProcess,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sync = NewSyncTracker(provider)
	return m
}

// Events is the channel the host loop drains for diagnostics, status
// changes, and server messages. Never closed; stop polling after Close.
func (m *Manager) Events() <-chan Event { return m.events }

// emit delivers an event without ever blocking a connection goroutine.
func (m *Manager) emit(ev Event) {
	if m.closed.Load() {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

// DroppedEvents reports how many events were discarded because the host
// was not draining.
func (m *Manager) DroppedEvents() int64 { return m.dropped.Load() }

// supervisorFor returns (creating lazily) the supervisor for a language.
func (m *Manager) supervisorFor(language string) (*Supervisor, error) {
	scfg, ok := m.cfg.Servers[language]
	if !ok {
		return nil, &ServerError{Language: language, Err: ErrNoServer}
	}
	if !scfg.Enabled {
		return nil, &ServerError{Language: language, Err: ErrServerDisabled}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sup, ok := m.supervisors[language]; ok {
		return sup, nil
	}

	spawn := func() (*Connection, error) {
		id := ConnectionID(m.connSeq.Add(1))
		conn := newConnection(id, language, scfg, m.emit, m.logger, m.cfg.RequestTimeout, m.cfg.InitTimeout)

		var workDir string
		if len(m.folders) > 0 {
			workDir = URIToFilePath(m.folders[0].URI)
		}
		if err := conn.launch(m.spawnProc, workDir, m.folders); err != nil {
			return nil, err
		}
		return conn, nil
	}

	onReplaced := func(old *Connection, cause error) {
		// Sync state keyed by the dead id is orphaned here and never
		// consulted again; documents re-open lazily on the replacement.
		m.sync.DropConnection(old.ID())
		if cause != nil {
			m.emit(StatusEvent{Language: language, Status: StatusStopped, Connection: old.ID(), Err: cause})
		}
	}

	sup := newSupervisor(language, m.cfg.Supervise, m.logger, spawn, onReplaced, m.emit)
	m.supervisors[language] = sup
	return sup, nil
}

// EnsureRunning makes sure a connection is live for the language,
// auto-spawning when the configuration allows it. With auto-start disabled
// it reports that a manual start is required. During cooldown it fails
// fast with a CooldownError.
func (m *Manager) EnsureRunning(ctx context.Context, language string) error {
	_, err := m.ensureConn(ctx, language)
	return err
}

func (m *Manager) ensureConn(ctx context.Context, language string) (*Connection, error) {
	if m.closed.Load() {
		return nil, ErrShutdown
	}
	sup, err := m.supervisorFor(language)
	if err != nil {
		return nil, err
	}

	if conn := sup.Conn(); alive(conn) {
		return conn, nil
	}
	if !m.cfg.Servers[language].AutoStart {
		return nil, &ServerError{Language: language, Err: ErrAutoStartDisabled}
	}
	return sup.Ensure(ctx)
}

// AwaitReady blocks until the language's server has completed its startup
// handshake, spawning it first if needed. Most callers never need this:
// requests and notifications queue behind the handshake on their own. It
// exists for hosts that want capabilities in hand before proceeding.
func (m *Manager) AwaitReady(ctx context.Context, language string) error {
	for {
		conn, err := m.ensureConn(ctx, language)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Ready():
		}
		if conn.StartErr() == nil {
			return nil
		}

		// The startup failed; loop to adopt the supervisor's retry, or to
		// surface its cooldown once the retries run out.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Start manually starts (or revives) a language's server, bypassing both
// the auto-start setting and any active cooldown.
func (m *Manager) Start(ctx context.Context, language string) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	sup, err := m.supervisorFor(language)
	if err != nil {
		return err
	}
	if conn := sup.Conn(); alive(conn) {
		return nil
	}
	_, err = sup.Restart(ctx)
	return err
}

// Stop manually stops a language's server. Its pending requests resolve
// with ErrShutdown and it will not be auto-restarted until started again.
func (m *Manager) Stop(ctx context.Context, language string) error {
	m.mu.Lock()
	sup, ok := m.supervisors[language]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sup.Stop(ctx)
}

// Restart manually restarts a language's server: cooldown is bypassed, the
// failure count resets, and a fresh connection id is assigned. With
// eagerReopen, every buffer that was open on the old connection receives a
// fresh didOpen before the call returns; otherwise documents re-open
// lazily on next use.
func (m *Manager) Restart(ctx context.Context, language string, eagerReopen bool) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	sup, err := m.supervisorFor(language)
	if err != nil {
		return err
	}

	var buffers []BufferID
	if eagerReopen {
		if old := sup.Conn(); old != nil {
			buffers = m.sync.BuffersFor(old.ID())
		}
	}

	conn, err := sup.Restart(ctx)
	if err != nil {
		return err
	}

	for _, buffer := range buffers {
		if _, err := m.sync.EnsureOpen(conn, buffer, language); err != nil {
			m.logger.Warn("eager re-open failed",
				zap.String("language", language),
				zap.Uint64("buffer", uint64(buffer)),
				zap.Error(err))
		}
	}
	return nil
}

// Request issues a non-document-scoped request (workspace/symbol and the
// like) and returns its completion handle immediately. Requests issued while
// the server is still initializing queue behind the handshake; the
// capability gate only applies once capabilities are known.
func (m *Manager) Request(ctx context.Context, language, method string, params any) (*Pending, error) {
	conn, err := m.ensureConn(ctx, language)
	if err != nil {
		return nil, err
	}
	if caps := conn.Capabilities(); caps.known() && !caps.supportsMethod(method) {
		return nil, &ServerError{Language: language, Err: ErrNotSupported}
	}
	return conn.Request(method, params)
}

// RequestForDocument issues a document-scoped request. The engine opens the
// document on the connection first if this (buffer, connection) pair has
// never seen a didOpen; the single-writer queue then guarantees the open
// precedes the request on the wire.
func (m *Manager) RequestForDocument(ctx context.Context, language string, buffer BufferID, method string, params any) (*Pending, error) {
	conn, err := m.ensureConn(ctx, language)
	if err != nil {
		return nil, err
	}
	if caps := conn.Capabilities(); caps.known() && !caps.supportsMethod(method) {
		return nil, &ServerError{Language: language, Err: ErrNotSupported}
	}
	if _, err := m.sync.EnsureOpen(conn, buffer, language); err != nil {
		return nil, &ServerError{Language: language, Err: err}
	}
	return conn.Request(method, params)
}

// RequestAt is the convenience path for position-scoped requests: it
// detects the language from the buffer's path, ensures the document is
// open, and builds the standard position params.
func (m *Manager) RequestAt(ctx context.Context, buffer BufferID, method string, pos Position) (*Pending, error) {
	path, ok := m.provider.Path(buffer)
	if !ok {
		return nil, ErrNoPath
	}
	language := DetectLanguage(path)
	if language == "" {
		return nil, &ServerError{Language: language, Err: ErrNoServer}
	}
	return m.RequestForDocument(ctx, language, buffer, method, TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
		Position:     pos,
	})
}

// NotifyEdit forwards a buffer edit as a versioned didChange. A language
// with no live connection ignores the edit: the document will re-open with
// full text on its next use.
func (m *Manager) NotifyEdit(buffer BufferID, changes ...ContentChange) error {
	conn, language, ok := m.liveConnForBuffer(buffer)
	if !ok {
		return nil
	}
	return m.sync.Change(conn, buffer, language, changes)
}

// NotifySave forwards a buffer save to a live connection, if any.
func (m *Manager) NotifySave(buffer BufferID) error {
	conn, _, ok := m.liveConnForBuffer(buffer)
	if !ok {
		return nil
	}
	text, err := m.provider.FullText(buffer)
	if err != nil {
		return err
	}
	return m.sync.Save(conn, buffer, text)
}

// CloseBuffer tells a live connection the buffer is gone and destroys its
// sync state everywhere.
func (m *Manager) CloseBuffer(buffer BufferID) error {
	conn, _, ok := m.liveConnForBuffer(buffer)
	if ok {
		if err := m.sync.Close(conn, buffer); err != nil {
			return err
		}
	}
	m.sync.DropBuffer(buffer)
	return nil
}

// liveConnForBuffer resolves the running connection responsible for a
// buffer's language, without spawning anything.
func (m *Manager) liveConnForBuffer(buffer BufferID) (*Connection, string, bool) {
	path, ok := m.provider.Path(buffer)
	if !ok {
		return nil, "", false
	}
	language := DetectLanguage(path)
	if language == "" {
		return nil, "", false
	}

	m.mu.Lock()
	sup, ok := m.supervisors[language]
	m.mu.Unlock()
	if !ok {
		return nil, "", false
	}

	conn := sup.Conn()
	if !alive(conn) {
		return nil, "", false
	}
	return conn, language, true
}

// Status reports the user-visible status of a language's server.
func (m *Manager) Status(language string) LanguageStatus {
	m.mu.Lock()
	sup, ok := m.supervisors[language]
	m.mu.Unlock()
	if !ok {
		return StatusStopped
	}
	return sup.Status()
}

// CooldownRemaining reports the remaining cooldown for a language, zero
// when it is not cooling down.
func (m *Manager) CooldownRemaining(language string) time.Duration {
	m.mu.Lock()
	sup, ok := m.supervisors[language]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return sup.CooldownRemaining()
}

// RunningLanguages lists languages with a live connection, sorted.
func (m *Manager) RunningLanguages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var langs []string
	for language, sup := range m.supervisors {
		if alive(sup.Conn()) {
			langs = append(langs, language)
		}
	}
	sort.Strings(langs)
	return langs
}

// ConfiguredLanguages lists every language with a server config, sorted.
func (m *Manager) ConfiguredLanguages() []string {
	langs := make([]string, 0, len(m.cfg.Servers))
	for language := range m.cfg.Servers {
		langs = append(langs, language)
	}
	sort.Strings(langs)
	return langs
}

// Capabilities returns the live connection's capability tree.
func (m *Manager) Capabilities(language string) (Capabilities, error) {
	m.mu.Lock()
	sup, ok := m.supervisors[language]
	m.mu.Unlock()
	if !ok {
		return Capabilities{}, &ServerError{Language: language, Err: ErrNotRunning}
	}
	conn := sup.Conn()
	if !alive(conn) {
		return Capabilities{}, &ServerError{Language: language, Err: ErrNotRunning}
	}
	return conn.Capabilities(), nil
}

// ConnectionIDFor exposes the current connection identity for a language,
// zero when none is live. Status lines and tests use it; requests never
// need it.
func (m *Manager) ConnectionIDFor(language string) ConnectionID {
	m.mu.Lock()
	sup, ok := m.supervisors[language]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	conn := sup.Conn()
	if conn == nil {
		return 0
	}
	return conn.ID()
}

// Close shuts every supervisor down concurrently. Connections get the
// graceful handshake; pending requests resolve with ErrShutdown.
func (m *Manager) Close(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		sups = append(sups, sup)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sup := range sups {
		sup := sup
		g.Go(func() error {
			return sup.close(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "manager shutdown")
	}
	return nil
}
