package stormlsp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ConnectionID identifies one spawn of a server. A restarted server gets a
// fresh id, which is what lets stale per-document sync state be recognized
// and ignored after a restart.
type ConnectionID int64

// ConnState is the lifecycle state of a connection instance.
type ConnState int32

// Connection lifecycle states.
const (
	ConnNotStarted ConnState = iota
	ConnSpawning
	ConnInitializing
	ConnRunning
	ConnStopping
	ConnStopped
	ConnCrashed
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case ConnNotStarted:
		return "not started"
	case ConnSpawning:
		return "spawning"
	case ConnInitializing:
		return "initializing"
	case ConnRunning:
		return "running"
	case ConnStopping:
		return "stopping"
	case ConnStopped:
		return "stopped"
	case ConnCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// outboundQueueSize bounds messages waiting for the writer goroutine.
// Requests issued while the handshake is still running queue here.
const outboundQueueSize = 64

// shutdownGrace is how long a graceful shutdown handshake may take before
// the subprocess is killed.
const shutdownGrace = 3 * time.Second

// Connection owns one language server subprocess: its pipes, its framer,
// the reader goroutine that classifies inbound traffic, and the single
// writer goroutine that serializes every outgoing message.
type Connection struct {
	id       ConnectionID
	language string
	cfg      ServerConfig
	logger   *zap.Logger

	proc   process
	framer *Framer
	corr   *Correlator

	state atomic.Int32

	capsMu     sync.Mutex
	caps       Capabilities
	serverInfo *ServerInfo

	outbound    chan json.RawMessage
	writerReady chan struct{} // closed when the handshake completes; gates the writer loop

	emit           func(Event)
	requestTimeout time.Duration
	initTimeout    time.Duration

	ready    chan struct{} // closed once the startup outcome is known
	startErr error         // written before ready closes, read after it

	stopping atomic.Bool
	done     chan struct{} // closed once the process has exited and pending requests are cancelled
	doneOnce sync.Once
	exited   chan error // delivers the exit error of an unexpected death
	stopWD   chan struct{}
}

// newConnection builds a connection that has not been started.
func newConnection(id ConnectionID, language string, cfg ServerConfig, emit func(Event), logger *zap.Logger, requestTimeout, initTimeout time.Duration) *Connection {
	c := &Connection{
		id:             id,
		language:       language,
		cfg:            cfg,
		logger:         logger.With(zap.String("language", language), zap.Int64("conn", int64(id))),
		corr:           NewCorrelator(),
		outbound:       make(chan json.RawMessage, outboundQueueSize),
		writerReady:    make(chan struct{}),
		emit:           emit,
		requestTimeout: requestTimeout,
		initTimeout:    initTimeout,
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
		exited:         make(chan error, 1),
		stopWD:         make(chan struct{}),
	}
	c.state.Store(int32(ConnNotStarted))
	return c
}

// ID returns the connection instance identity.
func (c *Connection) ID() ConnectionID { return c.id }

// Language returns the language this connection serves.
func (c *Connection) Language() string { return c.language }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// Capabilities returns the server's capability tree from initialize.
func (c *Connection) Capabilities() Capabilities {
	c.capsMu.Lock()
	defer c.capsMu.Unlock()
	return c.caps
}

// ServerInfo returns the name/version the server reported, if any.
func (c *Connection) ServerInfo() *ServerInfo {
	c.capsMu.Lock()
	defer c.capsMu.Unlock()
	return c.serverInfo
}

// Exited delivers the exit error after an unexpected process death. A clean
// Stop does not report here.
func (c *Connection) Exited() <-chan error { return c.exited }

// Ready is closed once the startup handshake has succeeded or failed.
// Callers never need to wait on it to issue traffic: requests and
// notifications enqueue during the handshake and flush once it completes.
func (c *Connection) Ready() <-chan struct{} { return c.ready }

// StartErr reports the startup failure, nil on success. Valid after Ready.
func (c *Connection) StartErr() error { return c.startErr }

// launch spawns the subprocess and starts the initialize handshake in the
// background, returning as soon as the process exists. On return with nil
// error the connection accepts traffic: messages queue on the outbound
// channel and the writer goroutine starts draining once the handshake
// completes, so initialize/initialized always precede them on the wire.
func (c *Connection) launch(spawn spawnFunc, workDir string, folders []WorkspaceFolder) error {
	c.state.Store(int32(ConnSpawning))

	proc, err := spawn(c.cfg, workDir)
	if err != nil {
		// Nothing to clean up: the process never existed.
		c.state.Store(int32(ConnCrashed))
		c.startErr = &SpawnError{Language: c.language, Command: c.cfg.Command, Err: err}
		c.teardown(ErrServerCrashed)
		close(c.ready)
		return c.startErr
	}
	c.proc = proc
	c.framer = NewFramer(proc.Stdout(), proc.Stdin())

	go c.readLoop()
	go c.drainStderr()
	go c.waitProcess()
	go c.writeLoop()

	if limit := c.cfg.Limits.memoryLimitBytes(); limit > 0 {
		go runMemoryWatchdog(proc.Pid(), limit, c.stopWD, func() { _ = proc.Kill() }, c.logger)
	}

	c.state.Store(int32(ConnInitializing))
	go c.runHandshake(folders)
	return nil
}

// runHandshake drives the initialize exchange off the caller's thread and
// publishes the outcome through ready/StartErr.
func (c *Connection) runHandshake(folders []WorkspaceFolder) {
	err := c.initialize(context.Background(), folders)
	if err == nil {
		// A concurrent crash or stop may have won; only a connection still
		// Initializing gets to go Running and release the writer.
		if c.state.CompareAndSwap(int32(ConnInitializing), int32(ConnRunning)) {
			close(c.writerReady)
		}
		close(c.ready)
		return
	}

	c.startErr = errors.Wrap(err, "initialize")
	if c.state.CompareAndSwap(int32(ConnInitializing), int32(ConnCrashed)) {
		c.stopping.Store(true) // suppress the crash path for a handshake we gave up on
		_ = c.proc.Kill()
	}
	c.teardown(ErrServerCrashed)
	close(c.ready)
}

// initialize runs the initialize request / initialized notification pair.
// Writes happen directly on the framer: the writer loop is still gated on
// writerReady, so ordering ahead of any queued request is guaranteed.
func (c *Connection) initialize(ctx context.Context, folders []WorkspaceFolder) error {
	var rootURI DocumentURI
	if len(folders) > 0 {
		rootURI = folders[0].URI
	}
	params := InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               rootURI,
		Capabilities:          defaultClientCapabilities,
		InitializationOptions: c.cfg.InitializationOptions,
		WorkspaceFolders:      folders,
	}

	id, pending := c.corr.Register("initialize")
	payload, err := marshalRequest(&id, "initialize", params)
	if err != nil {
		return err
	}
	if err := c.framer.WriteMessage(payload); err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()

	var result InitializeResult
	if err := pending.WaitInto(initCtx, &result); err != nil {
		return err
	}

	c.capsMu.Lock()
	c.caps = newCapabilities(result.Capabilities)
	c.serverInfo = result.ServerInfo
	c.capsMu.Unlock()

	ready, err := marshalRequest(nil, "initialized", struct{}{})
	if err != nil {
		return err
	}
	return c.framer.WriteMessage(ready)
}

// Request enqueues a request and returns its completion handle without
// blocking. Requests issued while the connection is still initializing are
// queued and flushed once the handshake completes.
func (c *Connection) Request(method string, params any) (*Pending, error) {
	switch c.State() {
	case ConnStopping, ConnStopped, ConnCrashed:
		return nil, ErrShutdown
	}

	id, pending := c.corr.Register(method)
	payload, err := marshalRequest(&id, method, params)
	if err != nil {
		c.corr.Resolve(id, nil, err)
		return pending, nil
	}

	if !c.enqueue(payload) {
		c.corr.Resolve(id, nil, ErrShutdown)
		return pending, nil
	}

	if c.requestTimeout > 0 {
		// Resolve is exactly-once, so a late genuine response after the
		// timer fires is a tolerated no-op.
		time.AfterFunc(c.requestTimeout, func() {
			c.corr.Resolve(id, nil, ErrTimeout)
		})
	}
	return pending, nil
}

// Notify enqueues a fire-and-forget notification.
func (c *Connection) Notify(method string, params any) error {
	switch c.State() {
	case ConnStopping, ConnStopped, ConnCrashed:
		return ErrShutdown
	}
	payload, err := marshalRequest(nil, method, params)
	if err != nil {
		return err
	}
	if !c.enqueue(payload) {
		return ErrShutdown
	}
	return nil
}

// enqueue places a payload on the outbound queue, reporting false if the
// connection died first.
func (c *Connection) enqueue(payload json.RawMessage) bool {
	select {
	case <-c.done:
		return false
	case c.outbound <- payload:
		return true
	}
}

// writeLoop is the single sender: every message for this connection passes
// through it in order, which is what keeps didChange versions monotone on
// the wire. It holds off until the handshake has released writerReady, so
// traffic queued during initialization never jumps ahead of initialized.
func (c *Connection) writeLoop() {
	select {
	case <-c.done:
		return
	case <-c.writerReady:
	}
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbound:
			if err := c.framer.WriteMessage(payload); err != nil {
				if c.State() == ConnRunning {
					c.logger.Warn("write failed", zap.Error(err))
				}
				return
			}
		}
	}
}

// readLoop reads framed messages until the stream dies. A framing error
// terminates only the message being read.
func (c *Connection) readLoop() {
	for {
		payload, err := c.framer.ReadMessage()
		if err != nil {
			if err == io.EOF || c.stopping.Load() {
				return
			}
			if IsFramingError(err) {
				var fe *FramingError
				errors.As(err, &fe)
				if fe.Err != nil {
					// Stream truncated mid-message: nothing more will parse.
					return
				}
				c.logger.Warn("discarding malformed message", zap.Error(err))
				continue
			}
			return
		}
		c.dispatch(payload)
	}
}

// dispatch classifies one inbound message.
func (c *Connection) dispatch(payload json.RawMessage) {
	var msg rpcInbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("discarding unparseable message", zap.Error(err))
		return
	}

	switch {
	case msg.isResponse():
		if msg.Error != nil {
			c.corr.Resolve(*msg.ID, nil, msg.Error)
		} else {
			c.corr.Resolve(*msg.ID, msg.Result, nil)
		}
	case msg.isServerRequest():
		c.handleServerRequest(&msg)
	case msg.Method != "":
		c.handleNotification(&msg)
	}
}

// handleServerRequest answers server-initiated requests with the minimal
// replies the protocol permits a thin client.
func (c *Connection) handleServerRequest(msg *rpcInbound) {
	resp := rpcResponse{JSONRPC: "2.0", ID: *msg.ID}

	switch msg.Method {
	case "workspace/configuration":
		// One null per requested item.
		var p struct {
			Items []json.RawMessage `json:"items"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		resp.Result = make([]any, len(p.Items))
	case "client/registerCapability", "client/unregisterCapability", "window/workDoneProgress/create":
		resp.Result = nil
	case "workspace/applyEdit":
		resp.Result = map[string]any{"applied": false}
	case "window/showMessageRequest":
		resp.Result = nil
	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not supported: " + msg.Method}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// handleNotification forwards server-pushed notifications to the host.
func (c *Connection) handleNotification(msg *rpcInbound) {
	switch msg.Method {
	case "textDocument/publishDiagnostics":
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.logger.Warn("bad publishDiagnostics payload", zap.Error(err))
			return
		}
		c.emit(DiagnosticsEvent{
			Language:    c.language,
			URI:         p.URI,
			Path:        URIToFilePath(p.URI),
			Diagnostics: p.Diagnostics,
		})
	case "window/showMessage":
		var p ShowMessageParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		c.emit(ShowMessageEvent{Language: c.language, Type: p.Type, Message: p.Message})
	case "window/logMessage":
		var p ShowMessageParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		c.logger.Debug("server log", zap.String("message", p.Message))
	default:
		// $/progress and anything else the host has no use for.
	}
}

// drainStderr keeps the subprocess's stderr from filling its pipe and
// surfaces it at debug level.
func (c *Connection) drainStderr() {
	stderr := c.proc.Stderr()
	if stderr == nil {
		return
	}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		c.logger.Debug("server stderr", zap.String("line", scanner.Text()))
	}
}

// waitProcess observes the subprocess exit and drives the crash path.
func (c *Connection) waitProcess() {
	err := c.proc.Wait()

	if c.stopping.Load() {
		// A failed handshake also kills the process through this path; the
		// Crashed state set there must survive.
		c.state.CompareAndSwap(int32(ConnStopping), int32(ConnStopped))
		c.teardown(ErrShutdown)
		return
	}

	c.state.Store(int32(ConnCrashed))
	c.logger.Warn("server exited unexpectedly", zap.Error(err))
	c.teardown(ErrServerCrashed)
	if err == nil {
		err = errors.New("process exited")
	}
	c.exited <- err
}

// teardown cancels every pending request with reason and releases the
// connection's goroutines. Safe to call more than once.
func (c *Connection) teardown(reason error) {
	c.doneOnce.Do(func() {
		close(c.done)
		close(c.stopWD)
	})
	c.corr.CancelAll(reason)
}

// Stop performs the graceful shutdown handshake with a bounded timeout,
// then terminates the subprocess. Pending requests resolve with ErrShutdown.
func (c *Connection) Stop(ctx context.Context) error {
	switch c.State() {
	case ConnStopped, ConnStopping, ConnNotStarted:
		return nil
	case ConnCrashed:
		c.teardown(ErrServerCrashed)
		return nil
	}

	c.stopping.Store(true)
	c.state.Store(int32(ConnStopping))

	graceCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	// Best-effort shutdown handshake, written directly: the writer loop may
	// be blocked on a dead pipe by now.
	id, pending := c.corr.Register("shutdown")
	if payload, err := marshalRequest(&id, "shutdown", nil); err == nil {
		if err := c.framer.WriteMessage(payload); err == nil {
			_, _ = pending.Wait(graceCtx)
		}
	}
	if payload, err := marshalRequest(nil, "exit", nil); err == nil {
		_ = c.framer.WriteMessage(payload)
	}
	_ = c.proc.Stdin().Close()

	select {
	case <-c.done:
	case <-graceCtx.Done():
		_ = c.proc.Kill()
		<-c.done
	}

	c.state.Store(int32(ConnStopped))
	return nil
}
