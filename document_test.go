package stormlsp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memProvider is an in-memory buffer store.
type memProvider struct {
	texts map[BufferID]string
	paths map[BufferID]string
}

func (p *memProvider) FullText(id BufferID) (string, error) {
	text, ok := p.texts[id]
	if !ok {
		return "", errors.Newf("no buffer %d", id)
	}
	return text, nil
}

func (p *memProvider) Path(id BufferID) (string, bool) {
	path, ok := p.paths[id]
	return path, ok
}

// idleConn builds an unstarted connection whose notifications pile up on
// the outbound queue, where tests can inspect them.
func idleConn(id ConnectionID) *Connection {
	return newConnection(id, "go", ServerConfig{}, func(Event) {}, zap.NewNop(), 0, 0)
}

// takeOutbound pops the next queued message, failing if none is waiting.
func takeOutbound(t *testing.T, conn *Connection) (string, json.RawMessage) {
	t.Helper()
	select {
	case payload := <-conn.outbound:
		var msg struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.Unmarshal(payload, &msg))
		return msg.Method, msg.Params
	default:
		t.Fatal("no outbound message queued")
		return "", nil
	}
}

func assertNoOutbound(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case payload := <-conn.outbound:
		t.Fatalf("unexpected outbound message: %s", payload)
	default:
	}
}

func newTestTracker() (*SyncTracker, *memProvider) {
	provider := &memProvider{
		texts: map[BufferID]string{1: "package main\n", 2: "fn main() {}\n"},
		paths: map[BufferID]string{1: "/ws/main.go", 2: "/ws/main.rs"},
	}
	return NewSyncTracker(provider), provider
}

func TestEnsureOpenSendsDidOpenOnce(t *testing.T) {
	tracker, _ := newTestTracker()
	conn := idleConn(1)

	uri, err := tracker.EnsureOpen(conn, 1, "go")
	require.NoError(t, err)
	assert.Equal(t, FilePathToURI("/ws/main.go"), uri)

	method, params := takeOutbound(t, conn)
	assert.Equal(t, "textDocument/didOpen", method)

	var open DidOpenParams
	require.NoError(t, json.Unmarshal(params, &open))
	assert.Equal(t, "go", open.TextDocument.LanguageID)
	assert.Equal(t, 1, open.TextDocument.Version)
	assert.Equal(t, "package main\n", open.TextDocument.Text)

	// Idempotent: the second call sends nothing.
	_, err = tracker.EnsureOpen(conn, 1, "go")
	require.NoError(t, err)
	assertNoOutbound(t, conn)
}

func TestEnsureOpenNoPath(t *testing.T) {
	tracker, provider := newTestTracker()
	provider.texts[9] = "scratch"
	conn := idleConn(1)

	_, err := tracker.EnsureOpen(conn, 9, "go")
	assert.ErrorIs(t, err, ErrNoPath)
	assertNoOutbound(t, conn)
}

func TestChangeIncrementsVersion(t *testing.T) {
	tracker, _ := newTestTracker()
	conn := idleConn(1)

	_, err := tracker.EnsureOpen(conn, 1, "go")
	require.NoError(t, err)
	takeOutbound(t, conn) // didOpen

	for wantVersion := 2; wantVersion <= 4; wantVersion++ {
		err := tracker.Change(conn, 1, "go", []ContentChange{{Text: "edited"}})
		require.NoError(t, err)

		method, params := takeOutbound(t, conn)
		assert.Equal(t, "textDocument/didChange", method)

		var change DidChangeParams
		require.NoError(t, json.Unmarshal(params, &change))
		assert.Equal(t, wantVersion, change.TextDocument.Version)
	}
	assert.Equal(t, 4, tracker.Version(conn.ID(), 1))
}

func TestChangeOpensUnopenedBuffer(t *testing.T) {
	tracker, _ := newTestTracker()
	conn := idleConn(1)

	// An edit to a never-opened buffer becomes a didOpen carrying the full
	// current text; no didChange follows.
	require.NoError(t, tracker.Change(conn, 1, "go", []ContentChange{{Text: "x"}}))

	method, _ := takeOutbound(t, conn)
	assert.Equal(t, "textDocument/didOpen", method)
	assertNoOutbound(t, conn)
}

func TestEnsureOpenDoesNotStallOtherConnections(t *testing.T) {
	tracker, _ := newTestTracker()
	stuck := idleConn(1)
	healthy := idleConn(2)

	// Saturate the stuck connection's queue so its didOpen blocks in the
	// enqueue instead of completing.
	for i := 0; i < outboundQueueSize; i++ {
		require.NoError(t, stuck.Notify("textDocument/didChange", nil))
	}

	blocked := make(chan error, 1)
	go func() {
		_, err := tracker.EnsureOpen(stuck, 1, "go")
		blocked <- err
	}()
	time.Sleep(50 * time.Millisecond) // let the open park on the full queue

	// The tracker stays usable for every other buffer and connection while
	// one open is wedged.
	uri, err := tracker.EnsureOpen(healthy, 2, "rust")
	require.NoError(t, err)
	assert.Equal(t, FilePathToURI("/ws/main.rs"), uri)
	method, _ := takeOutbound(t, healthy)
	assert.Equal(t, "textDocument/didOpen", method)

	// Freeing one slot lets the wedged open finish and record its state.
	<-stuck.outbound
	select {
	case err := <-blocked:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("open never completed after the queue drained")
	}
	assert.Equal(t, 1, tracker.Version(stuck.ID(), 1))
}

func TestVersionsAreIndependentPerConnection(t *testing.T) {
	tracker, _ := newTestTracker()
	connA := idleConn(1)
	connB := idleConn(2)

	_, err := tracker.EnsureOpen(connA, 1, "go")
	require.NoError(t, err)
	require.NoError(t, tracker.Change(connA, 1, "go", []ContentChange{{Text: "a"}}))

	_, err = tracker.EnsureOpen(connB, 1, "go")
	require.NoError(t, err)

	assert.Equal(t, 2, tracker.Version(connA.ID(), 1))
	assert.Equal(t, 1, tracker.Version(connB.ID(), 1))
}

func TestDropConnectionForcesReopen(t *testing.T) {
	tracker, _ := newTestTracker()
	conn := idleConn(1)

	_, err := tracker.EnsureOpen(conn, 1, "go")
	require.NoError(t, err)
	takeOutbound(t, conn)

	tracker.DropConnection(conn.ID())
	assert.Equal(t, 0, tracker.Version(conn.ID(), 1))

	// The replacement connection starts a fresh lifecycle at version 1.
	replacement := idleConn(2)
	_, err = tracker.EnsureOpen(replacement, 1, "go")
	require.NoError(t, err)

	method, params := takeOutbound(t, replacement)
	assert.Equal(t, "textDocument/didOpen", method)
	var open DidOpenParams
	require.NoError(t, json.Unmarshal(params, &open))
	assert.Equal(t, 1, open.TextDocument.Version)
}

func TestCloseSendsDidCloseAndForgets(t *testing.T) {
	tracker, _ := newTestTracker()
	conn := idleConn(1)

	_, err := tracker.EnsureOpen(conn, 1, "go")
	require.NoError(t, err)
	takeOutbound(t, conn)

	require.NoError(t, tracker.Close(conn, 1))
	method, _ := takeOutbound(t, conn)
	assert.Equal(t, "textDocument/didClose", method)

	// Closing again is a no-op.
	require.NoError(t, tracker.Close(conn, 1))
	assertNoOutbound(t, conn)
}

func TestSaveSkipsUnopenedBuffer(t *testing.T) {
	tracker, _ := newTestTracker()
	conn := idleConn(1)

	require.NoError(t, tracker.Save(conn, 1, "text"))
	assertNoOutbound(t, conn)

	_, err := tracker.EnsureOpen(conn, 1, "go")
	require.NoError(t, err)
	takeOutbound(t, conn)

	require.NoError(t, tracker.Save(conn, 1, "package main\n"))
	method, _ := takeOutbound(t, conn)
	assert.Equal(t, "textDocument/didSave", method)
}

func TestBuffersFor(t *testing.T) {
	tracker, _ := newTestTracker()
	conn := idleConn(1)
	other := idleConn(2)

	_, err := tracker.EnsureOpen(conn, 1, "go")
	require.NoError(t, err)
	_, err = tracker.EnsureOpen(conn, 2, "rust")
	require.NoError(t, err)
	_, err = tracker.EnsureOpen(other, 1, "go")
	require.NoError(t, err)

	buffers := tracker.BuffersFor(conn.ID())
	assert.ElementsMatch(t, []BufferID{1, 2}, buffers)
	assert.ElementsMatch(t, []BufferID{1}, tracker.BuffersFor(other.ID()))
}
