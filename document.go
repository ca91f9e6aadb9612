package stormlsp

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// TextProvider is the host's buffer store, consumed to satisfy didOpen.
// The engine calls it lazily: only when a document must actually be opened
// on a server.
type TextProvider interface {
	// FullText returns the complete current text of a buffer.
	FullText(id BufferID) (string, error)
	// Path returns the file path backing a buffer, false if it has none.
	Path(id BufferID) (string, bool)
}

// ErrNoPath indicates a buffer has no backing file and cannot be synced.
var ErrNoPath = errors.New("lsp: buffer has no file path")

type syncKey struct {
	buffer BufferID
	conn   ConnectionID
}

type docState struct {
	opened  bool
	version int
	uri     DocumentURI

	// ready is closed once the didOpen attempt settles; err is set before
	// the close when the attempt failed. Waiters read both after ready.
	ready chan struct{}
	err   error
}

// SyncTracker enforces the open-before-use invariant per (buffer,
// connection-instance) pair. Entries keyed by a dead ConnectionID are never
// consulted again; they are dropped when the supervisor replaces the
// connection, and documents re-open lazily against the new id.
type SyncTracker struct {
	mu       sync.Mutex
	provider TextProvider
	entries  map[syncKey]*docState
}

// NewSyncTracker creates a tracker backed by the host's buffer store.
func NewSyncTracker(provider TextProvider) *SyncTracker {
	return &SyncTracker{
		provider: provider,
		entries:  make(map[syncKey]*docState),
	}
}

// EnsureOpen guarantees a didOpen for (buffer, conn) has been enqueued
// before it returns. The write serialization of the connection then
// guarantees the didOpen precedes any request enqueued afterwards.
//
// The didOpen is sent outside the tracker lock: a slow connection queue must
// not stall sync traffic for every other buffer and connection. A racing
// second caller for the same pair waits on the first attempt instead of
// sending a duplicate open.
func (t *SyncTracker) EnsureOpen(conn *Connection, buffer BufferID, language string) (DocumentURI, error) {
	key := syncKey{buffer: buffer, conn: conn.ID()}

	t.mu.Lock()
	if st, ok := t.entries[key]; ok {
		ready := st.ready
		t.mu.Unlock()
		<-ready
		if st.err != nil {
			return "", st.err
		}
		return st.uri, nil
	}
	st := &docState{ready: make(chan struct{})}
	t.entries[key] = st
	t.mu.Unlock()

	uri, err := t.open(conn, buffer, language)

	t.mu.Lock()
	if err != nil {
		st.err = err
		// A failed attempt leaves no entry behind; the next caller retries.
		if t.entries[key] == st {
			delete(t.entries, key)
		}
	} else {
		st.opened = true
		st.version = 1
		st.uri = uri
	}
	t.mu.Unlock()
	close(st.ready)

	return uri, err
}

// open fetches the buffer text and enqueues the didOpen. Runs unlocked.
func (t *SyncTracker) open(conn *Connection, buffer BufferID, language string) (DocumentURI, error) {
	path, ok := t.provider.Path(buffer)
	if !ok {
		return "", ErrNoPath
	}
	text, err := t.provider.FullText(buffer)
	if err != nil {
		return "", errors.Wrap(err, "fetch buffer text")
	}

	uri := FilePathToURI(path)
	err = conn.Notify("textDocument/didOpen", DidOpenParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: language,
			Version:    1,
			Text:       text,
		},
	})
	if err != nil {
		return "", err
	}
	return uri, nil
}

// Change forwards an edit as a didChange with the next version number.
// A buffer that was never opened against this connection is opened first;
// the edit is then folded into that didOpen's full text, so nothing is
// sent beyond the open itself.
func (t *SyncTracker) Change(conn *Connection, buffer BufferID, language string, changes []ContentChange) error {
	key := syncKey{buffer: buffer, conn: conn.ID()}
	for {
		t.mu.Lock()
		st, ok := t.entries[key]
		if !ok {
			t.mu.Unlock()
			_, err := t.EnsureOpen(conn, buffer, language)
			return err
		}
		if st.opened {
			st.version++
			version := st.version
			uri := st.uri
			t.mu.Unlock()

			return conn.Notify("textDocument/didChange", DidChangeParams{
				TextDocument: VersionedTextDocumentIdentifier{
					TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
					Version:                version,
				},
				ContentChanges: changes,
			})
		}
		// An open for this pair is in flight; wait for it to settle and
		// look again.
		ready := st.ready
		t.mu.Unlock()
		<-ready
	}
}

// Save forwards a didSave for an open buffer. Unopened buffers are skipped:
// a server that never saw the document has no use for the save.
func (t *SyncTracker) Save(conn *Connection, buffer BufferID, text string) error {
	t.mu.Lock()
	st, ok := t.entries[syncKey{buffer: buffer, conn: conn.ID()}]
	if !ok || !st.opened {
		t.mu.Unlock()
		return nil
	}
	uri := st.uri
	t.mu.Unlock()

	return conn.Notify("textDocument/didSave", DidSaveParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Text:         text,
	})
}

// Close sends didClose for an open buffer and destroys the entry.
func (t *SyncTracker) Close(conn *Connection, buffer BufferID) error {
	t.mu.Lock()
	key := syncKey{buffer: buffer, conn: conn.ID()}
	st, ok := t.entries[key]
	if !ok || !st.opened {
		t.mu.Unlock()
		return nil
	}
	uri := st.uri
	delete(t.entries, key)
	t.mu.Unlock()

	return conn.Notify("textDocument/didClose", DidCloseParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// BuffersFor lists the buffers currently open against a connection. Used by
// the manual-restart eager re-open.
func (t *SyncTracker) BuffersFor(conn ConnectionID) []BufferID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buffers []BufferID
	for key, st := range t.entries {
		if key.conn == conn && st.opened {
			buffers = append(buffers, key.buffer)
		}
	}
	return buffers
}

// DropConnection discards every entry keyed by a replaced connection.
func (t *SyncTracker) DropConnection(conn ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.entries {
		if key.conn == conn {
			delete(t.entries, key)
		}
	}
}

// DropBuffer discards entries for a buffer across every connection, for
// hosts that destroy a buffer without a live server to tell.
func (t *SyncTracker) DropBuffer(buffer BufferID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.entries {
		if key.buffer == buffer {
			delete(t.entries, key)
		}
	}
}

// Version reports the current sync version for (buffer, conn), zero when
// the pair was never opened.
func (t *SyncTracker) Version(conn ConnectionID, buffer BufferID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.entries[syncKey{buffer: buffer, conn: conn}]; ok {
		return st.version
	}
	return 0
}
