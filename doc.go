// Package stormlsp is an embeddable Language Server Protocol client engine.
//
// It spawns, supervises, and communicates with external language-server
// subprocesses (one per language), translates host actions into protocol
// requests, and routes asynchronous server traffic back to the host
// application without ever blocking its main loop.
//
// # Architecture
//
// The engine is organized around these components:
//
//   - Framer: Content-Length framed JSON-RPC encode/decode over a byte stream
//   - Correlator: per-connection table matching responses to pending requests
//   - Connection: one server subprocess, its reader and writer goroutines,
//     and the initialize/initialized handshake
//   - SyncTracker: enforces didOpen-before-use per (buffer, connection) pair
//   - Supervisor: crash detection, exponential backoff, cooldown
//   - Manager: the public facade, keyed by language identifier
//
// # Quick Start
//
//	cfg := stormlsp.DefaultConfig()
//	mgr := stormlsp.NewManager(cfg, provider, stormlsp.WithLogger(logger))
//	defer mgr.Close(ctx)
//
//	pending, err := mgr.RequestForDocument(ctx, "go", bufID,
//	    "textDocument/hover", stormlsp.HoverParams{...})
//	if err != nil {
//	    return err
//	}
//	result, err := pending.Wait(ctx)
//
// The provider is the host's buffer store; the engine only ever asks it for
// the full text of a buffer when a document must be opened on a server.
//
// # Concurrency
//
// Each running server owns a reader goroutine and a writer goroutine. All
// outgoing traffic for one connection passes through the single writer, so
// didChange notifications can never be reordered. Results cross back to the
// host exclusively through channels: request completions resolve a Pending
// handle, and server-pushed notifications (diagnostics, status changes)
// arrive on the Manager's Events channel for the host loop to drain.
//
// # Crash Recovery
//
// Crashed servers are restarted with exponential backoff and a fresh
// connection identity. Repeated rapid failures put the language into a
// cooldown during which EnsureRunning fails fast with a CooldownError.
// Open documents are re-opened lazily against the new connection on their
// next use; a manual restart can re-open them eagerly.
package stormlsp
