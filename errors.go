package stormlsp

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Standard errors returned by the engine.
var (
	// ErrShutdown indicates the connection or manager has been shut down.
	ErrShutdown = errors.New("lsp: shut down")

	// ErrServerCrashed indicates the server process terminated unexpectedly.
	// Every pending request on the crashed connection resolves with it.
	ErrServerCrashed = errors.New("lsp: server crashed")

	// ErrNoServer indicates no server is configured for the language.
	ErrNoServer = errors.New("lsp: no server configured for language")

	// ErrServerDisabled indicates the configured server is disabled.
	ErrServerDisabled = errors.New("lsp: server disabled")

	// ErrAutoStartDisabled indicates the server is not running and must be
	// started manually.
	ErrAutoStartDisabled = errors.New("lsp: server not running (auto-start disabled, manual start required)")

	// ErrNotRunning indicates no connection is currently alive for the language.
	ErrNotRunning = errors.New("lsp: server not running")

	// ErrNotSupported indicates the server does not advertise the capability.
	ErrNotSupported = errors.New("lsp: capability not supported by server")

	// ErrTimeout indicates a request was not answered within the request timeout.
	ErrTimeout = errors.New("lsp: request timed out")
)

// RPCError is a JSON-RPC error object returned by a server. It is surfaced
// only to the pending request it answers, never to other requests.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC and LSP error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)

// SpawnError reports that a server executable could not be launched.
// It is reported once; the language is then handled by the supervisor.
type SpawnError struct {
	Language string
	Command  string
	Err      error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s server (%s): %v", e.Language, e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error { return e.Err }

// CooldownError is returned synchronously instead of attempting a spawn
// while a language is cooling down after repeated rapid failures.
type CooldownError struct {
	Language string
	Until    time.Time
}

// Error implements the error interface.
func (e *CooldownError) Error() string {
	return fmt.Sprintf("lsp: %s server in cooldown for %s", e.Language, time.Until(e.Until).Round(time.Second))
}

// Remaining reports how long the cooldown has left to run.
func (e *CooldownError) Remaining() time.Duration {
	return time.Until(e.Until)
}

// ServerError wraps an error with the language it belongs to.
type ServerError struct {
	Language string
	Err      error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %v", e.Language, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error { return e.Err }
