package stormlsp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// PluginRequest is a request submitted by a plugin runtime. Params arrive
// pre-encoded; the bridge never inspects them. A zero Buffer means the
// request is not document-scoped.
type PluginRequest struct {
	ID       string
	Language string
	Method   string
	Params   json.RawMessage
	Buffer   BufferID
}

// PluginResponse is the completed counterpart of a PluginRequest, picked up
// by the plugin runtime through Poll.
type PluginResponse struct {
	ID     string
	Result json.RawMessage
	Err    error
}

// Bridge adapts the manager's asynchronous request API to the poll-based
// model plugin runtimes use: Submit returns a request id immediately, and
// the completed response shows up in a later Poll. Requests submitted
// through the bridge run the same code path as internal ones, including
// the open-before-use handling for document-scoped calls.
type Bridge struct {
	manager *Manager

	mu        sync.Mutex
	completed []PluginResponse
}

// NewBridge creates a bridge over the manager.
func NewBridge(m *Manager) *Bridge {
	return &Bridge{manager: m}
}

// Submit issues a plugin request and returns its id without waiting. An
// empty incoming id gets a generated one.
func (b *Bridge) Submit(ctx context.Context, req PluginRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var (
		pending *Pending
		err     error
	)
	if req.Buffer != 0 {
		pending, err = b.manager.RequestForDocument(ctx, req.Language, req.Buffer, req.Method, req.Params)
	} else {
		pending, err = b.manager.Request(ctx, req.Language, req.Method, req.Params)
	}
	if err != nil {
		return "", err
	}

	go func() {
		res := <-pending.Done()
		b.mu.Lock()
		b.completed = append(b.completed, PluginResponse{ID: req.ID, Result: res.Value, Err: res.Err})
		b.mu.Unlock()
	}()
	return req.ID, nil
}

// Poll drains every completed response accumulated since the last call.
func (b *Bridge) Poll() []PluginResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.completed
	b.completed = nil
	return out
}

// Pending reports how many completed responses await the next Poll.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.completed)
}
