package stormlsp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeSubmitAndPoll(t *testing.T) {
	mgr, _ := newTestManager(t, testManagerConfig())
	bridge := NewBridge(mgr)

	id, err := bridge.Submit(context.Background(), PluginRequest{
		Language: "go",
		Method:   "textDocument/hover",
		Params:   []byte(`{"textDocument":{"uri":"file:///ws/main.go"},"position":{"line":0,"character":0}}`),
		Buffer:   1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id, "empty ids get generated")

	var responses []PluginResponse
	require.Eventually(t, func() bool {
		responses = append(responses, bridge.Poll()...)
		return len(responses) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, id, responses[0].ID)
	assert.NoError(t, responses[0].Err)
	assert.Equal(t, 0, bridge.Pending())
}

func TestBridgeKeepsCallerID(t *testing.T) {
	mgr, _ := newTestManager(t, testManagerConfig())
	bridge := NewBridge(mgr)

	id, err := bridge.Submit(context.Background(), PluginRequest{
		ID:       "plugin-req-42",
		Language: "go",
		Method:   "workspace/executeCommand",
		Params:   []byte(`{"command":"x"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "plugin-req-42", id)
}

func TestBridgeSubmitErrors(t *testing.T) {
	mgr, _ := newTestManager(t, testManagerConfig())
	bridge := NewBridge(mgr)

	_, err := bridge.Submit(context.Background(), PluginRequest{
		Language: "haskell",
		Method:   "textDocument/hover",
	})
	assert.ErrorIs(t, err, ErrNoServer)
	assert.Empty(t, bridge.Poll())
}
