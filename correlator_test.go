package stormlsp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorResolve(t *testing.T) {
	c := NewCorrelator()

	id, pending := c.Register("textDocument/hover")
	require.Equal(t, int64(1), id)
	require.Equal(t, "textDocument/hover", pending.Method())

	c.Resolve(id, json.RawMessage(`{"contents":"hi"}`), nil)

	raw, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"contents":"hi"}`, string(raw))
	assert.Equal(t, 0, c.Outstanding())
}

func TestCorrelatorIDsAreSequential(t *testing.T) {
	c := NewCorrelator()
	for want := int64(1); want <= 5; want++ {
		id, _ := c.Register("m")
		assert.Equal(t, want, id)
	}
	assert.Equal(t, 5, c.Outstanding())
}

func TestCorrelatorUnknownIDIsNoOp(t *testing.T) {
	c := NewCorrelator()
	id, pending := c.Register("m")

	// Late and duplicate responses from a server must be tolerated.
	c.Resolve(999, nil, nil)
	c.Resolve(id, json.RawMessage(`1`), nil)
	c.Resolve(id, json.RawMessage(`2`), nil)

	raw, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `1`, string(raw))

	select {
	case res := <-pending.Done():
		t.Fatalf("second resolution delivered: %+v", res)
	default:
	}
}

func TestCorrelatorCancelAll(t *testing.T) {
	c := NewCorrelator()

	var handles []*Pending
	for i := 0; i < 4; i++ {
		_, p := c.Register("m")
		handles = append(handles, p)
	}

	cause := errors.New("server died")
	c.CancelAll(cause)

	for _, p := range handles {
		_, err := p.Wait(context.Background())
		assert.ErrorIs(t, err, cause)
	}
	assert.Equal(t, 0, c.Outstanding())
}

func TestCorrelatorRegisterAfterClose(t *testing.T) {
	c := NewCorrelator()
	c.CancelAll(ErrShutdown)

	_, pending := c.Register("m")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := pending.Wait(ctx)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestPendingWaitHonorsContext(t *testing.T) {
	c := NewCorrelator()
	_, pending := c.Register("m")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pending.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPendingWaitInto(t *testing.T) {
	c := NewCorrelator()
	id, pending := c.Register("initialize")
	c.Resolve(id, json.RawMessage(`{"capabilities":{"hoverProvider":true}}`), nil)

	var result InitializeResult
	require.NoError(t, pending.WaitInto(context.Background(), &result))
	assert.True(t, newCapabilities(result.Capabilities).Supports("hoverProvider"))
}

func TestPendingWaitIntoNullResult(t *testing.T) {
	c := NewCorrelator()
	id, pending := c.Register("textDocument/hover")
	c.Resolve(id, json.RawMessage(`null`), nil)

	var hover *Hover
	require.NoError(t, pending.WaitInto(context.Background(), &hover))
	assert.Nil(t, hover)
}
