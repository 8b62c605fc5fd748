package eventrouter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRunsHandlersInPriorityOrder(t *testing.T) {
	r := New()
	var order []string

	r.Register("media", 10, func(Event) (bool, error) {
		order = append(order, "second")
		return false, nil
	})
	r.Register("media", 0, func(Event) (bool, error) {
		order = append(order, "first")
		return false, nil
	})

	require.NoError(t, r.Dispatch(Event{Type: "media"}))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestTerminalHandlerStopsChain(t *testing.T) {
	r := New()
	var ran []string

	r.Register("hangup", 0, func(Event) (bool, error) {
		ran = append(ran, "a")
		return true, nil
	})
	r.Register("hangup", 1, func(Event) (bool, error) {
		ran = append(ran, "b")
		return false, nil
	})

	require.NoError(t, r.Dispatch(Event{Type: "hangup"}))
	assert.Equal(t, []string{"a"}, ran)
}

func TestPermissiveModeIgnoresUnknownType(t *testing.T) {
	r := New()
	assert.NoError(t, r.Dispatch(Event{Type: "nope"}))
}

func TestStrictModeReturnsErrUnknownEventType(t *testing.T) {
	r := New()
	r.Strict = true
	assert.ErrorIs(t, r.Dispatch(Event{Type: "nope"}), ErrUnknownEventType)
}

func TestHandlerErrorIsIsolated(t *testing.T) {
	r := New()
	var gotErr error
	r.OnError(func(_ string, err error) { gotErr = err })

	secondRan := false
	r.Register("media", 0, func(Event) (bool, error) {
		return false, errors.New("boom")
	})
	r.Register("media", 1, func(Event) (bool, error) {
		secondRan = true
		return false, nil
	})

	require.NoError(t, r.Dispatch(Event{Type: "media"}))
	assert.True(t, secondRan)
	assert.EqualError(t, gotErr, "boom")
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	r := New()
	var gotErr error
	r.OnError(func(_ string, err error) { gotErr = err })

	secondRan := false
	r.Register("media", 0, func(Event) (bool, error) {
		panic("handler exploded")
	})
	r.Register("media", 1, func(Event) (bool, error) {
		secondRan = true
		return false, nil
	})

	require.NotPanics(t, func() {
		require.NoError(t, r.Dispatch(Event{Type: "media"}))
	})
	assert.True(t, secondRan, "a panicking handler must not stop its siblings")
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "handler exploded")
}

func TestMiddlewareCanDropEvent(t *testing.T) {
	r := New()
	handlerRan := false
	r.Use(func(evt Event) *Event {
		if evt.Type == "drop-me" {
			return nil
		}
		return &evt
	})
	r.Register("drop-me", 0, func(Event) (bool, error) {
		handlerRan = true
		return false, nil
	})

	require.NoError(t, r.Dispatch(Event{Type: "drop-me"}))
	assert.False(t, handlerRan)
}
