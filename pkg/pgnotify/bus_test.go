package pgnotify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcastIsNonBlockingAndBuffered(t *testing.T) {
	b := &Bus{waiters: make(map[string][]chan struct{})}
	ch := make(chan struct{}, 1)
	b.waiters["soar_stream"] = []chan struct{}{ch}

	b.broadcast("soar_stream")
	b.broadcast("soar_stream") // second notify while the first is unread must not block

	select {
	case <-ch:
	default:
		t.Fatal("expected a pending wake-up")
	}
}

func TestBroadcastIgnoresChannelWithNoWaiters(t *testing.T) {
	b := &Bus{waiters: make(map[string][]chan struct{})}
	assert.NotPanics(t, func() { b.broadcast("nothing-listening") })
}
