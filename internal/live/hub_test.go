package live

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversOnlyToSubscribedRoom(t *testing.T) {
	h := New(nil)
	stop := make(chan struct{})
	defer close(stop)
	go h.Run(stop)

	subscribed := &client{send: make(chan Event, 4), rooms: map[string]struct{}{"org:9": {}}}
	unsubscribed := &client{send: make(chan Event, 4), rooms: map[string]struct{}{"org:1": {}}}
	h.register <- subscribed
	h.register <- unsubscribed

	h.Publish("org:9", "execution:started", map[string]interface{}{"executionId": 1})

	select {
	case event := <-subscribed.send:
		assert.Equal(t, "execution:started", event.Type)
	case <-time.After(time.Second):
		t.Fatal("subscribed client never received the event")
	}

	select {
	case <-unsubscribed.send:
		t.Fatal("unsubscribed client must not receive events for a different room")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	h := New(nil)
	stop := make(chan struct{})
	defer close(stop)
	go h.Run(stop)

	cl := &client{send: make(chan Event, 1), rooms: map[string]struct{}{"org:9": {}}}
	h.register <- cl
	h.unregister <- cl

	select {
	case _, ok := <-cl.send:
		assert.False(t, ok, "send channel must be closed after unregister")
	case <-time.After(time.Second):
		t.Fatal("channel was never closed")
	}
}

func TestTokenVerifierRoundTrip(t *testing.T) {
	v := NewTokenVerifier("test-secret")
	token, err := v.IssueToken(9, 42, []string{"org:9", "execution:5"}, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(9), claims.OrganizationID)
	assert.ElementsMatch(t, []string{"org:9", "execution:5"}, claims.Rooms)
}

func TestTokenVerifierRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenVerifier("secret-a")
	token, err := issuer.IssueToken(9, 42, []string{"org:9"}, time.Hour)
	require.NoError(t, err)

	verifier := NewTokenVerifier("secret-b")
	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenVerifierRejectsExpiredToken(t *testing.T) {
	v := NewTokenVerifier("test-secret")
	token, err := v.IssueToken(9, 42, []string{"org:9"}, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthorizedRoomsIntersectsRequestedAndGranted(t *testing.T) {
	got := authorizedRooms([]string{"org:9", "execution:99"}, []string{"org:9"})
	assert.Len(t, got, 1)
	_, ok := got["org:9"]
	assert.True(t, ok)
}
