package stream_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetview/fleetview/internal/stream"
)

func newSubscriber(t *testing.T, url string, heartbeat time.Duration) *stream.Subscriber {
	t.Helper()
	return stream.NewSubscriber(stream.Config{
		URL:              url,
		HeartbeatTimeout: heartbeat,
		InitialBackoff:   5 * time.Millisecond,
		MaxBackoff:       20 * time.Millisecond,
	})
}

// runSubscriber starts Run in the background and returns a done channel
// closed when it exits.
func runSubscriber(ctx context.Context, s *stream.Subscriber) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return done
}

func nextMessage(t *testing.T, msgs <-chan stream.Message) stream.Message {
	t.Helper()
	select {
	case m, ok := <-msgs:
		require.True(t, ok, "message channel closed early")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return stream.Message{}
	}
}

func TestSubscriberDeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, "data: {\"type\":\"buses\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"ticket\"}\n\n")
		flusher.Flush()

		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := newSubscriber(t, srv.URL, time.Second)
	done := runSubscriber(ctx, sub)

	m := nextMessage(t, sub.Messages())
	assert.Equal(t, stream.KindConnected, m.Kind)

	m = nextMessage(t, sub.Messages())
	require.Equal(t, stream.KindData, m.Kind)
	assert.Equal(t, `{"type":"buses"}`, string(m.Data))

	m = nextMessage(t, sub.Messages())
	require.Equal(t, stream.KindData, m.Kind)
	assert.Equal(t, `{"type":"ticket"}`, string(m.Data))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, ok := <-sub.Messages()
	assert.False(t, ok, "message channel should close when Run returns")
}

func TestSubscriberJoinsMultilineData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: first\n")
		fmt.Fprint(w, "data: second\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := newSubscriber(t, srv.URL, time.Second)
	runSubscriber(ctx, sub)

	require.Equal(t, stream.KindConnected, nextMessage(t, sub.Messages()).Kind)

	m := nextMessage(t, sub.Messages())
	require.Equal(t, stream.KindData, m.Kind)
	assert.Equal(t, "first\nsecond", string(m.Data))
}

func TestSubscriberIgnoresCommentsAndUnknownFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n")
		fmt.Fprint(w, "event: update\n")
		fmt.Fprint(w, "id: 42\n")
		fmt.Fprint(w, "data: payload\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := newSubscriber(t, srv.URL, time.Second)
	runSubscriber(ctx, sub)

	require.Equal(t, stream.KindConnected, nextMessage(t, sub.Messages()).Kind)

	m := nextMessage(t, sub.Messages())
	require.Equal(t, stream.KindData, m.Kind)
	assert.Equal(t, "payload", string(m.Data))
}

func TestSubscriberReconnectsAfterServerClose(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: conn-%d\n\n", n)
		w.(http.Flusher).Flush()
		if n == 1 {
			return // close the first stream
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := newSubscriber(t, srv.URL, time.Second)
	runSubscriber(ctx, sub)

	require.Equal(t, stream.KindConnected, nextMessage(t, sub.Messages()).Kind)
	assert.Equal(t, "conn-1", string(nextMessage(t, sub.Messages()).Data))

	m := nextMessage(t, sub.Messages())
	require.Equal(t, stream.KindDisconnected, m.Kind)
	assert.Error(t, m.Err)

	require.Equal(t, stream.KindConnected, nextMessage(t, sub.Messages()).Kind)
	assert.Equal(t, "conn-2", string(nextMessage(t, sub.Messages()).Data))
}

func TestSubscriberHeartbeatTimeout(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		// Stay silent past the heartbeat window.
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := newSubscriber(t, srv.URL, 50*time.Millisecond)
	runSubscriber(ctx, sub)

	require.Equal(t, stream.KindConnected, nextMessage(t, sub.Messages()).Kind)

	m := nextMessage(t, sub.Messages())
	require.Equal(t, stream.KindDisconnected, m.Kind)
	assert.ErrorIs(t, m.Err, stream.ErrHeartbeatTimeout)

	// The watchdog only kills the attempt, not the subscriber.
	require.Equal(t, stream.KindConnected, nextMessage(t, sub.Messages()).Kind)
	assert.GreaterOrEqual(t, connects.Load(), int32(2))
}

func TestSubscriberRetriesOnBadStatusWithoutDisconnect(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if connects.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: up\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := newSubscriber(t, srv.URL, time.Second)
	runSubscriber(ctx, sub)

	// Failed connection attempts never produce disconnect notices, so the
	// first message is the eventual successful open.
	m := nextMessage(t, sub.Messages())
	assert.Equal(t, stream.KindConnected, m.Kind)
	assert.Equal(t, "up", string(nextMessage(t, sub.Messages()).Data))
	assert.GreaterOrEqual(t, connects.Load(), int32(3))
}
