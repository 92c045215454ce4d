package sse

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acp-runtime/internal/acp/events"
	"github.com/kandev/acp-runtime/internal/acp/registry"
)

func TestParseLastEventIDEmptyMeansReplayWholeRing(t *testing.T) {
	id, err := ParseLastEventID("")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
}

func TestParseLastEventIDRejectsNonNumeric(t *testing.T) {
	_, err := ParseLastEventID("not-a-number")
	assert.Error(t, err)
}

func TestParseLastEventIDAcceptsOutOfRangeValue(t *testing.T) {
	// Resolved Open Question (spec.md §9): an id beyond the ring's current
	// high-water mark is not a client error, it just replays nothing.
	id, err := ParseLastEventID("99999999")
	require.NoError(t, err)
	assert.Equal(t, uint64(99999999), id)
}

// syncBuffer lets the live-streaming goroutine and the test goroutine read
// the written frames concurrently without a race.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func waitForSubstring(t *testing.T, buf *syncBuffer, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in stream output, got: %s", substr, buf.String())
}

func TestStreamReplaysBacklogThenStreamsLiveEvents(t *testing.T) {
	reg := registry.New(16, 16)
	conn, err := reg.Open("conn-1", events.AgentMock)
	require.NoError(t, err)

	conn.PushEvent(events.New(events.TypeItemDelta, map[string]any{"seq": 1}))
	conn.PushEvent(events.New(events.TypeItemDelta, map[string]any{"seq": 2}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- Stream(ctx, conn, 0, 20*time.Millisecond, buf, func() {})
	}()

	waitForSubstring(t, buf, `"seq":2`)

	conn.PushEvent(events.New(events.TypeItemDelta, map[string]any{"seq": 3}))
	waitForSubstring(t, buf, `"seq":3`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after context cancellation")
	}
}

func TestStreamReplayHonorsLastEventID(t *testing.T) {
	reg := registry.New(16, 16)
	conn, err := reg.Open("conn-1", events.AgentMock)
	require.NoError(t, err)

	conn.PushEvent(events.New(events.TypeItemDelta, map[string]any{"seq": 1}))
	conn.PushEvent(events.New(events.TypeItemDelta, map[string]any{"seq": 2}))

	ctx, cancel := context.WithCancel(context.Background())

	buf := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- Stream(ctx, conn, 1, time.Hour, buf, func() {})
	}()

	waitForSubstring(t, buf, `"seq":2`)
	cancel()
	<-done

	assert.NotContains(t, buf.String(), `"seq":1`, "event 1 was already seen by the client and must not be replayed")
}

func TestStreamRejectsSecondConcurrentSubscriber(t *testing.T) {
	reg := registry.New(16, 16)
	conn, err := reg.Open("conn-1", events.AgentMock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &syncBuffer{}
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- Stream(ctx, conn, 0, time.Hour, first, func() {})
	}()

	// Give the first subscriber a moment to claim the SSE slot.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !conn.TryClaimSSE() {
			break
		}
		conn.ReleaseSSE()
		time.Sleep(5 * time.Millisecond)
	}

	second := &syncBuffer{}
	err = Stream(context.Background(), conn, 0, time.Hour, second, func() {})
	assert.Error(t, err, "a second concurrent subscriber must be rejected")

	cancel()
	<-firstDone
}

func TestStreamEmitsKeepaliveComments(t *testing.T) {
	reg := registry.New(16, 16)
	conn, err := reg.Open("conn-1", events.AgentMock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- Stream(ctx, conn, 0, 10*time.Millisecond, buf, func() {})
	}()

	waitForSubstring(t, buf, ": keepalive")

	cancel()
	<-done
}
