// Package sse implements the SSE Multiplexer (spec.md §4.6): single-active
// subscriber enforcement, Last-Event-ID replay, and periodic keepalives.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/kandev/acp-runtime/internal/acp/events"
	"github.com/kandev/acp-runtime/internal/acp/problem"
	"github.com/kandev/acp-runtime/internal/acp/registry"
)

// ParseLastEventID parses the Last-Event-ID header value. An empty header
// yields lastEventID 0, which replays the whole ring. A non-numeric,
// non-empty header is a client error (spec.md §6). A numeric id beyond the
// ring's current high-water mark is NOT an error — resolved Open Question,
// spec.md §9 — it degrades to "replay nothing" since there is simply
// nothing newer to send.
func ParseLastEventID(header string) (uint64, error) {
	if header == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(header, 10, 64)
	if err != nil {
		return 0, problem.Wrap(problem.KindInvalidRequest, "Last-Event-ID must be a non-negative integer", err)
	}
	return id, nil
}

// Stream claims the single-subscriber slot itself, erroring with Conflict
// if another subscriber already holds it, then writes the replay backlog
// followed by live events to w until ctx is cancelled, emitting heartbeat
// comments at keepalive cadence (spec.md §4.6). Closing the connection does
// not close its broadcast channel, so it does not end the stream.
// flush is called after every write (the HTTP handler's http.Flusher,
// typically).
func Stream(ctx context.Context, conn *registry.Connection, lastEventID uint64, keepalive time.Duration, w io.Writer, flush func()) error {
	if !conn.TryClaimSSE() {
		return problem.Wrap(problem.KindConflict, "connection already has an active SSE subscriber", nil)
	}
	defer conn.ReleaseSSE()
	return StreamClaimed(ctx, conn, lastEventID, keepalive, w, flush)
}

// StreamClaimed is Stream without the claim/release bracket, for callers
// that must claim the single-subscriber slot themselves before committing
// any HTTP response headers — otherwise a Conflict discovered only once
// streaming starts can never reach the client (spec.md §6, scenario S5).
func StreamClaimed(ctx context.Context, conn *registry.Connection, lastEventID uint64, keepalive time.Duration, w io.Writer, flush func()) error {
	replay, live := conn.ReplaySince(lastEventID)
	for _, evt := range replay {
		if err := writeEvent(w, evt); err != nil {
			return err
		}
	}
	flush()

	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			if err := writeEvent(w, evt); err != nil {
				return err
			}
			flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flush()
		}
	}
}

func writeEvent(w io.Writer, evt events.UniversalEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", evt.Sequence, payload)
	return err
}
