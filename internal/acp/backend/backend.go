// Package backend implements the Agent Backend Manager (spec.md §4.1,
// §4.2): the Process Backend that owns one real agent subprocess, and the
// Mock Backend that emulates one in-process for tests.
package backend

import (
	"context"
	"time"
)

// TerminatedBy distinguishes who ended an agent backend.
type TerminatedBy string

const (
	TerminatedByAgent  TerminatedBy = "agent"
	TerminatedByDaemon TerminatedBy = "daemon"
)

// StderrOutput is a snapshot of a backend's captured stderr (spec.md §3).
type StderrOutput struct {
	Head       string `json:"head"`
	Tail       string `json:"tail"`
	Truncated  bool   `json:"truncated"`
	TotalLines int    `json:"totalLines"`
}

// ExitInfo is delivered to the ExitHandler when a backend stops running.
type ExitInfo struct {
	Reason       string // "completed" | "error" | "terminated"
	TerminatedBy TerminatedBy
	ExitCode     int
	Stderr       StderrOutput
}

// LineHandler receives one parsed (or unparsed-marked) line of agent
// stdout, already serialized back to raw JSON bytes so callers can fall
// through the same decode path regardless of backend kind.
type LineHandler func(line []byte)

// ExitHandler is invoked exactly once, when the backend stops running for
// any reason (spec.md invariant 6).
type ExitHandler func(info ExitInfo)

// Backend is the sum type `Process(ProcessBackend) | Mock(MockState)`
// from spec.md §3, modeled as an interface per component instructions
// (capabilities are data, not types — spec.md §9).
type Backend interface {
	// Send serializes and writes envelope to the backend's inbound
	// channel (child stdin, or the mock's inline dispatcher).
	Send(ctx context.Context, envelope []byte) error

	// IsAlive reports whether the backend is still able to accept Send.
	IsAlive() bool

	// StderrOutput snapshots captured stderr (empty/zero for Mock).
	StderrOutput() StderrOutput

	// Shutdown requests a graceful stop: sets "terminate requested",
	// waits grace, then forces termination if still running.
	Shutdown(ctx context.Context, grace time.Duration)
}
