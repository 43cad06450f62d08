package domain

import "time"

// CommandStatus represents the lifecycle state of a supervised command.
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusRunning   CommandStatus = "running"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
	CommandStatusCancelled CommandStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandStatusCompleted, CommandStatusFailed, CommandStatusCancelled:
		return true
	}
	return false
}

// CommandSpec is the value object a caller submits to start a command.
type CommandSpec struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"workdir,omitempty"`
}

// CommandSession represents one command tracked by the runner.
// Status transitions are sequenced through the runner; no other writer
// mutates a session concurrently.
type CommandSession struct {
	ID        string        `json:"id"`
	Program   string        `json:"program"`
	Args      []string      `json:"args,omitempty"`
	WorkDir   string        `json:"workdir,omitempty"`
	Path      string        `json:"path"` // resolved executable path
	PID       int           `json:"pid,omitempty"`
	Status    CommandStatus `json:"status"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// OutputStream discriminates which pipe a fragment arrived on.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// OutputFunc is invoked once per received output fragment. The fragment
// may be non-line-aligned; it is only valid for the duration of the call.
type OutputFunc func(stream OutputStream, fragment []byte)

// BufferStats is a consistent snapshot of an output buffer's counters.
type BufferStats struct {
	Lines        int   `json:"lines"`         // total across both tiers
	MemoryLines  int   `json:"memory_lines"`  // lines currently in memory
	SpilledLines int   `json:"spilled_lines"` // lines evicted to the spill file
	MemoryBytes  int   `json:"memory_bytes"`
	TotalBytes   int64 `json:"total_bytes"` // cleaned bytes ingested across both tiers
	Streaming    bool  `json:"streaming"`
}
