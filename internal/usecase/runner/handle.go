package runner

import (
	"context"

	"runstream/internal/domain"
	"runstream/internal/usecase/buffer"
)

// Handle is the caller's reference to one supervised command.
type Handle struct {
	id    string
	m     *Manager
	entry *commandEntry
}

// ID returns the command id.
func (h *Handle) ID() string { return h.id }

// Session returns a snapshot of the command session.
func (h *Handle) Session() domain.CommandSession {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.entry.session
}

// Buffer returns the command's output buffer.
func (h *Handle) Buffer() *buffer.Buffer { return h.entry.buf }

// Done returns a channel closed once the command reached a terminal state
// and its output has been fully appended.
func (h *Handle) Done() <-chan struct{} { return h.entry.done }

// Wait blocks until the command settles or ctx expires. It returns nil for
// a clean exit, ErrExecutionFailed for a non-zero exit, ErrTimeout after a
// deadline kill, ErrCancelled after an explicit cancel, and ctx.Err() if
// the caller gives up waiting (the command keeps running).
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.entry.done:
		return h.entry.termErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
