package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"runstream/internal/domain"
	"runstream/internal/infra/tracer"
	"runstream/internal/usecase/buffer"
	"runstream/internal/usecase/pipeline"
)

// Config holds supervisor settings. Zero values take defaults; the Buffer
// and Pipeline sub-configs are defaulted by their own constructors.
type Config struct {
	MaxCommands     int           // max concurrently running commands (default: 16)
	CommandTTL      time.Duration // destroy finished sessions after this (default: 30m)
	CleanupInterval time.Duration // how often to run TTL cleanup (default: 1m)
	LookupPaths     []string      // install locations searched before PATH
	Buffer          buffer.Config
	Pipeline        pipeline.Config
}

// Recorder persists finished command sessions. Recording failures are
// logged and never affect command state.
type Recorder interface {
	Record(ctx context.Context, session domain.CommandSession, stats domain.BufferStats) error
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithHistory records every finished command through rec.
func WithHistory(rec Recorder) ManagerOption {
	return func(m *Manager) { m.history = rec }
}

// startOptions collects per-command Start settings.
type startOptions struct {
	timeout    time.Duration
	fragmentFn domain.OutputFunc
	highlight  *bool
}

// StartOption configures a single command launch.
type StartOption func(*startOptions)

// WithTimeout cancels the command if it is still running after d.
func WithTimeout(d time.Duration) StartOption {
	return func(o *startOptions) { o.timeout = d }
}

// WithFragmentFunc invokes fn once per received output fragment, in
// addition to the pipeline. The fragment is only valid during the call.
func WithFragmentFunc(fn domain.OutputFunc) StartOption {
	return func(o *startOptions) { o.fragmentFn = fn }
}

// WithHighlight overrides the pipeline's highlight setting for this command.
func WithHighlight(on bool) StartOption {
	return func(o *startOptions) { o.highlight = &on }
}

// commandEntry holds the runtime state for a single supervised command.
type commandEntry struct {
	session domain.CommandSession
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	buf     *buffer.Buffer
	pipe    *pipeline.Processor
	timeout time.Duration // deadline set via WithTimeout; 0 = none

	// termErr is the Wait verdict. Written before done closes; read only
	// after done closes.
	termErr error
	done    chan struct{}
}

// Manager supervises commands: one output buffer and one pipeline per
// command, a bounded session table, and TTL cleanup of finished entries.
type Manager struct {
	commands map[string]*commandEntry
	mu       sync.Mutex
	cfg      Config
	bus      domain.EventBus
	log      *slog.Logger
	history  Recorder
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a Manager and starts the TTL cleanup goroutine.
func NewManager(cfg Config, bus domain.EventBus, log *slog.Logger, opts ...ManagerOption) *Manager {
	if cfg.MaxCommands <= 0 {
		cfg.MaxCommands = 16
	}
	if cfg.CommandTTL <= 0 {
		cfg.CommandTTL = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 1 * time.Minute
	}
	if len(cfg.LookupPaths) == 0 {
		cfg.LookupPaths = defaultLookupPaths()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Manager{
		commands: make(map[string]*commandEntry),
		cfg:      cfg,
		bus:      bus,
		log:      log,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.cleanupLoop()
	return m
}

// Start resolves spec.Program, launches the command detached from ctx, and
// returns a Handle immediately. Output flows through the per-command
// pipeline into the per-command buffer until the process exits.
func (m *Manager) Start(ctx context.Context, spec domain.CommandSpec, opts ...StartOption) (*Handle, error) {
	ctx, span := tracer.StartSpan(ctx, "runner.start_command",
		trace.WithAttributes(tracer.StringAttr("command.program", spec.Program)),
	)
	defer span.End()

	if spec.Program == "" {
		err := domain.NewSubSystemError("runner", "Runner.Start", domain.ErrInvalidInput, "empty program")
		tracer.RecordError(span, err)
		return nil, err
	}

	var options startOptions
	for _, opt := range opts {
		opt(&options)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	activeCount := 0
	for _, entry := range m.commands {
		if entry.session.Status == domain.CommandStatusRunning {
			activeCount++
		}
	}
	if activeCount >= m.cfg.MaxCommands {
		err := domain.NewSubSystemError("runner", "Runner.Start", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d commands running", activeCount, m.cfg.MaxCommands))
		tracer.RecordError(span, err)
		return nil, err
	}

	path, err := resolve(spec.Program, m.cfg.LookupPaths)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	id := m.newID()
	span.SetAttributes(tracer.StringAttr("command.id", id))

	buf := buffer.New(m.cfg.Buffer, m.log)
	pipeCfg := m.cfg.Pipeline
	if options.highlight != nil {
		pipeCfg.Highlight = *options.highlight
	}
	pipe := pipeline.New(id, pipeCfg, buf, m.bus, m.log)

	// Use a detached context so the command outlives the caller's request.
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, path, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdin = nil
	cmd.Stdout = newTap(domain.StreamStdout, pipe, options.fragmentFn)
	cmd.Stderr = newTap(domain.StreamStderr, pipe, options.fragmentFn)

	if err := cmd.Start(); err != nil {
		cancel()
		pipe.Drain()
		if closeErr := buf.Close(); closeErr != nil {
			m.log.Warn("failed to close buffer after start failure", "command_id", id, "error", closeErr)
		}
		startErr := domain.NewSubSystemError("runner", "Runner.Start", domain.ErrExecutionFailed, err.Error())
		tracer.RecordError(span, startErr)
		return nil, startErr
	}

	session := domain.CommandSession{
		ID:        id,
		Program:   spec.Program,
		Args:      spec.Args,
		WorkDir:   spec.WorkDir,
		Path:      path,
		PID:       cmd.Process.Pid,
		Status:    domain.CommandStatusRunning,
		StartedAt: time.Now(),
	}

	entry := &commandEntry{
		session: session,
		cmd:     cmd,
		cancel:  cancel,
		buf:     buf,
		pipe:    pipe,
		timeout: options.timeout,
		done:    make(chan struct{}),
	}
	m.commands[id] = entry

	go m.waitForCompletion(entry)
	if options.timeout > 0 {
		go m.expireAfter(entry, options.timeout)
	}

	m.emitEvent(ctx, domain.EventCommandStarted, session)
	m.log.Info("command started", "command_id", id, "program", spec.Program, "pid", session.PID)
	tracer.SetOK(span)

	return &Handle{id: id, m: m, entry: entry}, nil
}

// Cancel terminates a running command and blocks until its output is fully
// appended and the terminal event published. Returns nil if the command
// already reached a terminal state.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.commands[id]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("runner", "Runner.Cancel", domain.ErrNotFound, id)
	}
	if entry.session.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	// Set status BEFORE cancel so waitForCompletion keeps it.
	now := time.Now()
	entry.session.Status = domain.CommandStatusCancelled
	entry.session.EndedAt = &now
	entry.termErr = domain.NewSubSystemError("runner", "Runner.Cancel", domain.ErrCancelled, "")
	m.mu.Unlock()

	entry.cancel()
	<-entry.done

	m.emitEvent(ctx, domain.EventCommandCancelled, entry.session)
	m.log.Info("command cancelled", "command_id", id)
	return nil
}

// Get returns a snapshot of the session for id.
func (m *Manager) Get(id string) (domain.CommandSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.commands[id]
	if !ok {
		return domain.CommandSession{}, domain.NewSubSystemError("runner", "Runner.Get", domain.ErrNotFound, id)
	}
	return entry.session, nil
}

// List returns session snapshots ordered by start time.
func (m *Manager) List() []domain.CommandSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]domain.CommandSession, 0, len(m.commands))
	for _, entry := range m.commands {
		sessions = append(sessions, entry.session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions
}

// Buffer returns the output buffer for id.
func (m *Manager) Buffer(id string) (*buffer.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.commands[id]
	if !ok {
		return nil, domain.NewSubSystemError("runner", "Runner.Buffer", domain.ErrNotFound, id)
	}
	return entry.buf, nil
}

// Remove cancels the command if it is still running, destroys its buffer
// and spill file, and drops the session.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.commands[id]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("runner", "Runner.Remove", domain.ErrNotFound, id)
	}
	running := entry.session.Status == domain.CommandStatusRunning
	m.mu.Unlock()

	if running {
		if err := m.Cancel(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	// The completion goroutine may still be appending the trailing
	// diagnostic; wait for it before destroying the buffer.
	<-entry.done

	m.mu.Lock()
	delete(m.commands, id)
	m.mu.Unlock()

	if err := entry.buf.Close(); err != nil {
		m.log.Warn("failed to close removed command buffer", "command_id", id, "error", err)
	}
	m.log.Debug("command removed", "command_id", id)
	return nil
}

// Stop cancels every running command and shuts down the cleanup goroutine.
// Idempotent. Finished sessions stay queryable until the Manager is dropped.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.Lock()
	var running []*commandEntry
	now := time.Now()
	for _, entry := range m.commands {
		if entry.session.Status == domain.CommandStatusRunning {
			entry.session.Status = domain.CommandStatusCancelled
			entry.session.EndedAt = &now
			entry.termErr = domain.NewSubSystemError("runner", "Runner.Stop", domain.ErrCancelled, "")
			running = append(running, entry)
		}
	}
	m.mu.Unlock()

	for _, entry := range running {
		entry.cancel()
		<-entry.done
		m.emitEvent(ctx, domain.EventCommandCancelled, entry.session)
	}
	if len(running) > 0 {
		m.log.Info("runner stopped", "cancelled", len(running))
	}
}

// --- internal ---

// waitForCompletion settles a command: it waits for process exit, drains
// the pipeline so in-flight chunks still append, finalizes the session
// unless Cancel or a timeout already did, appends the trailing diagnostic,
// records history, and only then closes done.
func (m *Manager) waitForCompletion(entry *commandEntry) {
	err := entry.cmd.Wait()

	// Cancellation stops new input, it does not roll back queued chunks.
	entry.pipe.Drain()

	m.mu.Lock()
	finalized := entry.session.Status == domain.CommandStatusRunning
	if finalized {
		now := time.Now()
		entry.session.EndedAt = &now
		if err != nil {
			code := -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
			entry.session.Status = domain.CommandStatusFailed
			entry.session.ExitCode = &code
			entry.session.Error = err.Error()
			entry.termErr = domain.NewSubSystemError("runner", "Runner.Wait", domain.ErrExecutionFailed,
				fmt.Sprintf("exit code %d", code))
		} else {
			code := 0
			entry.session.Status = domain.CommandStatusCompleted
			entry.session.ExitCode = &code
		}
	}
	session := entry.session
	termErr := entry.termErr
	m.mu.Unlock()

	var marker string
	switch {
	case errors.Is(termErr, domain.ErrCancelled):
		marker = "command cancelled"
	case errors.Is(termErr, domain.ErrTimeout):
		marker = fmt.Sprintf("command timed out after %s", entry.timeout)
	case session.ExitCode != nil:
		marker = fmt.Sprintf("command exited with code %d", *session.ExitCode)
	default:
		marker = "command exited"
	}
	if appendErr := entry.buf.Append(marker + "\n"); appendErr != nil {
		m.log.Debug("failed to append trailing diagnostic", "command_id", session.ID, "error", appendErr)
	}
	entry.buf.StopStreaming()

	if m.history != nil {
		if recErr := m.history.Record(context.Background(), session, entry.buf.Stats()); recErr != nil {
			m.log.Warn("failed to record command history", "command_id", session.ID, "error", recErr)
		}
	}

	if finalized {
		m.emitEvent(context.Background(), eventForStatus(session.Status), session)
	}
	errCount, warnCount := entry.pipe.Issues()
	bytesIn, bytesOut := entry.pipe.Bytes()
	m.log.Info("command finished", "command_id", session.ID, "status", session.Status,
		"errors", errCount, "warnings", warnCount, "bytes_in", bytesIn, "bytes_out", bytesOut)

	close(entry.done)
}

// expireAfter races the timeout against completion. On expiry it marks the
// session failed before cancelling, then blocks until the waiter confirms
// process exit, so cancellation has happened before Wait returns ErrTimeout.
func (m *Manager) expireAfter(entry *commandEntry, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-entry.done:
		return
	case <-timer.C:
	}

	m.mu.Lock()
	if entry.session.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	termErr := domain.NewSubSystemError("runner", "Runner.Timeout", domain.ErrTimeout,
		fmt.Sprintf("after %s", d))
	now := time.Now()
	entry.session.Status = domain.CommandStatusFailed
	entry.session.EndedAt = &now
	entry.session.Error = termErr.Error()
	entry.termErr = termErr
	m.mu.Unlock()

	entry.cancel()
	<-entry.done

	m.emitEvent(context.Background(), domain.EventCommandFailed, entry.session)
	m.log.Warn("command timed out", "command_id", entry.session.ID, "timeout", d)
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupExpired()
		}
	}
}

func (m *Manager) cleanupExpired() {
	cutoff := time.Now().Add(-m.cfg.CommandTTL)

	m.mu.Lock()
	var expired []*commandEntry
	for id, entry := range m.commands {
		if entry.session.Status == domain.CommandStatusRunning || entry.session.EndedAt == nil {
			continue
		}
		if entry.session.EndedAt.Before(cutoff) {
			delete(m.commands, id)
			expired = append(expired, entry)
		}
	}
	m.mu.Unlock()

	for _, entry := range expired {
		<-entry.done
		if err := entry.buf.Close(); err != nil {
			m.log.Warn("failed to close expired command buffer", "command_id", entry.session.ID, "error", err)
		}
		m.log.Debug("command session expired", "command_id", entry.session.ID)
	}
}

func (m *Manager) emitEvent(ctx context.Context, eventType domain.EventType, session domain.CommandSession) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(session)
	m.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		CommandID: session.ID,
		Payload:   payload,
	})
}

func eventForStatus(status domain.CommandStatus) domain.EventType {
	switch status {
	case domain.CommandStatusFailed:
		return domain.EventCommandFailed
	case domain.CommandStatusCancelled:
		return domain.EventCommandCancelled
	default:
		return domain.EventCommandCompleted
	}
}

func (m *Manager) newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
