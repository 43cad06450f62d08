package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"runstream/internal/domain"
	"runstream/internal/usecase/runner"
)

// The store must satisfy the supervisor's history hook.
var _ runner.Recorder = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func finishedSession(id string, started time.Time) (domain.CommandSession, domain.BufferStats) {
	ended := started.Add(2 * time.Second)
	code := 0
	session := domain.CommandSession{
		ID:        id,
		Program:   "echo",
		Args:      []string{"hello", "world"},
		Path:      "/bin/echo",
		Status:    domain.CommandStatusCompleted,
		ExitCode:  &code,
		StartedAt: started,
		EndedAt:   &ended,
	}
	stats := domain.BufferStats{Lines: 3, TotalBytes: 42}
	return session, stats
}

func TestStoreRecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	session, stats := finishedSession("cmd-1", started)
	if err := store.Record(ctx, session, stats); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := store.Get(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Program != "echo" {
		t.Errorf("Program = %q, want %q", got.Program, "echo")
	}
	if len(got.Args) != 2 || got.Args[0] != "hello" || got.Args[1] != "world" {
		t.Errorf("Args = %v", got.Args)
	}
	if got.Status != domain.CommandStatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, domain.CommandStatusCompleted)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", got.ExitCode)
	}
	if got.Lines != 3 {
		t.Errorf("Lines = %d, want 3", got.Lines)
	}
	if got.Bytes != 42 {
		t.Errorf("Bytes = %d, want 42", got.Bytes)
	}
	if !got.StartedAt.Equal(session.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, session.StartedAt)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(*session.EndedAt) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, session.EndedAt)
	}
}

func TestStoreGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "nonexistent")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get nonexistent: got %v, want ErrNotFound", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeHistoryNotFound {
		t.Errorf("code = %q, want %q", code, domain.CodeHistoryNotFound)
	}
}

func TestStoreRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"cmd-a", "cmd-b", "cmd-c"} {
		session, stats := finishedSession(id, base.Add(time.Duration(i)*time.Minute))
		if err := store.Record(ctx, session, stats); err != nil {
			t.Fatalf("Record %s: %v", id, err)
		}
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent(2) = %d entries, want 2", len(recent))
	}
	if recent[0].ID != "cmd-c" || recent[1].ID != "cmd-b" {
		t.Errorf("Recent order = [%s %s], want [cmd-c cmd-b]", recent[0].ID, recent[1].ID)
	}
}

func TestStoreRecentDefaultLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, stats := finishedSession("cmd-1", time.Now())
	if err := store.Record(ctx, session, stats); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recent, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("Recent(0) = %d entries, want 1", len(recent))
	}
}

func TestStoreRecentEmpty(t *testing.T) {
	store := newTestStore(t)

	recent, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("Recent on empty store = %d entries, want 0", len(recent))
	}
}

func TestStoreRecordReplacesSameID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, stats := finishedSession("cmd-1", time.Now())
	if err := store.Record(ctx, session, stats); err != nil {
		t.Fatalf("Record: %v", err)
	}

	session.Status = domain.CommandStatusFailed
	session.Error = "exit status 1"
	code := 1
	session.ExitCode = &code
	if err := store.Record(ctx, session, stats); err != nil {
		t.Fatalf("Record again: %v", err)
	}

	got, err := store.Get(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.CommandStatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, domain.CommandStatusFailed)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Errorf("ExitCode = %v, want 1", got.ExitCode)
	}
	if got.Error != "exit status 1" {
		t.Errorf("Error = %q", got.Error)
	}

	recent, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("Recent = %d entries, want 1 after replace", len(recent))
	}
}

func TestStoreCancelledSessionWithoutExitCode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now()
	ended := started.Add(time.Second)
	session := domain.CommandSession{
		ID:        "cmd-cancelled",
		Program:   "sleep",
		Args:      []string{"10"},
		Status:    domain.CommandStatusCancelled,
		StartedAt: started,
		EndedAt:   &ended,
	}
	if err := store.Record(ctx, session, domain.BufferStats{Lines: 1}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := store.Get(ctx, "cmd-cancelled")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ExitCode != nil {
		t.Errorf("ExitCode = %v, want nil for cancelled command", *got.ExitCode)
	}
	if got.Status != domain.CommandStatusCancelled {
		t.Errorf("Status = %q, want %q", got.Status, domain.CommandStatusCancelled)
	}
}

func TestStoreReopenKeepsRows(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")

	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	session, stats := finishedSession("cmd-1", time.Now())
	if err := store.Record(context.Background(), session, stats); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.Get(context.Background(), "cmd-1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Program != "echo" {
		t.Errorf("Program = %q, want %q", got.Program, "echo")
	}
}
