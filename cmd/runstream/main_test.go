package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runstream/internal/domain"
	"runstream/internal/usecase/buffer"
)

func TestParseArgs_Separator(t *testing.T) {
	flags, err := parseArgs([]string{"--timeout", "30s", "--", "echo", "hello", "--config", "x"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, flags.Timeout)
	assert.Equal(t, "echo", flags.Program)
	// Everything after the separator belongs to the child, flags included.
	assert.Equal(t, []string{"hello", "--config", "x"}, flags.Args)
}

func TestParseArgs_BareProgram(t *testing.T) {
	flags, err := parseArgs([]string{"echo", "hello"})
	require.NoError(t, err)
	assert.Equal(t, "echo", flags.Program)
	assert.Equal(t, []string{"hello"}, flags.Args)
}

func TestParseArgs_ChildFlagsAfterProgram(t *testing.T) {
	flags, err := parseArgs([]string{"ls", "-la"})
	require.NoError(t, err)
	assert.Equal(t, "ls", flags.Program)
	assert.Equal(t, []string{"-la"}, flags.Args)
}

func TestParseArgs_EqualsForms(t *testing.T) {
	flags, err := parseArgs([]string{"--timeout=1m", "--search=error", "--highlight", "--", "make"})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, flags.Timeout)
	assert.Equal(t, "error", flags.Search)
	assert.True(t, flags.Highlight)
	assert.Equal(t, "make", flags.Program)
	assert.Empty(t, flags.Args)
}

func TestParseArgs_ConfigConsumed(t *testing.T) {
	flags, err := parseArgs([]string{"--config", "custom.yaml", "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo", flags.Program)
}

func TestParseArgs_InvalidTimeout(t *testing.T) {
	_, err := parseArgs([]string{"--timeout", "soon", "--", "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --timeout")
}

func TestParseArgs_UnknownFlag(t *testing.T) {
	_, err := parseArgs([]string{"--frobnicate", "--", "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestParseArgs_NothingAfterSeparator(t *testing.T) {
	_, err := parseArgs([]string{"--timeout", "1s", "--"})
	require.Error(t, err)
}

func TestParseArgs_Empty(t *testing.T) {
	flags, err := parseArgs(nil)
	require.NoError(t, err)
	assert.Empty(t, flags.Program)
}

func TestConfigPath_Flag(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"runstream", "--config", "mine.yaml", "--", "echo"}
	assert.Equal(t, "mine.yaml", configPath())

	os.Args = []string{"runstream", "--config=inline.yaml", "echo"}
	assert.Equal(t, "inline.yaml", configPath())
}

func TestConfigPath_StopsAtSeparator(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	// The child's own --config must not leak into ours.
	os.Args = []string{"runstream", "--", "child", "--config", "theirs.yaml"}
	assert.Equal(t, "config.yaml", configPath())
}

func TestConfigPath_Env(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"runstream", "--", "echo"}
	t.Setenv("RUNSTREAM_CONFIG", "/etc/runstream.yaml")
	assert.Equal(t, "/etc/runstream.yaml", configPath())
}

func TestExitCode(t *testing.T) {
	three := 3
	negative := -1

	tests := []struct {
		name    string
		session domain.CommandSession
		waitErr error
		want    int
	}{
		{
			name: "clean exit",
			want: 0,
		},
		{
			name:    "timeout",
			waitErr: domain.NewSubSystemError("runner", "Runner.Timeout", domain.ErrTimeout, "after 1s"),
			want:    124,
		},
		{
			name:    "cancelled",
			waitErr: domain.NewSubSystemError("runner", "Runner.Cancel", domain.ErrCancelled, ""),
			want:    130,
		},
		{
			name:    "not found",
			waitErr: domain.NewSubSystemError("runner", "Runner.Start", domain.ErrExecutableNotFound, "nope"),
			want:    127,
		},
		{
			name:    "nonzero exit propagated",
			session: domain.CommandSession{ExitCode: &three},
			waitErr: domain.NewSubSystemError("runner", "Runner.Wait", domain.ErrExecutionFailed, "exit code 3"),
			want:    3,
		},
		{
			name:    "killed without exit code",
			session: domain.CommandSession{ExitCode: &negative},
			waitErr: domain.NewSubSystemError("runner", "Runner.Wait", domain.ErrExecutionFailed, "exit code -1"),
			want:    1,
		},
		{
			name:    "failure without session code",
			waitErr: domain.NewSubSystemError("runner", "Runner.Wait", domain.ErrExecutionFailed, ""),
			want:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.session, tt.waitErr))
		})
	}
}

func TestFollowOutput_DrainsAfterDone(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	buf := buffer.New(buffer.Config{Dir: t.TempDir()}, log)
	t.Cleanup(func() { buf.Close() })

	require.NoError(t, buf.Append("one\ntwo\n"))
	require.NoError(t, buf.Append("three\n"))

	done := make(chan struct{})
	close(done)

	var out strings.Builder
	followOutput(buf, done, &out)

	assert.Equal(t, "one\ntwo\nthree\n", out.String())
}

func TestFollowOutput_Live(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	buf := buffer.New(buffer.Config{Dir: t.TempDir()}, log)
	t.Cleanup(func() { buf.Close() })

	require.NoError(t, buf.Append("early\n"))

	done := make(chan struct{})
	var out strings.Builder
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		followOutput(buf, done, &out)
	}()

	// Lines appended while following must show up before the drain.
	time.Sleep(2 * followInterval)
	require.NoError(t, buf.Append("late\n"))
	close(done)
	<-finished

	assert.Equal(t, "early\nlate\n", out.String())
}
