package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"runstream/internal/domain"
	"runstream/internal/infra/config"
	"runstream/internal/infra/logger"
	"runstream/internal/infra/tracer"
	"runstream/internal/usecase/buffer"
	"runstream/internal/usecase/eventbus"
	"runstream/internal/usecase/history"
	"runstream/internal/usecase/pipeline"
	"runstream/internal/usecase/runner"
)

// followInterval is how often the follow loop polls the buffer for new lines.
const followInterval = 50 * time.Millisecond

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "history":
			if err := runHistory(); err != nil {
				fmt.Fprintf(os.Stderr, "history: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	// All defers live inside run; main only translates its verdict.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "runstream: %v\n", err)
	}
	os.Exit(code)
}

func showUsage() {
	fmt.Println(`runstream - Run a command and stream its processed output

USAGE:
    runstream [FLAGS] -- PROGRAM [ARGS...]
    runstream history [COUNT]

COMMANDS:
    history     List recent runs (recorded when history.enabled is set)

    (no command) - Run PROGRAM and follow its output

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --timeout DUR      Kill the command if still running after DUR (e.g. 30s, 5m)
    --highlight        Syntax-highlight recognized tokens in the output
    --search QUERY     Suppress the live follow; print matching lines at the end

CONFIGURATION:
    Config file: ./config.yaml
    Environment: RUNSTREAM_* variables override config

EXIT CODES:
    The command's own exit code, or:
    124    command timed out
    127    executable not found
    130    cancelled (SIGINT)

EXAMPLES:
    runstream -- make test                    # follow make output live
    runstream --timeout 30s -- ./deploy.sh    # kill after 30 seconds
    runstream --search error -- make build    # print only matching lines
    runstream history 10                      # last 10 recorded runs`)
}

// cliFlags holds flags parsed ahead of the -- separator, plus the command
// to run.
type cliFlags struct {
	Timeout   time.Duration
	Highlight bool
	Search    string

	Program string
	Args    []string
}

// parseArgs extracts flags and the program from args. Everything after --
// belongs to the program; without a separator the first bare word starts it.
func parseArgs(args []string) (cliFlags, error) {
	var flags cliFlags
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--":
			if i+1 >= len(args) {
				return flags, fmt.Errorf("nothing to run after --")
			}
			flags.Program = args[i+1]
			flags.Args = args[i+2:]
			return flags, nil
		case args[i] == "--config" && i+1 < len(args):
			// Consumed by configPath.
			i++
		case strings.HasPrefix(args[i], "--config="):
		case args[i] == "--timeout" && i+1 < len(args):
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return flags, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = d
			i++
		case strings.HasPrefix(args[i], "--timeout="):
			d, err := time.ParseDuration(strings.TrimPrefix(args[i], "--timeout="))
			if err != nil {
				return flags, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = d
		case args[i] == "--highlight":
			flags.Highlight = true
		case args[i] == "--search" && i+1 < len(args):
			flags.Search = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--search="):
			flags.Search = strings.TrimPrefix(args[i], "--search=")
		case strings.HasPrefix(args[i], "-"):
			return flags, fmt.Errorf("unknown flag: %s\n\nRun 'runstream --help' for usage information.", args[i])
		default:
			flags.Program = args[i]
			flags.Args = args[i+1:]
			return flags, nil
		}
	}
	return flags, nil
}

func configPath() string {
	// Check --config flag in os.Args, stopping at the -- separator so the
	// child command's own flags are never picked up.
	for i, arg := range os.Args {
		if arg == "--" {
			break
		}
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("RUNSTREAM_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() (int, error) {
	// 1. Flags & config
	flags, err := parseArgs(os.Args[1:])
	if err != nil {
		return 2, err
	}
	if flags.Program == "" {
		showUsage()
		return 2, nil
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return 1, fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return 1, fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return 1, fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. History (optional)
	var mgrOpts []runner.ManagerOption
	if cfg.History.Enabled {
		store, err := history.New(cfg.History.Path)
		if err != nil {
			return 1, fmt.Errorf("history: %w", err)
		}
		defer store.Close()
		mgrOpts = append(mgrOpts, runner.WithHistory(store))
	}

	// 5. Runner
	mgr := runner.NewManager(runner.Config{
		MaxCommands:     cfg.Runner.MaxCommands,
		CommandTTL:      cfg.Runner.CommandTTL,
		CleanupInterval: cfg.Runner.CleanupInterval,
		LookupPaths:     cfg.Runner.LookupPaths,
		Buffer: buffer.Config{
			MaxBytes: cfg.Buffer.MaxBytes,
			MaxLines: cfg.Buffer.MaxLines,
			Dir:      cfg.Buffer.Dir,
		},
		Pipeline: pipeline.Config{
			ChunkSize:          cfg.Pipeline.ChunkSize,
			Workers:            cfg.Pipeline.Workers,
			Highlight:          cfg.Pipeline.Highlight,
			HighlightCacheSize: cfg.Pipeline.HighlightCacheSize,
			IssuesPerSec:       cfg.Pipeline.IssuesPerSec,
			IssueBurst:         cfg.Pipeline.IssueBurst,
		},
	}, bus, log, mgrOpts...)
	defer mgr.Stop(ctx)

	// 6. Start the command
	timeout := cfg.Runner.DefaultTimeout
	if flags.Timeout > 0 {
		timeout = flags.Timeout
	}
	var startOpts []runner.StartOption
	if timeout > 0 {
		startOpts = append(startOpts, runner.WithTimeout(timeout))
	}
	if flags.Highlight {
		startOpts = append(startOpts, runner.WithHighlight(true))
	}

	h, err := mgr.Start(ctx, domain.CommandSpec{
		Program: flags.Program,
		Args:    flags.Args,
	}, startOpts...)
	if err != nil {
		if errors.Is(err, domain.ErrExecutableNotFound) {
			return 127, err
		}
		return 1, err
	}

	// 7. Cancel on SIGINT/SIGTERM
	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		select {
		case <-sigCtx.Done():
			_ = mgr.Cancel(context.Background(), h.ID())
		case <-h.Done():
		}
	}()

	// 8. Follow output; search mode waits quietly instead
	buf := h.Buffer()
	if flags.Search == "" {
		followOutput(buf, h.Done(), os.Stdout)
	} else {
		<-h.Done()
	}

	waitErr := h.Wait(ctx)

	// 9. Search results over the finished buffer
	if flags.Search != "" {
		for _, match := range buf.Search(flags.Search) {
			fmt.Fprintf(os.Stdout, "%d: %s\n", match.Line+1, match.Text)
		}
	}

	return exitCode(h.Session(), waitErr), nil
}

// followOutput prints buffer lines to w as they arrive. Returns once the
// command is done and every line, including the trailing diagnostic appended
// just before done closes, has been printed.
func followOutput(buf *buffer.Buffer, done <-chan struct{}, w io.Writer) {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	printed := 0
	for {
		lines := buf.GetLines(printed, buf.LineCount())
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
		printed += len(lines)

		select {
		case <-done:
			for _, line := range buf.GetLines(printed, buf.LineCount()) {
				fmt.Fprintln(w, line)
			}
			return
		case <-ticker.C:
		}
	}
}

// exitCode maps the command's verdict to the process exit code.
func exitCode(session domain.CommandSession, waitErr error) int {
	switch {
	case waitErr == nil:
		return 0
	case errors.Is(waitErr, domain.ErrTimeout):
		return 124
	case errors.Is(waitErr, domain.ErrCancelled):
		return 130
	case errors.Is(waitErr, domain.ErrExecutableNotFound):
		return 127
	default:
		if session.ExitCode != nil && *session.ExitCode > 0 {
			return *session.ExitCode
		}
		return 1
	}
}

func runHistory() error {
	limit := 0
	if len(os.Args) >= 3 && !strings.HasPrefix(os.Args[2], "-") {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: runstream history [count]")
		}
		limit = n
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	store, err := history.New(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.History.Path, err)
	}
	defer store.Close()

	entries, err := store.Recent(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No commands recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tEXIT\tDURATION\tLINES\tCOMMAND\tID")
	for _, e := range entries {
		exit := "-"
		if e.ExitCode != nil {
			exit = strconv.Itoa(*e.ExitCode)
		}
		duration := "-"
		if e.EndedAt != nil {
			duration = e.EndedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
		}
		command := e.Program
		if len(e.Args) > 0 {
			command += " " + strings.Join(e.Args, " ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			e.Status, exit, duration, e.Lines, command, e.ID)
	}
	return w.Flush()
}
