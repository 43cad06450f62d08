package buffer

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"runstream/internal/domain"
)

const (
	defaultMaxBytes = 4 * 1024 * 1024 // 4 MiB memory tier ceiling
	defaultMaxLines = 10000

	spillPattern = "runstream-spill-*.log"
)

// Config controls buffer capacity and spill behavior.
type Config struct {
	MaxBytes int    // memory tier byte ceiling
	MaxLines int    // memory tier line cap
	Dir      string // spill file directory; empty = os.TempDir()
}

// Match is a single search hit: the absolute line index and its text.
type Match struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Buffer is a two-tier line store for streamed command output. Recent lines
// are held in memory; once the memory tier exceeds its byte ceiling or line
// cap, the oldest half is evicted to an append-only spill file created
// lazily on first eviction. Line indices are global: the spill file always
// holds lines [0, spilled), memory holds the rest.
//
// Writers (Append, Clear, Close) are mutually exclusive; readers run
// concurrently and never observe a partially applied append.
type Buffer struct {
	mu  sync.RWMutex
	cfg Config
	log *slog.Logger

	lines    []string // memory tier, oldest first
	memBytes int      // bytes held in memory (line bytes plus one per newline)

	spilled     int // lines evicted to the spill file (tier boundary)
	spillPath   string
	spillFile   *os.File // append handle; nil until first eviction
	spillBroken bool     // a spill write failed; further evictions drop lines

	totalBytes int64 // cleaned bytes ever appended
	streaming  bool
	closed     bool
}

// New creates a Buffer. Zero config values fall back to defaults.
func New(cfg Config, log *slog.Logger) *Buffer {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = defaultMaxLines
	}
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	return &Buffer{
		cfg:       cfg,
		log:       log,
		streaming: true,
	}
}

// Append splits text into lines and appends them to the memory tier,
// evicting the oldest half to the spill file while the tier exceeds its
// byte ceiling or line cap. Returns ErrUnavailable after Close.
func (b *Buffer) Append(text string) error {
	if text == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return domain.NewSubSystemError("buffer", "Buffer.Append", domain.ErrUnavailable, "buffer is closed")
	}

	for _, line := range splitLines(text) {
		b.lines = append(b.lines, line)
		b.memBytes += len(line) + 1
	}
	b.totalBytes += int64(len(text))

	b.evictLocked()
	return nil
}

// splitLines splits text on newlines. A trailing newline does not produce
// an empty final line; text without one keeps its partial tail as the
// last line.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// evictLocked moves the oldest half of the memory tier to the spill file
// until the tier fits its limits again. A single line larger than the byte
// ceiling is the only permitted overshoot. Caller must hold mu.
func (b *Buffer) evictLocked() {
	for (b.memBytes > b.cfg.MaxBytes || len(b.lines) > b.cfg.MaxLines) && len(b.lines) > 1 {
		half := len(b.lines) / 2
		b.spillLocked(b.lines[:half])
		for _, line := range b.lines[:half] {
			b.memBytes -= len(line) + 1
		}
		b.spilled += half

		n := copy(b.lines, b.lines[half:])
		for i := n; i < len(b.lines); i++ {
			b.lines[i] = "" // release evicted strings
		}
		b.lines = b.lines[:n]
	}
}

// spillLocked appends lines to the spill file, creating it on first use.
// Write failures degrade the file tier: the lines are dropped, the tier
// boundary still advances, and later evictions stop writing. Caller must
// hold mu.
func (b *Buffer) spillLocked(lines []string) {
	if b.spillBroken {
		return
	}
	if b.spillFile == nil {
		f, err := os.CreateTemp(b.cfg.Dir, spillPattern)
		if err != nil {
			b.spillBroken = true
			b.log.Warn("spill file create failed, evicted lines dropped",
				"dir", b.cfg.Dir, "error", err)
			return
		}
		b.spillFile = f
		b.spillPath = f.Name()
	}

	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if _, err := b.spillFile.WriteString(sb.String()); err != nil {
		b.spillBroken = true
		b.log.Warn("spill write failed, evicted lines dropped",
			"path", b.spillPath, "lines", len(lines), "error", err)
	}
}

// GetLines returns lines in the half-open range [start, end). Indices are
// clamped to the stored range. Lines below the tier boundary are read back
// from the spill file by a sequential scan; the rest come from memory.
// Spill read failures yield a partial result.
func (b *Buffer) GetLines(start, end int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.spilled + len(b.lines)
	if start < 0 {
		start = 0
	}
	if end > total {
		end = total
	}
	if start >= end {
		return nil
	}

	out := make([]string, 0, end-start)
	if start < b.spilled {
		fileEnd := min(end, b.spilled)
		b.scanSpill(func(i int, text string) bool {
			if i >= fileEnd {
				return false
			}
			if i >= start {
				out = append(out, text)
			}
			return true
		})
		start = fileEnd
	}
	for i := start; i < end; i++ {
		out = append(out, b.lines[i-b.spilled])
	}
	return out
}

// Search returns every line containing query as a case-insensitive
// substring, in ascending line order, scanning the spill file first and the
// memory tier second. An empty query matches nothing.
func (b *Buffer) Search(query string) []Match {
	if query == "" {
		return nil
	}
	needle := strings.ToLower(query)

	b.mu.RLock()
	defer b.mu.RUnlock()

	var matches []Match
	if b.spilled > 0 {
		b.scanSpill(func(i int, text string) bool {
			if i >= b.spilled {
				return false
			}
			if strings.Contains(strings.ToLower(text), needle) {
				matches = append(matches, Match{Line: i, Text: text})
			}
			return true
		})
	}
	for i, line := range b.lines {
		if strings.Contains(strings.ToLower(line), needle) {
			matches = append(matches, Match{Line: b.spilled + i, Text: line})
		}
	}
	return matches
}

// scanSpill walks the spill file from the beginning, invoking fn with each
// file tier line index and text. Scanning stops early when fn returns
// false. I/O errors end the scan with whatever was readable. Caller must
// hold mu (read or write).
func (b *Buffer) scanSpill(fn func(i int, text string) bool) {
	if b.spillPath == "" {
		return
	}
	f, err := os.Open(b.spillPath)
	if err != nil {
		b.log.Warn("spill read failed", "path", b.spillPath, "error", err)
		return
	}
	defer f.Close()

	// bufio.Reader rather than Scanner: evicted lines can exceed any fixed
	// token size limit.
	r := bufio.NewReader(f)
	for i := 0; ; i++ {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			if !fn(i, strings.TrimSuffix(line, "\n")) {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				b.log.Warn("spill read failed", "path", b.spillPath, "error", err)
			}
			return
		}
	}
}

// Export streams the full buffer contents, file tier first, to w.
func (b *Buffer) Export(w io.Writer) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bw := bufio.NewWriter(w)
	var writeErr error
	b.scanSpill(func(_ int, text string) bool {
		if _, err := bw.WriteString(text); err != nil {
			writeErr = err
			return false
		}
		if err := bw.WriteByte('\n'); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		return domain.WrapOp("Buffer.Export", writeErr)
	}
	for _, line := range b.lines {
		if _, err := bw.WriteString(line); err != nil {
			return domain.WrapOp("Buffer.Export", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return domain.WrapOp("Buffer.Export", err)
		}
	}
	return domain.WrapOp("Buffer.Export", bw.Flush())
}

// Clear empties both tiers, deletes the spill file, and resets all
// counters. Safe to call repeatedly.
func (b *Buffer) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
	return nil
}

func (b *Buffer) clearLocked() {
	if b.spillFile != nil {
		b.spillFile.Close()
		b.spillFile = nil
	}
	if b.spillPath != "" {
		if err := os.Remove(b.spillPath); err != nil && !os.IsNotExist(err) {
			b.log.Warn("spill file remove failed", "path", b.spillPath, "error", err)
		}
		b.spillPath = ""
	}
	b.lines = nil
	b.memBytes = 0
	b.spilled = 0
	b.totalBytes = 0
	b.spillBroken = false
}

// Close clears the buffer and rejects further appends. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.streaming = false
	b.clearLocked()
	return nil
}

// StopStreaming marks the buffer as no longer receiving live output.
// A consumer hint only; appends are still accepted.
func (b *Buffer) StopStreaming() {
	b.mu.Lock()
	b.streaming = false
	b.mu.Unlock()
}

// IsStreaming reports whether the producing command is still running.
func (b *Buffer) IsStreaming() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streaming
}

// LineCount returns the total number of stored lines across both tiers.
func (b *Buffer) LineCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spilled + len(b.lines)
}

// MemoryUsage returns the bytes currently held by the memory tier.
func (b *Buffer) MemoryUsage() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.memBytes
}

// SpillPath returns the spill file path, or "" if nothing has spilled.
func (b *Buffer) SpillPath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spillPath
}

// Stats returns a consistent snapshot of the buffer counters.
func (b *Buffer) Stats() domain.BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return domain.BufferStats{
		Lines:        b.spilled + len(b.lines),
		MemoryLines:  len(b.lines),
		SpilledLines: b.spilled,
		MemoryBytes:  b.memBytes,
		TotalBytes:   b.totalBytes,
		Streaming:    b.streaming,
	}
}
