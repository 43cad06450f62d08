// Package pipeline turns raw subprocess output into cleaned, ordered lines.
//
// Fragments arrive non-line-aligned from the process pipes. Per-stream carry
// buffers restore line alignment, a splitter cuts the text into line-aligned
// chunks, and a bounded worker pool cleans each chunk (escape stripping,
// diagnostic detection, optional syntax highlighting) in parallel. A sequencer
// then appends the processed chunks to the sink in submission order, never in
// completion order, so concurrent workers cannot interleave unrelated output.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"runstream/internal/domain"
)

const (
	defaultChunkSize          = 4096
	defaultWorkers            = 4
	defaultHighlightCacheSize = 512
	defaultIssuesPerSec       = 10
	defaultIssueBurst         = 20
)

// Config controls pipeline behavior. Zero values take defaults.
type Config struct {
	// ChunkSize is the line-aligned chunk byte budget.
	ChunkSize int
	// Workers is the number of concurrent chunk processors.
	Workers int
	// Highlight enables syntax highlighting of processed output.
	Highlight bool
	// HighlightCacheSize bounds the highlight look-aside cache.
	HighlightCacheSize int
	// IssuesPerSec and IssueBurst rate-limit the issue side channel.
	IssuesPerSec float64
	IssueBurst   int
}

// Sink receives processed chunks in submission order.
type Sink interface {
	Append(text string) error
}

// task is one chunk queued for a worker, tagged with its submission index.
type task struct {
	seq    int
	text   string
	stream domain.OutputStream
}

// processed is the result of cleaning one chunk. Immutable once produced.
type processed struct {
	text       string
	hasError   bool
	hasWarning bool
	issueLine  string
	stream     domain.OutputStream
	bytesIn    int
	bytesOut   int
}

// Processor runs the chunk pipeline for a single command.
type Processor struct {
	commandID string
	cfg       Config
	sink      Sink
	bus       domain.EventBus
	log       *slog.Logger

	highlighter *highlighter
	limiter     *rate.Limiter

	tasks chan task

	// mu guards submission state: sequence numbers, carry buffers, and the
	// drained flag. Sends to tasks happen under mu so Drain can close the
	// channel without racing a submitter.
	mu      sync.Mutex
	nextSeq int
	carry   map[domain.OutputStream][]byte
	drained bool

	// appendMu guards the sequencer: out-of-order results wait in pending
	// until every lower sequence number has been appended.
	appendMu   sync.Mutex
	pending    map[int]processed
	nextAppend int

	wg        sync.WaitGroup
	drainOnce sync.Once

	errorCount   atomic.Uint64
	warningCount atomic.Uint64
	inBytes      atomic.Uint64
	outBytes     atomic.Uint64
}

// New creates a Processor for one command and starts its worker pool.
// Zero-value config fields take package defaults. A nil logger discards.
func New(commandID string, cfg Config, sink Sink, bus domain.EventBus, log *slog.Logger) *Processor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.HighlightCacheSize <= 0 {
		cfg.HighlightCacheSize = defaultHighlightCacheSize
	}
	if cfg.IssuesPerSec <= 0 {
		cfg.IssuesPerSec = defaultIssuesPerSec
	}
	if cfg.IssueBurst <= 0 {
		cfg.IssueBurst = defaultIssueBurst
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &Processor{
		commandID: commandID,
		cfg:       cfg,
		sink:      sink,
		bus:       bus,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(cfg.IssuesPerSec), cfg.IssueBurst),
		tasks:     make(chan task, cfg.Workers*2),
		carry:     make(map[domain.OutputStream][]byte),
		pending:   make(map[int]processed),
	}

	if cfg.Highlight {
		h, err := newHighlighter(cfg.HighlightCacheSize)
		if err != nil {
			log.Warn("highlight cache init failed, highlighting disabled",
				"command_id", commandID, "error", err)
		} else {
			p.highlighter = h
		}
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Ingest accepts a raw fragment from one of the process pipes. Fragments may
// end mid-line; the incomplete tail is carried until the next fragment (or
// Drain) completes it. Complete lines are chunked and submitted. No-op after
// Drain.
func (p *Processor) Ingest(stream domain.OutputStream, fragment []byte) {
	if len(fragment) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drained {
		return
	}

	buf := append(p.carry[stream], fragment...)
	i := bytes.LastIndexByte(buf, '\n')
	if i < 0 {
		p.carry[stream] = buf
		return
	}
	p.carry[stream] = append([]byte(nil), buf[i+1:]...)
	p.submitLocked(string(buf[:i+1]), stream)
}

// Process submits whole text directly, bypassing the carry buffers. Used for
// already-aligned input such as trailing diagnostics. No-op after Drain.
func (p *Processor) Process(text string) {
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drained {
		return
	}
	p.submitLocked(text, domain.StreamStdout)
}

// submitLocked chunks text and queues each chunk with its submission index.
// Caller holds mu. The bounded channel provides backpressure: when workers
// fall behind, the submitter (and through it the process pipe) blocks.
func (p *Processor) submitLocked(text string, stream domain.OutputStream) {
	for _, chunk := range splitChunks(text, p.cfg.ChunkSize) {
		p.tasks <- task{seq: p.nextSeq, text: chunk, stream: stream}
		p.nextSeq++
	}
}

// Drain flushes the carry buffers as final partial chunks, stops intake, and
// blocks until every submitted chunk has been processed and appended to the
// sink. Safe to call more than once; later calls wait for the first to finish.
func (p *Processor) Drain() {
	p.drainOnce.Do(func() {
		p.mu.Lock()
		for _, stream := range []domain.OutputStream{domain.StreamStdout, domain.StreamStderr} {
			if carry := p.carry[stream]; len(carry) > 0 {
				p.submitLocked(string(carry), stream)
				p.carry[stream] = nil
			}
		}
		p.drained = true
		close(p.tasks)
		p.mu.Unlock()

		// Workers exit once the channel empties. Every chunk is released
		// before its worker exits, and whichever release completes the run
		// flushes it, so wg.Wait doubles as the all-appended barrier.
		p.wg.Wait()
	})
}

// Issues returns the running totals of detected error and warning chunks.
func (p *Processor) Issues() (errors, warnings uint64) {
	return p.errorCount.Load(), p.warningCount.Load()
}

// Bytes returns the running totals of chunk bytes before and after cleaning.
func (p *Processor) Bytes() (in, out uint64) {
	return p.inBytes.Load(), p.outBytes.Load()
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.release(t.seq, p.processChunk(t))
	}
}

// processChunk cleans one chunk: strip escapes, detect diagnostics, highlight.
func (p *Processor) processChunk(t task) processed {
	clean := stripControl(t.text)
	hasError, hasWarning, issueLine := detectIssues(clean)

	out := clean
	if p.highlighter != nil {
		out = p.highlighter.apply(clean)
	}
	return processed{
		text:       out,
		hasError:   hasError,
		hasWarning: hasWarning,
		issueLine:  issueLine,
		stream:     t.stream,
		bytesIn:    len(t.text),
		bytesOut:   len(out),
	}
}

// release hands a finished chunk to the sequencer. The result waits in
// pending until all earlier sequence numbers have been appended, then the
// longest ready run is appended in order.
func (p *Processor) release(seq int, res processed) {
	p.appendMu.Lock()
	defer p.appendMu.Unlock()

	p.pending[seq] = res
	for {
		next, ok := p.pending[p.nextAppend]
		if !ok {
			return
		}
		delete(p.pending, p.nextAppend)
		p.nextAppend++

		if err := p.sink.Append(next.text); err != nil {
			p.log.Warn("buffer append failed",
				"command_id", p.commandID, "error", err)
		}
		p.inBytes.Add(uint64(next.bytesIn))
		p.outBytes.Add(uint64(next.bytesOut))
		p.report(next)
	}
}

// report counts detected diagnostics and, when the token bucket permits,
// logs the first matching line and publishes an output.issue event. Counts
// stay exact; only the log and bus traffic are rate-limited. Never blocks.
func (p *Processor) report(res processed) {
	if res.hasError {
		p.errorCount.Add(1)
	}
	if res.hasWarning {
		p.warningCount.Add(1)
	}
	if !res.hasError && !res.hasWarning {
		return
	}
	if !p.limiter.Allow() {
		return
	}

	kind := domain.IssueWarning
	if res.hasError {
		kind = domain.IssueError
	}
	p.log.Warn("diagnostic in command output",
		"command_id", p.commandID,
		"kind", string(kind),
		"stream", string(res.stream),
		"line", res.issueLine)

	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.OutputIssue{
		CommandID: p.commandID,
		Kind:      kind,
		Line:      res.issueLine,
		Stream:    res.stream,
	})
	if err != nil {
		return
	}
	p.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventOutputIssue,
		Timestamp: time.Now(),
		CommandID: p.commandID,
		Payload:   payload,
	})
}
