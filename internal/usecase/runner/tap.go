package runner

import (
	"runstream/internal/domain"
	"runstream/internal/usecase/pipeline"
)

// tap bridges one process pipe into the pipeline. Write blocks when the
// pipeline's task channel is full, pushing backpressure into the pipe.
type tap struct {
	stream domain.OutputStream
	pipe   *pipeline.Processor
	fn     domain.OutputFunc
}

func newTap(stream domain.OutputStream, pipe *pipeline.Processor, fn domain.OutputFunc) *tap {
	return &tap{stream: stream, pipe: pipe, fn: fn}
}

func (t *tap) Write(p []byte) (int, error) {
	t.pipe.Ingest(t.stream, p)
	if t.fn != nil {
		t.fn(t.stream, p)
	}
	return len(p), nil
}
