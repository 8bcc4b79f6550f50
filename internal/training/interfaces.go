package training

import "github.com/lab/crystalline/internal/runtime"

// BatchSource is the pull interface the driver consumes: Next returns the
// next batch, or ok=false to signal end of epoch. Tokenization, file I/O,
// and data preparation live entirely outside this module.
type BatchSource interface {
	Next() (batch runtime.Batch, ok bool)
}

// BatchSourceFunc adapts a plain function to a BatchSource.
type BatchSourceFunc func() (runtime.Batch, bool)

// Next implements BatchSource.
func (f BatchSourceFunc) Next() (runtime.Batch, bool) { return f() }

// CheckpointSink is the opaque byte-stream contract checkpoints are
// written to, deliberately as narrow as "a stream with write(bytes)".
type CheckpointSink interface {
	Write(p []byte) (n int, err error)
}

// ProgressRecord is one push notification to a ProgressSink.
type ProgressRecord struct {
	Step       int
	Epoch      int
	MeanLoss   float32
	LR         float32
	GradNorm   float32
	Numerical  int // NaN/Inf entries clamped to 0 during this batch's forward/backward
}

// ProgressSink receives progress pushes. A nil-safe no-op implementation is
// provided by the progress package for callers that don't want one.
type ProgressSink interface {
	Report(ProgressRecord)
}
