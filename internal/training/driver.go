package training

import (
	"bytes"
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/lab/crystalline/internal/logging"
	"github.com/lab/crystalline/internal/runtime"
	"github.com/lab/crystalline/internal/xerrors"
)

// Driver is the training driver (C11): it holds the mutable step counter
// and checkpoint cadence, pulls batches from a BatchSource, drives the
// hierarchy one batch at a time, and pushes checkpoints/progress to its
// external collaborators.
type Driver struct {
	hierarchy *runtime.Hierarchy
	sink      CheckpointSink
	progress  ProgressSink
	ledger    *RunLedger
	runID     string
	log       *logging.Logger

	checkpointEvery int
	stop            atomic.Bool

	step  int
	epoch int
}

// NewDriver wires a Driver around an already-constructed Hierarchy. sink
// and progress and ledger may be nil; a nil sink disables checkpointing, a
// nil progress disables push notifications, a nil ledger disables run
// bookkeeping.
func NewDriver(h *runtime.Hierarchy, sink CheckpointSink, progress ProgressSink, ledger *RunLedger, checkpointEvery int, log *logging.Logger) *Driver {
	return &Driver{
		hierarchy:       h,
		sink:            sink,
		progress:        progress,
		ledger:          ledger,
		runID:           NewRunID(),
		log:             log,
		checkpointEvery: checkpointEvery,
	}
}

// Stop requests an orderly shutdown. Fit returns once the in-flight batch's
// barrier cycle has completed; training never stops mid-batch.
func (d *Driver) Stop() { d.stop.Store(true) }

// Fit pulls batches from source and drives the hierarchy until source is
// exhausted, maxSteps is reached, ctx is cancelled, or Stop is called. It
// returns nil on an orderly finish and a *xerrors.Error otherwise.
func (d *Driver) Fit(ctx context.Context, source BatchSource, maxSteps int) error {
	d.hierarchy.Start()
	defer d.hierarchy.Stop()

	for d.step < maxSteps {
		if d.stop.Load() {
			break
		}
		select {
		case <-ctx.Done():
			return d.finalize(xerrors.ErrCancelled)
		default:
		}

		batch, ok := source.Next()
		if !ok {
			// The source has exhausted its current epoch. A BatchSource is a
			// pull interface over a, in general, finite supply (stdinBatchSource
			// hits EOF and never returns ok=true again), so sustained ok=false is
			// treated as end of training rather than a transient hiccup to spin
			// past. A source that wants more epochs is expected to wrap around
			// internally and keep returning ok=true.
			d.epoch++
			return d.finalize(nil)
		}

		loss, numerical, err := d.hierarchy.RunBatch(batch)
		if err != nil {
			cerr, isCrystalline := err.(*xerrors.Error)
			if isCrystalline && cerr.Recoverable() {
				if d.log != nil {
					d.log.WithField("step", d.step).Warn("recoverable training error: %v", err)
				}
				continue
			}
			return d.finalize(err)
		}
		if numerical > 0 && d.log != nil {
			d.log.WithField("step", d.step).Warn("%v", xerrors.New(xerrors.KindNumerical, "NaN/Inf entries clamped to 0", strconv.Itoa(numerical)))
		}

		d.step++
		lr := d.hierarchy.Optimizer().Schedule.At(d.step)
		if d.progress != nil {
			d.progress.Report(ProgressRecord{Step: d.step, Epoch: d.epoch, MeanLoss: loss, LR: lr, Numerical: numerical})
		}
		if d.checkpointEvery > 0 && d.step%d.checkpointEvery == 0 {
			if err := d.checkpoint(loss); err != nil && d.log != nil {
				d.log.Error("checkpoint write failed at step %d: %v", d.step, err)
			}
		}
	}
	return d.finalize(nil)
}

// finalize attempts one last checkpoint emission (best-effort for worker
// crashes, required for an orderly cancellation) and returns cause.
func (d *Driver) finalize(cause error) error {
	if d.sink != nil {
		if err := d.checkpoint(0); err != nil && d.log != nil {
			d.log.Error("final checkpoint emission failed: %v", err)
		}
	}
	return cause
}

func (d *Driver) checkpoint(lastLoss float32) error {
	if d.sink == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := WriteCheckpoint(&buf, d.hierarchy.Params(), d.hierarchy.Optimizer()); err != nil {
		return err
	}
	if _, err := d.sink.Write(buf.Bytes()); err != nil {
		return xerrors.New(xerrors.KindIO, "checkpoint sink write failed", err.Error())
	}
	if d.ledger != nil {
		return d.ledger.RecordCheckpoint(RunRecord{
			RunID:    d.runID,
			Step:     d.step,
			MeanLoss: lastLoss,
			SavedAt:  time.Now(),
		})
	}
	return nil
}

// Step returns the number of batches successfully trained so far.
func (d *Driver) Step() int { return d.step }
