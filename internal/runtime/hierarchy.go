package runtime

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lab/crystalline/internal/logging"
	"github.com/lab/crystalline/internal/model"
	"github.com/lab/crystalline/internal/numeric"
	"github.com/lab/crystalline/internal/xerrors"
)

// explosionNormFactor is how far above the configured max gradient norm a
// post-clip norm must be to count as an unrecoverable explosion rather than
// ordinary clipping (global clipping already guarantees a post-clip norm of
// at most 1.0 in the well-behaved case; this only fires on NaN/Inf gradients).
const explosionNormFactor = 10.0

// Batch is one routed unit of training data: a token sequence and its
// next-token targets.
type Batch struct {
	Tokens  []int
	Targets []int
}

// DominantResidue returns the mod-SymmetryOrder residue class that the
// largest number of tokens in the batch belong to. Ties favor the lowest
// residue. This is the routing vote that assigns a batch to exactly one
// worker sphere.
func DominantResidue(tokens []int) int {
	var counts [SymmetryOrder]int
	for _, tok := range tokens {
		r := tok % SymmetryOrder
		if r < 0 {
			r += SymmetryOrder
		}
		counts[r]++
	}
	best, bestCount := 0, -1
	for r, c := range counts {
		if c > bestCount {
			bestCount, best = c, r
		}
	}
	return best
}

// Hierarchy is "Node Zero" plus its ring of SymmetryOrder worker spheres.
// Node Zero never runs Forward or Backward itself: it only routes batches,
// reduces per-worker gradient segments, and drives the optimizer.
type Hierarchy struct {
	shape     model.Shape
	params    *model.Params
	grads     *model.Params
	optimizer *model.Optimizer
	workers   []*WorkerContext
	pointA    *Barrier
	pointB    *Barrier
	log       *logging.Logger

	current      *Batch
	activeWorker int

	stop chan struct{}
	eg   *errgroup.Group
}

// NewHierarchy builds the fixed 1-root/SymmetryOrder-worker hierarchy for a
// model of the given shape, sharing params across every worker (workers
// only ever read params; only RunBatch's caller, via the optimizer, writes
// to it, and only between rounds).
func NewHierarchy(shape model.Shape, params *model.Params, optimizer *model.Optimizer, log *logging.Logger) *Hierarchy {
	h := &Hierarchy{
		shape:     shape,
		params:    params,
		grads:     model.NewGrads(shape),
		optimizer: optimizer,
		pointA:    NewBarrier(SymmetryOrder + 1),
		pointB:    NewBarrier(SymmetryOrder + 1),
		log:       log,
		stop:      make(chan struct{}),
	}
	h.workers = make([]*WorkerContext, SymmetryOrder)
	for i := 0; i < SymmetryOrder; i++ {
		h.workers[i] = NewWorkerContext(i, shape, shape.ContextLen)
	}
	return h
}

// Start launches the SymmetryOrder worker goroutines under a shared
// errgroup, so that a worker goroutine exiting abnormally (it should never
// return a non-nil error in normal operation; runWorkerBatch recovers
// per-batch panics into w.LastErr instead) is still collected cleanly by
// Stop rather than leaking.
func (h *Hierarchy) Start() {
	h.eg = &errgroup.Group{}
	for _, w := range h.workers {
		w := w
		h.eg.Go(func() error {
			return h.workerLoop(w)
		})
	}
}

// Stop releases every worker goroutine and waits for them to exit,
// returning the first error any worker goroutine returned (normally nil).
// RunBatch must not be called again after Stop.
func (h *Hierarchy) Stop() error {
	close(h.stop)
	h.pointA.Wait()
	h.pointB.Wait()
	return h.eg.Wait()
}

// runWorkerBatch runs Forward/Backward for the batch currently routed to w,
// recovering a panic into a KindWorkerCrash error rather than taking down
// the whole hierarchy on one malformed batch.
func (h *Hierarchy) runWorkerBatch(w *WorkerContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.KindWorkerCrash, fmt.Sprintf("worker %d panicked: %v", w.ID, r))
		}
	}()
	fwdNumerical := model.Forward(h.current.Tokens, w.Activations, h.params)
	loss, bwdNumerical := model.Backward(h.current.Tokens, h.current.Targets, w.Activations, h.params, w.Grads)
	w.LastLoss = loss
	w.LastNumerical = fwdNumerical + bwdNumerical
	return nil
}

func (h *Hierarchy) workerLoop(w *WorkerContext) error {
	for {
		h.pointA.Wait()
		select {
		case <-h.stop:
			h.pointB.Wait()
			return nil
		default:
		}

		if w.ID == h.activeWorker && h.current != nil {
			w.Grads.Zero()
			w.LastErr = h.runWorkerBatch(w)
		} else {
			w.Grads.Zero()
			w.LastLoss = 0
			w.LastNumerical = 0
			w.LastErr = nil
		}

		h.pointB.Wait()
	}
}

// RunBatch routes one batch to the worker whose residue class wins the
// dominant-residue vote, runs one full forward/backward/reduce/optimizer
// round, and returns the loss the active worker observed and the number of
// NaN/Inf entries that had to be clamped to 0 during that worker's
// forward/backward pass (0 in the normal case).
//
// Framing: every worker blocks at Point A until routing is published and at
// Point B until every worker's forward/backward has finished; only once
// Point B has released does Node Zero reduce and step the optimizer, so a
// worker can never observe params mid-update and Node Zero can never reduce
// a gradient segment that is still being written.
func (h *Hierarchy) RunBatch(batch Batch) (float32, int, error) {
	h.current = &batch
	h.activeWorker = DominantResidue(batch.Tokens)

	h.pointA.Wait()
	h.pointB.Wait()

	var loss float32
	var numerical int
	var err error
	for _, w := range h.workers {
		if w.ID == h.activeWorker {
			loss, numerical, err = w.LastLoss, w.LastNumerical, w.LastErr
		}
	}
	if h.log != nil {
		h.log.WithField("worker", h.activeWorker).Debug("batch routed")
	}
	if err != nil {
		return 0, numerical, err
	}
	if numerical > 0 && h.log != nil {
		h.log.WithField("count", numerical).Warn("%v", xerrors.New(xerrors.KindNumerical, "NaN/Inf entries clamped to 0"))
	}

	h.grads.Zero()
	for _, w := range h.workers {
		h.grads.AddInto(w.Grads)
	}

	// Explosion is judged on the post-clip norm, per spec: global L2
	// clipping already guarantees a norm at most globalL2ClipNorm whenever
	// gradients are finite, so anything still above explosionNormFactor
	// times that bound can only be NaN/Inf leaking through.
	clippedNorm := h.optimizer.Clip(h.grads)
	if numeric.IsNaN(clippedNorm) || numeric.IsInf(clippedNorm) || clippedNorm > explosionNormFactor {
		if h.log != nil {
			h.log.WithField("norm", clippedNorm).Warn("gradient explosion, dropping batch")
		}
		return loss, numerical, xerrors.ErrGradientExplosion
	}
	h.optimizer.Step(h.params, h.grads)
	return loss, numerical, nil
}

// Params returns the shared parameter store.
func (h *Hierarchy) Params() *model.Params { return h.params }

// Optimizer returns the shared optimizer, used by the training driver for
// checkpoint persistence of Adam state.
func (h *Hierarchy) Optimizer() *model.Optimizer { return h.optimizer }
