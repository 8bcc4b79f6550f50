// Package runtime implements the hierarchical concurrent training runtime:
// a non-computing coordinator paired with a fixed ring of worker goroutines
// synchronized by a pair of reusable barriers around every batch.
package runtime

import "github.com/lab/crystalline/internal/model"

// SymmetryOrder is the fixed number of worker goroutines ("spheres") in the
// hierarchy, one per token residue class mod 12.
const SymmetryOrder = 12

// WorkerContext is one worker's private, single-writer scratch: its own
// forward/backward activation buffers and its own gradient segment. No
// other goroutine ever writes into a WorkerContext's Grads or Activations.
type WorkerContext struct {
	ID            int
	Activations   *model.Activations
	Grads         *model.Params
	LastLoss      float32
	LastNumerical int
	LastErr       error
}

// NewWorkerContext allocates a worker's private scratch sized for shape s
// and a maximum sequence length of maxSeqLen.
func NewWorkerContext(id int, s model.Shape, maxSeqLen int) *WorkerContext {
	return &WorkerContext{
		ID:          id,
		Activations: model.NewActivations(s, maxSeqLen),
		Grads:       model.NewGrads(s),
	}
}
