package model

import "github.com/lab/crystalline/internal/numeric"

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8

	elementwiseClipBound = 1e4
	globalL2ClipNorm     = 1.0
)

// LRSchedule is a warmup-then-cosine-decay learning rate schedule with a
// floor, matching the optimizer's schedule contract.
type LRSchedule struct {
	PeakLR     float32
	FloorLR    float32
	WarmupStep int
	TotalSteps int
}

// At returns the learning rate for the given 1-indexed optimizer step.
func (s LRSchedule) At(step int) float32 {
	if step <= 0 {
		step = 1
	}
	if step <= s.WarmupStep && s.WarmupStep > 0 {
		return s.PeakLR * float32(step) / float32(s.WarmupStep)
	}
	remaining := s.TotalSteps - s.WarmupStep
	if remaining <= 0 || step >= s.TotalSteps {
		return s.FloorLR
	}
	progress := float32(step-s.WarmupStep) / float32(remaining)
	if progress > 1 {
		progress = 1
	}
	cosine := 0.5 * (1 + numeric.Cos(numeric.Pi*progress))
	lr := s.FloorLR + (s.PeakLR-s.FloorLR)*cosine
	if lr < s.FloorLR {
		lr = s.FloorLR
	}
	return lr
}

// Optimizer applies Adam to the tied embedding table and vanilla SGD to
// every other parameter tensor, per the mixed-optimizer contract: the
// embedding table is the only tensor large and sparsely-updated enough to
// warrant second-moment tracking.
type Optimizer struct {
	Schedule LRSchedule

	step int
	m, v []float32 // Adam moment buffers, embedding-shaped only
}

// NewOptimizer builds an Optimizer whose Adam state matches the embedding
// table's shape.
func NewOptimizer(schedule LRSchedule, embeddingLen int) *Optimizer {
	return &Optimizer{
		Schedule: schedule,
		m:        make([]float32, embeddingLen),
		v:        make([]float32, embeddingLen),
	}
}

// Clip applies elementwise clipping then global L2-norm clipping to grads in
// place and returns the resulting L2 norm. Exposed separately from Step so a
// caller can inspect the post-clip norm, e.g. to detect a gradient explosion,
// before deciding whether to apply the update at all. Step calls Clip
// itself, so clipping twice is a harmless no-op.
func (o *Optimizer) Clip(grads *Params) float32 {
	grads.ClipElementwise(elementwiseClipBound)
	norm := grads.L2Norm()
	if norm > globalL2ClipNorm {
		grads.ScaleAll(globalL2ClipNorm / norm)
		return globalL2ClipNorm
	}
	return norm
}

// Step clips grads (elementwise then by global L2 norm), advances the
// internal step counter, and applies one update to params in place. It
// returns the learning rate used.
func (o *Optimizer) Step(params, grads *Params) float32 {
	o.Clip(grads)

	o.step++
	lr := o.Schedule.At(o.step)

	o.adamStep(params.Embedding, grads.Embedding, lr)
	for i := range params.Layers {
		p, g := &params.Layers[i], &grads.Layers[i]
		sgdStep(p.Gamma1, g.Gamma1, lr)
		sgdStep(p.Beta1, g.Beta1, lr)
		sgdStep(p.Wq, g.Wq, lr)
		sgdStep(p.Wk, g.Wk, lr)
		sgdStep(p.Wv, g.Wv, lr)
		sgdStep(p.Gamma2, g.Gamma2, lr)
		sgdStep(p.Beta2, g.Beta2, lr)
		sgdStep(p.W1, g.W1, lr)
		sgdStep(p.B1, g.B1, lr)
		sgdStep(p.W2, g.W2, lr)
		sgdStep(p.B2, g.B2, lr)
	}
	return lr
}

func (o *Optimizer) adamStep(params, grads []float32, lr float32) {
	t := float32(o.step)
	biasCorr1 := 1 - numeric.Pow(adamBeta1, t)
	biasCorr2 := 1 - numeric.Pow(adamBeta2, t)
	for i, g := range grads {
		o.m[i] = adamBeta1*o.m[i] + (1-adamBeta1)*g
		o.v[i] = adamBeta2*o.v[i] + (1-adamBeta2)*g*g
		mHat := o.m[i] / biasCorr1
		vHat := o.v[i] / biasCorr2
		params[i] -= lr * mHat / (numeric.Sqrt(vHat) + adamEps)
	}
}

func sgdStep(params, grads []float32, lr float32) {
	for i, g := range grads {
		params[i] -= lr * g
	}
}

// StepCount returns the number of optimizer steps taken so far, used for
// checkpoint persistence of Adam state.
func (o *Optimizer) StepCount() int { return o.step }

// AdamState exposes the raw moment buffers for checkpoint serialization.
func (o *Optimizer) AdamState() (m, v []float32, step int) {
	return o.m, o.v, o.step
}

// RestoreAdamState installs previously-persisted Adam moments, used when
// resuming training from a checkpoint.
func (o *Optimizer) RestoreAdamState(m, v []float32, step int) {
	copy(o.m, m)
	copy(o.v, v)
	o.step = step
}
