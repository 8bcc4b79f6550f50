// Package model implements the crystalline parameter store and the
// forward/backward/optimizer kernels that operate on it.
package model

import (
	"github.com/lab/crystalline/internal/xerrors"
)

// Shape describes the fixed architecture of a model. Shapes are immutable
// after construction; every Params and gradient arena built from the same
// Shape has identical layout.
type Shape struct {
	VocabSize    int
	EmbedDim     int
	NumLayers    int
	NumHeads     int
	FFNHiddenDim int
	ContextLen   int
}

// HeadDim returns D/H, the per-head dimension.
func (s Shape) HeadDim() int { return s.EmbedDim / s.NumHeads }

// Validate checks the configuration invariants from the parameter-store
// contract: positive vocab/embed dims, heads dividing the embedding
// dimension evenly, and a positive context length.
func (s Shape) Validate() error {
	if s.VocabSize <= 0 {
		return xerrors.ErrInvalidVocabSize
	}
	if s.EmbedDim <= 0 {
		return xerrors.ErrInvalidEmbedDim
	}
	if s.NumHeads <= 0 || s.EmbedDim%s.NumHeads != 0 {
		return xerrors.ErrHeadsDontDivideDim
	}
	if s.ContextLen <= 0 {
		return xerrors.ErrInvalidContextLen
	}
	if s.FFNHiddenDim <= 0 {
		return xerrors.New(xerrors.KindConfiguration, "FFN hidden dim must be positive")
	}
	if s.NumLayers <= 0 {
		return xerrors.New(xerrors.KindConfiguration, "number of layers must be positive")
	}
	return nil
}

// Layer holds one transformer block's parameters (or gradients, when Layer
// is used inside a Params built to serve as a gradient arena).
type Layer struct {
	Gamma1, Beta1 []float32 // [D] pre-attention LayerNorm
	Wq, Wk, Wv    []float32 // [D*D] attention projections, row-major output x input
	Gamma2, Beta2 []float32 // [D] pre-FFN LayerNorm
	W1            []float32 // [F*D]
	B1            []float32 // [F]
	W2            []float32 // [D*F]
	B2            []float32 // [D]
}

// Params is both the parameter store and, when built via NewGrads, the
// gradient arena: their shapes are always identical, per the data-model
// invariant that parameter and gradient shapes never diverge.
type Params struct {
	Shape     Shape
	Embedding []float32 // [V*D]
	Layers    []Layer
}

func newLayer(s Shape) Layer {
	d, f := s.EmbedDim, s.FFNHiddenDim
	return Layer{
		Gamma1: make([]float32, d),
		Beta1:  make([]float32, d),
		Wq:     make([]float32, d*d),
		Wk:     make([]float32, d*d),
		Wv:     make([]float32, d*d),
		Gamma2: make([]float32, d),
		Beta2:  make([]float32, d),
		W1:     make([]float32, f*d),
		B1:     make([]float32, f),
		W2:     make([]float32, d*f),
		B2:     make([]float32, d),
	}
}

// NewGrads allocates a zeroed gradient arena matching shape s.
func NewGrads(s Shape) *Params {
	p := &Params{Shape: s, Embedding: make([]float32, s.VocabSize*s.EmbedDim)}
	p.Layers = make([]Layer, s.NumLayers)
	for i := range p.Layers {
		p.Layers[i] = newLayer(s)
	}
	return p
}

// NewParams validates the shape and constructs a freshly initialized
// parameter store: embedding and projection weights drawn from a seeded
// Box-Muller normal scaled by He initialization (std = sqrt(2/fan_in));
// biases zero; LayerNorm gamma=1, beta=0.
func NewParams(s Shape, seed int64) (*Params, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	rng := newRNG(seed)
	p := NewGrads(s)

	initMatrix(rng, p.Embedding, s.EmbedDim)
	for i := range p.Layers {
		l := &p.Layers[i]
		fillOnes(l.Gamma1)
		fillOnes(l.Gamma2)
		initMatrix(rng, l.Wq, s.EmbedDim)
		initMatrix(rng, l.Wk, s.EmbedDim)
		initMatrix(rng, l.Wv, s.EmbedDim)
		initMatrix(rng, l.W1, s.EmbedDim)
		initMatrix(rng, l.W2, s.FFNHiddenDim)
	}
	return p, nil
}

func fillOnes(buf []float32) {
	for i := range buf {
		buf[i] = 1
	}
}

// initMatrix draws every entry of buf from N(0, 2/fanIn).
func initMatrix(rng *rng, buf []float32, fanIn int) {
	std := heStd(fanIn)
	for i := range buf {
		buf[i] = rng.normal(0, std)
	}
}

// Zero clears every parameter/gradient slot in place. Called at the start
// of every optimizer step for the gradient arena, per the data-model
// lifecycle.
func (p *Params) Zero() {
	zero(p.Embedding)
	for i := range p.Layers {
		l := &p.Layers[i]
		zero(l.Gamma1)
		zero(l.Beta1)
		zero(l.Wq)
		zero(l.Wk)
		zero(l.Wv)
		zero(l.Gamma2)
		zero(l.Beta2)
		zero(l.W1)
		zero(l.B1)
		zero(l.W2)
		zero(l.B2)
	}
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// AddInto accumulates src's values into dst in place: dst += src. Used by
// the root to reduce per-worker gradient segments into the shared arena.
// dst and src must share the same Shape.
func (dst *Params) AddInto(src *Params) {
	addInto(dst.Embedding, src.Embedding)
	for i := range dst.Layers {
		d, s := &dst.Layers[i], &src.Layers[i]
		addInto(d.Gamma1, s.Gamma1)
		addInto(d.Beta1, s.Beta1)
		addInto(d.Wq, s.Wq)
		addInto(d.Wk, s.Wk)
		addInto(d.Wv, s.Wv)
		addInto(d.Gamma2, s.Gamma2)
		addInto(d.Beta2, s.Beta2)
		addInto(d.W1, s.W1)
		addInto(d.B1, s.B1)
		addInto(d.W2, s.W2)
		addInto(d.B2, s.B2)
	}
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// ClipElementwise clamps every gradient entry to [-bound, bound] in place.
func (p *Params) ClipElementwise(bound float32) {
	clipBuf(p.Embedding, bound)
	for i := range p.Layers {
		l := &p.Layers[i]
		clipBuf(l.Gamma1, bound)
		clipBuf(l.Beta1, bound)
		clipBuf(l.Wq, bound)
		clipBuf(l.Wk, bound)
		clipBuf(l.Wv, bound)
		clipBuf(l.Gamma2, bound)
		clipBuf(l.Beta2, bound)
		clipBuf(l.W1, bound)
		clipBuf(l.B1, bound)
		clipBuf(l.W2, bound)
		clipBuf(l.B2, bound)
	}
}

func clipBuf(buf []float32, bound float32) {
	for i, v := range buf {
		if v > bound {
			buf[i] = bound
		} else if v < -bound {
			buf[i] = -bound
		}
	}
}

// L2Norm returns the global L2 norm across every gradient slot.
func (p *Params) L2Norm() float32 {
	var sumSq float64
	accum := func(buf []float32) {
		for _, v := range buf {
			sumSq += float64(v) * float64(v)
		}
	}
	accum(p.Embedding)
	for i := range p.Layers {
		l := &p.Layers[i]
		accum(l.Gamma1)
		accum(l.Beta1)
		accum(l.Wq)
		accum(l.Wk)
		accum(l.Wv)
		accum(l.Gamma2)
		accum(l.Beta2)
		accum(l.W1)
		accum(l.B1)
		accum(l.W2)
		accum(l.B2)
	}
	return sqrtF64(sumSq)
}

// ScaleAll multiplies every gradient slot by a scalar factor in place, used
// to apply global L2 clipping once the true norm is known.
func (p *Params) ScaleAll(factor float32) {
	scaleBuf(p.Embedding, factor)
	for i := range p.Layers {
		l := &p.Layers[i]
		scaleBuf(l.Gamma1, factor)
		scaleBuf(l.Beta1, factor)
		scaleBuf(l.Wq, factor)
		scaleBuf(l.Wk, factor)
		scaleBuf(l.Wv, factor)
		scaleBuf(l.Gamma2, factor)
		scaleBuf(l.Beta2, factor)
		scaleBuf(l.W1, factor)
		scaleBuf(l.B1, factor)
		scaleBuf(l.W2, factor)
		scaleBuf(l.B2, factor)
	}
}

func scaleBuf(buf []float32, factor float32) {
	for i := range buf {
		buf[i] *= factor
	}
}
