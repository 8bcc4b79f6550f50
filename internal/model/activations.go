package model

// LayerActivations holds every intermediate tensor produced by one
// transformer block during a forward pass, kept around so Backward can
// reconstruct exact gradients without recomputation.
type LayerActivations struct {
	PreAttnNormOut []float32 // [T*D] normalized attention input
	PreAttnMean    []float32 // [T]
	PreAttnInvStd  []float32 // [T]
	Q, K, V        []float32 // [T*D] each, heads concatenated
	AttnWeights    []float32 // [H*T*T] softmax weights, saved for exact backprop
	AttnOut        []float32 // [T*D] concatenated per-head attention output
	ResidAfterAttn []float32 // [T*D] = block input + AttnOut

	PreFFNNormOut []float32 // [T*D]
	PreFFNMean    []float32 // [T]
	PreFFNInvStd  []float32 // [T]
	FFNPre        []float32 // [T*F] before ReLU
	FFNPost       []float32 // [T*F] after ReLU
	FFNOut        []float32 // [T*D]
	ResidOut      []float32 // [T*D] block output, feeds the next layer
}

// Activations is the reusable scratch arena for one worker's forward and
// backward passes. It is sized for the model's maximum context length and
// re-sliced (never reallocated) down to the batch's actual sequence length
// on every call, the way a worker's per-sphere buffers are reused across
// batches rather than rebuilt.
type Activations struct {
	shape Shape
	maxT  int

	Tokens []int     // [T]
	Embed  []float32 // [T*D] = H0, the raw embedding lookup
	Layers []LayerActivations
	Logits []float32 // [T*V]

	seqLen int
}

// NewActivations preallocates scratch sized for shape s and a sequence no
// longer than maxT tokens.
func NewActivations(s Shape, maxT int) *Activations {
	a := &Activations{shape: s, maxT: maxT}
	d, f, h := s.EmbedDim, s.FFNHiddenDim, s.NumHeads
	a.Tokens = make([]int, maxT)
	a.Embed = make([]float32, maxT*d)
	a.Logits = make([]float32, maxT*s.VocabSize)
	a.Layers = make([]LayerActivations, s.NumLayers)
	for i := range a.Layers {
		l := &a.Layers[i]
		l.PreAttnNormOut = make([]float32, maxT*d)
		l.PreAttnMean = make([]float32, maxT)
		l.PreAttnInvStd = make([]float32, maxT)
		l.Q = make([]float32, maxT*d)
		l.K = make([]float32, maxT*d)
		l.V = make([]float32, maxT*d)
		l.AttnWeights = make([]float32, h*maxT*maxT)
		l.AttnOut = make([]float32, maxT*d)
		l.ResidAfterAttn = make([]float32, maxT*d)
		l.PreFFNNormOut = make([]float32, maxT*d)
		l.PreFFNMean = make([]float32, maxT)
		l.PreFFNInvStd = make([]float32, maxT)
		l.FFNPre = make([]float32, maxT*f)
		l.FFNPost = make([]float32, maxT*f)
		l.FFNOut = make([]float32, maxT*d)
		l.ResidOut = make([]float32, maxT*d)
	}
	return a
}

// Resize reslices every buffer down to exactly T tokens. T must not exceed
// the maxT the Activations was constructed with.
func (a *Activations) Resize(T int) {
	d, f, h := a.shape.EmbedDim, a.shape.FFNHiddenDim, a.shape.NumHeads
	a.seqLen = T
	a.Tokens = a.Tokens[:T]
	a.Embed = a.Embed[:T*d]
	a.Logits = a.Logits[:T*a.shape.VocabSize]
	for i := range a.Layers {
		l := &a.Layers[i]
		l.PreAttnNormOut = l.PreAttnNormOut[:T*d]
		l.PreAttnMean = l.PreAttnMean[:T]
		l.PreAttnInvStd = l.PreAttnInvStd[:T]
		l.Q = l.Q[:T*d]
		l.K = l.K[:T*d]
		l.V = l.V[:T*d]
		l.AttnWeights = l.AttnWeights[:h*T*T]
		l.AttnOut = l.AttnOut[:T*d]
		l.ResidAfterAttn = l.ResidAfterAttn[:T*d]
		l.PreFFNNormOut = l.PreFFNNormOut[:T*d]
		l.PreFFNMean = l.PreFFNMean[:T]
		l.PreFFNInvStd = l.PreFFNInvStd[:T]
		l.FFNPre = l.FFNPre[:T*f]
		l.FFNPost = l.FFNPost[:T*f]
		l.FFNOut = l.FFNOut[:T*d]
		l.ResidOut = l.ResidOut[:T*d]
	}
}

// SeqLen returns the sequence length the scratch is currently sized for.
func (a *Activations) SeqLen() int { return a.seqLen }

// FinalHidden returns the output of the last transformer block, the input
// to the tied output projection.
func (a *Activations) FinalHidden() []float32 {
	if len(a.Layers) == 0 {
		return a.Embed
	}
	return a.Layers[len(a.Layers)-1].ResidOut
}
