package model

import "github.com/lab/crystalline/internal/numeric"

const (
	layerNormEps = float32(1e-5)

	// expClampBound is the numerical policy bound from §4.5: any value that
	// feeds a subsequent exp is clamped to [-expClampBound, expClampBound]
	// first, so a runaway score can never overflow the exponential.
	expClampBound = float32(50)
)

// clamp restricts v to [-bound, bound].
func clamp(v, bound float32) float32 {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}

// sanitize replaces any NaN/Inf entry in buf with 0 in place and returns how
// many entries were replaced. Clamping values before they ever reach exp is
// the primary defense; this is the last-resort net for anything that still
// slips through.
func sanitize(buf []float32) int {
	n := 0
	for i, v := range buf {
		if numeric.IsNaN(v) || numeric.IsInf(v) {
			buf[i] = 0
			n++
		}
	}
	return n
}

// Forward runs the full embedding -> N transformer blocks -> tied output
// projection pipeline for one sequence of tokens, filling act with every
// intermediate tensor Backward needs. tokens must be non-empty and no
// longer than the Activations' maxT. It returns the number of NaN/Inf
// entries it had to replace with 0 across the hidden states and output
// logits; normally 0, since clamping upstream should prevent them.
func Forward(tokens []int, act *Activations, p *Params) int {
	T := len(tokens)
	act.Resize(T)
	copy(act.Tokens, tokens)

	d := p.Shape.EmbedDim
	for t, tok := range tokens {
		copy(act.Embed[t*d:(t+1)*d], p.Embedding[tok*d:(tok+1)*d])
	}

	numerical := 0
	hidden := act.Embed
	for li := range p.Layers {
		hidden = forwardBlock(hidden, &act.Layers[li], &p.Layers[li], p.Shape, T)
		numerical += sanitize(hidden)
	}

	// Tied output projection: logits[t,v] = dot(hidden[t], Embedding[v]).
	V := p.Shape.VocabSize
	for t := 0; t < T; t++ {
		h := hidden[t*d : (t+1)*d]
		out := act.Logits[t*V : (t+1)*V]
		for v := 0; v < V; v++ {
			out[v] = dot(h, p.Embedding[v*d:(v+1)*d])
		}
	}

	numerical += sanitize(act.Logits)
	return numerical
}

func forwardBlock(blockInput []float32, act *LayerActivations, lp *Layer, s Shape, T int) []float32 {
	d := s.EmbedDim
	layerNormForward(blockInput, lp.Gamma1, lp.Beta1, T, d, act.PreAttnNormOut, act.PreAttnMean, act.PreAttnInvStd)

	matVecRows(lp.Wq, d, d, act.PreAttnNormOut, T, act.Q)
	matVecRows(lp.Wk, d, d, act.PreAttnNormOut, T, act.K)
	matVecRows(lp.Wv, d, d, act.PreAttnNormOut, T, act.V)

	attentionForward(act, s, T)

	for i := range act.ResidAfterAttn {
		act.ResidAfterAttn[i] = blockInput[i] + act.AttnOut[i]
	}

	layerNormForward(act.ResidAfterAttn, lp.Gamma2, lp.Beta2, T, d, act.PreFFNNormOut, act.PreFFNMean, act.PreFFNInvStd)

	f := s.FFNHiddenDim
	matVecRowsBias(lp.W1, f, d, act.PreFFNNormOut, T, lp.B1, act.FFNPre)
	for i, v := range act.FFNPre {
		if v > 0 {
			act.FFNPost[i] = v
		} else {
			act.FFNPost[i] = 0
		}
	}
	matVecRowsBias(lp.W2, d, f, act.FFNPost, T, lp.B2, act.FFNOut)

	for i := range act.ResidOut {
		act.ResidOut[i] = act.ResidAfterAttn[i] + act.FFNOut[i]
	}
	return act.ResidOut
}

// attentionForward computes causal multi-head self-attention, saving the
// softmax-normalized weights for exact backprop.
func attentionForward(act *LayerActivations, s Shape, T int) {
	d, h := s.EmbedDim, s.NumHeads
	dh := s.HeadDim()
	scale := 1 / numeric.Sqrt(float32(dh))

	for head := 0; head < h; head++ {
		off := head * dh
		weights := act.AttnWeights[head*T*T : (head+1)*T*T]
		for t1 := 0; t1 < T; t1++ {
			row := weights[t1*T : t1*T+T]
			q := act.Q[t1*d+off : t1*d+off+dh]
			var maxScore float32 = -1e30
			for t2 := 0; t2 <= t1; t2++ {
				k := act.K[t2*d+off : t2*d+off+dh]
				sc := dot(q, k) * scale
				row[t2] = sc
				if sc > maxScore {
					maxScore = sc
				}
			}
			var sum float32
			for t2 := 0; t2 <= t1; t2++ {
				e := numeric.Exp(clamp(row[t2]-maxScore, expClampBound))
				row[t2] = e
				sum += e
			}
			for t2 := 0; t2 <= t1; t2++ {
				row[t2] /= sum
			}
			for t2 := t1 + 1; t2 < T; t2++ {
				row[t2] = 0
			}

			out := act.AttnOut[t1*d+off : t1*d+off+dh]
			for i := range out {
				out[i] = 0
			}
			for t2 := 0; t2 <= t1; t2++ {
				w := row[t2]
				v := act.V[t2*d+off : t2*d+off+dh]
				for i, vv := range v {
					out[i] += w * vv
				}
			}
		}
	}
}

// layerNormForward normalizes each of the T rows of x (each length d) in
// place into out, saving the per-row mean and inverse standard deviation.
func layerNormForward(x, gamma, beta []float32, T, d int, out, mean, invStd []float32) {
	for t := 0; t < T; t++ {
		row := x[t*d : (t+1)*d]
		var m float32
		for _, v := range row {
			m += v
		}
		m /= float32(d)
		var varSum float32
		for _, v := range row {
			diff := v - m
			varSum += diff * diff
		}
		varSum /= float32(d)
		is := 1 / numeric.Sqrt(varSum+layerNormEps)
		mean[t] = m
		invStd[t] = is
		o := out[t*d : (t+1)*d]
		for i, v := range row {
			o[i] = (v-m)*is*gamma[i] + beta[i]
		}
	}
}

// matVecRows computes out[t] = W * x[t] for every one of T rows, where W is
// an (outDim x inDim) row-major matrix.
func matVecRows(W []float32, outDim, inDim int, x []float32, T int, out []float32) {
	for t := 0; t < T; t++ {
		row := x[t*inDim : (t+1)*inDim]
		o := out[t*outDim : (t+1)*outDim]
		for i := 0; i < outDim; i++ {
			o[i] = dot(W[i*inDim:(i+1)*inDim], row)
		}
	}
}

func matVecRowsBias(W []float32, outDim, inDim int, x []float32, T int, bias []float32, out []float32) {
	for t := 0; t < T; t++ {
		row := x[t*inDim : (t+1)*inDim]
		o := out[t*outDim : (t+1)*outDim]
		for i := 0; i < outDim; i++ {
			o[i] = bias[i] + dot(W[i*inDim:(i+1)*inDim], row)
		}
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
