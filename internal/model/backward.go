package model

import "github.com/lab/crystalline/internal/numeric"

// Backward runs the exact reverse-mode pass for one sequence, accumulating
// into grads (which is not zeroed here — callers own the gradient
// lifecycle, per the zero-at-start-of-optimizer-step contract) and
// returning the mean cross-entropy loss over the sequence, plus the number
// of NaN/Inf gradient entries it had to replace with 0 (0 in the normal
// case). tokens and targets must have equal, non-zero length; act must
// already hold the Forward pass for tokens.
func Backward(tokens, targets []int, act *Activations, p *Params, grads *Params) (float32, int) {
	T := act.SeqLen()
	d := p.Shape.EmbedDim
	V := p.Shape.VocabSize
	hidden := act.FinalHidden()

	dLogits := make([]float32, T*V)
	loss := softmaxCrossEntropy(act.Logits, targets, T, V, dLogits)

	dHidden := make([]float32, T*d)
	for t := 0; t < T; t++ {
		dl := dLogits[t*V : (t+1)*V]
		h := hidden[t*d : (t+1)*d]
		dh := dHidden[t*d : (t+1)*d]
		for v := 0; v < V; v++ {
			g := dl[v]
			if g == 0 {
				continue
			}
			ev := p.Embedding[v*d : (v+1)*d]
			dev := grads.Embedding[v*d : (v+1)*d]
			for i := 0; i < d; i++ {
				dh[i] += g * ev[i]
				dev[i] += g * h[i]
			}
		}
	}

	dOut := dHidden
	for li := len(p.Layers) - 1; li >= 0; li-- {
		var blockInput []float32
		if li == 0 {
			blockInput = act.Embed
		} else {
			blockInput = act.Layers[li-1].ResidOut
		}
		dOut = backwardBlock(dOut, blockInput, &act.Layers[li], &p.Layers[li], &grads.Layers[li], p.Shape, T)
	}

	for t, tok := range tokens {
		dg := grads.Embedding[tok*d : (tok+1)*d]
		src := dOut[t*d : (t+1)*d]
		for i := 0; i < d; i++ {
			dg[i] += src[i]
		}
	}
	return loss, sanitizeGrads(grads)
}

// sanitizeGrads replaces any NaN/Inf entry across every gradient tensor with
// 0 in place and returns the total number of entries replaced.
func sanitizeGrads(grads *Params) int {
	n := sanitize(grads.Embedding)
	for i := range grads.Layers {
		l := &grads.Layers[i]
		n += sanitize(l.Gamma1)
		n += sanitize(l.Beta1)
		n += sanitize(l.Wq)
		n += sanitize(l.Wk)
		n += sanitize(l.Wv)
		n += sanitize(l.Gamma2)
		n += sanitize(l.Beta2)
		n += sanitize(l.W1)
		n += sanitize(l.B1)
		n += sanitize(l.W2)
		n += sanitize(l.B2)
	}
	return n
}

// softmaxCrossEntropy computes the mean cross-entropy loss over T rows of
// logits (each length V) against targets, filling dLogits with d(loss)/d(logit).
func softmaxCrossEntropy(logits []float32, targets []int, T, V int, dLogits []float32) float32 {
	var totalLoss float32
	invT := 1 / float32(T)
	for t := 0; t < T; t++ {
		row := logits[t*V : (t+1)*V]
		var maxV float32 = -1e30
		for _, v := range row {
			if v > maxV {
				maxV = v
			}
		}
		var sum float32
		probs := dLogits[t*V : (t+1)*V]
		for i, v := range row {
			e := numeric.Exp(clamp(v-maxV, expClampBound))
			probs[i] = e
			sum += e
		}
		invSum := 1 / sum
		target := targets[t]
		for i := range probs {
			probs[i] = probs[i]*invSum*invT - boolToFloat(i == target)*invT
		}
		shiftedTarget := clamp(row[target]-maxV, expClampBound)
		totalLoss += -(shiftedTarget - numeric.Log(sum))
	}
	return totalLoss * invT
}

func boolToFloat(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

func backwardBlock(dResidOut, blockInput []float32, act *LayerActivations, lp, lg *Layer, s Shape, T int) []float32 {
	d := s.EmbedDim
	f := s.FFNHiddenDim

	dFFNOut := dResidOut
	dB2 := lg.B2
	dW2 := lg.W2
	for i := range dB2 {
		var sum float32
		for t := 0; t < T; t++ {
			sum += dFFNOut[t*d+i]
		}
		dB2[i] += sum
	}
	dFFNPost := make([]float32, T*f)
	for t := 0; t < T; t++ {
		do := dFFNOut[t*d : (t+1)*d]
		post := act.FFNPost[t*f : (t+1)*f]
		dp := dFFNPost[t*f : (t+1)*f]
		for i := 0; i < d; i++ {
			g := do[i]
			if g == 0 {
				continue
			}
			w2row := lp.W2[i*f : (i+1)*f]
			dW2row := dW2[i*f : (i+1)*f]
			for j := 0; j < f; j++ {
				dW2row[j] += g * post[j]
				dp[j] += g * w2row[j]
			}
		}
	}

	dFFNPre := make([]float32, T*f)
	for i, v := range act.FFNPre {
		if v > 0 {
			dFFNPre[i] = dFFNPost[i]
		}
	}

	dB1 := lg.B1
	for i := range dB1 {
		var sum float32
		for t := 0; t < T; t++ {
			sum += dFFNPre[t*f+i]
		}
		dB1[i] += sum
	}
	dPreFFNNormOut := make([]float32, T*d)
	for t := 0; t < T; t++ {
		dp := dFFNPre[t*f : (t+1)*f]
		normed := act.PreFFNNormOut[t*d : (t+1)*d]
		dn := dPreFFNNormOut[t*d : (t+1)*d]
		for i := 0; i < f; i++ {
			g := dp[i]
			if g == 0 {
				continue
			}
			w1row := lp.W1[i*d : (i+1)*d]
			dW1row := lg.W1[i*d : (i+1)*d]
			for j := 0; j < d; j++ {
				dW1row[j] += g * normed[j]
				dn[j] += g * w1row[j]
			}
		}
	}

	dResidAfterAttn := make([]float32, T*d)
	copy(dResidAfterAttn, dResidOut)
	dx2 := make([]float32, T*d)
	layerNormBackward(dPreFFNNormOut, act.ResidAfterAttn, act.PreFFNMean, act.PreFFNInvStd, lp.Gamma2, T, d, lg.Gamma2, lg.Beta2, dx2)
	for i := range dResidAfterAttn {
		dResidAfterAttn[i] += dx2[i]
	}

	dAttnOut := dResidAfterAttn
	dQ := make([]float32, T*d)
	dK := make([]float32, T*d)
	dV := make([]float32, T*d)
	attentionBackward(dAttnOut, act, lp, s, T, dQ, dK, dV)

	dPreAttnNormOut := make([]float32, T*d)
	backpropProjection(dQ, act.PreAttnNormOut, lp.Wq, lg.Wq, T, d, dPreAttnNormOut)
	backpropProjection(dK, act.PreAttnNormOut, lp.Wk, lg.Wk, T, d, dPreAttnNormOut)
	backpropProjection(dV, act.PreAttnNormOut, lp.Wv, lg.Wv, T, d, dPreAttnNormOut)

	dBlockInput := make([]float32, T*d)
	copy(dBlockInput, dResidAfterAttn)
	dx1 := make([]float32, T*d)
	layerNormBackward(dPreAttnNormOut, blockInput, act.PreAttnMean, act.PreAttnInvStd, lp.Gamma1, T, d, lg.Gamma1, lg.Beta1, dx1)
	for i := range dBlockInput {
		dBlockInput[i] += dx1[i]
	}
	return dBlockInput
}

// backpropProjection handles one of Q/K/V = W * normed, accumulating dW and
// adding the resulting gradient wrt normed into dNormedAccum.
func backpropProjection(dOut, normed, W, dW []float32, T, outDim int, dNormedAccum []float32) {
	inDim := outDim
	for t := 0; t < T; t++ {
		do := dOut[t*outDim : (t+1)*outDim]
		nrow := normed[t*inDim : (t+1)*inDim]
		dn := dNormedAccum[t*inDim : (t+1)*inDim]
		for i := 0; i < outDim; i++ {
			g := do[i]
			if g == 0 {
				continue
			}
			wrow := W[i*inDim : (i+1)*inDim]
			dWrow := dW[i*inDim : (i+1)*inDim]
			for j := 0; j < inDim; j++ {
				dWrow[j] += g * nrow[j]
				dn[j] += g * wrow[j]
			}
		}
	}
}

func attentionBackward(dAttnOut []float32, act *LayerActivations, lp *Layer, s Shape, T int, dQ, dK, dV []float32) {
	d, h := s.EmbedDim, s.NumHeads
	dh := s.HeadDim()
	scale := 1 / numeric.Sqrt(float32(dh))

	for head := 0; head < h; head++ {
		off := head * dh
		weights := act.AttnWeights[head*T*T : (head+1)*T*T]
		dWeights := make([]float32, T*T)

		for t1 := 0; t1 < T; t1++ {
			dout := dAttnOut[t1*d+off : t1*d+off+dh]
			wrow := weights[t1*T : t1*T+T]
			dwrow := dWeights[t1*T : t1*T+T]
			for t2 := 0; t2 <= t1; t2++ {
				v := act.V[t2*d+off : t2*d+off+dh]
				dv := dV[t2*d+off : t2*d+off+dh]
				w := wrow[t2]
				var dwSum float32
				for i := range dout {
					dwSum += dout[i] * v[i]
					dv[i] += w * dout[i]
				}
				dwrow[t2] = dwSum
			}
		}

		for t1 := 0; t1 < T; t1++ {
			wrow := weights[t1*T : t1*T+T]
			dwrow := dWeights[t1*T : t1*T+T]
			var dot float32
			for t2 := 0; t2 <= t1; t2++ {
				dot += wrow[t2] * dwrow[t2]
			}
			q := act.Q[t1*d+off : t1*d+off+dh]
			dq := dQ[t1*d+off : t1*d+off+dh]
			for t2 := 0; t2 <= t1; t2++ {
				dscore := wrow[t2] * (dwrow[t2] - dot) * scale
				k := act.K[t2*d+off : t2*d+off+dh]
				dk := dK[t2*d+off : t2*d+off+dh]
				for i := 0; i < dh; i++ {
					dq[i] += dscore * k[i]
					dk[i] += dscore * q[i]
				}
			}
		}
	}
}

// layerNormBackward computes the gradient of a LayerNorm(x)*gamma+beta
// operation wrt x (into dx), accumulating into dGamma and dBeta.
func layerNormBackward(dOut, x, mean, invStd, gamma []float32, T, d int, dGamma, dBeta, dx []float32) {
	for t := 0; t < T; t++ {
		do := dOut[t*d : (t+1)*d]
		xr := x[t*d : (t+1)*d]
		m := mean[t]
		is := invStd[t]

		var sumDy, sumDyY float32
		y := make([]float32, d)
		for i := 0; i < d; i++ {
			yi := (xr[i] - m) * is
			y[i] = yi
			dGamma[i] += do[i] * yi
			dBeta[i] += do[i]
			dy := do[i] * gamma[i]
			sumDy += dy
			sumDyY += dy * yi
		}
		dxr := dx[t*d : (t+1)*d]
		invN := 1 / float32(d)
		for i := 0; i < d; i++ {
			dy := do[i] * gamma[i]
			dxr[i] = is * invN * (float32(d)*dy - sumDy - y[i]*sumDyY)
		}
	}
}
