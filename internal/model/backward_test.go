package model

import (
	"testing"

	"github.com/lab/crystalline/internal/numeric"
)

func lossForTokens(tokens, targets []int, s Shape, p *Params) float32 {
	act := NewActivations(s, s.ContextLen)
	Forward(tokens, act, p)
	var totalLoss float32
	invT := float32(1) / float32(len(tokens))
	V := s.VocabSize
	for t := range tokens {
		row := act.Logits[t*V : (t+1)*V]
		var maxV float32 = -1e30
		for _, v := range row {
			if v > maxV {
				maxV = v
			}
		}
		var sum float32
		for _, v := range row {
			sum += numeric.Exp(v - maxV)
		}
		shifted := row[targets[t]] - maxV
		totalLoss += -(shifted - numeric.Log(sum))
	}
	return totalLoss * invT
}

// TestBackwardFiniteDifferenceGradientCheck implements the testable
// property literally: for a small model on a short batch, central-difference
// numerical gradients must agree with the analytic ones to within 1e-3
// relative error on at least 95% of sampled parameters, not on every single
// one, since a handful of near-zero-gradient entries are expected to have an
// inflated relative error regardless of correctness.
func TestBackwardFiniteDifferenceGradientCheck(t *testing.T) {
	s := Shape{VocabSize: 11, EmbedDim: 4, NumLayers: 1, NumHeads: 2, FFNHiddenDim: 8, ContextLen: 6}
	p, err := NewParams(s, 123)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	tokens := []int{1, 2, 3}
	targets := []int{2, 3, 4}

	act := NewActivations(s, s.ContextLen)
	Forward(tokens, act, p)
	grads := NewGrads(s)
	Backward(tokens, targets, act, p, grads)

	const eps = 1e-3
	const relTolerance = 1e-3
	const minPassFraction = 0.95

	tensors := []struct {
		name string
		buf  []float32
		g    []float32
	}{
		{"Embedding", p.Embedding, grads.Embedding},
		{"Gamma1", p.Layers[0].Gamma1, grads.Layers[0].Gamma1},
		{"Beta1", p.Layers[0].Beta1, grads.Layers[0].Beta1},
		{"Wq", p.Layers[0].Wq, grads.Layers[0].Wq},
		{"Wk", p.Layers[0].Wk, grads.Layers[0].Wk},
		{"Wv", p.Layers[0].Wv, grads.Layers[0].Wv},
		{"Gamma2", p.Layers[0].Gamma2, grads.Layers[0].Gamma2},
		{"Beta2", p.Layers[0].Beta2, grads.Layers[0].Beta2},
		{"W1", p.Layers[0].W1, grads.Layers[0].W1},
		{"B1", p.Layers[0].B1, grads.Layers[0].B1},
		{"W2", p.Layers[0].W2, grads.Layers[0].W2},
		{"B2", p.Layers[0].B2, grads.Layers[0].B2},
	}

	total, passed := 0, 0
	for _, tn := range tensors {
		// Sample a handful of evenly-spaced indices per tensor rather than
		// every entry, matching "sampled parameters" while keeping the
		// finite-difference pass (two full forward calls per index) fast
		// even for the larger weight matrices.
		stride := len(tn.buf) / 5
		if stride == 0 {
			stride = 1
		}
		for idx := 0; idx < len(tn.buf); idx += stride {
			orig := tn.buf[idx]

			tn.buf[idx] = orig + eps
			lp := lossForTokens(tokens, targets, s, p)
			tn.buf[idx] = orig - eps
			lm := lossForTokens(tokens, targets, s, p)
			tn.buf[idx] = orig

			numerical := (lp - lm) / (2 * eps)
			analytical := tn.g[idx]
			diff := numerical - analytical
			if diff < 0 {
				diff = -diff
			}
			denom := numerical
			if denom < 0 {
				denom = -denom
			}
			if denom < 1e-6 {
				denom = 1e-6
			}

			total++
			if diff/denom <= relTolerance {
				passed++
			} else {
				t.Logf("%s[%d]: relative error %v exceeds tolerance (numerical=%v analytical=%v)", tn.name, idx, diff/denom, numerical, analytical)
			}
		}
	}

	fraction := float64(passed) / float64(total)
	if fraction < minPassFraction {
		t.Errorf("gradient check: only %d/%d (%.1f%%) sampled parameters within %.0e relative error, want at least %.0f%%",
			passed, total, fraction*100, relTolerance, minPassFraction*100)
	}
}

// TestGradientReductionMatchesIndependentSum checks that reducing two
// independently-computed per-batch gradient segments via AddInto equals
// their elementwise sum bit for bit, and matches accumulating both batches
// directly into one arena in a single-threaded pass to within 1e-4 relative
// error (the summation order differs, so the last bits can too), the
// property the hierarchy's Point-B reduction relies on.
func TestGradientReductionMatchesIndependentSum(t *testing.T) {
	s := Shape{VocabSize: 13, EmbedDim: 8, NumLayers: 2, NumHeads: 2, FFNHiddenDim: 16, ContextLen: 6}
	p, err := NewParams(s, 99)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	batchA := []int{1, 2, 3, 4}
	targetsA := []int{2, 3, 4, 5}
	batchB := []int{5, 6, 7, 8}
	targetsB := []int{6, 7, 8, 9}

	segA := NewGrads(s)
	actA := NewActivations(s, s.ContextLen)
	Forward(batchA, actA, p)
	Backward(batchA, targetsA, actA, p, segA)

	segB := NewGrads(s)
	actB := NewActivations(s, s.ContextLen)
	Forward(batchB, actB, p)
	Backward(batchB, targetsB, actB, p, segB)

	reduced := NewGrads(s)
	reduced.AddInto(segA)
	reduced.AddInto(segB)

	direct := NewGrads(s)
	actD := NewActivations(s, s.ContextLen)
	Forward(batchA, actD, p)
	Backward(batchA, targetsA, actD, p, direct)
	Forward(batchB, actD, p)
	Backward(batchB, targetsB, actD, p, direct)

	if len(reduced.Embedding) != len(direct.Embedding) {
		t.Fatalf("embedding length mismatch")
	}
	for i := range reduced.Embedding {
		want := segA.Embedding[i] + segB.Embedding[i]
		diff := reduced.Embedding[i] - direct.Embedding[i]
		if diff < 0 {
			diff = -diff
		}
		scale := direct.Embedding[i]
		if scale < 0 {
			scale = -scale
		}
		if reduced.Embedding[i] != want || diff > 1e-4*scale {
			t.Fatalf("embedding grad %d: reduced=%v direct=%v want=%v", i, reduced.Embedding[i], direct.Embedding[i], want)
		}
	}
	for l := range reduced.Layers {
		wantWq := make([]float32, len(segA.Layers[l].Wq))
		for i := range wantWq {
			wantWq[i] = segA.Layers[l].Wq[i] + segB.Layers[l].Wq[i]
		}
		for i, v := range reduced.Layers[l].Wq {
			if v != wantWq[i] {
				t.Fatalf("layer %d Wq grad %d: reduced=%v want=%v", l, i, v, wantWq[i])
			}
		}
	}
}
