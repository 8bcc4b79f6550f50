package model

import "testing"

func TestLRScheduleWarmupThenDecay(t *testing.T) {
	sched := LRSchedule{PeakLR: 1e-3, FloorLR: 1e-5, WarmupStep: 10, TotalSteps: 100}

	if got := sched.At(1); got <= 0 || got >= sched.PeakLR {
		t.Errorf("warmup step 1 = %v, want in (0, peak)", got)
	}
	if got := sched.At(10); got < sched.PeakLR-1e-6 {
		t.Errorf("end of warmup should reach peak, got %v", got)
	}
	if got := sched.At(100); got > sched.FloorLR+1e-6 {
		t.Errorf("final step should be at floor, got %v", got)
	}
	if got := sched.At(1000); got != sched.FloorLR {
		t.Errorf("past schedule end should clamp to floor, got %v", got)
	}

	prev := sched.At(10)
	for step := 11; step <= 100; step += 5 {
		cur := sched.At(step)
		if cur > prev+1e-9 {
			t.Fatalf("LR increased during decay phase at step %d: %v > %v", step, cur, prev)
		}
		prev = cur
	}
}

func TestOptimizerStepReducesLossOnTinyModel(t *testing.T) {
	s := Shape{VocabSize: 6, EmbedDim: 4, NumLayers: 1, NumHeads: 2, FFNHiddenDim: 8, ContextLen: 4}
	p, err := NewParams(s, 99)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	tokens := []int{0, 1, 2}
	targets := []int{1, 2, 3}
	opt := NewOptimizer(LRSchedule{PeakLR: 0.05, FloorLR: 0.001, WarmupStep: 2, TotalSteps: 50}, len(p.Embedding))

	firstLoss := lossForTokens(tokens, targets, s, p)
	for i := 0; i < 20; i++ {
		act := NewActivations(s, s.ContextLen)
		Forward(tokens, act, p)
		grads := NewGrads(s)
		Backward(tokens, targets, act, p, grads)
		opt.Step(p, grads)
	}
	lastLoss := lossForTokens(tokens, targets, s, p)
	if lastLoss >= firstLoss {
		t.Errorf("expected loss to decrease after 20 optimizer steps: first=%v last=%v", firstLoss, lastLoss)
	}
}

func TestAdamStatePersistsAcrossRestore(t *testing.T) {
	opt := NewOptimizer(LRSchedule{PeakLR: 0.01, FloorLR: 0.001, WarmupStep: 1, TotalSteps: 10}, 4)
	p := &Params{Embedding: make([]float32, 4)}
	g := &Params{Embedding: []float32{0.1, -0.2, 0.3, -0.4}}
	p.Layers = nil
	g.Layers = nil
	opt.Step(&Params{Embedding: p.Embedding}, &Params{Embedding: g.Embedding})

	m, v, step := opt.AdamState()
	mCopy := append([]float32(nil), m...)
	vCopy := append([]float32(nil), v...)

	restored := NewOptimizer(opt.Schedule, 4)
	restored.RestoreAdamState(mCopy, vCopy, step)

	rm, rv, rstep := restored.AdamState()
	if rstep != step {
		t.Fatalf("step mismatch: %d vs %d", rstep, step)
	}
	for i := range rm {
		if rm[i] != mCopy[i] || rv[i] != vCopy[i] {
			t.Fatalf("moment mismatch at %d", i)
		}
	}
}
