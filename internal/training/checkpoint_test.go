package training

import (
	"bytes"
	"testing"

	"github.com/lab/crystalline/internal/model"
)

func TestCheckpointRoundTripReproducesLogitsExactly(t *testing.T) {
	s := model.Shape{VocabSize: 13, EmbedDim: 8, NumLayers: 2, NumHeads: 2, FFNHiddenDim: 16, ContextLen: 6}
	params, err := model.NewParams(s, 55)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	opt := model.NewOptimizer(model.LRSchedule{PeakLR: 0.01, FloorLR: 0.001, WarmupStep: 5, TotalSteps: 50}, len(params.Embedding))

	tokens := []int{1, 2, 3, 4}
	for i := 0; i < 50; i++ {
		act := model.NewActivations(s, s.ContextLen)
		model.Forward(tokens, act, params)
		grads := model.NewGrads(s)
		model.Backward(tokens, []int{2, 3, 4, 5}, act, params, grads)
		opt.Step(params, grads)
	}

	var buf bytes.Buffer
	if err := WriteCheckpoint(&buf, params, opt); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}

	originalAct := model.NewActivations(s, s.ContextLen)
	model.Forward(tokens, originalAct, params)
	originalLogits := append([]float32(nil), originalAct.Logits...)

	state, err := ReadCheckpoint(&buf)
	if err != nil {
		t.Fatalf("ReadCheckpoint: %v", err)
	}
	if state.Params.Shape != s {
		t.Fatalf("shape mismatch after round-trip: %+v vs %+v", state.Params.Shape, s)
	}

	reloadedAct := model.NewActivations(s, s.ContextLen)
	model.Forward(tokens, reloadedAct, state.Params)
	for i := range originalLogits {
		if originalLogits[i] != reloadedAct.Logits[i] {
			t.Fatalf("logit %d differs after checkpoint round-trip: %v vs %v", i, originalLogits[i], reloadedAct.Logits[i])
		}
	}
}

func TestCheckpointRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("XXXX0000000000000000000000000000")
	if _, err := ReadCheckpoint(buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestAdamStatePersistenceAcrossCheckpoint(t *testing.T) {
	s := model.Shape{VocabSize: 10, EmbedDim: 4, NumLayers: 1, NumHeads: 2, FFNHiddenDim: 8, ContextLen: 4}
	params, _ := model.NewParams(s, 9)
	opt := model.NewOptimizer(model.LRSchedule{PeakLR: 0.02, FloorLR: 0.001, WarmupStep: 3, TotalSteps: 30}, len(params.Embedding))

	tokens := []int{1, 2, 3}
	targets := []int{2, 3, 4}
	for i := 0; i < 10; i++ {
		act := model.NewActivations(s, s.ContextLen)
		model.Forward(tokens, act, params)
		grads := model.NewGrads(s)
		model.Backward(tokens, targets, act, params, grads)
		opt.Step(params, grads)
	}

	var buf bytes.Buffer
	if err := WriteCheckpoint(&buf, params, opt); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	state, err := ReadCheckpoint(&buf)
	if err != nil {
		t.Fatalf("ReadCheckpoint: %v", err)
	}

	// Take one more step on the original.
	act := model.NewActivations(s, s.ContextLen)
	model.Forward(tokens, act, params)
	grads := model.NewGrads(s)
	model.Backward(tokens, targets, act, params, grads)
	opt.Step(params, grads)

	// Restore a fresh optimizer from the checkpoint's Adam state and take
	// the same step on the reloaded params.
	restoredOpt := model.NewOptimizer(opt.Schedule, len(state.Params.Embedding))
	restoredOpt.RestoreAdamState(state.AdamM, state.AdamV, state.AdamStep)

	act2 := model.NewActivations(s, s.ContextLen)
	model.Forward(tokens, act2, state.Params)
	grads2 := model.NewGrads(s)
	model.Backward(tokens, targets, act2, state.Params, grads2)
	restoredOpt.Step(state.Params, grads2)

	for i := range params.Embedding {
		if params.Embedding[i] != state.Params.Embedding[i] {
			t.Fatalf("embedding %d diverged after restore-then-step: %v vs %v", i, params.Embedding[i], state.Params.Embedding[i])
		}
	}
}
