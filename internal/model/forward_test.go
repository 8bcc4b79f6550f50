package model

import (
	"testing"

	"github.com/lab/crystalline/internal/numeric"
)

func testShape() Shape {
	return Shape{
		VocabSize:    17,
		EmbedDim:     8,
		NumLayers:    2,
		NumHeads:     2,
		FFNHiddenDim: 16,
		ContextLen:   12,
	}
}

func TestNewParamsRejectsInvalidShapes(t *testing.T) {
	bad := testShape()
	bad.NumHeads = 3 // 8 % 3 != 0
	if _, err := NewParams(bad, 1); err == nil {
		t.Fatalf("expected error for heads not dividing embed dim")
	}
}

func TestForwardDeterministic(t *testing.T) {
	s := testShape()
	p, err := NewParams(s, 42)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	tokens := []int{1, 2, 3, 4, 5}
	act := NewActivations(s, s.ContextLen)

	Forward(tokens, act, p)
	first := append([]float32(nil), act.Logits...)

	act2 := NewActivations(s, s.ContextLen)
	Forward(tokens, act2, p)
	for i := range first {
		if first[i] != act2.Logits[i] {
			t.Fatalf("forward not deterministic at logit %d: %v vs %v", i, first[i], act2.Logits[i])
		}
	}
}

func TestForwardBackwardReforwardReproducesLogitsBitForBit(t *testing.T) {
	s := testShape()
	p, err := NewParams(s, 13)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	tokens := []int{2, 5, 1, 9, 3}
	targets := []int{5, 1, 9, 3, 2}
	act := NewActivations(s, s.ContextLen)

	Forward(tokens, act, p)
	before := append([]float32(nil), act.Logits...)

	grads := NewGrads(s)
	Backward(tokens, targets, act, p, grads)

	act2 := NewActivations(s, s.ContextLen)
	Forward(tokens, act2, p)
	for i := range before {
		if before[i] != act2.Logits[i] {
			t.Fatalf("logit %d changed across forward/backward/reforward with unchanged params: %v vs %v", i, before[i], act2.Logits[i])
		}
	}
}

func TestForwardProducesFiniteLogits(t *testing.T) {
	s := testShape()
	p, _ := NewParams(s, 7)
	act := NewActivations(s, s.ContextLen)
	Forward([]int{0, 1, 2}, act, p)
	for i, v := range act.Logits {
		if v != v { // NaN check without importing math
			t.Fatalf("logit %d is NaN", i)
		}
		if numeric.IsInf(v) {
			t.Fatalf("logit %d is infinite", i)
		}
	}
}
