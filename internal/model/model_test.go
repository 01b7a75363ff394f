package model

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPositionIDs(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mask []int
		want []int
	}{
		{name: "unpadded", mask: []int{1, 1, 1}, want: []int{0, 1, 2}},
		{name: "left-padded", mask: []int{0, 0, 1, 1}, want: []int{1, 1, 0, 1}},
		{name: "empty", mask: []int{}, want: []int{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(tc.want, PositionIDs(tc.mask)); diff != "" {
				t.Fatalf("positions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncoderOutputRepeatInterleave(t *testing.T) {
	t.Parallel()
	e := &EncoderOutput{
		LastHidden: [][][]float32{{{1}}, {{2}}},
		Mask:       [][]int{{1}, {0}},
	}
	got := e.RepeatInterleave(2)
	if diff := cmp.Diff([][][]float32{{{1}}, {{1}}, {{2}}, {{2}}}, got.LastHidden); diff != "" {
		t.Fatalf("hidden mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{1}, {1}, {0}, {0}}, got.Mask); diff != "" {
		t.Fatalf("mask mismatch (-want +got):\n%s", diff)
	}
	if _, err := e.Select([]int{2}); !errors.Is(err, ErrInput) {
		t.Fatalf("out of range select: got %v, want ErrInput", err)
	}
}

func TestStepOutputLast(t *testing.T) {
	t.Parallel()
	o := &StepOutput{
		Logits:       [][][]float32{{{1, 2}, {3, 4}}},
		HiddenStates: []Hidden{{{{9}}}, {{{5}, {6}}}},
	}
	if diff := cmp.Diff([][]float32{{3, 4}}, o.LastLogits()); diff != "" {
		t.Fatalf("logits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]float32{{6}}, o.LastHidden()); diff != "" {
		t.Fatalf("hidden mismatch (-want +got):\n%s", diff)
	}
}

func TestStackOutputsInvertsSelectRows(t *testing.T) {
	t.Parallel()
	full := &StepOutput{
		Logits:       [][][]float32{{{1, 2}}, {{3, 4}}, {{5, 6}}},
		HiddenStates: []Hidden{{{{1}}, {{2}}, {{3}}}},
		Attentions:   []Attention{{{{{1}}}, {{{0.5}}}, {{{0.25}}}}},
	}
	a := full.SelectRows([]int{0})
	b := full.SelectRows([]int{1, 2})
	got, err := StackOutputs([]*StepOutput{a, b})
	if err != nil {
		t.Fatalf("StackOutputs: %v", err)
	}
	if diff := cmp.Diff(full.Logits, got.Logits); diff != "" {
		t.Fatalf("logits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(full.HiddenStates, got.HiddenStates); diff != "" {
		t.Fatalf("hidden states mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(full.Attentions, got.Attentions); diff != "" {
		t.Fatalf("attentions mismatch (-want +got):\n%s", diff)
	}

	if _, err := StackOutputs(nil); !errors.Is(err, ErrInput) {
		t.Fatalf("StackOutputs(nil): err = %v, want ErrInput", err)
	}
	bare := &StepOutput{Logits: [][][]float32{{{0, 0}}}}
	if _, err := StackOutputs([]*StepOutput{a, bare}); !errors.Is(err, ErrInput) {
		t.Fatalf("mismatched captures: err = %v, want ErrInput", err)
	}
}

func TestStepOutputPositions(t *testing.T) {
	t.Parallel()
	out := &StepOutput{
		Logits:       [][][]float32{{{1}, {2}, {3}}},
		HiddenStates: []Hidden{{{{10}, {20}, {30}}}},
		Attentions:   []Attention{{{{{1, 0, 0}, {0.5, 0.5, 0}, {0.2, 0.3, 0.5}}}}},
	}
	got := out.Positions(1, 3)
	if diff := cmp.Diff([][][]float32{{{2}, {3}}}, got.Logits); diff != "" {
		t.Fatalf("logits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Hidden{{{{20}, {30}}}}, got.HiddenStates); diff != "" {
		t.Fatalf("hidden mismatch (-want +got):\n%s", diff)
	}
	want := []Attention{{{{{0.5, 0.5, 0}, {0.2, 0.3, 0.5}}}}}
	if diff := cmp.Diff(want, got.Attentions); diff != "" {
		t.Fatalf("attentions mismatch (-want +got):\n%s", diff)
	}
}
