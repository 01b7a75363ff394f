package generation

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestComputeTransitionScores(t *testing.T) {
	t.Parallel()
	// Two steps, two rows, vocabulary of three.
	scores := [][][]float32{
		{{-1, -2, -3}, {-4, -5, -6}},
		{{-7, -8, -9}, {-10, -11, -12}},
	}
	t.Run("rows follow sequences", func(t *testing.T) {
		t.Parallel()
		seqs := [][]int{{9, 0, 2}, {9, 1, 1}}
		got, err := ComputeTransitionScores(seqs, scores, nil, false)
		if err != nil {
			t.Fatalf("ComputeTransitionScores: %v", err)
		}
		want := [][]float32{{-1, -9}, {-5, -11}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("beam indices", func(t *testing.T) {
		t.Parallel()
		seqs := [][]int{{9, 0, 2}, {9, 1, 0}}
		idx := [][]int{{1, 0}, {0, -1}}
		got, err := ComputeTransitionScores(seqs, scores, idx, false)
		if err != nil {
			t.Fatalf("ComputeTransitionScores: %v", err)
		}
		want := [][]float32{{-4, -9}, {-2, 0}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("bad beam index", func(t *testing.T) {
		t.Parallel()
		if _, err := ComputeTransitionScores([][]int{{0, 1}}, scores, [][]int{{5, 0}}, false); err == nil {
			t.Fatal("expected an error for an out of range beam index")
		}
	})
}

func TestPadBeamIndices(t *testing.T) {
	t.Parallel()
	got := padBeamIndices([][]int{{0, 1}, {2}}, 3)
	want := [][]int{{0, 1, -1}, {2, -1, -1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if padBeamIndices(nil, 3) != nil {
		t.Fatal("nil histories should stay nil")
	}
}
