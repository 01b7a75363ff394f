package toy

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/seqgen/internal/kvcache"
	"github.com/samcharles93/seqgen/internal/model"
)

func newModel(t *testing.T, cfg Config) *Model {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func step(t *testing.T, m *Model, in *model.StepInput) *model.StepOutput {
	t.Helper()
	out, err := m.Step(context.Background(), in)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	return out
}

func maxDiff(a, b []float32) float64 {
	var d float64
	for i := range a {
		d = max(d, math.Abs(float64(a[i]-b[i])))
	}
	return d
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{
		{Vocab: 8, Hidden: 10, Heads: 3, Layers: 1, FFN: 4},
		{Vocab: 8, Hidden: 6, Heads: 2, Layers: 1, FFN: 4},
		{Vocab: 0, Hidden: 8, Heads: 2, Layers: 1, FFN: 4},
	} {
		if _, err := New(cfg); !errors.Is(err, ErrConfig) {
			t.Fatalf("New(%+v) error = %v, want ErrConfig", cfg, err)
		}
	}
}

func TestStepDeterministic(t *testing.T) {
	t.Parallel()
	a := newModel(t, DefaultConfig())
	b := newModel(t, DefaultConfig())
	in := &model.StepInput{InputIDs: [][]int{{3, 5, 7}}}
	la := step(t, a, in).LastLogits()[0]
	lb := step(t, b, in).LastLogits()[0]
	if d := maxDiff(la, lb); d != 0 {
		t.Fatalf("same seed produced different logits, max diff %g", d)
	}

	cfg := DefaultConfig()
	cfg.Seed = 2
	lc := step(t, newModel(t, cfg), in).LastLogits()[0]
	if maxDiff(la, lc) == 0 {
		t.Fatalf("different seeds produced identical logits")
	}
}

func TestLeftPaddingInvariance(t *testing.T) {
	t.Parallel()
	m := newModel(t, DefaultConfig())
	plain := step(t, m, &model.StepInput{InputIDs: [][]int{{3, 5, 7}}}).LastLogits()[0]
	padded := step(t, m, &model.StepInput{
		InputIDs:      [][]int{{0, 0, 3, 5, 7}},
		AttentionMask: [][]int{{0, 0, 1, 1, 1}},
	}).LastLogits()[0]
	if d := maxDiff(plain, padded); d > 1e-7 {
		t.Fatalf("left padding changed logits, max diff %g", d)
	}
}

func TestIncrementalMatchesFullPass(t *testing.T) {
	t.Parallel()
	m := newModel(t, DefaultConfig())
	full := step(t, m, &model.StepInput{InputIDs: [][]int{{3, 5, 7, 9}, {1, 2, 4, 8}}, UseCache: true})

	first := step(t, m, &model.StepInput{InputIDs: [][]int{{3, 5}, {1, 2}}, UseCache: true})
	before := first.Cache.Clone()
	second := step(t, m, &model.StepInput{InputIDs: [][]int{{7, 9}, {4, 8}}, Cache: first.Cache, UseCache: true})

	if !kvcache.AllClose(before, first.Cache, 0) {
		t.Fatalf("Step mutated its input cache")
	}
	if got := second.Cache.SeqLen(); got != 4 {
		t.Fatalf("cache length = %d, want 4", got)
	}
	for r := range 2 {
		for p := range 2 {
			if d := maxDiff(full.Logits[r][2+p], second.Logits[r][p]); d != 0 {
				t.Fatalf("row %d position %d differs by %g", r, p, d)
			}
		}
	}
	if !kvcache.AllClose(full.Cache, second.Cache, 0) {
		t.Fatalf("incremental cache differs from full-pass cache")
	}
}

func TestCaptures(t *testing.T) {
	t.Parallel()
	m := newModel(t, DefaultConfig())
	out := step(t, m, &model.StepInput{
		InputIDs:           [][]int{{0, 3, 5}},
		AttentionMask:      [][]int{{0, 1, 1}},
		OutputHiddenStates: true,
		OutputAttentions:   true,
	})
	if len(out.HiddenStates) != m.cfg.Layers+1 {
		t.Fatalf("hidden layers = %d, want %d", len(out.HiddenStates), m.cfg.Layers+1)
	}
	if got := len(out.HiddenStates[0][0][2]); got != m.cfg.Hidden {
		t.Fatalf("hidden width = %d, want %d", got, m.cfg.Hidden)
	}
	if len(out.Attentions) != m.cfg.Layers {
		t.Fatalf("attention layers = %d, want %d", len(out.Attentions), m.cfg.Layers)
	}
	w := out.Attentions[0][0][0][2]
	if w[0] != 0 {
		t.Fatalf("masked key has weight %v", w[0])
	}
	if sum := w[1] + w[2]; math.Abs(float64(sum-1)) > 1e-6 {
		t.Fatalf("attention weights sum to %v", sum)
	}
	if later := out.Attentions[0][0][0][1][2]; later != 0 {
		t.Fatalf("query attends to a future key with weight %v", later)
	}
	if out.Cache != nil {
		t.Fatalf("cache returned without UseCache")
	}
}

func TestNoCacheModel(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.NoCache = true
	m := newModel(t, cfg)
	if m.Info().SupportsCache {
		t.Fatalf("Info reports cache support")
	}
	out := step(t, m, &model.StepInput{InputIDs: [][]int{{1, 2}}, UseCache: true})
	if out.Cache != nil {
		t.Fatalf("no-cache model returned a cache")
	}
	_, err := m.Step(context.Background(), &model.StepInput{InputIDs: [][]int{{3}}, Cache: kvcache.New(cfg.Layers)})
	if !errors.Is(err, model.ErrInput) {
		t.Fatalf("cache passed to no-cache model: got %v, want ErrInput", err)
	}
}

func TestStepRejectsBadInput(t *testing.T) {
	t.Parallel()
	m := newModel(t, DefaultConfig())
	cases := map[string]*model.StepInput{
		"token out of range": {InputIDs: [][]int{{32}}},
		"ragged rows":        {InputIDs: [][]int{{1, 2}, {3}}},
		"mask width":         {InputIDs: [][]int{{1, 2}}, AttentionMask: [][]int{{1}}},
		"empty":              {},
	}
	for name, in := range cases {
		if _, err := m.Step(context.Background(), in); !errors.Is(err, model.ErrInput) {
			t.Fatalf("%s: got %v, want ErrInput", name, err)
		}
	}
}

func TestEncoderDecoder(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.EncoderLayers = 1
	m := newModel(t, cfg)
	if !m.Info().EncoderDecoder {
		t.Fatalf("Info does not report encoder-decoder")
	}
	ctx := context.Background()
	enc, err := m.Encode(ctx, &model.EncodeInput{InputIDs: [][]int{{4, 6, 8}}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	full := step(t, m, &model.StepInput{InputIDs: [][]int{{0, 5, 9}}, Encoder: enc, UseCache: true, OutputAttentions: true})
	if !full.Cache.IsEncoderDecoder() {
		t.Fatalf("decoder cache has no cross-attention state")
	}
	if got := len(full.CrossAttentions[0][0][0][0]); got != 3 {
		t.Fatalf("cross attention width = %d, want 3", got)
	}

	first := step(t, m, &model.StepInput{InputIDs: [][]int{{0}}, Encoder: enc, UseCache: true})
	second := step(t, m, &model.StepInput{InputIDs: [][]int{{5, 9}}, Encoder: enc, Cache: first.Cache, UseCache: true})
	if d := maxDiff(full.LastLogits()[0], second.LastLogits()[0]); d != 0 {
		t.Fatalf("incremental decoder logits differ by %g", d)
	}

	paddedEnc, err := m.Encode(ctx, &model.EncodeInput{InputIDs: [][]int{{1, 4, 6, 8}}, AttentionMask: [][]int{{0, 1, 1, 1}}})
	if err != nil {
		t.Fatalf("Encode padded: %v", err)
	}
	padded := step(t, m, &model.StepInput{InputIDs: [][]int{{0, 5, 9}}, Encoder: paddedEnc})
	if d := maxDiff(full.LastLogits()[0], padded.LastLogits()[0]); d > 1e-7 {
		t.Fatalf("padded source changed decoder logits by %g", d)
	}

	if _, err := m.Step(ctx, &model.StepInput{InputIDs: [][]int{{0}}}); !errors.Is(err, model.ErrInput) {
		t.Fatalf("missing encoder state: got %v, want ErrInput", err)
	}
	if _, err := newModel(t, DefaultConfig()).Encode(ctx, &model.EncodeInput{InputIDs: [][]int{{1}}}); !errors.Is(err, model.ErrInput) {
		t.Fatalf("Encode on decoder-only model: got %v, want ErrInput", err)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("vocab: 64\nencoder_layers: 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := DefaultConfig()
	want.Vocab = 64
	want.EncoderLayers = 1
	if m.Config() != want {
		t.Fatalf("Config() = %+v, want %+v", m.Config(), want)
	}
	if !m.Info().EncoderDecoder {
		t.Fatal("encoder_layers did not build an encoder-decoder model")
	}

	bad := filepath.Join(dir, "config.json")
	if err := os.WriteFile(bad, []byte(`{"hidden": 10, "heads": 3}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(bad); !errors.Is(err, ErrConfig) {
		t.Fatalf("Load(bad) = %v, want ErrConfig", err)
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"decoder", DefaultConfig()},
		{"encoder-decoder", Config{Vocab: 24, Hidden: 8, Heads: 2, Layers: 1, FFN: 16, Seed: 4, EncoderLayers: 2}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := newModel(t, tc.cfg)
			path := filepath.Join(t.TempDir(), "weights.bin")
			if err := src.SaveWeights(path); err != nil {
				t.Fatalf("SaveWeights: %v", err)
			}

			other := tc.cfg
			other.Seed += 100
			dst := newModel(t, other)
			if err := dst.LoadWeights(path); err != nil {
				t.Fatalf("LoadWeights: %v", err)
			}
			want, got := src.params(), dst.params()
			for i := range want {
				if d := maxDiff(want[i], got[i]); d != 0 {
					t.Fatalf("param %d differs by %g", i, d)
				}
			}
		})
	}
}

func TestLoadWeightsRejectsMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.bin")
	if err := newModel(t, DefaultConfig()).SaveWeights(path); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}
	bigger := DefaultConfig()
	bigger.Vocab = 48
	if err := newModel(t, bigger).LoadWeights(path); !errors.Is(err, ErrCorruptWeights) {
		t.Fatalf("LoadWeights(mismatched) = %v, want ErrCorruptWeights", err)
	}

	junk := filepath.Join(dir, "junk.bin")
	if err := os.WriteFile(junk, []byte("not a weights file at all"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := newModel(t, DefaultConfig()).LoadWeights(junk); !errors.Is(err, ErrCorruptWeights) {
		t.Fatalf("LoadWeights(junk) = %v, want ErrCorruptWeights", err)
	}
}
