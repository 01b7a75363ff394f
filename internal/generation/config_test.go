package generation

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/constraints"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/stopping"
)

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Temperature = 0
	cfg.TopP = 1.5
	cfg.NumBeams = 0
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
	}
	for _, field := range []string{"temperature", "top_p", "num_beams"} {
		var ce configError
		found := false
		for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
			if errors.As(e, &ce) && ce.field == field {
				found = true
			}
		}
		if !found {
			t.Errorf("no error reported for %s: %v", field, err)
		}
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

func TestValidateForceWords(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name  string
		words []ForceWord
		ok    bool
	}{
		{"phrase", []ForceWord{{Phrase: []int{1, 2}}}, true},
		{"alternatives", []ForceWord{{Alternatives: [][]int{{1}, {2, 3}}}}, true},
		{"empty list", []ForceWord{}, false},
		{"empty phrase", []ForceWord{{Phrase: []int{}}}, false},
		{"both forms", []ForceWord{{Phrase: []int{1}, Alternatives: [][]int{{2}, {3}}}}, false},
		{"negative id", []ForceWord{{Phrase: []int{-1}}}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.ForceWordsIDs = tc.words
			err := cfg.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.BadWordsIDs = [][]int{{1, 2}}
	cfg.EOSTokenID = TokenIDs{3}
	cfg.PadTokenID = intp(0)
	c := cfg.Clone()
	c.BadWordsIDs[0][0] = 9
	c.EOSTokenID[0] = 9
	*c.PadTokenID = 9
	if cfg.BadWordsIDs[0][0] != 1 || cfg.EOSTokenID[0] != 3 || *cfg.PadTokenID != 0 {
		t.Fatalf("clone shares state with the original: %+v", cfg)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		return p
	}
	want := DefaultConfig()
	want.MaxNewTokens = 12
	want.NumBeams = 4
	want.EarlyStopping = beam.Never
	want.EOSTokenID = TokenIDs{2}
	want.PadTokenID = intp(0)
	want.ForceWordsIDs = []ForceWord{{Phrase: []int{5, 6}}, {Alternatives: [][]int{{7}, {8, 9}}}}

	jsonPath := write("gen.json", `{
		"max_new_tokens": 12,
		"num_beams": 4,
		"early_stopping": "never",
		"eos_token_id": 2,
		"pad_token_id": 0,
		"force_words_ids": [[5, 6], [[7], [8, 9]]]
	}`)
	yamlPath := write("gen.yaml", `
max_new_tokens: 12
num_beams: 4
early_stopping: never
eos_token_id: 2
pad_token_id: 0
force_words_ids:
  - [5, 6]
  - [[7], [8, 9]]
`)
	for _, p := range []string{jsonPath, yamlPath} {
		got, err := LoadConfig(p)
		if err != nil {
			t.Fatalf("LoadConfig(%s): %v", filepath.Base(p), err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("LoadConfig(%s) mismatch (-want +got):\n%s", filepath.Base(p), diff)
		}
	}

	bad := write("bad.json", `{"temperature": -1}`)
	if _, err := LoadConfig(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("LoadConfig(bad) = %v, want ErrInvalidConfig", err)
	}
	if _, err := LoadConfig(write("gen.toml", "")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("LoadConfig(toml) = %v, want ErrInvalidConfig", err)
	}
}

func TestTokenIDsCodec(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		ids  TokenIDs
		json string
	}{
		{TokenIDs{7}, `7`},
		{TokenIDs{1, 2}, `[1,2]`},
	} {
		b, err := json.Marshal(tc.ids)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if string(b) != tc.json {
			t.Fatalf("Marshal(%v) = %s, want %s", tc.ids, b, tc.json)
		}
		var back TokenIDs
		if err := yaml.Unmarshal(b, &back); err != nil {
			t.Fatalf("yaml.Unmarshal(%s): %v", b, err)
		}
		if diff := cmp.Diff(tc.ids, back); diff != "" {
			t.Fatalf("yaml round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestResolveMode(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name      string
		edit      func(*Config)
		assistant bool
		want      Mode
		wantErr   bool
	}{
		{name: "greedy", want: ModeGreedy},
		{name: "sample", edit: func(c *Config) { c.DoSample = true }, want: ModeSample},
		{name: "contrastive", edit: func(c *Config) { c.PenaltyAlpha = 0.6; c.TopK = 4 }, want: ModeContrastive},
		{name: "contrastive needs top_k above one", edit: func(c *Config) { c.PenaltyAlpha = 0.6; c.TopK = 1 }, want: ModeGreedy},
		{name: "sampling disables contrastive", edit: func(c *Config) { c.PenaltyAlpha = 0.6; c.DoSample = true }, want: ModeSample},
		{name: "beam search", edit: func(c *Config) { c.NumBeams = 3 }, want: ModeBeamSearch},
		{name: "beam sample", edit: func(c *Config) { c.NumBeams = 3; c.DoSample = true }, want: ModeBeamSample},
		{name: "group", edit: func(c *Config) { c.NumBeams = 4; c.NumBeamGroups = 2 }, want: ModeGroupBeamSearch},
		{name: "group sample", edit: func(c *Config) { c.NumBeams = 4; c.NumBeamGroups = 2; c.DoSample = true }, wantErr: true},
		{name: "force words", edit: func(c *Config) { c.NumBeams = 2; c.ForceWordsIDs = []ForceWord{{Phrase: []int{1}}} }, want: ModeConstrainedBeamSearch},
		{name: "constraints", edit: func(c *Config) {
			p, _ := constraints.NewPhrasal([]int{1})
			c.NumBeams = 2
			c.Constraints = []constraints.Constraint{p}
		}, want: ModeConstrainedBeamSearch},
		{name: "assisted greedy", assistant: true, want: ModeAssisted},
		{name: "assisted sample", edit: func(c *Config) { c.DoSample = true }, assistant: true, want: ModeAssisted},
		{name: "assisted beam", edit: func(c *Config) { c.NumBeams = 2 }, assistant: true, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			if tc.edit != nil {
				tc.edit(cfg)
			}
			got, err := ResolveMode(cfg, tc.assistant)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("ResolveMode() error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveMode() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("ResolveMode() = %s, want %s", got, tc.want)
			}
		})
	}
}

func typesOf[T any](l []T) []string {
	out := make([]string, len(l))
	for i, v := range l {
		out[i] = reflect.TypeOf(v).String()
	}
	return out
}

func TestBuildProcessorsOrder(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxLength = 30
	cfg.EOSTokenID = TokenIDs{2}
	cfg.SequenceBias = []SequenceBias{{Tokens: []int{4}, Bias: 1}}
	cfg.NumBeams = 4
	cfg.NumBeamGroups = 2
	cfg.DiversityPenalty = 0.5
	cfg.RepetitionPenalty = 1.3
	cfg.NoRepeatNGramSize = 2
	cfg.BadWordsIDs = [][]int{{5}}
	cfg.MinLength = 4
	cfg.MinNewTokens = 2
	cfg.ForcedBOSTokenID = intp(1)
	cfg.ForcedEOSTokenID = intp(2)
	cfg.RemoveInvalidValues = true
	cfg.SuppressTokens = []int{6}
	cfg.BeginSuppressTokens = []int{7}
	cfg.RenormalizeLogits = true
	allowed := func(int, []int) []int { return nil }
	custom := logits.Func(func([][]int, [][]float32) {})

	got, err := BuildProcessors(cfg, 3, allowed, logits.List{custom})
	if err != nil {
		t.Fatalf("BuildProcessors: %v", err)
	}
	want := []string{
		"*logits.SequenceBias",
		"*logits.HammingDiversity",
		"*logits.RepetitionPenalty",
		"*logits.NoRepeatNGram",
		"*logits.SequenceBias",
		"*logits.MinLength",
		"*logits.MinNewTokens",
		"*logits.PrefixConstrained",
		"*logits.ForcedBOS",
		"*logits.ForcedEOS",
		"logits.InfNanRemove",
		"*logits.SuppressTokens",
		"*logits.BeginSuppressTokens",
		"logits.Func",
		"logits.LogitNormalization",
	}
	if diff := cmp.Diff(want, typesOf(got)); diff != "" {
		t.Fatalf("processor order mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildWarpers(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Temperature = 0.7
	cfg.TopP = 0.9
	got, err := BuildWarpers(cfg)
	if err != nil {
		t.Fatalf("BuildWarpers: %v", err)
	}
	want := []string{"*logits.Temperature", "*logits.TopK", "*logits.TopP"}
	if diff := cmp.Diff(want, typesOf(got)); diff != "" {
		t.Fatalf("warper order mismatch (-want +got):\n%s", diff)
	}

	cfg = DefaultConfig()
	cfg.TopK = 0
	if got, _ := BuildWarpers(cfg); len(got) != 0 {
		t.Fatalf("default sampling config built %v", typesOf(got))
	}
}

func TestBuildCriteriaRejectsDuplicates(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxLength = 10
	cfg.MaxTime = 2
	got, err := BuildCriteria(cfg, stopping.List{stopping.Func(func([]int, []float32) bool { return false })})
	if err != nil {
		t.Fatalf("BuildCriteria: %v", err)
	}
	want := []string{"*stopping.MaxLength", "*stopping.MaxTime", "stopping.Func"}
	if diff := cmp.Diff(want, typesOf(got)); diff != "" {
		t.Fatalf("criteria mismatch (-want +got):\n%s", diff)
	}
	_, err = BuildCriteria(cfg, stopping.List{&stopping.MaxLength{Max: 5}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("duplicate MaxLength error = %v, want ErrInvalidConfig", err)
	}
}
