// Package toy implements a small, deterministic transformer used to exercise
// the decoding engine end to end. Weights are drawn from a seeded generator,
// so two models built from the same Config are identical.
//
// The model is a real pre-norm attention network: rotary positions derived
// from the attention mask, causal self-attention over a key/value cache,
// optional cross-attention over an encoder, and a gated feed-forward block.
// Masked keys are skipped outright rather than biased, which makes a
// left-padded row produce exactly the same scores as its unpadded form.
package toy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/seqgen/internal/kvcache"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/tensor"
)

// ErrConfig reports an unusable model configuration.
var ErrConfig = errors.New("toy: invalid configuration")

const (
	rmsEps   = 1e-6
	ropeBase = 10000
)

// Config sizes the model.
type Config struct {
	Vocab  int   `json:"vocab" yaml:"vocab"`
	Hidden int   `json:"hidden" yaml:"hidden"`
	Heads  int   `json:"heads" yaml:"heads"`
	Layers int   `json:"layers" yaml:"layers"`
	FFN    int   `json:"ffn" yaml:"ffn"`
	Seed   int64 `json:"seed" yaml:"seed"`
	// EncoderLayers > 0 builds an encoder-decoder model.
	EncoderLayers int `json:"encoder_layers,omitempty" yaml:"encoder_layers,omitempty"`
	// NoCache builds a model that cannot return a key/value cache.
	NoCache bool `json:"no_cache,omitempty" yaml:"no_cache,omitempty"`
}

// DefaultConfig returns a decoder-only model small enough for tests.
func DefaultConfig() Config {
	return Config{Vocab: 32, Hidden: 16, Heads: 2, Layers: 2, FFN: 32, Seed: 1}
}

func (c Config) validate() error {
	switch {
	case c.Vocab <= 0 || c.Hidden <= 0 || c.Heads <= 0 || c.Layers <= 0 || c.FFN <= 0:
		return fmt.Errorf("%w: sizes must be positive: %+v", ErrConfig, c)
	case c.Hidden%c.Heads != 0:
		return fmt.Errorf("%w: hidden size %d is not divisible by %d heads", ErrConfig, c.Hidden, c.Heads)
	case (c.Hidden/c.Heads)%2 != 0:
		return fmt.Errorf("%w: head size %d must be even", ErrConfig, c.Hidden/c.Heads)
	case c.EncoderLayers < 0:
		return fmt.Errorf("%w: negative encoder layers", ErrConfig)
	}
	return nil
}

type block struct {
	attnNorm       []float32
	wq, wk, wv, wo tensor.Mat

	// cross-attention, decoder blocks of encoder-decoder models only
	crossNorm      []float32
	cq, ck, cv, co tensor.Mat

	ffnNorm []float32
	up      tensor.Mat // [2*FFN x Hidden], gate rows first
	down    tensor.Mat // [Hidden x FFN]
}

// Model is the toy network. It is safe for concurrent use: Step and Encode
// only read the weights.
type Model struct {
	cfg     Config
	headDim int
	invFreq []float64

	emb     tensor.Mat
	decoder []block
	encoder []block
	encNorm []float32
	outNorm []float32
	output  tensor.Mat
}

var (
	_ model.Model   = (*Model)(nil)
	_ model.Encoder = (*Model)(nil)
)

// New builds a model with weights derived from cfg.Seed.
func New(cfg Config) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed * 7919
	next := func() int64 {
		seed++
		return seed
	}
	mat := func(r, c int, scale float32) tensor.Mat {
		m := tensor.NewMat(r, c)
		tensor.FillRand(&m, next(), scale)
		return m
	}
	norm := func() []float32 {
		v := make([]float32, cfg.Hidden)
		tensor.FillVec(v, next(), 1, 0.2)
		return v
	}
	newBlock := func(cross bool) block {
		h := cfg.Hidden
		b := block{
			attnNorm: norm(),
			wq:       mat(h, h, 1),
			wk:       mat(h, h, 1),
			wv:       mat(h, h, 1),
			wo:       mat(h, h, 1),
			ffnNorm:  norm(),
			up:       mat(2*cfg.FFN, h, 1),
			down:     mat(h, cfg.FFN, 0.5),
		}
		if cross {
			b.crossNorm = norm()
			b.cq, b.ck, b.cv, b.co = mat(h, h, 1), mat(h, h, 1), mat(h, h, 1), mat(h, h, 1)
		}
		return b
	}

	m := &Model{
		cfg:     cfg,
		headDim: cfg.Hidden / cfg.Heads,
		invFreq: tensor.RoPEFrequencies(cfg.Hidden/cfg.Heads, ropeBase),
		emb:     mat(cfg.Vocab, cfg.Hidden, 2),
	}
	for range cfg.EncoderLayers {
		m.encoder = append(m.encoder, newBlock(false))
	}
	if cfg.EncoderLayers > 0 {
		m.encNorm = norm()
	}
	for range cfg.Layers {
		m.decoder = append(m.decoder, newBlock(cfg.EncoderLayers > 0))
	}
	m.outNorm = norm()
	m.output = mat(cfg.Vocab, cfg.Hidden, 2)
	return m, nil
}

// Config returns the configuration the model was built from.
func (m *Model) Config() Config { return m.cfg }

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{
		VocabSize:      m.cfg.Vocab,
		HiddenSize:     m.cfg.Hidden,
		NumLayers:      m.cfg.Layers,
		EncoderDecoder: len(m.encoder) > 0,
		SupportsCache:  !m.cfg.NoCache,
	}
}

func (m *Model) checkTokens(ids [][]int) (int, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return 0, fmt.Errorf("%w: empty input", model.ErrInput)
	}
	n := len(ids[0])
	for r, row := range ids {
		if len(row) != n {
			return 0, fmt.Errorf("%w: row %d has %d tokens, want %d", model.ErrInput, r, len(row), n)
		}
		for _, tok := range row {
			if tok < 0 || tok >= m.cfg.Vocab {
				return 0, fmt.Errorf("%w: token id %d out of range [0,%d)", model.ErrInput, tok, m.cfg.Vocab)
			}
		}
	}
	return n, nil
}

func checkMask(mask [][]int, rows, width int) ([][]int, error) {
	if mask == nil {
		return model.OnesMask(rows, width), nil
	}
	if len(mask) != rows {
		return nil, fmt.Errorf("%w: attention mask has %d rows, want %d", model.ErrInput, len(mask), rows)
	}
	for r, row := range mask {
		if len(row) != width {
			return nil, fmt.Errorf("%w: attention mask row %d has %d entries, want %d", model.ErrInput, r, len(row), width)
		}
	}
	return mask, nil
}

// Step implements model.Model.
func (m *Model) Step(ctx context.Context, in *model.StepInput) (*model.StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := m.checkTokens(in.InputIDs)
	if err != nil {
		return nil, err
	}
	rows := len(in.InputIDs)
	if in.Cache != nil {
		if m.cfg.NoCache {
			return nil, fmt.Errorf("%w: model does not support a key/value cache", model.ErrInput)
		}
		if err := in.Cache.Validate(m.cfg.Layers); err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrInput, err)
		}
		if in.Cache.Rows() != rows {
			return nil, fmt.Errorf("%w: cache has %d rows, input has %d", model.ErrInput, in.Cache.Rows(), rows)
		}
	}
	past := in.Cache.SeqLen()
	total := past + n
	mask, err := checkMask(in.AttentionMask, rows, total)
	if err != nil {
		return nil, err
	}
	encDec := len(m.encoder) > 0
	if encDec && (in.Encoder == nil || in.Encoder.Rows() != rows) {
		return nil, fmt.Errorf("%w: encoder-decoder step needs encoder state for every row", model.ErrInput)
	}

	layers := make([]kvcache.Layer, m.cfg.Layers)
	for l := range layers {
		layers[l].Key = m.grow(in.Cache, l, false, rows, total)
		layers[l].Value = m.grow(in.Cache, l, true, rows, total)
		if encDec {
			if in.Cache != nil && in.Cache.Layers[l].HasCross() {
				layers[l].CrossKey, layers[l].CrossValue = in.Cache.Layers[l].CrossKey, in.Cache.Layers[l].CrossValue
			} else {
				layers[l].CrossKey, layers[l].CrossValue = m.crossState(&m.decoder[l], in.Encoder)
			}
		}
	}

	out := &model.StepOutput{Logits: make([][][]float32, rows)}
	var hidden []model.Hidden
	if in.OutputHiddenStates {
		hidden = make([]model.Hidden, m.cfg.Layers+1)
		for i := range hidden {
			hidden[i] = make(model.Hidden, rows)
		}
	}
	if in.OutputAttentions {
		out.Attentions = newAttention(m.cfg.Layers, rows, m.cfg.Heads, n, total)
		if encDec {
			out.CrossAttentions = newAttention(m.cfg.Layers, rows, m.cfg.Heads, n, len(in.Encoder.Mask[0]))
		}
	}

	for r := range rows {
		pos := model.PositionIDs(mask[r])[past:]
		x := m.embed(in.InputIDs[r])
		capture(hidden, 0, r, x)
		for l := range m.decoder {
			blk := &m.decoder[l]
			m.selfAttention(blk, x, pos, mask[r], layers[l].Key, layers[l].Value, r, past, true, weightsFor(out.Attentions, l, r))
			if encDec {
				m.crossAttention(blk, x, in.Encoder.Mask[r], layers[l].CrossKey, layers[l].CrossValue, r, weightsFor(out.CrossAttentions, l, r))
			}
			m.feedForward(blk, x)
			if l < len(m.decoder)-1 {
				capture(hidden, l+1, r, x)
			}
		}
		normed := m.normalize(x, m.outNorm)
		capture(hidden, m.cfg.Layers, r, normed)
		out.Logits[r] = make([][]float32, n)
		for t, h := range normed {
			out.Logits[r][t] = make([]float32, m.cfg.Vocab)
			tensor.MatVec(out.Logits[r][t], &m.output, h)
		}
	}
	out.HiddenStates = hidden
	if in.UseCache && !m.cfg.NoCache {
		out.Cache = &kvcache.Cache{Layers: layers}
	}
	return out, nil
}

// Encode implements model.Encoder with bidirectional self-attention over
// the unmasked source positions.
func (m *Model) Encode(ctx context.Context, in *model.EncodeInput) (*model.EncoderOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.encoder) == 0 {
		return nil, fmt.Errorf("%w: model has no encoder", model.ErrInput)
	}
	n, err := m.checkTokens(in.InputIDs)
	if err != nil {
		return nil, err
	}
	rows := len(in.InputIDs)
	mask, err := checkMask(in.AttentionMask, rows, n)
	if err != nil {
		return nil, err
	}

	out := &model.EncoderOutput{LastHidden: make([][][]float32, rows), Mask: make([][]int, rows)}
	var hidden []model.Hidden
	if in.OutputHiddenStates {
		hidden = make([]model.Hidden, len(m.encoder)+1)
		for i := range hidden {
			hidden[i] = make(model.Hidden, rows)
		}
	}
	if in.OutputAttentions {
		out.Attentions = newAttention(len(m.encoder), rows, m.cfg.Heads, n, n)
	}
	for r := range rows {
		pos := model.PositionIDs(mask[r])
		x := m.embed(in.InputIDs[r])
		capture(hidden, 0, r, x)
		for l := range m.encoder {
			keys := kvcache.NewTensor(1, m.cfg.Heads, n, m.headDim)
			vals := kvcache.NewTensor(1, m.cfg.Heads, n, m.headDim)
			m.selfAttention(&m.encoder[l], x, pos, mask[r], keys, vals, 0, 0, false, weightsFor(out.Attentions, l, r))
			m.feedForward(&m.encoder[l], x)
			if l < len(m.encoder)-1 {
				capture(hidden, l+1, r, x)
			}
		}
		out.LastHidden[r] = m.normalize(x, m.encNorm)
		capture(hidden, len(m.encoder), r, out.LastHidden[r])
		out.Mask[r] = append([]int(nil), mask[r]...)
	}
	out.HiddenStates = hidden
	return out, nil
}

func (m *Model) embed(ids []int) [][]float32 {
	x := make([][]float32, len(ids))
	for t, tok := range ids {
		x[t] = append([]float32(nil), m.emb.Row(tok)...)
	}
	return x
}

func (m *Model) normalize(x [][]float32, weight []float32) [][]float32 {
	out := make([][]float32, len(x))
	for t := range x {
		out[t] = make([]float32, m.cfg.Hidden)
		tensor.RMSNorm(out[t], x[t], weight, rmsEps)
	}
	return out
}

// grow returns a key (or value) tensor of length total whose leading
// positions are copied from the cache.
func (m *Model) grow(c *kvcache.Cache, layer int, value bool, rows, total int) *kvcache.Tensor {
	t := kvcache.NewTensor(rows, m.cfg.Heads, total, m.headDim)
	if c == nil {
		return t
	}
	src := c.Layers[layer].Key
	if value {
		src = c.Layers[layer].Value
	}
	for r := range rows {
		for h := range m.cfg.Heads {
			for p := range src.Seq {
				copy(t.Vec(r, h, p), src.Vec(r, h, p))
			}
		}
	}
	return t
}

// selfAttention writes the keys and values of the new positions of row into
// keys/vals at offset past, then adds the attention output of every new
// position to x. Causal attention only looks at keys up to the query.
func (m *Model) selfAttention(blk *block, x [][]float32, pos, mask []int, keys, vals *kvcache.Tensor, row, past int, causal bool, weights [][][]float32) {
	hd := m.headDim
	h := make([]float32, m.cfg.Hidden)
	queries := make([][]float32, len(x))
	for t := range x {
		tensor.RMSNorm(h, x[t], blk.attnNorm, rmsEps)
		q := make([]float32, m.cfg.Hidden)
		k := make([]float32, m.cfg.Hidden)
		v := make([]float32, m.cfg.Hidden)
		tensor.MatVec(q, &blk.wq, h)
		tensor.MatVec(k, &blk.wk, h)
		tensor.MatVec(v, &blk.wv, h)
		tensor.ApplyRoPE(q, m.cfg.Heads, hd, pos[t], m.invFreq)
		tensor.ApplyRoPE(k, m.cfg.Heads, hd, pos[t], m.invFreq)
		for head := range m.cfg.Heads {
			copy(keys.Vec(row, head, past+t), k[head*hd:(head+1)*hd])
			copy(vals.Vec(row, head, past+t), v[head*hd:(head+1)*hd])
		}
		queries[t] = q
	}
	o := make([]float32, m.cfg.Hidden)
	for t := range x {
		limit := keys.Seq
		if causal {
			limit = past + t + 1
		}
		attn := m.attend(queries[t], keys, vals, row, mask, limit, weights, t)
		tensor.MatVec(o, &blk.wo, attn)
		tensor.Add(x[t], o)
	}
}

func (m *Model) crossAttention(blk *block, x [][]float32, mask []int, keys, vals *kvcache.Tensor, row int, weights [][][]float32) {
	h := make([]float32, m.cfg.Hidden)
	q := make([]float32, m.cfg.Hidden)
	o := make([]float32, m.cfg.Hidden)
	for t := range x {
		tensor.RMSNorm(h, x[t], blk.crossNorm, rmsEps)
		tensor.MatVec(q, &blk.cq, h)
		attn := m.attend(q, keys, vals, row, mask, keys.Seq, weights, t)
		tensor.MatVec(o, &blk.co, attn)
		tensor.Add(x[t], o)
	}
}

// crossState projects the encoder output into the cross-attention keys and
// values of one decoder block.
func (m *Model) crossState(blk *block, enc *model.EncoderOutput) (*kvcache.Tensor, *kvcache.Tensor) {
	hd := m.headDim
	rows, src := enc.Rows(), len(enc.LastHidden[0])
	keys := kvcache.NewTensor(rows, m.cfg.Heads, src, hd)
	vals := kvcache.NewTensor(rows, m.cfg.Heads, src, hd)
	k := make([]float32, m.cfg.Hidden)
	v := make([]float32, m.cfg.Hidden)
	for r := range rows {
		for s, h := range enc.LastHidden[r] {
			tensor.MatVec(k, &blk.ck, h)
			tensor.MatVec(v, &blk.cv, h)
			for head := range m.cfg.Heads {
				copy(keys.Vec(r, head, s), k[head*hd:(head+1)*hd])
				copy(vals.Vec(r, head, s), v[head*hd:(head+1)*hd])
			}
		}
	}
	return keys, vals
}

// attend computes multi-head attention of q over the unmasked keys
// [0, limit) of row. A query with no visible key yields zeros.
func (m *Model) attend(q []float32, keys, vals *kvcache.Tensor, row int, mask []int, limit int, weights [][][]float32, t int) []float32 {
	hd := m.headDim
	out := make([]float32, m.cfg.Hidden)
	visible := make([]int, 0, limit)
	for j := range limit {
		if mask[j] != 0 {
			visible = append(visible, j)
		}
	}
	if len(visible) == 0 {
		return out
	}
	scale := float32(1 / math.Sqrt(float64(hd)))
	scores := make([]float32, len(visible))
	for head := range m.cfg.Heads {
		qh := q[head*hd : (head+1)*hd]
		for i, j := range visible {
			scores[i] = tensor.Dot(qh, keys.Vec(row, head, j)) * scale
		}
		tensor.Softmax(scores)
		oh := out[head*hd : (head+1)*hd]
		for i, j := range visible {
			vj := vals.Vec(row, head, j)
			for d := range oh {
				oh[d] += scores[i] * vj[d]
			}
			if weights != nil {
				weights[head][t][j] = scores[i]
			}
		}
	}
	return out
}

func (m *Model) feedForward(blk *block, x [][]float32) {
	h := make([]float32, m.cfg.Hidden)
	up := make([]float32, 2*m.cfg.FFN)
	act := make([]float32, m.cfg.FFN)
	down := make([]float32, m.cfg.Hidden)
	for t := range x {
		tensor.RMSNorm(h, x[t], blk.ffnNorm, rmsEps)
		tensor.MatVec(up, &blk.up, h)
		tensor.SiluAndMul(act, up)
		tensor.MatVec(down, &blk.down, act)
		tensor.Add(x[t], down)
	}
}

func newAttention(layers, rows, heads, queries, keys int) []model.Attention {
	out := make([]model.Attention, layers)
	for l := range out {
		out[l] = make(model.Attention, rows)
		for r := range rows {
			out[l][r] = make([][][]float32, heads)
			for h := range heads {
				out[l][r][h] = make([][]float32, queries)
				for q := range queries {
					out[l][r][h][q] = make([]float32, keys)
				}
			}
		}
	}
	return out
}

func weightsFor(attn []model.Attention, layer, row int) [][][]float32 {
	if attn == nil {
		return nil
	}
	return attn[layer][row]
}

func capture(hidden []model.Hidden, layer, row int, x [][]float32) {
	if hidden == nil {
		return
	}
	cp := make([][]float32, len(x))
	for t := range x {
		cp[t] = append([]float32(nil), x[t]...)
	}
	hidden[layer][row] = cp
}
