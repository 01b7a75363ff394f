package api

import (
	"github.com/goccy/go-json"
)

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	// Model names a model directory under the models path, or is a path
	// itself. Empty selects the default model.
	Model string `json:"model,omitempty"`
	// AssistantModel enables assisted decoding with the named model.
	AssistantModel string `json:"assistant_model,omitempty"`

	InputIDs        [][]int `json:"input_ids"`
	AttentionMask   [][]int `json:"attention_mask,omitempty"`
	DecoderInputIDs [][]int `json:"decoder_input_ids,omitempty"`

	// GenerationConfig overrides fields of the model's generation config.
	GenerationConfig json.RawMessage `json:"generation_config,omitempty"`

	Stream bool  `json:"stream,omitempty"`
	Store  *bool `json:"store,omitempty"`
}

// GenerateResponse is a finished generation.
type GenerateResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	CreatedAt int64  `json:"created_at"`
	Model     string `json:"model"`
	Mode      string `json:"mode"`
	Status    string `json:"status"`

	Sequences        [][]int     `json:"sequences"`
	SequencesScores  []float64   `json:"sequences_scores,omitempty"`
	TransitionScores [][]float32 `json:"transition_scores,omitempty"`
	BeamIndices      [][]int     `json:"beam_indices,omitempty"`

	Usage Usage        `json:"usage"`
	Error *ErrorObject `json:"error,omitempty"`
}

// Usage reports the work a generation did.
type Usage struct {
	PromptTokens    int     `json:"prompt_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	Steps           int     `json:"steps"`
	ForwardPasses   int     `json:"forward_passes"`
	DurationMS      int64   `json:"duration_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

// ErrorObject is the error payload of every failed request.
type ErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type streamEvent struct {
	Type           string            `json:"type"`
	Generation     *GenerateResponse `json:"generation,omitempty"`
	Row            *int              `json:"row,omitempty"`
	Tokens         []int             `json:"tokens,omitempty"`
	SequenceNumber int               `json:"sequence_number"`
}
