package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/seqgen/internal/generation"
	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/toy"
)

type testProvider struct {
	model    model.Model
	defaults *generation.Config
	err      error
}

func (p testProvider) WithModel(ctx context.Context, modelID string, fn func(m model.Model, defaults *generation.Config) error) error {
	if p.err != nil {
		return p.err
	}
	return fn(p.model, p.defaults.Clone())
}

func newTestModel(t *testing.T) *toy.Model {
	t.Helper()
	m, err := toy.New(toy.DefaultConfig())
	if err != nil {
		t.Fatalf("toy.New: %v", err)
	}
	return m
}

func newTestEcho(t *testing.T) (*echo.Echo, *toy.Model) {
	t.Helper()
	m := newTestModel(t)
	defaults := generation.DefaultConfig()
	defaults.MaxNewTokens = 4
	service := NewGenerationService(testProvider{model: m, defaults: defaults}, generation.WithLogger(logger.Discard()))
	server := NewServer(NewGenerationStore(), service)
	e := echo.New()
	server.Register(e)
	return e, m
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGenerateGetDeleteLifecycle(t *testing.T) {
	t.Parallel()

	e, m := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"input_ids":[[1,2,3]]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var created GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode generate response: %v", err)
	}
	if !strings.HasPrefix(created.ID, "gen_") || created.Status != "completed" || created.Mode != "greedy" {
		t.Fatalf("unexpected response: %+v", created)
	}

	cfg := generation.DefaultConfig()
	cfg.MaxNewTokens = 4
	want, err := generation.New(generation.WithLogger(logger.Discard())).Generate(context.Background(), m,
		&generation.Request{InputIDs: [][]int{{1, 2, 3}}, Config: cfg})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if diff := cmp.Diff(want.Sequences, created.Sequences); diff != "" {
		t.Fatalf("sequences mismatch (-want +got):\n%s", diff)
	}
	if created.Usage.GeneratedTokens != 4 || created.Usage.PromptTokens != 3 {
		t.Fatalf("usage = %+v", created.Usage)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/generations/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}
	delRec := doJSON(t, e, http.MethodDelete, "/v1/generations/"+created.ID, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d body=%s", delRec.Code, delRec.Body.String())
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/generations/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d", rec.Code)
	}
}

func TestGenerateWithoutStore(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"input_ids":[[1]],"store":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var created GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/generations/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unstored generation is retrievable: %d", rec.Code)
	}
}

func TestGenerateBeamSearchWithScores(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	body := `{"input_ids":[[4,5]],"generation_config":{"num_beams":3,"num_return_sequences":2,
		"output_scores":true,"return_dict_in_generate":true}}`
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var got GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Mode != "beam_search" || len(got.Sequences) != 2 || len(got.SequencesScores) != 2 {
		t.Fatalf("unexpected beam response: %+v", got)
	}
	if len(got.TransitionScores) != 2 || len(got.BeamIndices) != 2 {
		t.Fatalf("missing transition scores or beam indices: %+v", got)
	}
}

func TestGenerateRejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	for _, tc := range []struct {
		name string
		body string
	}{
		{"malformed json", `{"input_ids":`},
		{"missing input", `{}`},
		{"bad config", `{"input_ids":[[1]],"generation_config":{"temperature":-1}}`},
		{"unknown config type", `{"input_ids":[[1]],"generation_config":{"num_beams":"many"}}`},
		{"stream beams", `{"input_ids":[[1]],"stream":true,"generation_config":{"num_beams":2}}`},
		{"token out of range", `{"input_ids":[[1000]]}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, e, http.MethodPost, "/v1/generate", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
			}
			var payload struct {
				Error ErrorObject `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if payload.Error.Type != "invalid_request_error" || payload.Error.Message == "" {
				t.Fatalf("error payload = %+v", payload.Error)
			}
		})
	}
}

func TestGenerateStreamsTokens(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"input_ids":[[7,8]],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var (
		types     []string
		streamed  []int
		completed *GenerateResponse
	)
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		types = append(types, ev.Type)
		switch ev.Type {
		case "generation.delta":
			streamed = append(streamed, ev.Tokens...)
		case "generation.completed":
			completed = ev.Generation
		}
	}
	if len(types) < 3 || types[0] != "generation.created" || types[len(types)-1] != "generation.completed" {
		t.Fatalf("event order = %v", types)
	}
	if completed == nil {
		t.Fatal("no completed event")
	}
	if diff := cmp.Diff(completed.Sequences[0][2:], streamed); diff != "" {
		t.Fatalf("streamed tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigDefaultsAndMetrics(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/config/defaults", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("defaults status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var cfg map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode defaults: %v", err)
	}
	if cfg["top_k"] != float64(50) || cfg["max_new_tokens"] != float64(4) {
		t.Fatalf("defaults = %v", cfg)
	}

	doJSON(t, e, http.MethodPost, "/v1/generate", `{"input_ids":[[1]]}`)
	metrics := doJSON(t, e, http.MethodGet, "/metrics", "")
	if metrics.Code != http.StatusOK {
		t.Fatalf("metrics status: got %d", metrics.Code)
	}
	if !strings.Contains(metrics.Body.String(), "seqgen_generation_runs_total") {
		t.Fatalf("metrics output is missing generation counters")
	}
}

func TestProviderErrorsMapToStatus(t *testing.T) {
	t.Parallel()
	service := NewGenerationService(testProvider{err: ErrModelNotFound})
	e := echo.New()
	NewServer(nil, service).Register(e)
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"model":"missing","input_ids":[[1]]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
}
