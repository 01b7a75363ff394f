package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samcharles93/seqgen/internal/generation"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/toy"
)

// ModelProvider hands out loaded models together with their generation
// defaults. The defaults passed to fn are a private copy.
type ModelProvider interface {
	WithModel(ctx context.Context, modelID string, fn func(m model.Model, defaults *generation.Config) error) error
}

// Loader turns a model directory into a model.
type Loader interface {
	Load(dir string) (model.Model, *generation.Config, error)
}

// DirLoader loads toy models laid out as a directory holding config.json
// (or config.yaml), an optional weights.bin and an optional
// generation_config.json.
type DirLoader struct{}

const (
	modelConfigJSON      = "config.json"
	modelConfigYAML      = "config.yaml"
	generationConfigJSON = "generation_config.json"
	modelWeights         = "weights.bin"
)

func (DirLoader) Load(dir string) (model.Model, *generation.Config, error) {
	cfgPath := filepath.Join(dir, modelConfigJSON)
	if !fileExists(cfgPath) {
		cfgPath = filepath.Join(dir, modelConfigYAML)
	}
	m, err := toy.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load model %s: %w", dir, err)
	}
	if p := filepath.Join(dir, modelWeights); fileExists(p) {
		if err := m.LoadWeights(p); err != nil {
			return nil, nil, fmt.Errorf("load model %s: %w", dir, err)
		}
	}
	defaults := generation.DefaultConfig()
	if p := filepath.Join(dir, generationConfigJSON); fileExists(p) {
		if defaults, err = generation.LoadConfig(p); err != nil {
			return nil, nil, fmt.Errorf("load model %s: %w", dir, err)
		}
	}
	return m, defaults, nil
}

type ModelProviderConfig struct {
	DefaultModelPath string
	ModelsPath       string
	Loader           Loader
}

// CachedModelProvider loads every model once and keeps it for the life of
// the process.
type CachedModelProvider struct {
	cfg   ModelProviderConfig
	mu    sync.Mutex
	cache map[string]*modelEntry
}

type modelEntry struct {
	model    model.Model
	defaults *generation.Config
}

const envSeqgenModelsDir = "SEQGEN_MODELS_DIR"

func NewCachedModelProvider(cfg ModelProviderConfig) *CachedModelProvider {
	if cfg.Loader == nil {
		cfg.Loader = DirLoader{}
	}
	return &CachedModelProvider{
		cfg:   cfg,
		cache: make(map[string]*modelEntry),
	}
}

func (p *CachedModelProvider) WithModel(ctx context.Context, modelID string, fn func(m model.Model, defaults *generation.Config) error) error {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return err
	}
	entry, err := p.getOrLoad(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(entry.model, entry.defaults.Clone())
}

func (p *CachedModelProvider) getOrLoad(path string) (*modelEntry, error) {
	p.mu.Lock()
	entry, ok := p.cache[path]
	p.mu.Unlock()
	if ok {
		return entry, nil
	}

	m, defaults, err := p.cfg.Loader.Load(path)
	if err != nil {
		return nil, err
	}
	newEntry := &modelEntry{model: m, defaults: defaults}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache[path]; ok {
		return existing, nil
	}
	p.cache[path] = newEntry
	return newEntry, nil
}

func (p *CachedModelProvider) resolveModelPath(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID != "" {
		if strings.Contains(modelID, string(filepath.Separator)) {
			return filepath.Clean(modelID), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", fmt.Errorf("%w: models-path is required to resolve model %q", ErrModelNotFound, modelID)
		}
		cand := filepath.Join(modelsDir, modelID)
		if isModelDir(cand) {
			return cand, nil
		}
		return "", fmt.Errorf("%w: model %q not found in %s", ErrModelNotFound, modelID, modelsDir)
	}

	if p.cfg.DefaultModelPath != "" {
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", fmt.Errorf("%w: model is required", ErrModelNotFound)
	}
	models, err := DiscoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 1:
		return models[0], nil
	case 0:
		return "", fmt.Errorf("%w: no models found in %s", ErrModelNotFound, modelsDir)
	}
	return "", fmt.Errorf("%w: multiple models found in %s; specify model", ErrInvalidRequest, modelsDir)
}

func (p *CachedModelProvider) modelsDir() string {
	if strings.TrimSpace(p.cfg.ModelsPath) != "" {
		return strings.TrimSpace(p.cfg.ModelsPath)
	}
	return strings.TrimSpace(os.Getenv(envSeqgenModelsDir))
}

// DiscoverModels lists the model directories directly under dir.
func DiscoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() && isModelDir(path) {
			models = append(models, path)
		}
	}
	return models, nil
}

func isModelDir(dir string) bool {
	return fileExists(filepath.Join(dir, modelConfigJSON)) || fileExists(filepath.Join(dir, modelConfigYAML))
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
