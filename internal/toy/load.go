package toy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a model configuration from a .json, .yaml or .yml file.
// Fields missing from the file keep the values of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read model config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("%w: unsupported model config extension %q", ErrConfig, ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %w", ErrConfig, path, err)
	}
	return cfg, cfg.validate()
}

// Load builds the model described by the configuration file at path.
func Load(path string) (*Model, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}
