package params

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Loader loads scenarios from YAML files.
type Loader struct {
	// basePath is the base directory for resolving relative paths
	basePath string
}

// NewLoader creates a new scenario loader.
// If basePath is empty, the current working directory is used.
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = "."
	}
	return &Loader{
		basePath: basePath,
	}
}

// Load reads, parses and validates a scenario. Relative paths are joined
// with the loader's basePath, and so is a relative dataDir.
func (l *Loader) Load(path string) (*Scenario, error) {
	resolvedPath, err := l.resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scenario path: %w", err)
	}

	data, err := os.ReadFile(resolvedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file %s: %w", resolvedPath, err)
	}

	var scenario Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML from %s: %w", resolvedPath, err)
	}
	if scenario.Params == nil {
		scenario.Params = Params{}
	}

	if err := Validate(&scenario); err != nil {
		return nil, fmt.Errorf("scenario validation failed for %s: %w", resolvedPath, err)
	}

	if scenario.DataDir != "" && !filepath.IsAbs(scenario.DataDir) {
		scenario.DataDir = filepath.Join(l.basePath, scenario.DataDir)
	}

	return &scenario, nil
}

func (l *Loader) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}

	resolvedPath := filepath.Join(l.basePath, path)
	if _, err := os.Stat(resolvedPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("scenario file does not exist: %s", resolvedPath)
		}
		return "", fmt.Errorf("failed to stat scenario file %s: %w", resolvedPath, err)
	}

	return resolvedPath, nil
}
