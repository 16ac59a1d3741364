package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ProjectConfigFile is the name of the project-level config file.
const ProjectConfigFile = "minihafsa.yaml"

// Loader resolves which configuration file applies to a run.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load resolves configuration with the following precedence:
//  1. explicit path (must exist)
//  2. minihafsa.yaml in the current or a parent directory
//  3. pure defaults
//
// The loaded config is validated before it is returned.
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()

	switch {
	case explicitPath != "":
		loaded, err := LoadFromFile(explicitPath)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", explicitPath))
		config = loaded

	default:
		projectPath := l.findProjectConfig()
		if projectPath == "" {
			l.logger.Debug("No project config found, using defaults")
			break
		}
		loaded, err := LoadFromFile(projectPath)
		if err != nil {
			// A discovered file that fails to parse is a user mistake,
			// not an absence. Surface it instead of running on defaults.
			return nil, fmt.Errorf("project config %s: %w", projectPath, err)
		}
		l.logger.Debug("Loaded project config", slog.String("path", projectPath))
		config = loaded
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureProjectConfig creates minihafsa.yaml in the current directory
// with defaults if it doesn't exist.
func (l *Loader) EnsureProjectConfig() error {
	if _, err := os.Stat(ProjectConfigFile); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(ProjectConfigFile); err != nil {
		return err
	}

	l.logger.Info("Created default project config", slog.String("path", ProjectConfigFile))
	return nil
}

// findProjectConfig searches for minihafsa.yaml in the current and
// parent directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
