package config

import (
	"fmt"
	"os"

	"mongowatch/internal/models"

	"gopkg.in/yaml.v3"
)

// DefinitionsFile is the on-disk shape of the session definitions file.
type DefinitionsFile struct {
	Sessions []models.SessionDefinition `yaml:"sessions"`
}

// LoadDefinitions loads session definitions from a YAML file.
func LoadDefinitions(filePath string) ([]models.SessionDefinition, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}

	var file DefinitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse definitions YAML: %w", err)
	}

	// Duplicate IDs within one file are a configuration mistake; catch them
	// before any session starts.
	seen := make(map[string]bool, len(file.Sessions))
	for _, def := range file.Sessions {
		if def.ID == "" {
			continue
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate session id %q in %s", def.ID, filePath)
		}
		seen[def.ID] = true
	}

	return file.Sessions, nil
}
