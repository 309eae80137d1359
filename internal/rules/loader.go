package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Parse decodes a YAML rule file
func Parse(data []byte) (*Table, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	return New(def), nil
}

// Default returns the rule table compiled into the binary
func Default() *Table {
	t, err := Parse(defaultRules)
	if err != nil {
		return Empty()
	}
	return t
}

// Load reads the rule file at path.
// A missing or malformed file yields an empty table so every downstream check
// becomes a no-op; Load never fails.
func Load(path string, logger *slog.Logger) *Table {
	start := time.Now()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("Rule file not found, using empty rule table", "path", path)
		} else {
			logger.Warn("Failed to read rule file, using empty rule table", "path", path, "error", err)
		}
		return Empty()
	}

	t, err := Parse(data)
	if err != nil {
		logger.Warn("Malformed rule file, using empty rule table", "path", path, "error", err)
		return Empty()
	}

	counts := t.Counts()
	logger.Info("Rule table loaded",
		"path", path,
		"zero_calorie", counts[SectionZeroCalorie],
		"caffeine", counts[SectionCaffeine],
		"portion_fixes", counts[SectionPortion],
		"fiber", counts[SectionFiber],
		"added_sugar", counts[SectionAddedSugar],
		"duration", time.Since(start))
	return t
}

// LoadOrDefault loads the rule file at path, or the built-in table when path is empty
func LoadOrDefault(path string, logger *slog.Logger) *Table {
	if path == "" {
		logger.Debug("No rule file configured, using built-in rules")
		return Default()
	}
	return Load(path, logger)
}
