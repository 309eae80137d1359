package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envFiles serves .env contents from memory
type envFiles map[string]string

func (f envFiles) Open(filename string) (io.ReadCloser, error) {
	if content, ok := f[filename]; ok {
		return io.NopCloser(strings.NewReader(content)), nil
	}
	return nil, os.ErrNotExist
}

func (f envFiles) Stat(filename string) (os.FileInfo, error) {
	if _, ok := f[filename]; ok {
		return nil, nil
	}
	return nil, os.ErrNotExist
}

var configKeys = []string{
	"AUTH_TOKEN", "DATA_DIR", "RULES_PATH", "RULES_URL", "RULES_METADATA_PATH",
	"LOCK_FILE", "EXPORT_DIR", "REFRESH_INTERVAL_HOURS", "DISABLE_REMOTE_CHECK",
	"IGNORE_LOCK", "PORT", "ENV",
}

// clearConfigEnv unsets every key Load reads; t.Setenv restores them afterwards
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg := LoadWithFileReader(envFiles{})

	assert.Equal(t, &Config{
		AuthToken:            "super-secret-token",
		DataDir:              "./data",
		MetadataPath:         filepath.Join("data", "rules-metadata.json"),
		LockFile:             filepath.Join("data", "rules.lock"),
		ExportDir:            filepath.Join("data", "exports"),
		RefreshIntervalHours: 24,
		Port:                 "8080",
		Environment:          "production",
	}, cfg)
	assert.Empty(t, cfg.RulesPath, "no rule file means the built-in table")
}

func TestLoad_RuleSources(t *testing.T) {
	tests := []struct {
		name         string
		env          map[string]string
		rulesPath    string
		rulesURL     string
		metadataPath string
	}{
		{
			name:         "explicit rule file",
			env:          map[string]string{"RULES_PATH": "/etc/nutricorrect/rules.yaml"},
			rulesPath:    "/etc/nutricorrect/rules.yaml",
			metadataPath: filepath.Join("data", "rules-metadata.json"),
		},
		{
			name: "remote rules are cached in the data dir",
			env: map[string]string{
				"RULES_URL": "https://rules.example.com/common_sense_rules.yaml",
				"DATA_DIR":  "/var/lib/nutricorrect",
			},
			rulesPath:    "/var/lib/nutricorrect/common_sense_rules.yaml",
			rulesURL:     "https://rules.example.com/common_sense_rules.yaml",
			metadataPath: "/var/lib/nutricorrect/rules-metadata.json",
		},
		{
			name: "remote rules with an explicit destination",
			env: map[string]string{
				"RULES_URL":           "https://rules.example.com/v2.yaml",
				"RULES_PATH":          "/srv/rules/v2.yaml",
				"RULES_METADATA_PATH": "/srv/rules/v2.meta.json",
			},
			rulesPath:    "/srv/rules/v2.yaml",
			rulesURL:     "https://rules.example.com/v2.yaml",
			metadataPath: "/srv/rules/v2.meta.json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			cfg := LoadWithFileReader(envFiles{})
			assert.Equal(t, tt.rulesPath, cfg.RulesPath)
			assert.Equal(t, tt.rulesURL, cfg.RulesURL)
			assert.Equal(t, tt.metadataPath, cfg.MetadataPath)
		})
	}
}

func TestLoad_ServerSettings(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AUTH_TOKEN", "meal-log-token")
	t.Setenv("DATA_DIR", "/var/lib/nutricorrect")
	t.Setenv("EXPORT_DIR", "/srv/meal-exports")
	t.Setenv("LOCK_FILE", "/run/nutricorrect.lock")
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "development")
	t.Setenv("DISABLE_REMOTE_CHECK", "true")
	t.Setenv("IGNORE_LOCK", "1")

	cfg := LoadWithFileReader(envFiles{})

	assert.Equal(t, "meal-log-token", cfg.AuthToken)
	assert.Equal(t, "/srv/meal-exports", cfg.ExportDir)
	assert.Equal(t, "/run/nutricorrect.lock", cfg.LockFile)
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.True(t, cfg.DisableRemoteCheck)
	assert.True(t, cfg.IgnoreLock)
}

func TestLoad_RefreshInterval(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"", 24 * time.Hour},
		{"6", 6 * time.Hour},
		{"0", 0},
		{"weekly", 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run("REFRESH_INTERVAL_HOURS="+tt.value, func(t *testing.T) {
			clearConfigEnv(t)
			if tt.value != "" {
				t.Setenv("REFRESH_INTERVAL_HOURS", tt.value)
			}

			assert.Equal(t, tt.expected, LoadWithFileReader(envFiles{}).RefreshInterval())
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	for env, expected := range map[string]bool{
		"development": true,
		"production":  false,
		"staging":     false,
		"":            false,
	} {
		assert.Equal(t, expected, (&Config{Environment: env}).IsDevelopment(), env)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dotenv := envFiles{".env": `# local nutricorrect settings
RULES_URL="https://rules.example.com/common_sense_rules.yaml"
DATA_DIR=/tmp/nutricorrect

AUTH_TOKEN='from-dotenv'
not a setting
=orphan value
REFRESH_INTERVAL_HOURS = 2
`}

	t.Run("fills unset keys", func(t *testing.T) {
		clearConfigEnv(t)

		cfg := LoadWithFileReader(dotenv)
		assert.Equal(t, "https://rules.example.com/common_sense_rules.yaml", cfg.RulesURL)
		assert.Equal(t, "/tmp/nutricorrect/common_sense_rules.yaml", cfg.RulesPath)
		assert.Equal(t, "/tmp/nutricorrect/exports", cfg.ExportDir)
		assert.Equal(t, "from-dotenv", cfg.AuthToken)
		assert.Equal(t, 2*time.Hour, cfg.RefreshInterval())
	})

	t.Run("process environment wins", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("AUTH_TOKEN", "from-process")
		t.Setenv("DATA_DIR", "/srv/data")

		cfg := LoadWithFileReader(dotenv)
		assert.Equal(t, "from-process", cfg.AuthToken)
		assert.Equal(t, "/srv/data/common_sense_rules.yaml", cfg.RulesPath)
	})

	t.Run("missing file is ignored", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("AUTH_TOKEN", "from-process")

		cfg := LoadWithFileReader(envFiles{})
		require.NotNil(t, cfg)
		assert.Equal(t, "from-process", cfg.AuthToken)
		assert.Empty(t, cfg.RulesURL)
	})
}
