package config

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileReader abstracts file access so the .env loader can be tested
type FileReader interface {
	Open(filename string) (io.ReadCloser, error)
	Stat(filename string) (os.FileInfo, error)
}

// OSFileReader reads from the real filesystem
type OSFileReader struct{}

func (OSFileReader) Open(filename string) (io.ReadCloser, error) {
	return os.Open(filename)
}

func (OSFileReader) Stat(filename string) (os.FileInfo, error) {
	return os.Stat(filename)
}

// DefaultRulesFileName is where a fetched rule file is stored inside DataDir
const DefaultRulesFileName = "common_sense_rules.yaml"

// Config holds all configuration for the correction service
type Config struct {
	// Auth
	AuthToken string

	// Rule file
	DataDir      string
	RulesPath    string
	RulesURL     string
	MetadataPath string
	LockFile     string

	// Ingredient exports readable through the MCP tool
	ExportDir string

	// Refresh behavior
	RefreshIntervalHours int
	DisableRemoteCheck   bool
	IgnoreLock           bool

	// Server
	Port        string
	Environment string
}

// Load reads configuration from environment variables, seeded from a .env file
func Load() *Config {
	return LoadWithFileReader(OSFileReader{})
}

// LoadWithFileReader is Load with an injectable file reader
func LoadWithFileReader(reader FileReader) *Config {
	loadEnvFileWithReader(reader)

	dataDir := getEnv("DATA_DIR", "./data")

	refreshHours := 24
	if h := os.Getenv("REFRESH_INTERVAL_HOURS"); h != "" {
		if parsed, err := strconv.Atoi(h); err == nil {
			refreshHours = parsed
		}
	}

	rulesURL := os.Getenv("RULES_URL")
	rulesPath := os.Getenv("RULES_PATH")
	if rulesPath == "" && rulesURL != "" {
		rulesPath = filepath.Join(dataDir, DefaultRulesFileName)
	}

	return &Config{
		AuthToken:            getEnv("AUTH_TOKEN", "super-secret-token"),
		DataDir:              dataDir,
		RulesPath:            rulesPath,
		RulesURL:             rulesURL,
		MetadataPath:         getEnv("RULES_METADATA_PATH", filepath.Join(dataDir, "rules-metadata.json")),
		LockFile:             getEnv("LOCK_FILE", filepath.Join(dataDir, "rules.lock")),
		ExportDir:            getEnv("EXPORT_DIR", filepath.Join(dataDir, "exports")),
		RefreshIntervalHours: refreshHours,
		DisableRemoteCheck:   getBool("DISABLE_REMOTE_CHECK"),
		IgnoreLock:           getBool("IGNORE_LOCK"),
		Port:                 getEnv("PORT", "8080"),
		Environment:          getEnv("ENV", "production"),
	}
}

// RefreshInterval returns the refresh interval as a duration
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalHours) * time.Hour
}

// IsDevelopment reports whether detailed errors may be returned to clients
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// loadEnvFileWithReader sets variables from .env that are not already set.
// Blank lines, comments and lines without "=" are ignored.
func loadEnvFileWithReader(reader FileReader) {
	const envFile = ".env"

	if _, err := reader.Stat(envFile); err != nil {
		return
	}

	f, err := reader.Open(envFile)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			continue
		}

		// process env wins over .env
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		os.Setenv(key, value)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
