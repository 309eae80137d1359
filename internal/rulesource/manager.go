package rulesource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/noot-app/nutricorrect/internal/config"
	"github.com/noot-app/nutricorrect/internal/rules"
)

// maxRuleFileSize caps downloads; rule files are a few kilobytes
const maxRuleFileSize = 1 << 20

// Metadata holds information about the downloaded rule file
type Metadata struct {
	SHA256       string    `json:"sha256"`
	DownloadedAt time.Time `json:"downloaded_at"`
	ETag         string    `json:"etag,omitempty"`
	Size         int64     `json:"size"`
	SourceURL    string    `json:"source_url"`
}

// Manager keeps a local copy of a remote rule file up to date
type Manager struct {
	rulesURL     string
	rulesPath    string
	metadataPath string
	lockPath     string
	client       *http.Client
	log          *slog.Logger
	config       *config.Config
}

// NewManager creates a new rule file manager
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		rulesURL:     cfg.RulesURL,
		rulesPath:    cfg.RulesPath,
		metadataPath: cfg.MetadataPath,
		lockPath:     cfg.LockFile,
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          logger,
		config:       cfg,
	}
}

// EnsureRules makes sure the configured rule file is present and current.
// Without a RULES_URL there is nothing to fetch and the local file is used as is.
func (m *Manager) EnsureRules(ctx context.Context) error {
	start := time.Now()

	if m.rulesURL == "" {
		m.log.Debug("No rules URL configured, skipping rule fetch")
		return nil
	}

	m.log.Info("Ensuring rule file is available", "rules_path", m.rulesPath, "url", m.rulesURL)

	if _, err := os.Stat(m.rulesPath); err == nil {
		if m.config.DisableRemoteCheck {
			m.log.Info("Remote checks disabled, using local rule file", "duration", time.Since(start))
			return nil
		}

		upToDate, err := m.isUpToDate(ctx)
		if err != nil {
			m.log.Warn("Failed to verify rule file freshness", "error", err)
		}
		if upToDate {
			m.log.Info("Rule file is up-to-date", "duration", time.Since(start))
			return nil
		}
	}

	if err := m.downloadWithLock(ctx); err != nil {
		return fmt.Errorf("failed to download rule file: %w", err)
	}

	m.log.Info("Rule file ensured", "duration", time.Since(start))
	return nil
}

// isUpToDate compares local metadata with a HEAD request against the remote
func (m *Manager) isUpToDate(ctx context.Context) (bool, error) {
	localMeta, err := m.loadMetadata()
	if err != nil {
		m.log.Debug("No local metadata found", "error", err)
		return false, nil
	}

	if localMeta.SourceURL != "" && localMeta.SourceURL != m.rulesURL {
		m.log.Info("Rules URL changed since last download", "previous", localMeta.SourceURL, "current", m.rulesURL)
		return false, nil
	}

	remoteMeta, err := m.getRemoteMetadata(ctx)
	if err != nil {
		return false, err
	}

	if remoteMeta.ETag != "" && localMeta.ETag != "" {
		upToDate := remoteMeta.ETag == localMeta.ETag
		m.log.Debug("ETag comparison", "local", localMeta.ETag, "remote", remoteMeta.ETag, "up_to_date", upToDate)
		return upToDate, nil
	}

	// Fallback to size comparison
	upToDate := remoteMeta.Size >= 0 && remoteMeta.Size == localMeta.Size
	m.log.Debug("Size comparison", "local", localMeta.Size, "remote", remoteMeta.Size, "up_to_date", upToDate)
	return upToDate, nil
}

// getRemoteMetadata fetches ETag and size using a HEAD request
func (m *Manager) getRemoteMetadata(ctx context.Context) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.rulesURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HEAD request failed with status: %d", resp.StatusCode)
	}

	return &Metadata{
		ETag: resp.Header.Get("ETag"),
		Size: resp.ContentLength,
	}, nil
}

// downloadWithLock downloads the rule file while holding the lock file
func (m *Manager) downloadWithLock(ctx context.Context) error {
	start := time.Now()

	if m.config.IgnoreLock {
		if _, err := os.Stat(m.lockPath); err == nil {
			m.log.Warn("IGNORE_LOCK enabled, forcefully removing existing lock file", "lock_path", m.lockPath)
			if err := os.Remove(m.lockPath); err != nil {
				m.log.Warn("Failed to remove lock file", "error", err)
			}
		}
	}

	lockFile, err := acquireLock(m.lockPath)
	if err != nil {
		if !m.config.IgnoreLock {
			m.log.Info("Another instance is downloading, waiting", "lock_path", m.lockPath)
			return m.waitForRules(ctx)
		}
		m.log.Warn("IGNORE_LOCK enabled but still failed to acquire lock, proceeding anyway", "error", err)
	}
	if lockFile != nil {
		defer releaseLock(lockFile, m.lockPath)
	}

	if err := os.MkdirAll(filepath.Dir(m.rulesPath), 0755); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}

	data, etag, err := m.downloadFile(ctx)
	if err != nil {
		return err
	}

	// A broken download must never replace a working rule file
	if _, err := rules.Parse(data); err != nil {
		return fmt.Errorf("downloaded rule file is invalid: %w", err)
	}

	tmpPath := m.rulesPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write rule file: %w", err)
	}
	if err := os.Rename(tmpPath, m.rulesPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace rule file: %w", err)
	}

	meta := &Metadata{
		SHA256:       computeSHA256(data),
		DownloadedAt: time.Now().UTC(),
		ETag:         etag,
		Size:         int64(len(data)),
		SourceURL:    m.rulesURL,
	}
	if err := m.saveMetadata(meta); err != nil {
		m.log.Warn("Failed to save metadata", "error", err)
	}

	m.log.Info("Rule file downloaded successfully", "size", meta.Size, "sha256", meta.SHA256[:16]+"...", "duration", time.Since(start))
	return nil
}

// downloadFile fetches the rule file body and its ETag
func (m *Manager) downloadFile(ctx context.Context) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.rulesURL, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRuleFileSize+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxRuleFileSize {
		return nil, "", fmt.Errorf("rule file exceeds %d bytes", maxRuleFileSize)
	}

	return data, resp.Header.Get("ETag"), nil
}

// waitForRules waits for another instance to finish the download
func (m *Manager) waitForRules(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	timeout := time.After(2 * time.Minute)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("timeout waiting for rule download by other instance")
		case <-ticker.C:
			if _, err := os.Stat(m.lockPath); os.IsNotExist(err) {
				if _, err := os.Stat(m.rulesPath); err == nil {
					m.log.Info("Rule file now available after other instance completed")
					return nil
				}
				return fmt.Errorf("other instance finished without producing %s", m.rulesPath)
			}
		}
	}
}

// loadMetadata loads metadata from the metadata file
func (m *Manager) loadMetadata() (*Metadata, error) {
	data, err := os.ReadFile(m.metadataPath)
	if err != nil {
		return nil, err
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

// saveMetadata saves metadata to the metadata file
func (m *Manager) saveMetadata(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.metadataPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(m.metadataPath, data, 0644)
}

// acquireLock attempts to acquire an exclusive lock
func acquireLock(lockPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	// O_CREATE|O_EXCL will fail if file exists
	return os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
}

// releaseLock releases the lock file
func releaseLock(f *os.File, lockPath string) {
	f.Close()
	os.Remove(lockPath)
}

func computeSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
