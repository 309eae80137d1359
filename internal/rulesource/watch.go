package rulesource

import (
	"context"
	"time"

	"github.com/noot-app/nutricorrect/internal/rules"
)

// Watch re-checks the remote rule file every interval until ctx is done.
// Whenever a new copy lands, onUpdate receives the reloaded table.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, onUpdate func(*rules.Table)) {
	if m.rulesURL == "" || interval <= 0 {
		m.log.Debug("Rule refresh disabled", "url", m.rulesURL, "interval", interval)
		return
	}

	m.log.Info("Watching remote rule file", "url", m.rulesURL, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx, onUpdate)
		}
	}
}

// refresh runs one freshness check and reports whether onUpdate was called
func (m *Manager) refresh(ctx context.Context, onUpdate func(*rules.Table)) bool {
	before := m.localChecksum()

	if err := m.EnsureRules(ctx); err != nil {
		m.log.Warn("Rule refresh failed, keeping current rules", "error", err)
		return false
	}

	after := m.localChecksum()
	if after == "" || after == before {
		m.log.Debug("Rule file unchanged")
		return false
	}

	m.log.Info("Rule file changed, reloading", "sha256", after)
	onUpdate(rules.Load(m.rulesPath, m.log))
	return true
}

func (m *Manager) localChecksum() string {
	meta, err := m.loadMetadata()
	if err != nil {
		return ""
	}
	return meta.SHA256
}
