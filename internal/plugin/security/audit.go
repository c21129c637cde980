package security

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/dshills/mercury/internal/plugin/manifest"
)

// AuditEntry records one runtime permission check. Entries are never mutated.
type AuditEntry struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	PluginID  string          `json:"pluginId"`
	UserID    string          `json:"userId,omitempty"`
	Type      string          `json:"type"`
	Resource  string          `json:"resource"`
	Access    manifest.Access `json:"access"`
	Allowed   bool            `json:"allowed"`
	Reason    string          `json:"reason,omitempty"`
}

// AuditFilter selects audit entries. Zero fields match everything.
type AuditFilter struct {
	PluginID string
	Type     string
	Allowed  *bool
	Since    time.Time
	Limit    int
}

func (f AuditFilter) match(e AuditEntry) bool {
	if f.PluginID != "" && e.PluginID != f.PluginID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Allowed != nil && e.Allowed != *f.Allowed {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

func (m *Manager) record(e AuditEntry) {
	e.ID = uuid.NewString()
	e.Seq = atomic.AddUint64(&m.auditSeq, 1)
	e.Timestamp = m.now().UTC()
	m.audit.Set(e.ID, e, ttlcache.DefaultTTL)
}

// AuditLog returns matching entries, newest first.
func (m *Manager) AuditLog(f AuditFilter) []AuditEntry {
	var out []AuditEntry
	for _, item := range m.audit.Items() {
		if item.IsExpired() {
			continue
		}
		if e := item.Value(); f.match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
