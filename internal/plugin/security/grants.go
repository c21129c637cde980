package security

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/mercury/internal/plugin/manifest"
)

// GrantTTL is how long an approved grant stays valid.
const GrantTTL = 90 * 24 * time.Hour

// GrantStatus is the state of a permission grant.
type GrantStatus string

// Grant states.
const (
	GrantPending  GrantStatus = "pending"
	GrantApproved GrantStatus = "approved"
	GrantDenied   GrantStatus = "denied"
	GrantRevoked  GrantStatus = "revoked"
)

// Grant is a user-approved set of permissions for a plugin, independent of the
// manifest's declarations.
type Grant struct {
	ID          string                `json:"id"`
	PluginID    string                `json:"pluginId"`
	Permissions []manifest.Permission `json:"permissions"`
	Status      GrantStatus           `json:"status"`
	RequestedBy string                `json:"requestedBy,omitempty"`
	DecidedBy   string                `json:"decidedBy,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	DecidedAt   time.Time             `json:"decidedAt,omitzero"`
	ExpiresAt   time.Time             `json:"expiresAt,omitzero"`

	RevokedAt    time.Time `json:"revokedAt,omitzero"`
	RevokedBy    string    `json:"revokedBy,omitempty"`
	RevokeReason string    `json:"revokeReason,omitempty"`
}

// Active reports whether the grant is approved and unexpired at now.
func (g *Grant) Active(now time.Time) bool {
	return g.Status == GrantApproved && now.Before(g.ExpiresAt)
}

func (g *Grant) clone() *Grant {
	c := *g
	c.Permissions = append([]manifest.Permission(nil), g.Permissions...)
	return &c
}

// CreatePermissionGrant records permissions approved by userID.
func (m *Manager) CreatePermissionGrant(pluginID string, perms []manifest.Permission, userID string) (*Grant, error) {
	if err := m.ValidatePermissions(perms); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	g := &Grant{
		ID:          uuid.NewString(),
		PluginID:    pluginID,
		Permissions: append([]manifest.Permission(nil), perms...),
		Status:      GrantApproved,
		RequestedBy: userID,
		DecidedBy:   userID,
		CreatedAt:   now,
		DecidedAt:   now,
		ExpiresAt:   now.Add(GrantTTL),
	}

	m.mu.Lock()
	m.grants[g.ID] = g
	m.mu.Unlock()

	m.log.Info().Str("plugin", pluginID).Str("grant", g.ID).Str("user", userID).Msg("permission grant created")
	return g.clone(), nil
}

// RequestPermissionGrant records a pending request awaiting ApproveGrant or
// DenyGrant.
func (m *Manager) RequestPermissionGrant(pluginID string, perms []manifest.Permission, requestedBy string) (*Grant, error) {
	if err := m.ValidatePermissions(perms); err != nil {
		return nil, err
	}
	g := &Grant{
		ID:          uuid.NewString(),
		PluginID:    pluginID,
		Permissions: append([]manifest.Permission(nil), perms...),
		Status:      GrantPending,
		RequestedBy: requestedBy,
		CreatedAt:   m.now().UTC(),
	}

	m.mu.Lock()
	m.grants[g.ID] = g
	m.mu.Unlock()
	return g.clone(), nil
}

// ApproveGrant approves a pending grant. The expiry runs from approval.
func (m *Manager) ApproveGrant(grantID, userID string) (*Grant, error) {
	return m.decide(grantID, userID, GrantApproved)
}

// DenyGrant denies a pending grant.
func (m *Manager) DenyGrant(grantID, userID string) (*Grant, error) {
	return m.decide(grantID, userID, GrantDenied)
}

func (m *Manager) decide(grantID, userID string, status GrantStatus) (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[grantID]
	if !ok {
		return nil, fmt.Errorf("grant %s: %w", grantID, ErrGrantNotFound)
	}
	if g.Status != GrantPending {
		return nil, fmt.Errorf("grant %s is %s: %w", grantID, g.Status, ErrGrantNotPending)
	}

	now := m.now().UTC()
	g.Status = status
	g.DecidedBy = userID
	g.DecidedAt = now
	if status == GrantApproved {
		g.ExpiresAt = now.Add(GrantTTL)
	}

	m.log.Info().Str("plugin", g.PluginID).Str("grant", g.ID).Str("status", string(status)).Str("user", userID).Msg("permission grant decided")
	return g.clone(), nil
}

// RevokePermissionGrant revokes a grant and records who revoked it and why.
// Revoking an already revoked grant is a no-op.
func (m *Manager) RevokePermissionGrant(grantID, userID, reason string) (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[grantID]
	if !ok {
		return nil, fmt.Errorf("grant %s: %w", grantID, ErrGrantNotFound)
	}
	if g.Status == GrantRevoked {
		return g.clone(), nil
	}

	g.Status = GrantRevoked
	g.RevokedAt = m.now().UTC()
	g.RevokedBy = userID
	g.RevokeReason = reason

	m.log.Info().Str("plugin", g.PluginID).Str("grant", g.ID).Str("user", userID).Str("reason", reason).Msg("permission grant revoked")
	return g.clone(), nil
}

// GetGrant returns a grant by id.
func (m *Manager) GetGrant(grantID string) (*Grant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[grantID]
	if !ok {
		return nil, false
	}
	return g.clone(), true
}

// GetGrants returns every grant for a plugin, oldest first.
func (m *Manager) GetGrants(pluginID string) []*Grant {
	return m.grantsWhere(func(g *Grant) bool { return g.PluginID == pluginID })
}

// ActiveGrants returns the approved, unexpired grants for a plugin.
func (m *Manager) ActiveGrants(pluginID string) []*Grant {
	now := m.now()
	return m.grantsWhere(func(g *Grant) bool { return g.PluginID == pluginID && g.Active(now) })
}

func (m *Manager) grantsWhere(keep func(*Grant) bool) []*Grant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Grant
	for _, g := range m.grants {
		if keep(g) {
			out = append(out, g.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
