package security

import (
	"strings"

	"github.com/dshills/mercury/internal/plugin/manifest"
)

// Recommendations emitted by Summarize.
const (
	RecommendNoWildcards   = "Avoid wildcard resources; declare only the resources the plugin uses."
	RecommendNoAdmin       = "Avoid requesting admin access unless the plugin cannot work without it."
	RecommendCustomerData  = "Handle customer data in line with applicable privacy regulations (GDPR, CCPA)."
	RecommendReviewNetwork = "Review every external host the plugin contacts."
)

// Summary describes the risk profile of a plugin's permissions.
type Summary struct {
	PluginID        string                `json:"pluginId"`
	Total           int                   `json:"total"`
	ByType          map[string]int        `json:"byType"`
	ByRisk          map[string]int        `json:"byRisk"`
	Risky           []manifest.Permission `json:"risky"`
	RiskLevel       RiskLevel             `json:"riskLevel"`
	Recommendations []string              `json:"recommendations"`
}

// GetPermissionSummary summarizes the permissions a loaded plugin declared.
// A plugin that is not loaded has an empty summary.
func (m *Manager) GetPermissionSummary(pluginID string) *Summary {
	perms, _ := m.Declared(pluginID)
	return Summarize(pluginID, perms)
}

// Summarize builds a Summary for a set of permissions.
func Summarize(pluginID string, perms []manifest.Permission) *Summary {
	s := &Summary{
		PluginID:        pluginID,
		Total:           len(perms),
		ByType:          make(map[string]int),
		ByRisk:          make(map[string]int),
		Risky:           []manifest.Permission{},
		Recommendations: []string{},
	}

	var wildcard, admin, customer, network bool
	for _, p := range perms {
		s.ByType[p.Type]++

		risk := PermissionRisk(p)
		s.ByRisk[risk.String()]++
		if risk > s.RiskLevel {
			s.RiskLevel = risk
		}
		if IsRisky(p) {
			s.Risky = append(s.Risky, p)
		}

		wildcard = wildcard || strings.Contains(p.Resource, "*")
		admin = admin || p.Access == manifest.AccessAdmin
		customer = customer || p.Type == TypeCustomerData
		network = network || p.Type == TypeNetwork
	}

	if wildcard {
		s.Recommendations = append(s.Recommendations, RecommendNoWildcards)
	}
	if admin {
		s.Recommendations = append(s.Recommendations, RecommendNoAdmin)
	}
	if customer {
		s.Recommendations = append(s.Recommendations, RecommendCustomerData)
	}
	if network {
		s.Recommendations = append(s.Recommendations, RecommendReviewNetwork)
	}
	return s
}

// IsRisky reports whether a permission writes to or administers a sensitive
// type (file, database, customer-data).
func IsRisky(p manifest.Permission) bool {
	info, ok := typeRegistry[p.Type]
	if !ok || !info.Sensitive {
		return false
	}
	return p.Access == manifest.AccessWrite || p.Access == manifest.AccessAdmin
}

// PermissionRisk rates a single permission. Each access level above read
// raises the type's base risk by one step.
func PermissionRisk(p manifest.Permission) RiskLevel {
	info, ok := typeRegistry[p.Type]
	if !ok {
		return RiskCritical
	}
	risk := info.BaseRisk
	if lvl := p.Access.Level(); lvl > 1 {
		risk += RiskLevel(lvl - 1)
	}
	if risk > RiskCritical {
		risk = RiskCritical
	}
	return risk
}
