package security

import "sort"

// Permission types.
const (
	TypeAPI          = "api"
	TypeDatabase     = "database"
	TypeFile         = "file"
	TypeNetwork      = "network"
	TypeStorage      = "storage"
	TypeAnalytics    = "analytics"
	TypeCustomerData = "customer-data"
)

// RiskLevel indicates the security risk of a permission.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates moderate security risk.
	RiskMedium

	// RiskHigh indicates significant security risk.
	RiskHigh

	// RiskCritical indicates maximum security risk.
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the level by name.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// TypeInfo provides metadata about a permission type.
type TypeInfo struct {
	// Name is the type identifier used in manifests.
	Name string `json:"name"`

	// DisplayName is a human-readable name.
	DisplayName string `json:"displayName"`

	// Description explains what the permission allows.
	Description string `json:"description"`

	// BaseRisk is the risk of read access. Write and admin raise it.
	BaseRisk RiskLevel `json:"baseRisk"`

	// Sensitive types are risky when granted write or admin access.
	Sensitive bool `json:"sensitive"`
}

var typeRegistry = map[string]TypeInfo{
	TypeAPI: {
		Name:        TypeAPI,
		DisplayName: "Store API",
		Description: "Call store API namespaces such as products and orders",
		BaseRisk:    RiskLow,
	},
	TypeDatabase: {
		Name:        TypeDatabase,
		DisplayName: "Database",
		Description: "Read and write the plugin's own tables",
		BaseRisk:    RiskMedium,
		Sensitive:   true,
	},
	TypeFile: {
		Name:        TypeFile,
		DisplayName: "File Access",
		Description: "Read and write files in the plugin's directories",
		BaseRisk:    RiskMedium,
		Sensitive:   true,
	},
	TypeNetwork: {
		Name:        TypeNetwork,
		DisplayName: "Network Access",
		Description: "Make HTTP requests to allowed external hosts",
		BaseRisk:    RiskMedium,
	},
	TypeStorage: {
		Name:        TypeStorage,
		DisplayName: "Key-Value Storage",
		Description: "Store plugin data under a key pattern",
		BaseRisk:    RiskLow,
	},
	TypeAnalytics: {
		Name:        TypeAnalytics,
		DisplayName: "Analytics",
		Description: "Read store analytics reports",
		BaseRisk:    RiskLow,
	},
	TypeCustomerData: {
		Name:        TypeCustomerData,
		DisplayName: "Customer Data",
		Description: "Access personal data of store customers",
		BaseRisk:    RiskHigh,
		Sensitive:   true,
	},
}

// GetTypeInfo returns information about a permission type.
func GetTypeInfo(name string) (TypeInfo, bool) {
	info, ok := typeRegistry[name]
	return info, ok
}

// Types returns every known permission type, sorted.
func Types() []string {
	out := make([]string, 0, len(typeRegistry))
	for name := range typeRegistry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
