package auth

import "strings"

// Wildcard grants every domain or metric.
const Wildcard = "*"

// Grants is the capability set a user holds.
type Grants struct {
	Domains []string `json:"domains"`
	Metrics []string `json:"metrics"`
}

// AllGrants is the capability set of administrators.
func AllGrants() Grants {
	return Grants{Domains: []string{Wildcard}, Metrics: []string{Wildcard}}
}

// UserContext is what the pipeline knows about the caller.
type UserContext struct {
	UserID    string   `json:"user_id"`
	Username  string   `json:"username,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Grants    Grants   `json:"grants"`
	SessionID string   `json:"session_id,omitempty"`
}

// IsAdmin reports whether the caller holds the admin role.
func (u UserContext) IsAdmin() bool {
	return hasRole(u.Roles, "admin")
}

// CapabilityPolicy answers access questions from the caller's grants.
type CapabilityPolicy struct{}

// NewCapabilityPolicy creates the grant-based policy
func NewCapabilityPolicy() *CapabilityPolicy {
	return &CapabilityPolicy{}
}

// CheckAccess reports whether user may read metric in domain. An empty metric
// checks domain access only.
func (p *CapabilityPolicy) CheckAccess(user UserContext, domain, metric string) bool {
	if !granted(user.Grants.Domains, domain) {
		return false
	}
	if metric == "" {
		return true
	}
	return granted(user.Grants.Metrics, metric)
}

func granted(list []string, name string) bool {
	for _, g := range list {
		if g == Wildcard || strings.EqualFold(g, name) {
			return true
		}
	}
	return false
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
