// Package platform defines the read-only contracts this core consumes from the
// surrounding platform: artifact retrieval, scope policy, and role lookup.
// The platform owns these records; this core never writes them.
package platform

import (
	"fmt"
	"net"
	"strings"
)

// Tier is a permission tier a tool may require and a role may hold.
type Tier string

const (
	// TierReadOnly covers query tools (module search, metadata, listings).
	TierReadOnly Tier = "/read_only"

	// TierAction covers side-effecting tools (module runs, listeners, jobs).
	TierAction Tier = "/action"

	// TierSession covers session visibility and interaction, the highest tier.
	TierSession Tier = "/session"
)

// Role is an authenticated caller's authorization record.
type Role struct {
	Identity     string `json:"identity" yaml:"identity"`
	Name         string `json:"name" yaml:"name"`
	GrantedTiers []Tier `json:"granted_tiers" yaml:"granted_tiers"`
}

// Allows reports whether the role holds the given tier.
// Tiers are an explicit grant set, not a hierarchy: holding /session does not
// imply /action unless both are granted.
func (r Role) Allows(tier Tier) bool {
	for _, t := range r.GrantedTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// ScopePolicy is the authorized target set and execution budget for a project.
type ScopePolicy struct {
	ProjectID string `json:"project_id" yaml:"project_id"`

	// Targets lists authorized hosts. Entries may be exact hostnames or IPs,
	// suffix wildcards ("*.example.com"), or CIDR blocks ("10.0.0.0/24").
	Targets []string `json:"targets" yaml:"targets"`

	// RatePerMinute caps how many tool invocations the project may start
	// per minute. Zero means the project default applies.
	RatePerMinute int `json:"rate_per_minute" yaml:"rate_per_minute"`
}

// InScope reports whether the target host is covered by the policy.
func (p ScopePolicy) InScope(target string) bool {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		return false
	}
	ip := net.ParseIP(target)

	for _, entry := range p.Targets {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == target:
			return true
		case strings.HasPrefix(entry, "*."):
			if strings.HasSuffix(target, entry[1:]) {
				return true
			}
		case strings.Contains(entry, "/") && ip != nil:
			if _, block, err := net.ParseCIDR(entry); err == nil && block.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// PolicyProvider resolves scope and role records. Implementations must return
// current data on every call: the gateway re-queries at validation time rather
// than caching, because scope can change between request and execution.
type PolicyProvider interface {
	ScopePolicy(projectID string) (ScopePolicy, error)
	Role(identity string) (Role, error)
}

// ErrUnknownProject is returned when no scope policy exists for a project.
var ErrUnknownProject = fmt.Errorf("unknown project")

// ErrUnknownIdentity is returned when no role record exists for an identity.
var ErrUnknownIdentity = fmt.Errorf("unknown identity")
