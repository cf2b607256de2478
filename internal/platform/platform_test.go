package platform

import "testing"

func TestRoleAllowsIsExplicitGrantSet(t *testing.T) {
	operator := Role{
		Identity:     "op@example.com",
		Name:         "operator",
		GrantedTiers: []Tier{TierReadOnly, TierSession},
	}

	if !operator.Allows(TierReadOnly) {
		t.Error("granted /read_only must be allowed")
	}
	if !operator.Allows(TierSession) {
		t.Error("granted /session must be allowed")
	}
	if operator.Allows(TierAction) {
		t.Error("holding /session must not imply /action")
	}
}

func TestInScope(t *testing.T) {
	policy := ScopePolicy{
		ProjectID: "prj-1",
		Targets: []string{
			"web.example.com",
			"*.staging.example.com",
			"10.20.0.0/24",
			"192.168.1.7",
		},
	}

	tests := []struct {
		target string
		want   bool
	}{
		{"web.example.com", true},
		{"WEB.Example.COM", true},
		{"  web.example.com ", true},
		{"api.example.com", false},
		{"app.staging.example.com", true},
		{"deep.app.staging.example.com", true},
		{"staging.example.com.evil.net", false},
		{"10.20.0.99", true},
		{"10.21.0.1", false},
		{"192.168.1.7", true},
		{"192.168.1.8", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := policy.InScope(tt.target); got != tt.want {
			t.Errorf("InScope(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestInScopeEmptyTargets(t *testing.T) {
	policy := ScopePolicy{ProjectID: "prj-empty"}
	if policy.InScope("web.example.com") {
		t.Error("a policy with no targets authorizes nothing")
	}
}
