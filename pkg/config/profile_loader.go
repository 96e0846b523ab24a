package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is an environment-specific tuning profile
// (profile_<name>.yaml): governance strictness, parliament defaults,
// memory quotas and autonomy limits.
type DeploymentProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Governance GovernanceConfig `yaml:"governance" json:"governance"`
	Parliament ParliamentConfig `yaml:"parliament" json:"parliament"`
	Memory     MemoryConfig     `yaml:"memory" json:"memory"`
	Autonomy   AutonomyConfig   `yaml:"autonomy" json:"autonomy"`
}

// GovernanceConfig holds gate strictness per profile.
type GovernanceConfig struct {
	ConstitutionalMinTrust float64 `yaml:"constitutional_min_trust" json:"constitutional_min_trust"`
	FailClosed             bool    `yaml:"fail_closed" json:"fail_closed"`
}

// ParliamentConfig holds session defaults per profile.
type ParliamentConfig struct {
	Quorum            int     `yaml:"quorum" json:"quorum"`
	ApprovalThreshold float64 `yaml:"approval_threshold" json:"approval_threshold"`
	SessionTTLMinutes int     `yaml:"session_ttl_minutes" json:"session_ttl_minutes"`
	RequireTickets    bool    `yaml:"require_tickets,omitempty" json:"require_tickets,omitempty"`
}

// MemoryConfig holds broker quotas per profile.
type MemoryConfig struct {
	RequestsPerMinute int     `yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int     `yaml:"burst" json:"burst"`
	CrossDomainTrust  float64 `yaml:"cross_domain_trust" json:"cross_domain_trust"`
	MaxAgeDays        int     `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
}

// AutonomyConfig bounds what the planner may do unattended.
type AutonomyConfig struct {
	ReviewThreshold float64  `yaml:"review_threshold" json:"review_threshold"`
	MaxBlastRadius  int      `yaml:"max_blast_radius,omitempty" json:"max_blast_radius,omitempty"`
	FrozenActions   []string `yaml:"frozen_actions,omitempty" json:"frozen_actions,omitempty"`
}

// LoadProfile loads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*DeploymentProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory.
func LoadAllProfiles(profilesDir string) (map[string]*DeploymentProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeploymentProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var profile DeploymentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}

// ActionFrozen reports whether the profile forbids an action type
// from running unattended.
func (p *DeploymentProfile) ActionFrozen(actionType string) bool {
	for _, frozen := range p.Autonomy.FrozenActions {
		if frozen == actionType {
			return true
		}
	}
	return false
}

// Default returns the built-in development profile used when no YAML
// is present.
func Default() *DeploymentProfile {
	return &DeploymentProfile{
		Name: "development",
		Governance: GovernanceConfig{
			ConstitutionalMinTrust: 0.3,
			FailClosed:             true,
		},
		Parliament: ParliamentConfig{
			Quorum:            3,
			ApprovalThreshold: 0.5,
			SessionTTLMinutes: 60,
		},
		Memory: MemoryConfig{
			RequestsPerMinute: 30,
			Burst:             10,
			CrossDomainTrust:  0.8,
			MaxAgeDays:        90,
		},
		Autonomy: AutonomyConfig{
			ReviewThreshold: 0.5,
		},
	}
}
