package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is a named set of tunables. Apply overlays the nonce
// replay window, rate limits, provider-cache TTL and health-check interval
// on top of Load's environment-derived defaults. The lifecycle
// resource-usage ring buffer size (spec §4.16's "default capacity 3 in
// minimal mode, larger in production"), the outbound networking policy for
// guest-network devices (spec glossary: Guest network) and the crypto
// policy are carried on the profile only; Apply does not copy them into
// Config.
type DeploymentProfile struct {
	Name                    string             `yaml:"name" json:"name"`
	Mode                    string             `yaml:"mode" json:"mode"` // "minimal" | "production"
	ResourceHistoryCapacity int                `yaml:"resource_history_capacity" json:"resource_history_capacity"`
	ReplayWindow            time.Duration      `yaml:"replay_window" json:"replay_window"`
	RateLimit               RateLimitConfig    `yaml:"rate_limit" json:"rate_limit"`
	ProviderCacheTTL        time.Duration      `yaml:"provider_cache_ttl" json:"provider_cache_ttl"`
	HealthCheckInterval     time.Duration      `yaml:"health_check_interval" json:"health_check_interval"`
	Networking              NetworkingConfig   `yaml:"networking" json:"networking"`
	CryptoPolicy            CryptoPolicyConfig `yaml:"crypto_policy" json:"crypto_policy"`
}

// RateLimitConfig is the default token-bucket shape for a profile.
type RateLimitConfig struct {
	RPM   int `yaml:"rpm" json:"rpm"`
	Burst int `yaml:"burst" json:"burst"`
}

// NetworkingConfig controls outbound networking for guest-network devices.
type NetworkingConfig struct {
	OutboundMode string   `yaml:"outbound_mode" json:"outbound_mode"` // "allowlist" | "denylist" | "island"
	Allowlist    []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist     []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
	IslandMode   bool     `yaml:"island_mode" json:"island_mode"` // if true, block all outbound
}

// CryptoPolicyConfig constrains which algorithms pkg/crypto/pkg/vault may
// use and how often keys rotate.
type CryptoPolicyConfig struct {
	AllowedAlgorithms []string `yaml:"allowed_algorithms" json:"allowed_algorithms"`
	KeyRotationDays   int      `yaml:"key_rotation_days" json:"key_rotation_days"`
}

// LoadProfile loads a deployment profile YAML by name. It searches the
// profiles directory for profile_<name>.yaml.
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

// LoadAllProfiles loads every profile_*.yaml file from the profiles directory.
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

		base := filepath.Base(path)
		code := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		if profile.Name == "" {
			profile.Name = code
		}

		profiles[code] = &profile
	}

	return profiles, nil
}

// IsIslandMode returns true if the profile blocks all outbound networking
// for guest-network devices.
func (p *DeploymentProfile) IsIslandMode() bool {
	return p.Networking.IslandMode || p.Networking.OutboundMode == "island"
}

// IsAllowed checks if a hostname is reachable under the profile's
// networking policy.
func (p *DeploymentProfile) IsAllowed(hostname string) bool {
	if p.IsIslandMode() {
		return false
	}

	switch p.Networking.OutboundMode {
	case "allowlist":
		for _, h := range p.Networking.Allowlist {
			if h == hostname {
				return true
			}
		}
		return false
	case "denylist":
		for _, h := range p.Networking.Denylist {
			if h == hostname {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Apply overlays the profile's tunables onto cfg, returning a new Config.
// Zero-valued profile fields leave cfg's value unchanged.
func (p *DeploymentProfile) Apply(cfg *Config) *Config {
	out := *cfg
	if p.ReplayWindow > 0 {
		out.ReplayWindow = p.ReplayWindow
	}
	if p.RateLimit.RPM > 0 {
		out.RateLimitRPM = p.RateLimit.RPM
	}
	if p.RateLimit.Burst > 0 {
		out.RateLimitBurst = p.RateLimit.Burst
	}
	if p.ProviderCacheTTL > 0 {
		out.ProviderCacheTTL = p.ProviderCacheTTL
	}
	if p.HealthCheckInterval > 0 {
		out.HealthCheckInterval = p.HealthCheckInterval
	}
	return &out
}
