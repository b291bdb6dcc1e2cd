package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ProfileSchemaConstraint is the semver range of profile schema versions
// this build understands. Profiles outside the range are rejected at load
// so an old binary never silently misreads a newer profile layout.
const ProfileSchemaConstraint = ">=1.0.0 <2.0.0"

// Profile is one versioned policy document on disk.
type Profile struct {
	Version string         `yaml:"version"`
	Policy  ProviderPolicy `yaml:",inline"`
}

// LoadProfile reads profiles/<name>.yaml, validates its schema version, and
// compiles its rules. The returned engine carries the profile's CEL rules.
func LoadProfile(profilesDir, name string) (*Profile, *Engine, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("policy: load profile %q: %w", name, err)
	}

	return ParseProfile(data, name)
}

// ParseProfile decodes, version-gates, and compiles a profile document.
func ParseProfile(data []byte, name string) (*Profile, *Engine, error) {
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, nil, fmt.Errorf("policy: parse profile %q: %w", name, err)
	}

	if err := checkSchemaVersion(profile.Version); err != nil {
		return nil, nil, fmt.Errorf("policy: profile %q: %w", name, err)
	}

	if profile.Policy.ProviderID == "" {
		profile.Policy.ProviderID = name
	}
	for i, r := range profile.Policy.Rules {
		profile.Policy.Rules[i].Severity = NormalizeSeverity(r.Severity)
	}

	engine, err := NewEngine(profile.Policy.Rules)
	if err != nil {
		return nil, nil, err
	}

	return &profile, engine, nil
}

// LoadAllProfiles loads every *.yaml under profilesDir, keyed by provider ID.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		base := strings.TrimSuffix(filepath.Base(path), ".yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("policy: read %s: %w", path, err)
		}
		profile, _, err := ParseProfile(data, base)
		if err != nil {
			return nil, err
		}
		profiles[profile.Policy.ProviderID] = profile
	}

	return profiles, nil
}

func checkSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("missing version field")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", version, err)
	}
	constraint, err := semver.NewConstraint(ProfileSchemaConstraint)
	if err != nil {
		return fmt.Errorf("invalid schema constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("version %s outside supported range %s", version, ProfileSchemaConstraint)
	}
	return nil
}
