package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// NamespaceProfile declares a tenant namespace in YAML, loaded at boot.
type NamespaceProfile struct {
	ID        string       `yaml:"id" json:"id"`
	Isolation string       `yaml:"isolation" json:"isolation"` // STRICT | SHARED | NONE
	Quota     QuotaProfile `yaml:"quota" json:"quota"`
}

// QuotaProfile mirrors the namespace limits.
type QuotaProfile struct {
	MaxWorkflows            int64 `yaml:"max_workflows" json:"max_workflows"`
	MaxConcurrentExecutions int64 `yaml:"max_concurrent_executions" json:"max_concurrent_executions"`
	MaxQueueDepth           int64 `yaml:"max_queue_depth" json:"max_queue_depth"`
	MaxStorageBytes         int64 `yaml:"max_storage_bytes" json:"max_storage_bytes"`
	RateLimitPerMinute      int64 `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
}

// LoadProfiles reads every namespace_*.yaml in dir. A missing directory
// yields an empty slice, not an error.
func LoadProfiles(dir string) ([]NamespaceProfile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: profiles dir: %w", err)
	}

	var out []NamespaceProfile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "namespace_") ||
			(!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", name, err)
		}
		var p NamespaceProfile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", name, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("config: profile %s missing id", name)
		}
		out = append(out, p)
	}
	return out, nil
}
