// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/troupe/pkg/core"
)

// RoleConfig is the wire shape of one role entry in the roles file.
type RoleConfig struct {
	RoleID             string         `yaml:"role_id"`
	Enabled            *bool          `yaml:"enabled"`
	MaxConcurrentTasks int            `yaml:"max_concurrent_tasks"`
	TimeoutSeconds     int            `yaml:"timeout_seconds"`
	AutoRestart        *bool          `yaml:"auto_restart"`
	Priority           int            `yaml:"priority"`
	RetryAttempts      *int           `yaml:"retry_attempts"`
	RetryDelaySeconds  float64        `yaml:"retry_delay_seconds"`
	// ConfigParams is opaque to the engine; it is handed to whoever
	// constructs the role's handler.
	ConfigParams map[string]any `yaml:"config_params"`
}

type rolesFile struct {
	Roles []RoleConfig `yaml:"roles"`
}

// Retry policy defaults applied when a role entry omits them.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 2 * time.Second
)

// Descriptor converts the wire shape into a runtime role descriptor,
// applying the defaults for omitted optional fields.
func (rc RoleConfig) Descriptor() core.RoleDescriptor {
	desc := core.RoleDescriptor{
		RoleID:             rc.RoleID,
		Enabled:            true,
		MaxConcurrentTasks: rc.MaxConcurrentTasks,
		Timeout:            time.Duration(rc.TimeoutSeconds) * time.Second,
		AutoRestart:        true,
		Priority:           rc.Priority,
		RetryAttempts:      DefaultRetryAttempts,
		RetryDelay:         DefaultRetryDelay,
	}
	if rc.Enabled != nil {
		desc.Enabled = *rc.Enabled
	}
	if rc.AutoRestart != nil {
		desc.AutoRestart = *rc.AutoRestart
	}
	if rc.RetryAttempts != nil {
		desc.RetryAttempts = *rc.RetryAttempts
	}
	if rc.RetryDelaySeconds > 0 {
		desc.RetryDelay = time.Duration(rc.RetryDelaySeconds * float64(time.Second))
	}
	return desc
}

// LoadRoles reads role entries from a standalone YAML roles file.
func LoadRoles(path string) ([]RoleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf rolesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse roles file %s: %w", path, err)
	}
	for i, rc := range rf.Roles {
		if rc.RoleID == "" {
			return nil, fmt.Errorf("roles file %s: entry %d is missing role_id", path, i)
		}
	}
	return rf.Roles, nil
}

func boolPtr(b bool) *bool { return &b }

// DefaultRoles is the role table shipped with the engine, used when no
// roles file is configured.
func DefaultRoles() []RoleConfig {
	return []RoleConfig{
		{RoleID: "master_controller", MaxConcurrentTasks: 5, TimeoutSeconds: 300, Priority: 1},
		{RoleID: "memory_manager", MaxConcurrentTasks: 3, TimeoutSeconds: 180, Priority: 1,
			ConfigParams: map[string]any{"storage_path": "data/memory", "backup_interval": 300}},
		{RoleID: "status_monitor", MaxConcurrentTasks: 2, TimeoutSeconds: 60, Priority: 1,
			ConfigParams: map[string]any{"check_interval": 30}},
		{RoleID: "requirements_parser", MaxConcurrentTasks: 3, TimeoutSeconds: 240, Priority: 2},
		{RoleID: "system_architect", MaxConcurrentTasks: 2, TimeoutSeconds: 600, Priority: 2},
		{RoleID: "frontend_dev", MaxConcurrentTasks: 4, TimeoutSeconds: 900, Priority: 3},
		{RoleID: "backend_dev", MaxConcurrentTasks: 4, TimeoutSeconds: 900, Priority: 3},
		{RoleID: "mobile_dev", Enabled: boolPtr(false), MaxConcurrentTasks: 2, TimeoutSeconds: 1200, Priority: 4},
		{RoleID: "test_engineer", MaxConcurrentTasks: 3, TimeoutSeconds: 600, Priority: 3,
			ConfigParams: map[string]any{"coverage_threshold": 80}},
		{RoleID: "devops_engineer", MaxConcurrentTasks: 4, TimeoutSeconds: 1800, Priority: 2},
	}
}

// DefaultRoutes maps the engine's built-in actions onto the default roles.
func DefaultRoutes() map[string]string {
	return map[string]string{
		"process_request":     "master_controller",
		"parse_requirements":  "requirements_parser",
		"design_architecture": "system_architect",
		"run_tests":           "test_engineer",
		"deploy":              "devops_engineer",
		"store_memory":        "memory_manager",
		"report_status":       "status_monitor",
	}
}
