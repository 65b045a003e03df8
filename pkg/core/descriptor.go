package core

import "time"

// RoleState describes the lifecycle state of a registered role.
type RoleState string

const (
	RoleStopped  RoleState = "stopped"
	RoleStarting RoleState = "starting"
	RoleRunning  RoleState = "running"
	RoleDegraded RoleState = "degraded"
	RoleFailed   RoleState = "failed"
)

// RoleDescriptor is the per-role configuration, set once at registration.
// Only Enabled may change afterwards, through the registry.
type RoleDescriptor struct {
	RoleID             string
	Enabled            bool
	MaxConcurrentTasks int
	Timeout            time.Duration
	AutoRestart        bool

	// Priority is the role's own scheduling priority, used only as a
	// tie-break hint. Per-message priority governs queue ordering.
	Priority int

	RetryAttempts int
	RetryDelay    time.Duration
}

// Normalize fills zero values with usable defaults and returns the result.
func (d RoleDescriptor) Normalize() RoleDescriptor {
	if d.MaxConcurrentTasks < 1 {
		d.MaxConcurrentTasks = 1
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.RetryAttempts < 0 {
		d.RetryAttempts = 0
	}
	if d.RetryDelay < 0 {
		d.RetryDelay = 0
	}
	return d
}

// RoleRuntime is the mutable per-role state owned by the registry.
// Snapshots of it are exposed for status reporting; callers never mutate it.
type RoleRuntime struct {
	ActiveTasks         int
	ConsecutiveFailures int
	State               RoleState
	LastRestartAt       time.Time
}
