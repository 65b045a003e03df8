// Package registry holds per-role configuration and runtime state.
//
// The registry is the single shared table behind the bus: role descriptors
// are effectively immutable after registration (only Enabled toggles) and
// all runtime mutation happens under one coarse lock. Registry size is tens
// of roles at most, so a single lock is simpler than fine-grained locking
// and never on the hot path for handler execution itself.
package registry

import (
	"sync"
	"time"

	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/errors"
)

// restartThreshold is the number of consecutive failures after which a
// role is taken out of rotation (restarted when auto restart is on).
const restartThreshold = 3

type entry struct {
	desc    core.RoleDescriptor
	handler core.RoleHandler
	runtime core.RoleRuntime
}

// Registry maps role ids to their descriptor, handler, and runtime state.
type Registry struct {
	mu    sync.RWMutex
	roles map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{roles: make(map[string]*entry)}
}

// Register adds a role with its handler. The descriptor is normalized
// before storage. Fails with DUPLICATE_ROLE if the id is already present.
func (r *Registry) Register(desc core.RoleDescriptor, handler core.RoleHandler) error {
	if desc.RoleID == "" {
		return errors.New(errors.CodeValidation, "role id is empty", nil)
	}
	if handler == nil {
		return errors.New(errors.CodeValidation, "role handler is nil", nil).
			WithContext("role", desc.RoleID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.roles[desc.RoleID]; exists {
		return errors.New(errors.CodeDuplicateRole, "role already registered", nil).
			WithContext("role", desc.RoleID)
	}
	r.roles[desc.RoleID] = &entry{
		desc:    desc.Normalize(),
		handler: handler,
		runtime: core.RoleRuntime{State: core.RoleStopped},
	}
	return nil
}

// Get returns the descriptor for a role.
func (r *Registry) Get(id string) (core.RoleDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.roles[id]
	if !ok {
		return core.RoleDescriptor{}, unknownRole(id)
	}
	return e.desc, nil
}

// Handler returns the registered handler for a role.
func (r *Registry) Handler(id string) (core.RoleHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.roles[id]
	if !ok {
		return nil, unknownRole(id)
	}
	return e.handler, nil
}

// Runtime returns a snapshot of a role's runtime state.
func (r *Registry) Runtime(id string) (core.RoleRuntime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.roles[id]
	if !ok {
		return core.RoleRuntime{}, unknownRole(id)
	}
	return e.runtime, nil
}

// Enable allows dispatch to a role again. Re-enabling a failed role resets
// its failure accounting and moves it to starting; the dispatch loop marks
// it running when it resumes.
func (r *Registry) Enable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.roles[id]
	if !ok {
		return unknownRole(id)
	}
	e.desc.Enabled = true
	if e.runtime.State == core.RoleFailed {
		e.runtime.ConsecutiveFailures = 0
		e.runtime.State = core.RoleStarting
		e.runtime.LastRestartAt = time.Now().UTC()
	}
	return nil
}

// Disable blocks new dispatch to a role. In-flight tasks keep running.
func (r *Registry) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.roles[id]
	if !ok {
		return unknownRole(id)
	}
	e.desc.Enabled = false
	return nil
}

// Dispatchable reports whether a role can accept new messages. It returns
// ROLE_UNAVAILABLE for disabled or failed roles, UNKNOWN_ROLE otherwise.
func (r *Registry) Dispatchable(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.roles[id]
	if !ok {
		return unknownRole(id)
	}
	if !e.desc.Enabled {
		return errors.New(errors.CodeRoleUnavailable, "role is disabled", nil).
			WithContext("role", id)
	}
	if e.runtime.State == core.RoleFailed {
		return errors.New(errors.CodeRoleUnavailable, "role has failed", nil).
			WithContext("role", id)
	}
	return nil
}

// IDs returns all registered role ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.roles))
	for id := range r.roles {
		ids = append(ids, id)
	}
	return ids
}

// EnabledIDs returns the ids of roles eligible for broadcast delivery.
func (r *Registry) EnabledIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.roles))
	for id, e := range r.roles {
		if e.desc.Enabled && e.runtime.State != core.RoleFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// MarkRunning transitions a role to running. Called by the dispatch loop
// when it starts or resumes serving the role.
func (r *Registry) MarkRunning(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.roles[id]; ok {
		e.runtime.State = core.RoleRunning
	}
}

// MarkStopped transitions a role to stopped at shutdown.
func (r *Registry) MarkStopped(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.roles[id]; ok {
		e.runtime.State = core.RoleStopped
	}
}

// TaskStarted increments the role's active task count.
func (r *Registry) TaskStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.roles[id]; ok {
		e.runtime.ActiveTasks++
	}
}

// TaskFinished decrements the role's active task count.
func (r *Registry) TaskFinished(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.roles[id]; ok && e.runtime.ActiveTasks > 0 {
		e.runtime.ActiveTasks--
	}
}

// RecordSuccess resets the failure streak after a handler completes.
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.roles[id]
	if !ok {
		return
	}
	e.runtime.ConsecutiveFailures = 0
	if e.runtime.State == core.RoleDegraded {
		e.runtime.State = core.RoleRunning
	}
}

// RecordFailure increments the failure streak and returns the resulting
// state. Below the threshold the role degrades but keeps serving. Past the
// threshold it transitions to failed; if the descriptor allows auto
// restart, the caller is expected to invoke Restart.
func (r *Registry) RecordFailure(id string) core.RoleState {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.roles[id]
	if !ok {
		return core.RoleStopped
	}
	e.runtime.ConsecutiveFailures++
	if e.runtime.ConsecutiveFailures > restartThreshold {
		e.runtime.State = core.RoleFailed
	} else {
		e.runtime.State = core.RoleDegraded
	}
	return e.runtime.State
}

// AutoRestart reports whether a role restarts itself after failing.
func (r *Registry) AutoRestart(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.roles[id]
	return ok && e.desc.AutoRestart
}

// Restart moves a failed role to starting, resetting its failure streak
// and stamping LastRestartAt. The handler object itself is stateless from
// the bus's point of view; any stateful recovery is the handler's own
// concern. The dispatch loop marks the role running when it resumes.
func (r *Registry) Restart(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.roles[id]
	if !ok {
		return unknownRole(id)
	}
	e.runtime.ConsecutiveFailures = 0
	e.runtime.State = core.RoleStarting
	e.runtime.LastRestartAt = time.Now().UTC()
	return nil
}

// RoleStatus pairs a descriptor with a runtime snapshot for reporting.
type RoleStatus struct {
	Descriptor core.RoleDescriptor
	Runtime    core.RoleRuntime
}

// Snapshot returns the current status of every registered role.
func (r *Registry) Snapshot() map[string]RoleStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]RoleStatus, len(r.roles))
	for id, e := range r.roles {
		out[id] = RoleStatus{Descriptor: e.desc, Runtime: e.runtime}
	}
	return out
}

func unknownRole(id string) error {
	return errors.New(errors.CodeUnknownRole, "role not registered", nil).
		WithContext("role", id)
}
