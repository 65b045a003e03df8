package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jllopis/troupe/pkg/config"
	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/orchestrator"
)

func newTestOrchestrator(t *testing.T, roleIDs ...string) *orchestrator.Orchestrator {
	t.Helper()
	regs := make([]orchestrator.RoleRegistration, 0, len(roleIDs))
	for _, id := range roleIDs {
		regs = append(regs, orchestrator.RoleRegistration{
			Descriptor: core.RoleDescriptor{RoleID: id, Enabled: true, Timeout: time.Second},
			Handler:    ackHandler(id),
		})
	}
	o := orchestrator.New(orchestrator.Options{})
	if err := o.Initialize(regs); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func TestApplyRoleChangesTogglesEnabled(t *testing.T) {
	o := newTestOrchestrator(t, "parser", "builder")

	off := false
	applyRoleChanges(o, []config.RoleConfig{
		{RoleID: "builder", Enabled: &off},
		{RoleID: "stranger"}, // not registered, must be skipped
	})

	roles := o.Status().Roles
	if roles["builder"].Descriptor.Enabled {
		t.Error("builder should be disabled after roles change")
	}
	if !roles["parser"].Descriptor.Enabled {
		t.Error("parser was not in the change set and must stay enabled")
	}

	on := true
	applyRoleChanges(o, []config.RoleConfig{{RoleID: "builder", Enabled: &on}})
	if !o.Status().Roles["builder"].Descriptor.Enabled {
		t.Error("builder should be enabled again")
	}
}

func TestApplyRoutesRebinds(t *testing.T) {
	o := newTestOrchestrator(t, "parser")

	applyRoutes(o, map[string]string{"parse_requirements": "parser"})

	roleID, err := o.Resolve("parse_requirements")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if roleID != "parser" {
		t.Errorf("route resolves to %q, want parser", roleID)
	}
}

func TestWatchAndApplyDisablesRoleOnFileChange(t *testing.T) {
	dir := t.TempDir()
	rolesPath := filepath.Join(dir, "roles.yaml")
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(rolesPath, []byte("roles:\n  - role_id: parser\n    enabled: true\n"), 0o644); err != nil {
		t.Fatalf("write roles: %v", err)
	}
	if err := os.WriteFile(configPath, []byte("roles_file: "+rolesPath+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	o := newTestOrchestrator(t, "parser")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher, err := watchAndApply(ctx, o, cfg, configPath, config.WithWatchInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("watchAndApply: %v", err)
	}
	defer watcher.Stop()

	// Let the watcher record initial mod times before touching the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(rolesPath, []byte("roles:\n  - role_id: parser\n    enabled: false\n"), 0o644); err != nil {
		t.Fatalf("rewrite roles: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !o.Status().Roles["parser"].Descriptor.Enabled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("parser still enabled after roles file change")
}
