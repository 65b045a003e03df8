// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/errors"
)

func echoRole(id string) RoleRegistration {
	return RoleRegistration{
		Descriptor: core.RoleDescriptor{RoleID: id, Enabled: true, Timeout: time.Second},
		Handler: core.HandlerFunc(func(ctx context.Context, msg core.Message) (core.Message, error) {
			return core.NewResponse(msg, msg.Payload), nil
		}),
	}
}

func newTestOrchestrator(t *testing.T, roles []RoleRegistration, routes map[string]string) *Orchestrator {
	t.Helper()
	o := New(Options{Routes: routes})
	if err := o.Initialize(roles); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func TestProcessRequestRoutesByAction(t *testing.T) {
	o := newTestOrchestrator(t,
		[]RoleRegistration{echoRole("parser")},
		map[string]string{"parse_document": "parser"},
	)

	resp, err := o.ProcessRequest(context.Background(), "client", "parse_document", map[string]any{"path": "a.txt"})
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if resp.FromRole != "parser" {
		t.Errorf("responder = %q, want parser", resp.FromRole)
	}
	if resp.Payload["path"] != "a.txt" {
		t.Errorf("payload = %v, want echoed input", resp.Payload)
	}
}

func TestProcessRequestUnknownAction(t *testing.T) {
	o := newTestOrchestrator(t, []RoleRegistration{echoRole("parser")}, nil)

	_, err := o.ProcessRequest(context.Background(), "client", "no_such_action", nil)
	if !errors.IsCode(err, errors.CodeUnknownRole) {
		t.Fatalf("error = %v, want %v", err, errors.CodeUnknownRole)
	}

	o.RouteAction("late_action", "parser")
	if _, err := o.ProcessRequest(context.Background(), "client", "late_action", nil); err != nil {
		t.Fatalf("ProcessRequest after RouteAction: %v", err)
	}
}

func TestProcessRequestSurfacesTimeout(t *testing.T) {
	slow := RoleRegistration{
		Descriptor: core.RoleDescriptor{RoleID: "slow", Enabled: true, Timeout: 50 * time.Millisecond},
		Handler: core.HandlerFunc(func(ctx context.Context, msg core.Message) (core.Message, error) {
			<-ctx.Done()
			return core.Message{}, ctx.Err()
		}),
	}
	o := newTestOrchestrator(t,
		[]RoleRegistration{slow},
		map[string]string{"sleep": "slow"},
	)

	_, err := o.ProcessRequest(context.Background(), "client", "sleep", nil)
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Fatalf("error = %v, want %v", err, errors.CodeTimeout)
	}
}

func TestProcessRequestSurfacesRoleUnavailable(t *testing.T) {
	o := newTestOrchestrator(t,
		[]RoleRegistration{echoRole("parser")},
		map[string]string{"parse_document": "parser"},
	)

	if err := o.DisableRole("parser"); err != nil {
		t.Fatalf("DisableRole: %v", err)
	}
	_, err := o.ProcessRequest(context.Background(), "client", "parse_document", nil)
	if !errors.IsCode(err, errors.CodeRoleUnavailable) {
		t.Fatalf("error = %v, want %v", err, errors.CodeRoleUnavailable)
	}

	if err := o.EnableRole("parser"); err != nil {
		t.Fatalf("EnableRole: %v", err)
	}
	if _, err := o.ProcessRequest(context.Background(), "client", "parse_document", nil); err != nil {
		t.Fatalf("ProcessRequest after re-enable: %v", err)
	}
}

func TestDuplicateRegistrationFailsInitialize(t *testing.T) {
	o := New(Options{})
	err := o.Initialize([]RoleRegistration{echoRole("parser"), echoRole("parser")})
	if !errors.IsCode(err, errors.CodeDuplicateRole) {
		t.Fatalf("error = %v, want %v", err, errors.CodeDuplicateRole)
	}
}

func TestStatusSnapshot(t *testing.T) {
	o := newTestOrchestrator(t,
		[]RoleRegistration{echoRole("parser"), echoRole("tester")},
		map[string]string{"parse_document": "parser"},
	)

	if _, err := o.ProcessRequest(context.Background(), "client", "parse_document", nil); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}

	st := o.Status()
	if !st.Running {
		t.Error("status should report running")
	}
	if len(st.Roles) != 2 {
		t.Fatalf("roles in status = %d, want 2", len(st.Roles))
	}
	parser, ok := st.Roles["parser"]
	if !ok {
		t.Fatal("parser missing from status")
	}
	if parser.Runtime.State != core.RoleRunning {
		t.Errorf("parser state = %v, want %v", parser.Runtime.State, core.RoleRunning)
	}
	if parser.Queue.Capacity <= 0 {
		t.Errorf("queue capacity = %d, want > 0", parser.Queue.Capacity)
	}
	if st.Bus.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", st.Bus.Delivered)
	}
}

func TestNotifyAndBroadcast(t *testing.T) {
	o := newTestOrchestrator(t, []RoleRegistration{echoRole("parser")}, nil)

	id, err := o.Broadcast(context.Background(), "client", "announce", nil)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if id == "" {
		t.Error("broadcast returned empty message id")
	}

	id, err = o.Notify(context.Background(), "client", "parser", "poke", nil)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if id == "" {
		t.Error("notify returned empty message id")
	}
}

func TestShutdownStopsDispatch(t *testing.T) {
	o := New(Options{Routes: map[string]string{"parse_document": "parser"}})
	if err := o.Initialize([]RoleRegistration{echoRole("parser")}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_, err := o.ProcessRequest(context.Background(), "client", "parse_document", nil)
	if !errors.IsCode(err, errors.CodeInternal) {
		t.Fatalf("ProcessRequest after shutdown: error = %v, want %v", err, errors.CodeInternal)
	}

	st := o.Status()
	if st.Running {
		t.Error("status should report stopped after shutdown")
	}
}
