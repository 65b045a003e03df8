package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/errors"
	"github.com/jllopis/troupe/pkg/registry"
)

func register(t *testing.T, reg *registry.Registry, desc core.RoleDescriptor, h core.RoleHandler) {
	t.Helper()
	if err := reg.Register(desc, h); err != nil {
		t.Fatalf("register %s: %v", desc.RoleID, err)
	}
	reg.MarkRunning(desc.RoleID)
}

func TestSubmitSuccess(t *testing.T) {
	reg := registry.New()
	register(t, reg, core.RoleDescriptor{RoleID: "echo", Enabled: true, MaxConcurrentTasks: 1, Timeout: time.Second},
		core.HandlerFunc(func(_ context.Context, msg core.Message) (core.Message, error) {
			return core.NewResponse(msg, msg.Payload), nil
		}))

	pool := New(reg, 0)
	req := core.NewRequest("caller", "echo", "echo", map[string]any{"n": 1}, core.PriorityNormal)
	out := pool.Submit(context.Background(), "echo", req)

	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", out.Kind, out.Err)
	}
	if out.Response.CorrelationID != req.ID {
		t.Errorf("expected correlated response")
	}
	rt, _ := reg.Runtime("echo")
	if rt.ActiveTasks != 0 {
		t.Errorf("expected slot released, active=%d", rt.ActiveTasks)
	}
}

func TestSubmitTimeout(t *testing.T) {
	reg := registry.New()
	register(t, reg, core.RoleDescriptor{RoleID: "slow", Enabled: true, MaxConcurrentTasks: 1, Timeout: 50 * time.Millisecond},
		core.HandlerFunc(func(ctx context.Context, msg core.Message) (core.Message, error) {
			<-ctx.Done() // honors cancellation
			return core.Message{}, ctx.Err()
		}))

	pool := New(reg, 200*time.Millisecond)
	out := pool.Submit(context.Background(), "slow", core.NewRequest("c", "slow", "work", nil, core.PriorityNormal))

	if out.Kind != OutcomeTimeout {
		t.Fatalf("expected timeout, got %s (%v)", out.Kind, out.Err)
	}
	if !errors.IsCode(out.Err, errors.CodeTimeout) {
		t.Errorf("expected TIMEOUT code, got %v", out.Err)
	}
}

func TestSubmitHandlerError(t *testing.T) {
	reg := registry.New()
	register(t, reg, core.RoleDescriptor{RoleID: "broken", Enabled: true, MaxConcurrentTasks: 1, Timeout: time.Second},
		core.HandlerFunc(func(_ context.Context, _ core.Message) (core.Message, error) {
			return core.Message{}, fmt.Errorf("cannot parse")
		}))

	pool := New(reg, 0)
	out := pool.Submit(context.Background(), "broken", core.NewRequest("c", "broken", "work", nil, core.PriorityNormal))

	if out.Kind != OutcomeFailure {
		t.Fatalf("expected failure, got %s", out.Kind)
	}
	if !errors.IsCode(out.Err, errors.CodeHandlerFailure) {
		t.Errorf("expected HANDLER_FAILURE, got %v", out.Err)
	}
	rt, _ := reg.Runtime("broken")
	if rt.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", rt.ConsecutiveFailures)
	}
}

func TestSubmitHandlerPanic(t *testing.T) {
	reg := registry.New()
	register(t, reg, core.RoleDescriptor{RoleID: "panicky", Enabled: true, MaxConcurrentTasks: 1, Timeout: time.Second},
		core.HandlerFunc(func(_ context.Context, _ core.Message) (core.Message, error) {
			panic("unexpected payload shape")
		}))

	pool := New(reg, 0)
	out := pool.Submit(context.Background(), "panicky", core.NewRequest("c", "panicky", "work", nil, core.PriorityNormal))

	if out.Kind != OutcomeFailure {
		t.Fatalf("expected failure on panic, got %s", out.Kind)
	}
	if !errors.IsCode(out.Err, errors.CodeHandlerFailure) {
		t.Errorf("expected HANDLER_FAILURE, got %v", out.Err)
	}
}

func TestSubmitAbandonsStuckHandler(t *testing.T) {
	release := make(chan struct{})
	reg := registry.New()
	register(t, reg, core.RoleDescriptor{RoleID: "stuck", Enabled: true, MaxConcurrentTasks: 1, Timeout: 30 * time.Millisecond},
		core.HandlerFunc(func(_ context.Context, msg core.Message) (core.Message, error) {
			<-release // ignores cancellation entirely
			return core.NewResponse(msg, nil), nil
		}))

	pool := New(reg, 50*time.Millisecond)
	out := pool.Submit(context.Background(), "stuck", core.NewRequest("c", "stuck", "work", nil, core.PriorityNormal))
	close(release)

	if out.Kind != OutcomeFailure {
		t.Fatalf("expected failure for abandoned slot, got %s", out.Kind)
	}
	rt, _ := reg.Runtime("stuck")
	if rt.ConsecutiveFailures != 1 {
		t.Errorf("expected failure recorded, got %d", rt.ConsecutiveFailures)
	}

	// The slot must be usable again despite the stuck goroutine.
	register2 := core.NewRequest("c", "stuck", "work", nil, core.PriorityNormal)
	done := make(chan Outcome, 1)
	go func() { done <- pool.Submit(context.Background(), "stuck", register2) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("slot was not released after abandonment")
	}
}

func TestConcurrencyBound(t *testing.T) {
	const limit = 2
	var active, peak int32
	var mu sync.Mutex

	reg := registry.New()
	register(t, reg, core.RoleDescriptor{RoleID: "bound", Enabled: true, MaxConcurrentTasks: limit, Timeout: time.Second},
		core.HandlerFunc(func(_ context.Context, msg core.Message) (core.Message, error) {
			n := atomic.AddInt32(&active, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return core.NewResponse(msg, nil), nil
		}))

	pool := New(reg, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Submit(context.Background(), "bound", core.NewRequest("c", "bound", "work", nil, core.PriorityNormal))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > limit {
		t.Errorf("concurrency bound violated: peak %d > limit %d", peak, limit)
	}
}

func TestAutoRestartAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	reg := registry.New()
	register(t, reg, core.RoleDescriptor{RoleID: "flaky", Enabled: true, MaxConcurrentTasks: 1, Timeout: time.Second, AutoRestart: true},
		core.HandlerFunc(func(_ context.Context, msg core.Message) (core.Message, error) {
			if calls.Add(1) <= 4 {
				return core.Message{}, fmt.Errorf("flaky failure")
			}
			return core.NewResponse(msg, nil), nil
		}))

	pool := New(reg, 0)
	for i := 0; i < 4; i++ {
		out := pool.Submit(context.Background(), "flaky", core.NewRequest("c", "flaky", "work", nil, core.PriorityNormal))
		if out.Kind != OutcomeFailure {
			t.Fatalf("attempt %d: expected failure, got %s", i+1, out.Kind)
		}
	}

	// Fourth failure crossed the threshold; auto restart landed in starting.
	rt, _ := reg.Runtime("flaky")
	if rt.State != core.RoleStarting {
		t.Fatalf("expected starting after auto restart, got %s", rt.State)
	}
	reg.MarkRunning("flaky")

	out := pool.Submit(context.Background(), "flaky", core.NewRequest("c", "flaky", "work", nil, core.PriorityNormal))
	if out.Kind != OutcomeSuccess {
		t.Errorf("expected success after restart, got %s (%v)", out.Kind, out.Err)
	}
}

func TestNoAutoRestartSticksFailed(t *testing.T) {
	reg := registry.New()
	register(t, reg, core.RoleDescriptor{RoleID: "manual", Enabled: true, MaxConcurrentTasks: 1, Timeout: time.Second, AutoRestart: false},
		core.HandlerFunc(func(_ context.Context, _ core.Message) (core.Message, error) {
			return core.Message{}, fmt.Errorf("persistent failure")
		}))

	pool := New(reg, 0)
	for i := 0; i < 4; i++ {
		pool.Submit(context.Background(), "manual", core.NewRequest("c", "manual", "work", nil, core.PriorityNormal))
	}

	rt, _ := reg.Runtime("manual")
	if rt.State != core.RoleFailed {
		t.Errorf("expected sticky failed state, got %s", rt.State)
	}
	if err := reg.Dispatchable("manual"); !errors.IsCode(err, errors.CodeRoleUnavailable) {
		t.Errorf("expected ROLE_UNAVAILABLE, got %v", err)
	}
}

func TestDrainWaitsForInflight(t *testing.T) {
	started := make(chan struct{})
	reg := registry.New()
	register(t, reg, core.RoleDescriptor{RoleID: "worker", Enabled: true, MaxConcurrentTasks: 1, Timeout: time.Second},
		core.HandlerFunc(func(_ context.Context, msg core.Message) (core.Message, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return core.NewResponse(msg, nil), nil
		}))

	pool := New(reg, 0)
	go pool.Submit(context.Background(), "worker", core.NewRequest("c", "worker", "work", nil, core.PriorityNormal))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Drain(ctx); err != nil {
		t.Errorf("expected drain to complete, got %v", err)
	}
}

func TestHandlerContextCarriesMessageAndRole(t *testing.T) {
	var gotMsg core.Message
	var gotRole string
	var okMsg, okRole bool

	reg := registry.New()
	register(t, reg, core.RoleDescriptor{RoleID: "inspect", Enabled: true, MaxConcurrentTasks: 1, Timeout: time.Second},
		core.HandlerFunc(func(ctx context.Context, msg core.Message) (core.Message, error) {
			gotMsg, okMsg = core.MessageFromContext(ctx)
			gotRole, okRole = core.RoleFromContext(ctx)
			return core.NewResponse(msg, nil), nil
		}))

	pool := New(reg, 0)
	req := core.NewRequest("caller", "inspect", "look", nil, core.PriorityNormal)
	out := pool.Submit(context.Background(), "inspect", req)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", out.Kind, out.Err)
	}
	if !okMsg || gotMsg.ID != req.ID {
		t.Errorf("handler context message = %v (%t), want %s", gotMsg.ID, okMsg, req.ID)
	}
	if !okRole || gotRole != "inspect" {
		t.Errorf("handler context role = %q (%t), want inspect", gotRole, okRole)
	}
}
