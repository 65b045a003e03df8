// Package orchestrator is the top-level façade over the engine: it
// registers roles, owns the bus lifecycle, routes actions to roles, and
// exposes the single external call that sends a request and awaits its
// terminal outcome.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/troupe/pkg/bus"
	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/errors"
	"github.com/jllopis/troupe/pkg/queue"
	"github.com/jllopis/troupe/pkg/registry"
)

// DefaultShutdownGrace bounds how long Shutdown waits for in-flight
// handler work before force-cancelling the remainder.
const DefaultShutdownGrace = 10 * time.Second

// RoleRegistration pairs a role's configuration with its handler.
type RoleRegistration struct {
	Descriptor core.RoleDescriptor
	Handler    core.RoleHandler
}

// Options configures the orchestrator.
type Options struct {
	// Bus tunes queue capacity, dead-letter bound, abandonment grace and
	// the stats reporting interval.
	Bus bus.Config

	// Routes maps action names to the role that handles them. More routes
	// may be added later with RouteAction.
	Routes map[string]string

	// ShutdownGrace bounds the drain phase of Shutdown
	// (default DefaultShutdownGrace).
	ShutdownGrace time.Duration
}

// Orchestrator wires the registry and the bus behind one façade.
type Orchestrator struct {
	reg    *registry.Registry
	tracer trace.Tracer
	log    *slog.Logger
	grace  time.Duration

	mu        sync.Mutex
	bus       *bus.Bus
	busCfg    bus.Config
	routes    map[string]string
	running   bool
	startedAt time.Time
}

// New creates an orchestrator. Roles are supplied at Initialize time.
func New(opts Options) *Orchestrator {
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	routes := make(map[string]string, len(opts.Routes))
	for action, role := range opts.Routes {
		routes[action] = role
	}
	return &Orchestrator{
		reg:    registry.New(),
		tracer: otel.Tracer("troupe/orchestrator"),
		log:    slog.Default(),
		grace:  grace,
		busCfg: opts.Bus,
		routes: routes,
	}
}

// Registry exposes the underlying role registry for enable/disable and
// runtime inspection.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.reg
}

// Initialize registers every role and starts one dispatch loop per role.
// It fails on the first registration error and must be called once.
func (o *Orchestrator) Initialize(roles []RoleRegistration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New(errors.CodeInternal, "orchestrator already initialized", nil)
	}

	for _, r := range roles {
		if err := o.reg.Register(r.Descriptor, r.Handler); err != nil {
			return err
		}
	}

	b, err := bus.New(o.reg, o.busCfg)
	if err != nil {
		return err
	}
	b.Start()

	o.bus = b
	o.running = true
	o.startedAt = time.Now()
	o.log.Info("orchestrator.initialized", slog.Int("roles", len(roles)))
	return nil
}

// RouteAction binds an action name to the role that handles it.
func (o *Orchestrator) RouteAction(action, roleID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[action] = roleID
}

// Resolve returns the role bound to an action.
func (o *Orchestrator) Resolve(action string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	role, ok := o.routes[action]
	if !ok {
		return "", errors.New(errors.CodeUnknownRole, "no role handles action", nil).
			WithContext("action", action)
	}
	return role, nil
}

func (o *Orchestrator) activeBus() (*bus.Bus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil, errors.New(errors.CodeInternal, "orchestrator not initialized", nil)
	}
	return o.bus, nil
}

// ProcessRequest resolves the action to a role, sends a request on the
// caller's behalf, and awaits the terminal outcome. It never blocks
// indefinitely: every call resolves within the role's retry-bounded
// latency budget or returns an error with a distinct code (TIMEOUT,
// ROLE_UNAVAILABLE, HANDLER_FAILURE, QUEUE_FULL).
func (o *Orchestrator) ProcessRequest(ctx context.Context, from, action string, payload map[string]any) (core.Message, error) {
	return o.ProcessRequestWithPriority(ctx, from, action, payload, core.PriorityNormal)
}

// ProcessRequestWithPriority is ProcessRequest with an explicit message
// priority (lower value means more urgent).
func (o *Orchestrator) ProcessRequestWithPriority(ctx context.Context, from, action string, payload map[string]any, priority int) (core.Message, error) {
	b, err := o.activeBus()
	if err != nil {
		return core.Message{}, err
	}
	target, err := o.Resolve(action)
	if err != nil {
		return core.Message{}, err
	}

	ctx, span := o.tracer.Start(ctx, "Orchestrator.ProcessRequest", trace.WithAttributes(
		attribute.String("action", action),
		attribute.String("role", target),
	))
	defer span.End()

	msg := core.NewRequest(from, target, action, payload, priority)
	h, err := b.Send(ctx, msg)
	if err != nil {
		o.log.Error("orchestrator.request.rejected",
			slog.String("action", action),
			slog.String("role", target),
			slog.String("error", err.Error()),
		)
		return core.Message{}, err
	}

	resp, err := h.Await(ctx)
	if err != nil {
		o.log.Error("orchestrator.request.failed",
			slog.String("action", action),
			slog.String("role", target),
			slog.String("message_id", msg.ID),
			slog.String("code", string(errors.Code(err))),
		)
		return core.Message{}, err
	}
	o.log.Info("orchestrator.request.complete",
		slog.String("action", action),
		slog.String("role", target),
		slog.String("message_id", msg.ID),
	)
	return resp, nil
}

// Broadcast sends a fire-and-forget message to every enabled role and
// returns the generated message id.
func (o *Orchestrator) Broadcast(ctx context.Context, from, action string, payload map[string]any) (string, error) {
	b, err := o.activeBus()
	if err != nil {
		return "", err
	}
	h, err := b.Send(ctx, core.NewBroadcast(from, action, payload))
	if err != nil {
		return "", err
	}
	return h.MessageID, nil
}

// Notify sends a fire-and-forget event to a single role.
func (o *Orchestrator) Notify(ctx context.Context, from, to, action string, payload map[string]any) (string, error) {
	b, err := o.activeBus()
	if err != nil {
		return "", err
	}
	h, err := b.Send(ctx, core.NewEvent(from, to, action, payload))
	if err != nil {
		return "", err
	}
	return h.MessageID, nil
}

// EnableRole re-enables a disabled or failed role.
func (o *Orchestrator) EnableRole(id string) error {
	return o.reg.Enable(id)
}

// DisableRole blocks new dispatch to the role. In-flight tasks finish.
func (o *Orchestrator) DisableRole(id string) error {
	return o.reg.Disable(id)
}

// RoleStatus is the per-role slice of a system status snapshot.
type RoleStatus struct {
	registry.RoleStatus
	Queue queue.Stats
}

// SystemStatus is a point-in-time view of the whole engine.
type SystemStatus struct {
	Running     bool
	Uptime      time.Duration
	Roles       map[string]RoleStatus
	Bus         bus.Stats
	DeadLetters int
}

// Status reports every role's runtime state, its backlog occupancy, and
// the bus counters.
func (o *Orchestrator) Status() SystemStatus {
	o.mu.Lock()
	b := o.bus
	running := o.running
	startedAt := o.startedAt
	o.mu.Unlock()

	st := SystemStatus{
		Running: running,
		Roles:   make(map[string]RoleStatus),
	}
	if !running {
		return st
	}
	st.Uptime = time.Since(startedAt)
	st.Bus = b.Stats()
	st.DeadLetters = st.Bus.DeadLetterBacklog
	for id, rs := range o.reg.Snapshot() {
		st.Roles[id] = RoleStatus{RoleStatus: rs, Queue: b.QueueStats(id)}
	}
	return st
}

// DeadLetters returns the bus's bounded dead-letter record, oldest first.
func (o *Orchestrator) DeadLetters() []bus.DeadLetter {
	o.mu.Lock()
	b := o.bus
	o.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.DeadLetters()
}

// Shutdown disables every role, drains in-flight work up to the grace
// period, then force-cancels the remainder. Safe to call once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	b := o.bus
	o.running = false
	o.mu.Unlock()

	for _, id := range o.reg.IDs() {
		if err := o.reg.Disable(id); err != nil {
			o.log.Warn("orchestrator.shutdown.disable",
				slog.String("role", id),
				slog.String("error", err.Error()),
			)
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.grace)
		defer cancel()
	}
	err := b.Stop(ctx)
	o.log.Info("orchestrator.shutdown.complete")
	return err
}
