// Package bus is the public entry point of the orchestration engine: it
// accepts sends, correlates requests with responses, applies the per-role
// retry policy, and drives the dispatch-queue -> worker-pool pipeline with
// one dispatch loop per role.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/errors"
	"github.com/jllopis/troupe/pkg/queue"
	"github.com/jllopis/troupe/pkg/registry"
	"github.com/jllopis/troupe/pkg/telemetry"
	"github.com/jllopis/troupe/pkg/worker"
)

// Config tunes the bus. Zero values select the defaults.
type Config struct {
	// QueueCapacity caps each role's backlog (default queue.DefaultCapacity).
	QueueCapacity int

	// DeadLetterCapacity bounds the in-memory dead-letter record.
	DeadLetterCapacity int

	// AbandonGrace bounds how long a timed-out handler may ignore
	// cancellation before its slot is forcibly abandoned.
	AbandonGrace time.Duration

	// StatsInterval enables the periodic bus.stats report when positive.
	StatsInterval time.Duration
}

// Bus routes messages between registered roles.
type Bus struct {
	reg         *registry.Registry
	queue       *queue.Queue
	pool        *worker.Pool
	pending     *pendingTable
	deadLetters *deadLetterRecord
	metrics     *telemetry.BusMetrics
	log         *slog.Logger
	tracer      trace.Tracer

	grace         time.Duration
	statsInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	loopWG    sync.WaitGroup
	deliverWG sync.WaitGroup

	startedOnce sync.Once
	stoppedOnce sync.Once

	sent         atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64

	avgMu       sync.Mutex
	avgDelivery float64
}

// New creates a bus over the registry. Roles must be registered before
// Start; Send accepts messages as soon as the bus exists.
func New(reg *registry.Registry, cfg Config) (*Bus, error) {
	metrics, err := telemetry.NewBusMetrics()
	if err != nil {
		return nil, err
	}
	grace := cfg.AbandonGrace
	if grace <= 0 {
		grace = worker.DefaultAbandonGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		reg:           reg,
		queue:         queue.New(reg, cfg.QueueCapacity),
		pool:          worker.New(reg, grace),
		pending:       newPendingTable(),
		deadLetters:   newDeadLetterRecord(cfg.DeadLetterCapacity),
		metrics:       metrics,
		log:           slog.Default(),
		tracer:        otel.Tracer("troupe/bus"),
		grace:         grace,
		statsInterval: cfg.StatsInterval,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start launches one dispatch loop per registered role plus the optional
// stats reporter. Calling Start twice is a no-op.
func (b *Bus) Start() {
	b.startedOnce.Do(func() {
		for _, id := range b.reg.IDs() {
			b.loopWG.Add(1)
			go b.dispatchLoop(id)
		}
		if b.statsInterval > 0 {
			b.loopWG.Add(1)
			go b.statsLoop()
		}
		b.log.Info("bus.started", slog.Int("roles", len(b.reg.IDs())))
	})
}

// Stop shuts the bus down: dispatch loops exit, in-flight handler work is
// drained up to ctx's deadline, and every still-pending request resolves
// with an error. Force-cancelled remainders are logged.
func (b *Bus) Stop(ctx context.Context) error {
	var drainErr error
	b.stoppedOnce.Do(func() {
		b.cancel()
		b.queue.Close()

		drainErr = b.pool.Drain(ctx)
		if drainErr != nil {
			b.log.Warn("bus.drain.forced", slog.String("error", drainErr.Error()))
		}
		waitCtx(ctx, &b.loopWG)
		waitCtx(ctx, &b.deliverWG)

		b.pending.drain(errors.New(errors.CodeInternal, "bus stopped", nil))
		for _, id := range b.reg.IDs() {
			b.reg.MarkStopped(id)
		}
		b.log.Info("bus.stopped")
	})
	return drainErr
}

func waitCtx(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Send accepts a message. Requests return an awaitable handle; broadcast
// and event sends are fire-and-forget and return a handle carrying only
// the generated id. Responses are matched against the pending table by
// correlation id; unmatched responses are dropped and logged, never fatal.
func (b *Bus) Send(ctx context.Context, msg core.Message) (*Handle, error) {
	if err := core.Validate(msg); err != nil {
		return nil, err
	}

	switch msg.Type {
	case core.TypeBroadcast:
		return b.sendBroadcast(ctx, msg)
	case core.TypeEvent:
		return b.sendEvent(ctx, msg)
	case core.TypeResponse:
		b.acceptResponse(ctx, msg)
		return &Handle{MessageID: msg.ID}, nil
	default:
		return b.sendRequest(ctx, msg)
	}
}

func (b *Bus) sendBroadcast(ctx context.Context, msg core.Message) (*Handle, error) {
	targets := b.reg.EnabledIDs()
	for _, id := range targets {
		if err := b.queue.Enqueue(id, msg); err != nil {
			b.log.Warn("bus.broadcast.skipped",
				slog.String("role", id),
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	b.sent.Add(1)
	b.metrics.RecordSent(ctx, string(msg.Type), core.BroadcastTarget)
	b.log.Debug("bus.broadcast",
		slog.String("message_id", msg.ID),
		slog.String("action", msg.Action),
		slog.Int("targets", len(targets)),
	)
	return &Handle{MessageID: msg.ID}, nil
}

func (b *Bus) sendEvent(ctx context.Context, msg core.Message) (*Handle, error) {
	if err := b.queue.Enqueue(msg.ToRole, msg); err != nil {
		return nil, err
	}
	b.sent.Add(1)
	b.metrics.RecordSent(ctx, string(msg.Type), msg.ToRole)
	return &Handle{MessageID: msg.ID}, nil
}

func (b *Bus) sendRequest(ctx context.Context, msg core.Message) (*Handle, error) {
	if err := b.reg.Dispatchable(msg.ToRole); err != nil {
		return nil, err
	}
	desc, err := b.reg.Get(msg.ToRole)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pr := &pendingRequest{
		msg:               msg,
		roleID:            msg.ToRole,
		attemptsRemaining: desc.RetryAttempts,
		state:             StateSent,
		sentAt:            now,
		done:              make(chan Result, 1),
	}
	pr.guard = time.AfterFunc(b.requestBudget(desc), func() {
		b.expire(msg)
	})
	b.pending.add(pr)

	if err := b.queue.Enqueue(msg.ToRole, msg); err != nil {
		b.pending.remove(msg.ID)
		return nil, err
	}
	b.pending.setState(msg.ID, StateAwaiting)
	b.sent.Add(1)
	b.metrics.RecordSent(ctx, string(msg.Type), msg.ToRole)
	b.log.Debug("bus.send",
		slog.String("message_id", msg.ID),
		slog.String("from", msg.FromRole),
		slog.String("to", msg.ToRole),
		slog.String("action", msg.Action),
		slog.Int("priority", msg.Priority),
	)
	return &Handle{MessageID: msg.ID, done: pr.done}, nil
}

// requestBudget bounds one request end to end: every attempt may consume
// the role timeout plus the abandonment grace, with the retry delay
// between attempts. Past this the request resolves as timed out no matter
// what, so callers never block indefinitely.
func (b *Bus) requestBudget(desc core.RoleDescriptor) time.Duration {
	attempts := time.Duration(desc.RetryAttempts)
	return (attempts+1)*(desc.Timeout+b.grace) + attempts*desc.RetryDelay + time.Second
}

func (b *Bus) acceptResponse(ctx context.Context, msg core.Message) {
	pr := b.pending.resolve(msg.CorrelationID, Result{Response: msg}, StateResolved)
	if pr == nil {
		// Late, duplicate, or unknown correlation id.
		b.log.Info("bus.response.dropped",
			slog.String("message_id", msg.ID),
			slog.String("correlation_id", msg.CorrelationID),
		)
		return
	}
	b.recordDelivered(ctx, pr)
}

func (b *Bus) dispatchLoop(roleID string) {
	defer b.loopWG.Done()

	b.reg.MarkRunning(roleID)
	b.log.Debug("bus.dispatch.start", slog.String("role", roleID))

	for {
		if b.ctx.Err() != nil {
			return
		}
		// A restarted role waits here in starting until the loop resumes.
		if rt, err := b.reg.Runtime(roleID); err == nil && rt.State == core.RoleStarting {
			b.reg.MarkRunning(roleID)
			b.log.Info("bus.role.resumed", slog.String("role", roleID))
		}

		release, err := b.pool.Acquire(b.ctx, roleID)
		if err != nil {
			return
		}
		msg, ok := b.queue.Dequeue(b.ctx, roleID)
		if !ok {
			release()
			return
		}

		b.deliverWG.Add(1)
		go func() {
			defer b.deliverWG.Done()
			defer release()
			b.deliver(roleID, msg)
		}()
	}
}

func (b *Bus) deliver(roleID string, msg core.Message) {
	isRequest := msg.Type == core.TypeRequest
	if isRequest && b.pending.get(msg.ID) == nil {
		// The request already resolved (budget guard); don't run it.
		b.log.Debug("bus.dispatch.stale", slog.String("message_id", msg.ID))
		return
	}
	if err := b.reg.Dispatchable(roleID); err != nil {
		if isRequest {
			b.terminalFailure(roleID, msg, err)
		} else {
			b.log.Warn("bus.dispatch.dropped",
				slog.String("role", roleID),
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	ctx, span := b.tracer.Start(b.ctx, "Bus.Deliver", trace.WithAttributes(
		attribute.String("role", roleID),
		attribute.String("message.id", msg.ID),
		attribute.String("message.action", msg.Action),
		attribute.String("message.type", string(msg.Type)),
	))
	out := b.pool.Execute(ctx, roleID, msg)
	span.End()

	switch out.Kind {
	case worker.OutcomeSuccess:
		if !isRequest {
			return
		}
		pr := b.pending.resolve(msg.ID, Result{Response: out.Response}, StateResolved)
		if pr == nil {
			b.log.Debug("bus.outcome.dropped", slog.String("message_id", msg.ID))
			return
		}
		b.recordDelivered(ctx, pr)

	case worker.OutcomeAborted:
		// Shutdown; Stop drains the pending table.

	case worker.OutcomeTimeout, worker.OutcomeFailure:
		if !isRequest {
			b.log.Warn("bus.dispatch.failed",
				slog.String("role", roleID),
				slog.String("message_id", msg.ID),
				slog.String("error", out.Err.Error()),
			)
			return
		}
		b.retryOrFail(roleID, msg, out)
	}
}

// retryOrFail applies the retry policy after a transient outcome. The same
// message id is re-enqueued after the role's retry delay; idempotency is
// the handler's responsibility, the bus does not deduplicate side effects.
func (b *Bus) retryOrFail(roleID string, msg core.Message, out worker.Outcome) {
	consumed, exists := b.pending.consumeAttempt(msg.ID)
	if !exists {
		return
	}
	if !consumed {
		b.terminalFailure(roleID, msg, out.Err)
		return
	}

	desc, err := b.reg.Get(roleID)
	if err != nil {
		b.terminalFailure(roleID, msg, err)
		return
	}
	b.log.Info("bus.retry",
		slog.String("role", roleID),
		slog.String("message_id", msg.ID),
		slog.String("cause", string(errors.Code(out.Err))),
		slog.String("delay", desc.RetryDelay.String()),
	)
	time.AfterFunc(desc.RetryDelay, func() {
		if b.ctx.Err() != nil {
			return
		}
		if err := b.queue.Requeue(roleID, msg); err != nil {
			b.terminalFailure(roleID, msg, err)
			return
		}
		b.pending.setState(msg.ID, StateAwaiting)
	})
}

func (b *Bus) terminalFailure(roleID string, msg core.Message, cause error) {
	// The retry budget is spent; whatever the code says, the caller
	// must not retry this error.
	te := errors.AsTroupeError(cause).WithRecoverable(false)
	code := te.Code
	state := StateResolved
	if code == errors.CodeTimeout {
		state = StateTimedOut
	}
	pr := b.pending.resolve(msg.ID, Result{Err: te}, state)
	if pr == nil {
		return
	}
	b.failed.Add(1)
	b.deadLettered.Add(1)
	b.deadLetters.add(msg, code, cause.Error())
	b.metrics.RecordFailed(b.ctx, roleID, code)
	b.metrics.RecordDeadLetter(b.ctx, roleID)
	b.log.Warn("bus.deadletter",
		slog.String("role", roleID),
		slog.String("message_id", msg.ID),
		slog.String("code", string(code)),
	)
}

// expire fires when a request exceeds its whole budget without resolving.
func (b *Bus) expire(msg core.Message) {
	err := errors.New(errors.CodeTimeout, "request budget exhausted", nil).
		WithContext("message_id", msg.ID)
	pr := b.pending.resolve(msg.ID, Result{Err: err}, StateTimedOut)
	if pr == nil {
		return
	}
	b.failed.Add(1)
	b.deadLettered.Add(1)
	b.deadLetters.add(msg, errors.CodeTimeout, "request budget exhausted")
	b.metrics.RecordFailed(b.ctx, pr.roleID, errors.CodeTimeout)
	b.metrics.RecordDeadLetter(b.ctx, pr.roleID)
	b.log.Warn("bus.request.expired",
		slog.String("role", pr.roleID),
		slog.String("message_id", msg.ID),
	)
}

func (b *Bus) recordDelivered(ctx context.Context, pr *pendingRequest) {
	seconds := time.Since(pr.sentAt).Seconds()
	n := b.delivered.Add(1)

	b.avgMu.Lock()
	if n == 1 {
		b.avgDelivery = seconds
	} else {
		b.avgDelivery = (b.avgDelivery*float64(n-1) + seconds) / float64(n)
	}
	b.avgMu.Unlock()

	b.metrics.RecordDelivered(ctx, pr.roleID, seconds)
}

// Stats is a point-in-time snapshot of bus counters. DeadLettered counts
// all-time; DeadLetterBacklog is what the bounded record still retains.
type Stats struct {
	Sent               int64
	Delivered          int64
	Failed             int64
	DeadLettered       int64
	DeadLetterBacklog  int
	Pending            int
	AvgDeliverySeconds float64
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.avgMu.Lock()
	avg := b.avgDelivery
	b.avgMu.Unlock()
	return Stats{
		Sent:               b.sent.Load(),
		Delivered:          b.delivered.Load(),
		Failed:             b.failed.Load(),
		DeadLettered:       b.deadLettered.Load(),
		DeadLetterBacklog:  b.deadLetters.len(),
		Pending:            b.pending.size(),
		AvgDeliverySeconds: avg,
	}
}

// DeadLetters returns the bounded dead-letter record, oldest first.
func (b *Bus) DeadLetters() []DeadLetter {
	return b.deadLetters.list()
}

// QueueStats returns the backlog occupancy for one role.
func (b *Bus) QueueStats(roleID string) queue.Stats {
	return b.queue.StatsFor(roleID)
}

func (b *Bus) statsLoop() {
	defer b.loopWG.Done()

	ticker := time.NewTicker(b.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := b.Stats()
			b.log.Info("bus.stats",
				slog.Int64("sent", st.Sent),
				slog.Int64("delivered", st.Delivered),
				slog.Int64("failed", st.Failed),
				slog.Int64("dead_lettered", st.DeadLettered),
				slog.Int("dead_letter_backlog", st.DeadLetterBacklog),
				slog.Int("pending", st.Pending),
				slog.Float64("avg_delivery_seconds", st.AvgDeliverySeconds),
			)
			for _, id := range b.reg.IDs() {
				b.metrics.RecordQueueDepth(b.ctx, id, int64(b.queue.Depth(id)))
				if rt, err := b.reg.Runtime(id); err == nil {
					b.metrics.RecordActiveTasks(b.ctx, id, int64(rt.ActiveTasks))
				}
			}
		case <-b.ctx.Done():
			return
		}
	}
}
