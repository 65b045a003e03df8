// Package worker executes role handlers on bounded per-role slots.
//
// Each role gets max_concurrent_tasks execution slots. Submit acquires a
// slot, invokes the role's handler, and races completion against the
// role's timeout. Cancellation is cooperative: the handler receives a
// cancelled context and must release promptly; one that ignores it past a
// bounded grace period loses its slot and is recorded as a failure.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/errors"
	"github.com/jllopis/troupe/pkg/registry"
)

// DefaultAbandonGrace is how long a timed-out handler may run past its
// cancellation signal before its slot is forcibly abandoned.
const DefaultAbandonGrace = time.Second

// OutcomeKind classifies the result of one handler invocation.
type OutcomeKind string

const (
	// OutcomeSuccess means the handler returned a response in time.
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeTimeout means the handler exceeded the role's timeout and
	// honored cancellation within the grace period.
	OutcomeTimeout OutcomeKind = "timeout"

	// OutcomeFailure means the handler returned an error, panicked, or
	// ignored cancellation past the grace period.
	OutcomeFailure OutcomeKind = "failure"

	// OutcomeAborted means the caller's context ended before or during
	// execution (shutdown); the invocation is not retried.
	OutcomeAborted OutcomeKind = "aborted"
)

// Outcome is the result of Submit.
type Outcome struct {
	Kind     OutcomeKind
	Response core.Message
	Err      error
}

type handlerResult struct {
	resp core.Message
	err  error
}

// Pool manages the execution slots of all roles.
type Pool struct {
	reg   *registry.Registry
	grace time.Duration
	log   *slog.Logger

	mu    sync.Mutex
	slots map[string]chan struct{}

	// wg tracks Submit invocations so shutdown can drain in-flight work.
	// An abandoned handler does not hold the drain hostage: Submit has
	// already returned for it.
	wg sync.WaitGroup
}

// New creates a worker pool over the registry. grace bounds how long a
// timed-out handler may ignore cancellation; zero selects the default.
func New(reg *registry.Registry, grace time.Duration) *Pool {
	if grace <= 0 {
		grace = DefaultAbandonGrace
	}
	return &Pool{
		reg:   reg,
		grace: grace,
		log:   slog.Default(),
		slots: make(map[string]chan struct{}),
	}
}

func (p *Pool) slotsFor(roleID string, capacity int) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.slots[roleID]
	if !ok {
		ch = make(chan struct{}, capacity)
		p.slots[roleID] = ch
	}
	return ch
}

// Acquire blocks until one of the role's execution slots is free and
// returns a release function. The dispatch loop acquires before dequeuing
// so it suspends while the pool is saturated instead of pulling backlog.
func (p *Pool) Acquire(ctx context.Context, roleID string) (func(), error) {
	desc, err := p.reg.Get(roleID)
	if err != nil {
		return nil, err
	}
	slots := p.slotsFor(roleID, desc.MaxConcurrentTasks)
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-slots })
	}, nil
}

// Submit runs a role's handler for one message. It blocks while all of the
// role's slots are busy, then races the handler against the role's timeout.
func (p *Pool) Submit(ctx context.Context, roleID string, msg core.Message) Outcome {
	release, err := p.Acquire(ctx, roleID)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeAborted, Err: ctx.Err()}
		}
		return Outcome{Kind: OutcomeFailure, Err: err}
	}
	defer release()
	return p.Execute(ctx, roleID, msg)
}

// Execute runs the handler for a message on an already-acquired slot. The
// caller owns the slot and must release it after Execute returns.
func (p *Pool) Execute(ctx context.Context, roleID string, msg core.Message) Outcome {
	desc, err := p.reg.Get(roleID)
	if err != nil {
		return Outcome{Kind: OutcomeFailure, Err: err}
	}
	handler, err := p.reg.Handler(roleID)
	if err != nil {
		return Outcome{Kind: OutcomeFailure, Err: err}
	}

	p.wg.Add(1)
	defer p.wg.Done()

	p.reg.TaskStarted(roleID)
	defer p.reg.TaskFinished(roleID)

	hctx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()
	hctx = core.WithRole(core.WithMessage(hctx, msg), roleID)

	resCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- handlerResult{err: errors.New(errors.CodeHandlerFailure, "handler panicked", fmt.Errorf("%v", r)).
					WithContext("role", roleID)}
			}
		}()
		resp, herr := handler.Handle(hctx, msg)
		resCh <- handlerResult{resp: resp, err: herr}
	}()

	select {
	case res := <-resCh:
		return p.settle(roleID, msg, res)

	case <-hctx.Done():
		if ctx.Err() != nil {
			// The caller cancelled, not the timeout. Give the handler
			// the grace period, then let go either way.
			select {
			case <-resCh:
			case <-time.After(p.grace):
			}
			return Outcome{Kind: OutcomeAborted, Err: ctx.Err()}
		}

		// Timeout fired; the handler sees a cancelled context and must
		// release within the grace period.
		select {
		case <-resCh:
			return Outcome{
				Kind: OutcomeTimeout,
				Err: errors.New(errors.CodeTimeout, "handler exceeded role timeout", hctx.Err()).
					WithContext("role", roleID).
					WithContext("timeout", desc.Timeout.String()).
					WithContext("message_id", msg.ID),
			}
		case <-time.After(p.grace):
			// Forced abandonment: the goroutine keeps running but the
			// slot goes back to the pool. Logged as a leak risk.
			p.log.Warn("worker.slot.abandoned",
				slog.String("role", roleID),
				slog.String("message_id", msg.ID),
				slog.String("grace", p.grace.String()),
			)
			p.recordFailure(roleID)
			return Outcome{
				Kind: OutcomeFailure,
				Err: errors.New(errors.CodeHandlerFailure, "handler ignored cancellation past grace period", nil).
					WithContext("role", roleID).
					WithContext("message_id", msg.ID),
			}
		}
	}
}

func (p *Pool) settle(roleID string, msg core.Message, res handlerResult) Outcome {
	if res.err != nil {
		p.recordFailure(roleID)
		return Outcome{
			Kind: OutcomeFailure,
			Err: errors.New(errors.CodeHandlerFailure, "handler returned an error", res.err).
				WithContext("role", roleID).
				WithContext("message_id", msg.ID),
		}
	}
	p.reg.RecordSuccess(roleID)
	return Outcome{Kind: OutcomeSuccess, Response: res.resp}
}

// recordFailure books the failure and triggers the restart transition for
// auto-restarting roles. The role lands in starting; the dispatch loop
// marks it running when it resumes.
func (p *Pool) recordFailure(roleID string) {
	state := p.reg.RecordFailure(roleID)
	if state != core.RoleFailed {
		return
	}
	if !p.reg.AutoRestart(roleID) {
		p.log.Warn("worker.role.failed",
			slog.String("role", roleID),
			slog.String("state", string(state)),
		)
		return
	}
	if err := p.reg.Restart(roleID); err != nil {
		p.log.Error("worker.role.restart_failed",
			slog.String("role", roleID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.log.Info("worker.role.restarting", slog.String("role", roleID))
}

// Drain waits for in-flight Submit calls to finish, up to ctx's deadline.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
