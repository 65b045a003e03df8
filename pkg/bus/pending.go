package bus

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/errors"
)

// RequestState tracks one pending request through its bounded lifecycle:
// sent -> awaiting_response -> resolved | timed_out | retrying.
type RequestState string

const (
	StateSent     RequestState = "sent"
	StateAwaiting RequestState = "awaiting_response"
	StateRetrying RequestState = "retrying"
	StateResolved RequestState = "resolved"
	StateTimedOut RequestState = "timed_out"
)

// Result is the terminal outcome of a request.
type Result struct {
	Response core.Message
	Err      error
}

// Handle lets the sender await a request's terminal outcome. Fire-and-forget
// sends return a handle that carries only the message id.
type Handle struct {
	// MessageID is the id generated for the sent message.
	MessageID string

	done <-chan Result
}

// Awaitable reports whether the handle tracks a pending request.
func (h *Handle) Awaitable() bool {
	return h != nil && h.done != nil
}

// Await blocks until the request resolves or ctx ends. Exactly one terminal
// outcome is ever delivered per request.
func (h *Handle) Await(ctx context.Context) (core.Message, error) {
	if !h.Awaitable() {
		return core.Message{}, errors.New(errors.CodeValidation, "message is fire-and-forget", nil).
			WithContext("message_id", h.MessageID)
	}
	select {
	case res := <-h.done:
		return res.Response, res.Err
	case <-ctx.Done():
		return core.Message{}, errors.New(errors.CodeTimeout, "await cancelled", ctx.Err()).
			WithContext("message_id", h.MessageID)
	}
}

// pendingRequest is the bus-side bookkeeping for one in-flight request.
type pendingRequest struct {
	msg               core.Message
	roleID            string
	attemptsRemaining int
	state             RequestState
	sentAt            time.Time
	done              chan Result
	guard             *time.Timer
}

// pendingTable maps message ids to pending requests. Removal under the lock
// is what makes resolution exactly-once: only the goroutine that removes an
// entry delivers its result.
type pendingTable struct {
	mu   sync.Mutex
	byID map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{byID: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(pr *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[pr.msg.ID] = pr
}

func (t *pendingTable) get(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[id]
}

func (t *pendingTable) setState(id string, state RequestState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pr, ok := t.byID[id]; ok {
		pr.state = state
	}
}

// consumeAttempt decrements the retry budget if any remains. It reports
// whether an attempt was consumed and whether the entry still exists.
// remove discards a pending request without completing its handle. Used
// when enqueueing the request failed and the caller gets the error
// directly instead.
func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pr, ok := t.byID[id]; ok {
		if pr.guard != nil {
			pr.guard.Stop()
		}
		delete(t.byID, id)
	}
}

func (t *pendingTable) consumeAttempt(id string) (consumed, exists bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.byID[id]
	if !ok {
		return false, false
	}
	if pr.attemptsRemaining <= 0 {
		return false, true
	}
	pr.attemptsRemaining--
	pr.state = StateRetrying
	return true, true
}

// resolve removes the entry and delivers the result. It returns the removed
// entry, or nil when the request was already resolved.
func (t *pendingTable) resolve(id string, res Result, terminal RequestState) *pendingRequest {
	t.mu.Lock()
	pr, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.byID, id)
	pr.state = terminal
	if pr.guard != nil {
		pr.guard.Stop()
	}
	t.mu.Unlock()

	pr.done <- res
	return pr
}

// drain removes every pending entry, delivering err to each awaiting caller.
func (t *pendingTable) drain(err error) {
	t.mu.Lock()
	entries := make([]*pendingRequest, 0, len(t.byID))
	for id, pr := range t.byID {
		delete(t.byID, id)
		if pr.guard != nil {
			pr.guard.Stop()
		}
		pr.state = StateTimedOut
		entries = append(entries, pr)
	}
	t.mu.Unlock()

	for _, pr := range entries {
		pr.done <- Result{Err: err}
	}
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
