package bus

import (
	"sync"
	"time"

	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/errors"
)

// DefaultDeadLetterCapacity bounds the in-memory dead-letter record.
const DefaultDeadLetterCapacity = 256

// DeadLetter records a message that exhausted its retry budget.
type DeadLetter struct {
	Message core.Message
	Code    errors.ErrorCode
	Reason  string
	At      time.Time
}

// deadLetterRecord is a bounded in-memory ring; when full, the oldest entry
// is evicted. There is no persistence on purpose.
type deadLetterRecord struct {
	mu      sync.Mutex
	max     int
	entries []DeadLetter
}

func newDeadLetterRecord(max int) *deadLetterRecord {
	if max <= 0 {
		max = DefaultDeadLetterCapacity
	}
	return &deadLetterRecord{max: max}
}

func (d *deadLetterRecord) add(msg core.Message, code errors.ErrorCode, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.entries) >= d.max {
		d.entries = d.entries[1:]
	}
	d.entries = append(d.entries, DeadLetter{
		Message: msg,
		Code:    code,
		Reason:  reason,
		At:      time.Now().UTC(),
	})
}

// list returns a copy, oldest first.
func (d *deadLetterRecord) list() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]DeadLetter, len(d.entries))
	copy(out, d.entries)
	return out
}

func (d *deadLetterRecord) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
