package bus

import (
	"fmt"
	"testing"

	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/errors"
)

func TestDeadLetterRecordEvictsOldest(t *testing.T) {
	rec := newDeadLetterRecord(2)
	for i := 0; i < 3; i++ {
		rec.add(core.Message{ID: fmt.Sprintf("m%d", i)}, errors.CodeHandlerFailure, "boom")
	}

	if got := rec.len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	entries := rec.list()
	if entries[0].Message.ID != "m1" || entries[1].Message.ID != "m2" {
		t.Errorf("expected oldest entry evicted, got %q then %q",
			entries[0].Message.ID, entries[1].Message.ID)
	}
}
