package core

import (
	"testing"

	"github.com/jllopis/troupe/pkg/errors"
)

func TestNewRequest(t *testing.T) {
	msg := NewRequest("planner", "parser", "parse_document", map[string]any{"path": "a.pdf"}, PriorityHigh)
	if msg.ID == "" {
		t.Fatalf("expected generated id")
	}
	if msg.Type != TypeRequest {
		t.Fatalf("expected request type, got %s", msg.Type)
	}
	if msg.FromRole != "planner" || msg.ToRole != "parser" {
		t.Fatalf("unexpected addressing: %s -> %s", msg.FromRole, msg.ToRole)
	}
	if msg.CreatedAt.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
	if err := Validate(msg); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
}

func TestNewResponseCorrelates(t *testing.T) {
	req := NewRequest("planner", "parser", "parse_document", nil, PriorityNormal)
	resp := NewResponse(req, map[string]any{"ok": true})

	if resp.CorrelationID != req.ID {
		t.Errorf("expected correlation_id %s, got %s", req.ID, resp.CorrelationID)
	}
	if resp.FromRole != "parser" || resp.ToRole != "planner" {
		t.Errorf("expected swapped addressing, got %s -> %s", resp.FromRole, resp.ToRole)
	}
	if resp.ID == req.ID {
		t.Errorf("response must carry its own id")
	}
	if resp.Priority != req.Priority {
		t.Errorf("expected inherited priority")
	}
	if err := Validate(resp); err != nil {
		t.Errorf("expected valid response, got %v", err)
	}
}

func TestNewBroadcastTargetsWildcard(t *testing.T) {
	msg := NewBroadcast("monitor", "health_check", nil)
	if msg.ToRole != BroadcastTarget {
		t.Errorf("expected wildcard target, got %q", msg.ToRole)
	}
	if err := Validate(msg); err != nil {
		t.Errorf("expected valid broadcast, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{"empty from", Message{ID: "1", ToRole: "a", Type: TypeRequest, Action: "x"}},
		{"empty action", Message{ID: "1", FromRole: "a", ToRole: "b", Type: TypeRequest}},
		{"wildcard request", Message{ID: "1", FromRole: "a", ToRole: "*", Type: TypeRequest, Action: "x"}},
		{"empty request target", Message{ID: "1", FromRole: "a", Type: TypeRequest, Action: "x"}},
		{"response without correlation", Message{ID: "1", FromRole: "a", ToRole: "b", Type: TypeResponse, Action: "x"}},
		{"broadcast with named target", Message{ID: "1", FromRole: "a", ToRole: "b", Type: TypeBroadcast, Action: "x"}},
		{"unknown type", Message{ID: "1", FromRole: "a", ToRole: "b", Type: "telegram", Action: "x"}},
	}
	for _, tc := range cases {
		err := Validate(tc.msg)
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		if !errors.IsCode(err, errors.CodeValidation) {
			t.Errorf("%s: expected VALIDATION_ERROR, got %v", tc.name, err)
		}
	}
}

func TestDescriptorNormalize(t *testing.T) {
	d := RoleDescriptor{RoleID: "parser"}.Normalize()
	if d.MaxConcurrentTasks != 1 {
		t.Errorf("expected concurrency default of 1, got %d", d.MaxConcurrentTasks)
	}
	if d.Timeout <= 0 {
		t.Errorf("expected positive default timeout")
	}
}
