package fieldaudit_test

import (
	"context"
	"testing"

	fieldaudit "github.com/dimagi/field-audit"
)

func TestDispatcherOrder(t *testing.T) {
	declining := auditorFunc(func(context.Context) map[string]any { return nil })
	first := auditorFunc(func(context.Context) map[string]any {
		return map[string]any{"username": "first"}
	})
	second := auditorFunc(func(context.Context) map[string]any {
		return map[string]any{"username": "second"}
	})

	t.Run("first_resolution_wins", func(t *testing.T) {
		d := fieldaudit.NewDispatcher([]fieldaudit.Auditor{first, second})
		got := d.Dispatch(context.Background())
		if got["username"] != "first" {
			t.Errorf("expected the first auditor to win, got %v", got)
		}
	})

	t.Run("declined_auditors_skipped", func(t *testing.T) {
		d := fieldaudit.NewDispatcher([]fieldaudit.Auditor{declining, second})
		got := d.Dispatch(context.Background())
		if got["username"] != "second" {
			t.Errorf("expected decline to fall through, got %v", got)
		}
	})

	t.Run("all_decline", func(t *testing.T) {
		d := fieldaudit.NewDispatcher([]fieldaudit.Auditor{declining, declining})
		if got := d.Dispatch(context.Background()); got != nil {
			t.Errorf("expected nil when every auditor declines, got %v", got)
		}
	})

	t.Run("empty_map_short_circuits", func(t *testing.T) {
		anonymous := auditorFunc(func(context.Context) map[string]any {
			return map[string]any{}
		})
		d := fieldaudit.NewDispatcher([]fieldaudit.Auditor{anonymous, second})
		got := d.Dispatch(context.Background())
		if got == nil || len(got) != 0 {
			t.Errorf("expected an empty change context to stop the chain, got %v", got)
		}
	})
}

type auditorFunc func(context.Context) map[string]any

func (f auditorFunc) ChangeContext(ctx context.Context) map[string]any { return f(ctx) }

func TestRequestAuditor(t *testing.T) {
	auditor := fieldaudit.RequestAuditor{}

	t.Run("no_request_declines", func(t *testing.T) {
		if got := auditor.ChangeContext(context.Background()); got != nil {
			t.Errorf("expected decline without request info, got %v", got)
		}
	})

	t.Run("authenticated_request", func(t *testing.T) {
		ctx := fieldaudit.WithRequest(context.Background(), &fieldaudit.RequestInfo{
			Username:      "alice",
			Authenticated: true,
			RemoteAddr:    "10.0.0.1",
			RequestID:     "req-1",
		})
		got := auditor.ChangeContext(ctx)
		if got["user_type"] != fieldaudit.UserTypeRequest {
			t.Errorf("expected user_type %q, got %v", fieldaudit.UserTypeRequest, got)
		}
		if got["username"] != "alice" || got["request_id"] != "req-1" {
			t.Errorf("unexpected change context %v", got)
		}
	})

	t.Run("anonymous_request", func(t *testing.T) {
		ctx := fieldaudit.WithRequest(context.Background(), &fieldaudit.RequestInfo{
			Method: "GET",
			Path:   "/health",
		})
		got := auditor.ChangeContext(ctx)
		if got == nil || len(got) != 0 {
			t.Errorf("expected an empty change context for anonymous requests, got %v", got)
		}
	})
}

func TestSystemUserAuditor(t *testing.T) {
	auditor := &fieldaudit.SystemUserAuditor{}
	got := auditor.ChangeContext(context.Background())
	if got == nil {
		t.Fatal("expected the system auditor to always resolve")
	}
	username, _ := got["username"].(string)
	if username == "" {
		t.Error("expected a non-empty username")
	}
	switch got["user_type"] {
	case fieldaudit.UserTypeTTY, fieldaudit.UserTypeProcess:
	default:
		t.Errorf("unexpected user_type %v", got["user_type"])
	}
}

func TestDefaultAuditors(t *testing.T) {
	auditors := fieldaudit.DefaultAuditors()
	if len(auditors) != 2 {
		t.Fatalf("expected request and system auditors, got %d", len(auditors))
	}

	d := fieldaudit.NewDispatcher(auditors)
	ctx := fieldaudit.WithRequest(context.Background(), &fieldaudit.RequestInfo{
		Username:      "alice",
		Authenticated: true,
	})
	got := d.Dispatch(ctx)
	if got["user_type"] != fieldaudit.UserTypeRequest {
		t.Errorf("expected the request auditor to take precedence, got %v", got)
	}
}
