package fieldaudit

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"sync/atomic"
)

// User types recorded in the change_context blob. These values are part of
// the persisted record shape and must not change.
const (
	UserTypeRequest = "RequestUser"
	UserTypeTTY     = "SystemTtyOwner"
	UserTypeProcess = "SystemProcessOwner"
)

// Auditor is a single strategy for resolving "who is responsible for this
// write". Implementations return a JSON-serializable change context, or nil
// to decline so the next auditor in the chain is consulted. Declining must
// never be expressed as an error: absence of ambient context is an ordinary
// condition.
type Auditor interface {
	ChangeContext(ctx context.Context) map[string]any
}

// Dispatcher holds the ordered auditor chain and resolves change context for
// each audited operation. The chain is established once at startup and never
// mutated afterwards, so concurrent reads need no locking.
type Dispatcher struct {
	auditors []Auditor
}

// NewDispatcher creates a dispatcher over the given chain. An empty chain
// falls back to DefaultAuditors.
func NewDispatcher(auditors []Auditor) *Dispatcher {
	if len(auditors) == 0 {
		auditors = DefaultAuditors()
	}
	return &Dispatcher{auditors: auditors}
}

// Dispatch cycles through the auditor chain and returns the first non-nil
// change context. Returns nil if the chain is exhausted.
func (d *Dispatcher) Dispatch(ctx context.Context) map[string]any {
	for _, auditor := range d.auditors {
		if changeContext := auditor.ChangeContext(ctx); changeContext != nil {
			return changeContext
		}
	}
	return nil
}

// DefaultAuditors returns the default chain: request-bound resolution first,
// then the system-user terminal fallback.
func DefaultAuditors() []Auditor {
	return []Auditor{&RequestAuditor{}, &SystemUserAuditor{}}
}

// RequestAuditor resolves users from authenticated requests via the
// RequestInfo attached to the operation context.
type RequestAuditor struct{}

// ChangeContext returns the request user, an empty context for anonymous
// requests, or nil when no request is in scope.
func (a *RequestAuditor) ChangeContext(ctx context.Context) map[string]any {
	info := RequestFrom(ctx)
	if info == nil {
		// cannot provide a request user without a request
		return nil
	}
	if info.Authenticated {
		changeContext := map[string]any{
			"user_type": UserTypeRequest,
			"username":  info.Username,
		}
		if info.RequestID != "" {
			changeContext["request_id"] = info.RequestID
		}
		if info.RemoteAddr != "" {
			changeContext["remote_addr"] = info.RemoteAddr
		}
		return changeContext
	}
	// short-circuit the audit chain for anonymous requests
	return map[string]any{}
}

// SystemUserAuditor resolves OS usernames. It is the terminal fallback of the
// default chain and never declines in practice: when no TTY owner can be
// determined it falls back to the owner of the current process.
type SystemUserAuditor struct {
	whoUnavailable atomic.Bool
}

// ChangeContext returns the login session owner when one can be determined
// (e.g. SSH sessions), otherwise the process owner.
func (a *SystemUserAuditor) ChangeContext(ctx context.Context) map[string]any {
	if username := a.ttyOwner(ctx); username != "" {
		return map[string]any{
			"user_type": UserTypeTTY,
			"username":  username,
		}
	}
	username := processOwner()
	if username == "" {
		return nil
	}
	return map[string]any{
		"user_type": UserTypeProcess,
		"username":  username,
	}
}

// ttyOwner returns the owner of the STDIN file on login sessions. The result
// of a missing `who` binary is cached so failed lookups happen once.
func (a *SystemUserAuditor) ttyOwner(ctx context.Context) string {
	if a.whoUnavailable.Load() {
		return ""
	}
	out, err := exec.CommandContext(ctx, "who", "-m").Output()
	if err != nil {
		a.whoUnavailable.Store(true)
		return ""
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func processOwner() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	// user.Current can fail in minimal containers without passwd entries.
	return os.Getenv("USER")
}
