package fieldaudit

import "context"

type ctxKey int

const (
	requestCtxKey ctxKey = iota
	actionCtxKey
	enabledCtxKey
)

// RequestInfo describes the web request responsible for a write. The
// middleware package attaches it to the request context; the RequestAuditor
// reads it back when resolving "who made this change".
type RequestInfo struct {
	Username      string
	Authenticated bool
	Method        string
	Path          string
	RemoteAddr    string
	RequestID     string
}

// WithRequest returns a context carrying request information for the
// auditor chain.
func WithRequest(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, requestCtxKey, info)
}

// RequestFrom returns the request information attached to ctx, or nil when
// the write happens outside any request scope.
func RequestFrom(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(requestCtxKey).(*RequestInfo)
	return info
}

// WithAuditAction returns a context carrying an explicit audit directive for
// bulk writes. Collection methods attach it automatically; callers issuing
// raw GORM bulk writes on special-write models must attach it themselves.
func WithAuditAction(ctx context.Context, action AuditAction) context.Context {
	return context.WithValue(ctx, actionCtxKey, action)
}

func auditActionFrom(ctx context.Context) (AuditAction, bool) {
	action, ok := ctx.Value(actionCtxKey).(AuditAction)
	return action, ok
}

// WithAuditDisabled returns a context that suppresses audit event creation
// for writes issued with it, overriding the plugin configuration.
func WithAuditDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, enabledCtxKey, false)
}

// WithAuditEnabled returns a context that forces audit event creation even
// when the plugin is configured as disabled.
func WithAuditEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, enabledCtxKey, true)
}

func auditEnabledOverride(ctx context.Context) (enabled, ok bool) {
	enabled, ok = ctx.Value(enabledCtxKey).(bool)
	return enabled, ok
}
