package fieldaudit

// AuditError is the structured error type used across the library. Every
// error surfaced to callers carries a stable code so host applications can
// branch on failure kind without matching message text.
type AuditError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Internal error  `json:"-"`
}

// Error implements the error interface.
func (e *AuditError) Error() string { return e.Message }

// Unwrap returns the internal error for use with errors.Is/As.
func (e *AuditError) Unwrap() error { return e.Internal }

// Wrap creates a new AuditError with the same code/message but wraps an internal error.
func Wrap(sentinel *AuditError, internal error) *AuditError {
	return &AuditError{
		Code:     sentinel.Code,
		Message:  sentinel.Message,
		Internal: internal,
	}
}

// WithMessage creates a new AuditError with a custom message.
func WithMessage(sentinel *AuditError, message string) *AuditError {
	return &AuditError{
		Code:     sentinel.Code,
		Message:  message,
		Internal: sentinel.Internal,
	}
}

// Configuration errors, raised at registration time.
var (
	ErrAlreadyAudited           = &AuditError{Code: "ALREADY_AUDITED", Message: "model is already registered for auditing"}
	ErrNoAuditFields            = &AuditError{Code: "NO_AUDIT_FIELDS", Message: "at least one field name is required"}
	ErrUnknownField             = &AuditError{Code: "UNKNOWN_FIELD", Message: "field does not exist on the audited model"}
	ErrSpecialWritesUnsupported = &AuditError{Code: "SPECIAL_WRITES_UNSUPPORTED", Message: "model does not implement SpecialWriteAuditor"}
	ErrInvalidModel             = &AuditError{Code: "INVALID_MODEL", Message: "expected a pointer to a model struct"}
)

// Caller-usage errors, raised at call time.
var (
	ErrNotRegistered      = &AuditError{Code: "NOT_REGISTERED", Message: "model is not registered for auditing"}
	ErrMissingAuditAction = &AuditError{Code: "MISSING_AUDIT_ACTION", Message: "bulk write requires an explicit AuditAction"}
	ErrNotAssociation     = &AuditError{Code: "NOT_ASSOCIATION", Message: "field is not a many2many association"}
)

// Placeholder for the deliberately unfinished bulk-update audit path.
var ErrBulkUpdateUnimplemented = &AuditError{Code: "BULK_UPDATE_UNIMPLEMENTED", Message: "auditing bulk updates is not implemented"}

// Internal-state errors.
var (
	ErrActorUnresolved = &AuditError{Code: "ACTOR_UNRESOLVED", Message: "auditor chain failed to resolve a change context"}
	ErrEncodeValue     = &AuditError{Code: "ENCODE_VALUE", Message: "failed to encode audited field value"}
)
