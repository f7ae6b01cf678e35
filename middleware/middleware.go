// Package middleware attaches request actor context for the field-audit
// auditor chain to Gin requests.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	fieldaudit "github.com/dimagi/field-audit"
	"github.com/dimagi/field-audit/internal/logger"
)

// Option customizes the audit middleware.
type Option func(*options)

type options struct {
	jwtSecret   []byte
	usernameKey string
}

// WithJWTSecret resolves the request user from the Authorization bearer
// token's "sub" claim, verified against the given HMAC secret.
func WithJWTSecret(secret string) Option {
	return func(o *options) { o.jwtSecret = []byte(secret) }
}

// WithUsernameKey resolves the request user from a Gin context key set by an
// upstream authentication middleware.
func WithUsernameKey(key string) Option {
	return func(o *options) { o.usernameKey = key }
}

// Audit returns a Gin middleware that attaches request information to the
// request context for the duration of the request, so writes issued by the
// handler (via db.WithContext(c.Request.Context())) are attributed to the
// request user. Requests without a resolvable user are still marked as
// request-scoped, which is distinct from no request at all.
func Audit(opts ...Option) gin.HandlerFunc {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *gin.Context) {
		info := &fieldaudit.RequestInfo{
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			RemoteAddr: c.ClientIP(),
			RequestID:  requestID(c),
		}
		if username := resolveUsername(c, &o); username != "" {
			info.Username = username
			info.Authenticated = true
		}

		ctx := fieldaudit.WithRequest(c.Request.Context(), info)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// requestID reuses an upstream request ID header when present so audit
// events correlate with request logs.
func requestID(c *gin.Context) string {
	if id := c.Writer.Header().Get("X-Request-ID"); id != "" {
		return id
	}
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

func resolveUsername(c *gin.Context, o *options) string {
	if o.usernameKey != "" {
		if username := c.GetString(o.usernameKey); username != "" {
			return username
		}
	}
	if len(o.jwtSecret) > 0 {
		if username := usernameFromBearer(c, o.jwtSecret); username != "" {
			return username
		}
	}
	return ""
}

func usernameFromBearer(c *gin.Context, secret []byte) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		// An unverifiable token means an anonymous request, not an error:
		// the auditor chain falls through to its system fallback anyway.
		logger.Get().Debugw("audit middleware could not verify bearer token", "error", err)
		return ""
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}
