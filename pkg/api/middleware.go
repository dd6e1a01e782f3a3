package api

import (
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jarvislabs/jarvis/pkg/apperr"
)

const userKey = "jarvis.user"

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	UserFor(token string) (string, bool)
}

// TokenAuth is the static token table. An empty table is dev mode: any
// non-empty bearer token names its own user.
type TokenAuth map[string]string

func (t TokenAuth) UserFor(token string) (string, bool) {
	if len(t) == 0 {
		return token, token != ""
	}
	user, ok := t[token]
	return user, ok
}

// requireAuth extracts the bearer token and stashes the resolved user id in
// the request context.
func requireAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(c, apperr.New(apperr.KindAuthentication, apperr.CodeAccessDenied,
				"missing or malformed bearer token"))
			c.Abort()
			return
		}
		user, ok := auth.UserFor(token)
		if !ok {
			writeError(c, apperr.New(apperr.KindAuthentication, apperr.CodeAccessDenied,
				"unknown bearer token"))
			c.Abort()
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// currentUser returns the authenticated user id set by requireAuth.
func currentUser(c *gin.Context) string {
	return c.GetString(userKey)
}

// userLimiter hands out one token bucket per user.
type userLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perMinute int
}

func newUserLimiter(perMinute int) *userLimiter {
	return &userLimiter{limiters: make(map[string]*rate.Limiter), perMinute: perMinute}
}

func (l *userLimiter) limiter(user string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[user]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)
		l.limiters[user] = lim
	}
	return lim
}

// rateLimit rejects requests over the per-user budget with 429 and
// Retry-After. A non-positive limit disables the middleware.
func rateLimit(perMinute int) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiters := newUserLimiter(perMinute)
	return func(c *gin.Context) {
		if !limiters.limiter(currentUser(c)).Allow() {
			writeError(c, apperr.Newf(apperr.KindRateLimit, apperr.CodeCapacityExceeded,
				"rate limit of %d requests per minute exceeded", perMinute))
			c.Abort()
			return
		}
		c.Next()
	}
}

var idempotencyKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// idempotencyKey validates and returns the Idempotency-Key header. An empty
// header is fine; a malformed one is a validation error.
func idempotencyKey(c *gin.Context) (string, error) {
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		return "", nil
	}
	if !idempotencyKeyRe.MatchString(key) {
		return "", apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest,
			"Idempotency-Key may only contain letters, digits, '-' and '_'")
	}
	return key, nil
}
