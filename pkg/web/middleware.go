package web

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/fluxorio/threadpool/pkg/core"
)

// Recovery turns a handler panic into a 500 response.
func Recovery(logger core.Logger) FastMiddleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("panic in %s %s (recovered): %v\n%s", ctx.Method(), ctx.Path(), r, debug.Stack())
					ctx.ResetBody()
					ctx.Error(`{"error":"internal_server_error"}`, fasthttp.StatusInternalServerError)
					ctx.SetContentType("application/json")
				}
			}()
			next(ctx)
		}
	}
}

// Logging logs every request at debug level.
func Logging(logger core.Logger) FastMiddleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			logger.Debugf("%s %s %d %s", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start))
		}
	}
}

// SecurityHeaders sets the response headers every admin endpoint carries.
// The admin surface serves JSON and text only, so the CSP forbids everything.
func SecurityHeaders() FastMiddleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			next(ctx)
			h := &ctx.Response.Header
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")
		}
	}
}

// HeaderAPIKey carries the admin API key.
const HeaderAPIKey = "X-API-Key"

// Credential reports whether a request carries a valid credential.
type Credential func(ctx *fasthttp.RequestCtx) bool

// APIKeyCredential accepts an X-API-Key matching the bcrypt hash. Panics on
// a malformed hash.
func APIKeyCredential(hash string) Credential {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		panic(fmt.Sprintf("APIKey: invalid bcrypt hash: %v", err))
	}
	return func(ctx *fasthttp.RequestCtx) bool {
		key := ctx.Request.Header.Peek(HeaderAPIKey)
		return len(key) > 0 && bcrypt.CompareHashAndPassword([]byte(hash), key) == nil
	}
}

// BearerCredential accepts an "Authorization: Bearer <token>" header holding
// an unexpired HS256 token signed with secret. Panics on an empty secret.
func BearerCredential(secret []byte) Credential {
	if len(secret) == 0 {
		panic("JWT: secret must not be empty")
	}
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	}
	return func(ctx *fasthttp.RequestCtx) bool {
		scheme, tokenString, ok := strings.Cut(string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
			return false
		}
		token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, keyFunc,
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		)
		return err == nil && token.Valid
	}
}

// NewToken signs an HS256 token for subject that BearerCredential accepts
// until ttl has passed.
func NewToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// RequireCredential answers 401 unless one of creds accepts the request.
// Paths in skip are served without a credential.
func RequireCredential(skip []string, creds ...Credential) FastMiddleware {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if _, ok := skipped[string(ctx.Path())]; ok {
				next(ctx)
				return
			}
			for _, accept := range creds {
				if accept(ctx) {
					next(ctx)
					return
				}
			}
			ctx.Response.Header.Set(fasthttp.HeaderWWWAuthenticate, `Bearer realm="threadpool-admin", error="invalid_token"`)
			ctx.Error(`{"error":"unauthorized"}`, fasthttp.StatusUnauthorized)
			ctx.SetContentType("application/json")
		}
	}
}

// APIKey rejects requests whose X-API-Key does not match the bcrypt hash.
// Paths in skip are served without a key. Panics on a malformed hash.
func APIKey(hash string, skip ...string) FastMiddleware {
	return RequireCredential(skip, APIKeyCredential(hash))
}

// JWT rejects requests without a valid HS256 bearer token. Paths in skip
// are served without one.
func JWT(secret []byte, skip ...string) FastMiddleware {
	return RequireCredential(skip, BearerCredential(secret))
}

// rateLimitIdle is how long a client's limiter is kept after its last
// request.
const rateLimitIdle = 10 * time.Minute

// RateLimit allows each client IP rps requests per second with the given
// burst, answering 429 beyond that. Limiters of clients idle for ten
// minutes are evicted.
func RateLimit(rps float64, burst int) FastMiddleware {
	limiters := newClientLimiters(rps, burst, rateLimitIdle, time.Now)

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if !limiters.allow(ctx.RemoteIP().String()) {
				ctx.Error(`{"error":"rate_limited"}`, fasthttp.StatusTooManyRequests)
				ctx.SetContentType("application/json")
				return
			}
			next(ctx)
		}
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters holds one token bucket per client. Idle entries are swept
// at most once per idle period, on the request path.
type clientLimiters struct {
	rps   rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	entries   map[string]*clientLimiter
	lastSweep time.Time
}

func newClientLimiters(rps float64, burst int, idle time.Duration, now func() time.Time) *clientLimiters {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiters{
		rps:       rate.Limit(rps),
		burst:     burst,
		idle:      idle,
		now:       now,
		entries:   make(map[string]*clientLimiter),
		lastSweep: now(),
	}
}

func (l *clientLimiters) allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		for key, e := range l.entries {
			if now.Sub(e.lastSeen) >= l.idle {
				delete(l.entries, key)
			}
		}
		l.lastSweep = now
	}
	e, ok := l.entries[ip]
	if !ok {
		e = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

func (l *clientLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
