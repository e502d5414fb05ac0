package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-conference-auth/middleware/jwtware"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
)

const (
	// HeaderInternalAPIKey carries the pre-shared key of trusted services
	HeaderInternalAPIKey = "X-Internal-Api-Key"
	// ClaimsContextKey is the router locals key holding *SessionClaims
	ClaimsContextKey = "user"
)

// ErrorResponse is the JSON body written for every failed request
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code     int    `json:"code"`
	TextCode string `json:"text_code,omitempty"`
	Message  string `json:"message"`
}

func statusForCategory(richErr *errors.Error) int {
	switch richErr.Category {
	case errors.CategoryAuth:
		return fiber.StatusUnauthorized
	case errors.CategoryAuthz:
		return fiber.StatusForbidden
	case errors.CategoryBadInput, errors.CategoryValidation:
		return fiber.StatusBadRequest
	case errors.CategoryConflict:
		return fiber.StatusConflict
	case errors.CategoryNotFound:
		return fiber.StatusNotFound
	case errors.CategoryRateLimit:
		return fiber.StatusTooManyRequests
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorPayload maps err to a status code and response body. Internal
// failures never expose their message.
func ErrorPayload(err error) (int, ErrorResponse) {
	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		return fiber.StatusInternalServerError, ErrorResponse{Error: ErrorBody{
			Code:    fiber.StatusInternalServerError,
			Message: "internal server error",
		}}
	}

	status := statusForCategory(richErr)
	if richErr.Code >= 400 && richErr.Code < 600 {
		status = richErr.Code
	}

	body := ErrorBody{
		Code:     status,
		TextCode: richErr.TextCode,
		Message:  richErr.Message,
	}
	if status >= fiber.StatusInternalServerError {
		body.TextCode = ""
		body.Message = "internal server error"
	}
	return status, ErrorResponse{Error: body}
}

// RouteGuard builds the middleware protecting the HTTP surface
type RouteGuard struct {
	tokens      *TokenService
	internalKey string
	limiter     *LoginLimiter
	metrics     MetricsRecorder
	logger      Logger
}

// NewRouteGuard creates a guard validating bearer tokens with tokens and
// internal calls against internalKey.
func NewRouteGuard(tokens *TokenService, internalKey string) *RouteGuard {
	return &RouteGuard{
		tokens:      tokens,
		internalKey: internalKey,
		metrics:     noopMetrics{},
		logger:      defLogger{},
	}
}

func (g *RouteGuard) WithLogger(l Logger) *RouteGuard {
	if l != nil {
		g.logger = l
	}
	return g
}

func (g *RouteGuard) WithMetrics(m MetricsRecorder) *RouteGuard {
	g.metrics = normalizeMetrics(m)
	return g
}

// WithLoginLimiter throttles the credential endpoints per client IP
func (g *RouteGuard) WithLoginLimiter(l *LoginLimiter) *RouteGuard {
	g.limiter = l
	return g
}

// ProtectedRoute requires a valid bearer token and stores its claims in
// the router locals and the request context.
func (g *RouteGuard) ProtectedRoute(opts ...func(*jwtware.Config)) router.MiddlewareFunc {
	cfg := jwtware.Config{
		ContextKey:      ClaimsContextKey,
		TokenValidator:  BearerValidator(g.tokens),
		ContextEnricher: ContextEnricherAdapter,
		ErrorHandler:    g.MakeAuthErrorHandler(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return jwtware.New(cfg)
}

// MakeAuthErrorHandler normalizes bearer failures to the token errors
func (g *RouteGuard) MakeAuthErrorHandler() func(router.Context, error) error {
	return func(ctx router.Context, err error) error {
		var out error
		switch {
		case IsTokenExpiredError(err):
			out = ErrTokenExpired
		case errors.Is(err, jwtware.ErrAccessDenied):
			out = errors.Wrap(err, errors.CategoryAuthz, "access denied").
				WithCode(errors.CodeForbidden)
		case IsMalformedError(err):
			out = ErrTokenMalformed
		default:
			out = errors.Wrap(err, errors.CategoryAuth, "invalid authentication token").
				WithCode(errors.CodeUnauthorized)
		}
		return writeError(ctx, g.logger, out)
	}
}

// InternalRoute requires the pre-shared key in HeaderInternalAPIKey. An
// empty configured key rejects every call.
func (g *RouteGuard) InternalRoute() router.MiddlewareFunc {
	expected := []byte(g.internalKey)
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			presented := []byte(strings.TrimSpace(ctx.Header(HeaderInternalAPIKey)))
			if len(expected) == 0 || subtle.ConstantTimeCompare(presented, expected) != 1 {
				g.logger.Warn("internal route rejected", "path", ctx.Path(), "ip", ctx.IP())
				return writeError(ctx, g.logger, ErrInvalidAPIKey)
			}
			return hf(ctx)
		}
	}
}

// Throttle applies the login limiter keyed by client IP. Without a
// limiter it passes every request through.
func (g *RouteGuard) Throttle(route string) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if g.limiter != nil && !g.limiter.Allow(ctx.IP()) {
				g.metrics.RequestThrottled(route)
				return writeError(ctx, g.logger, ErrTooManyRequests)
			}
			return hf(ctx)
		}
	}
}

// BearerValidator adapts TokenService to the jwtware validator
func BearerValidator(tokens *TokenService) jwtware.TokenValidator {
	return jwtware.TokenValidatorFunc(func(raw string) (jwtware.AuthClaims, error) {
		claims, err := tokens.Validate(raw)
		if err != nil {
			return nil, err
		}
		return claims, nil
	})
}

func writeError(ctx router.Context, logger Logger, err error) error {
	status, body := ErrorPayload(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	return ctx.JSON(status, body)
}

func clientInfo(ctx router.Context) ClientInfo {
	return ClientInfo{
		IP:        ctx.IP(),
		UserAgent: ctx.Header(fiber.HeaderUserAgent),
	}
}
