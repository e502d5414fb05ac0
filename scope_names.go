package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
)

// DefaultScopeNameTimeout bounds a single conference name lookup
const DefaultScopeNameTimeout = 2 * time.Second

const globalScopeName = "Global"

// ConferencePlaceholderName is used when the naming service cannot answer
func ConferencePlaceholderName(conferenceID string) string {
	return "Conference " + conferenceID
}

// HTTPScopeNameResolver asks a conference service for display names.
// It expects GET {baseURL}/conferences/{id} to answer with a JSON body
// carrying "name" and optionally "code".
type HTTPScopeNameResolver struct {
	baseURL string
	timeout time.Duration
}

// NewHTTPScopeNameResolver creates a resolver bound by timeout
func NewHTTPScopeNameResolver(baseURL string, timeout time.Duration) *HTTPScopeNameResolver {
	if timeout <= 0 {
		timeout = DefaultScopeNameTimeout
	}
	return &HTTPScopeNameResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

type conferencePayload struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// ConferenceName implements ScopeNameResolver
func (r *HTTPScopeNameResolver) ConferenceName(ctx context.Context, conferenceID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	agent := fiber.Get(fmt.Sprintf("%s/conferences/%s", r.baseURL, url.PathEscape(conferenceID))).
		Timeout(timeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return "", errors.Wrap(errs[0], errors.CategoryOperation, "conference name lookup failed")
	}
	if code != fiber.StatusOK {
		return "", errors.New(fmt.Sprintf("conference name lookup returned %d", code), errors.CategoryOperation).
			WithMetadata(map[string]any{"conference_id": conferenceID})
	}

	payload := conferencePayload{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", errors.Wrap(err, errors.CategoryOperation, "conference name lookup returned invalid body")
	}

	switch {
	case payload.Name != "" && payload.Code != "":
		return fmt.Sprintf("%s (%s)", payload.Name, payload.Code), nil
	case payload.Name != "":
		return payload.Name, nil
	case payload.Code != "":
		return payload.Code, nil
	}
	return "", errors.New("conference name lookup returned no name", errors.CategoryOperation)
}

// StaticScopeNames resolves names from a fixed map
type StaticScopeNames map[string]string

// ConferenceName implements ScopeNameResolver
func (s StaticScopeNames) ConferenceName(_ context.Context, conferenceID string) (string, error) {
	if name, ok := s[conferenceID]; ok {
		return name, nil
	}
	return "", errors.New("unknown conference", errors.CategoryNotFound).
		WithMetadata(map[string]any{"conference_id": conferenceID})
}

// scopeNameLookup lives for a single operation. Names are never shared
// between operations.
type scopeNameLookup struct {
	resolver ScopeNameResolver
	timeout  time.Duration
	logger   Logger
	cache    map[string]string
}

func newScopeNameLookup(resolver ScopeNameResolver, timeout time.Duration, logger Logger) *scopeNameLookup {
	return &scopeNameLookup{
		resolver: resolver,
		timeout:  timeout,
		logger:   logger,
		cache:    map[string]string{},
	}
}

func (l *scopeNameLookup) name(ctx context.Context, conferenceID string) string {
	if conferenceID == "" {
		return globalScopeName
	}
	if name, ok := l.cache[conferenceID]; ok {
		return name
	}

	name := ConferencePlaceholderName(conferenceID)
	if l.resolver != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, l.timeout)
		resolved, err := l.resolver.ConferenceName(lookupCtx, conferenceID)
		cancel()
		if err != nil {
			l.logger.Warn("conference name lookup failed, using placeholder", "conference_id", conferenceID, "error", err)
		} else if resolved != "" {
			name = resolved
		}
	}

	l.cache[conferenceID] = name
	return name
}
