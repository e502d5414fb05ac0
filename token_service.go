package auth

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// ActiveContext is the role and scope a context token is narrowed to
type ActiveContext struct {
	RoleName       string `json:"role"`
	ConferenceID   string `json:"conference_id,omitempty"`
	ConferenceName string `json:"conference_name,omitempty"`
	TrackID        string `json:"track_id,omitempty"`
}

// TokenService signs and validates access tokens. It holds no mutable
// state; the clock is injected.
type TokenService struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	audience   jwt.ClaimStrings
	clock      Clock
	logger     Logger
}

// NewTokenService creates a new TokenService instance
func NewTokenService(signingKey []byte, ttl time.Duration, issuer string, audience jwt.ClaimStrings, logger Logger) *TokenService {
	if logger == nil {
		logger = defLogger{}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenService{
		signingKey: signingKey,
		ttl:        ttl,
		issuer:     issuer,
		audience:   audience,
		logger:     logger,
	}
}

// NewTokenServiceFromConfig builds the service from a Config
func NewTokenServiceFromConfig(cfg Config, logger Logger) *TokenService {
	return NewTokenService(
		[]byte(cfg.GetSigningKey()),
		cfg.GetAccessTokenTTL(),
		cfg.GetIssuer(),
		jwt.ClaimStrings(cfg.GetAudience()),
		logger,
	)
}

// WithClock overrides the time source
func (ts *TokenService) WithClock(clock Clock) *TokenService {
	ts.clock = clock
	return ts
}

// TTL is the lifetime of every access token the service mints
func (ts *TokenService) TTL() time.Duration {
	return ts.ttl
}

// MintLoginToken issues a token carrying every effective role name
func (ts *TokenService) MintLoginToken(user *User, roles []string) (string, time.Time, error) {
	claims := identityClaims(user)
	claims.Roles = normalizeRoles(roles)
	return ts.mint(&claims)
}

// MintContextToken issues a token narrowed to a single role and scope
func (ts *TokenService) MintContextToken(user *User, active ActiveContext) (string, time.Time, error) {
	if active.RoleName == "" {
		return "", time.Time{}, errors.New("active role is required", errors.CategoryBadInput)
	}
	claims := identityClaims(user)
	claims.ActiveRole = active.RoleName
	claims.ConferenceID = active.ConferenceID
	claims.ConferenceName = active.ConferenceName
	claims.TrackID = active.TrackID
	return ts.mint(&claims)
}

func (ts *TokenService) mint(claims *SessionClaims) (string, time.Time, error) {
	now := ts.clock.now()
	expiresAt := now.Add(ts.ttl)

	claims.RegisteredClaims.Issuer = ts.issuer
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	if len(ts.audience) > 0 {
		claims.RegisteredClaims.Audience = slices.Clone(ts.audience)
	}
	ensureTokenID(&claims.RegisteredClaims)

	token, err := ts.SignClaims(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// SignClaims signs arbitrary claims using the configured signing key.
func (ts *TokenService) SignClaims(claims *SessionClaims) (string, error) {
	if claims == nil {
		return "", errors.New("claims must not be nil", errors.CategoryInternal)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedString, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to sign JWT")
	}

	return signedString, nil
}

// Validate parses and validates a token string with zero clock skew
func (ts *TokenService) Validate(tokenString string) (*SessionClaims, error) {
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(0),
		jwt.WithTimeFunc(ts.clock.now),
	}
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}
	if len(ts.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(ts.audience...))
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			ts.logger.Error("token service encountered unexpected signing method", "alg", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, parserOptions...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, malformedToken(err)
	}

	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid {
		return claims, nil
	}

	ts.logger.Error("token service could not decode or validate claims")
	return nil, ErrTokenMalformed
}

func ensureTokenID(claims *jwt.RegisteredClaims) {
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
