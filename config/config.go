package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// Supported persistence drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type BaseConfig struct {
	Name        string      `koanf:"name" json:"name"`
	Debug       bool        `koanf:"debug" json:"debug"`
	Auth        Auth        `koanf:"auth" json:"auth"`
	Persistence Persistence `koanf:"persistence" json:"persistence"`
	Server      Server      `koanf:"server" json:"server"`
	Conference  Conference  `koanf:"conference" json:"conference"`
	RateLimit   RateLimit   `koanf:"rate_limit" json:"rate_limit"`
	Features    Features    `koanf:"features" json:"features"`
}

type Auth struct {
	SigningKey                 string   `koanf:"signing_key" json:"signing_key"`
	Issuer                     string   `koanf:"issuer" json:"issuer"`
	Audience                   []string `koanf:"audience" json:"audience"`
	AccessTokenTTLExpression   string   `koanf:"access_token_ttl" json:"access_token_ttl"`
	RefreshTokenTTLExpression  string   `koanf:"refresh_token_ttl" json:"refresh_token_ttl"`
	PasswordResetTTLExpression string   `koanf:"password_reset_ttl" json:"password_reset_ttl"`
	DefaultRole                string   `koanf:"default_role" json:"default_role"`
	InternalAPIKey             string   `koanf:"internal_api_key" json:"internal_api_key"`
	PhoneRegion                string   `koanf:"phone_region" json:"phone_region"`
	RemoveRoleMode             string   `koanf:"remove_role_mode" json:"remove_role_mode"`
}

type Persistence struct {
	Driver                string `koanf:"driver" json:"driver"`
	DSN                   string `koanf:"dsn" json:"dsn"`
	PingTimeoutExpression string `koanf:"ping_timeout" json:"ping_timeout"`
}

type Server struct {
	Address string `koanf:"address" json:"address"`
	Metrics bool   `koanf:"metrics" json:"metrics"`
}

type Conference struct {
	ServiceURL        string `koanf:"service_url" json:"service_url"`
	TimeoutExpression string `koanf:"timeout" json:"timeout"`
}

type Features struct {
	Signup        bool `koanf:"signup" json:"signup"`
	PasswordReset bool `koanf:"password_reset" json:"password_reset"`
}

type RateLimit struct {
	PerSecond float64 `koanf:"per_second" json:"per_second"`
	Burst     int     `koanf:"burst" json:"burst"`
}

func (c *BaseConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Auth),
		validation.Field(&c.Persistence),
		validation.Field(&c.Server),
		validation.Field(&c.Conference),
		validation.Field(&c.RateLimit),
	)
}

func (c BaseConfig) GetAuth() Auth               { return c.Auth }
func (c BaseConfig) GetPersistence() Persistence { return c.Persistence }
func (c BaseConfig) GetServer() Server           { return c.Server }
func (c BaseConfig) GetConference() Conference   { return c.Conference }
func (c BaseConfig) GetRateLimit() RateLimit     { return c.RateLimit }
func (c BaseConfig) GetFeatures() Features       { return c.Features }

func (a Auth) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.SigningKey, validation.Required, validation.Length(32, 0)),
		validation.Field(&a.Issuer, validation.Required),
		validation.Field(&a.AccessTokenTTLExpression, validation.Required, validation.By(isDuration)),
		validation.Field(&a.RefreshTokenTTLExpression, validation.By(isDuration)),
		validation.Field(&a.PasswordResetTTLExpression, validation.By(isDuration)),
		validation.Field(&a.InternalAPIKey, validation.Required),
		validation.Field(&a.RemoveRoleMode, validation.In("", "across_scopes", "in_scope")),
	)
}

func (a Auth) GetSigningKey() string     { return a.SigningKey }
func (a Auth) GetIssuer() string         { return a.Issuer }
func (a Auth) GetAudience() []string     { return a.Audience }
func (a Auth) GetDefaultRole() string    { return a.DefaultRole }
func (a Auth) GetInternalAPIKey() string { return a.InternalAPIKey }
func (a Auth) GetPhoneRegion() string    { return a.PhoneRegion }
func (a Auth) GetRemoveRoleMode() string { return a.RemoveRoleMode }

func (a Auth) GetAccessTokenTTL() time.Duration {
	return mustDuration(a.AccessTokenTTLExpression)
}

func (a Auth) GetRefreshTokenTTL() time.Duration {
	return mustDuration(a.RefreshTokenTTLExpression)
}

func (a Auth) GetPasswordResetTTL() time.Duration {
	return mustDuration(a.PasswordResetTTLExpression)
}

func (p Persistence) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres)),
		validation.Field(&p.DSN, validation.Required),
		validation.Field(&p.PingTimeoutExpression, validation.By(isDuration)),
	)
}

func (p Persistence) GetDriver() string { return strings.ToLower(p.Driver) }
func (p Persistence) GetDSN() string    { return p.DSN }

func (p Persistence) GetPingTimeout() time.Duration {
	return mustDuration(p.PingTimeoutExpression)
}

func (s Server) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Address, validation.Required),
	)
}

func (s Server) GetAddress() string   { return s.Address }
func (s Server) MetricsEnabled() bool { return s.Metrics }

func (c Conference) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ServiceURL, is.URL),
		validation.Field(&c.TimeoutExpression, validation.By(isDuration)),
	)
}

func (c Conference) GetServiceURL() string { return c.ServiceURL }

func (c Conference) GetTimeout() time.Duration {
	return mustDuration(c.TimeoutExpression)
}

func (r RateLimit) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PerSecond, validation.Min(0.0)),
		validation.Field(&r.Burst, validation.Min(0)),
	)
}

func (r RateLimit) GetPerSecond() float64 { return r.PerSecond }
func (r RateLimit) GetBurst() int         { return r.Burst }

func isDuration(value any) error {
	expr, _ := value.(string)
	if expr == "" {
		return nil
	}
	if _, err := time.ParseDuration(expr); err != nil {
		return fmt.Errorf("invalid duration %q", expr)
	}
	return nil
}

// mustDuration returns zero for an empty expression so callers fall back
// to their defaults. Validate rejects malformed values before this runs.
func mustDuration(expr string) time.Duration {
	if expr == "" {
		return 0
	}
	dur, err := time.ParseDuration(expr)
	if err != nil {
		panic(
			fmt.Sprintf("unable to parse time: expr %s", expr),
		)
	}
	return dur
}
