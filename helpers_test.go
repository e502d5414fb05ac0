package auth_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/crypto/bcrypt"

	auth "github.com/goliatone/go-conference-auth"
)

const (
	testPassword   = "correct-horse-battery"
	testSigningKey = "test-signing-key-0123456789-abcdefghij"
)

type testConfig struct {
	accessTTL time.Duration
}

func (c testConfig) GetSigningKey() string { return testSigningKey }
func (c testConfig) GetIssuer() string     { return "conference-auth" }
func (c testConfig) GetAudience() []string { return []string{"conference"} }

func (c testConfig) GetAccessTokenTTL() time.Duration {
	if c.accessTTL > 0 {
		return c.accessTTL
	}
	return 15 * time.Minute
}

func (c testConfig) GetRefreshTokenTTL() time.Duration  { return 7 * 24 * time.Hour }
func (c testConfig) GetPasswordResetTTL() time.Duration { return time.Hour }
func (c testConfig) GetDefaultRole() string             { return auth.RoleAuthor }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: map[string]int{}}
}

func (m *recordingMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
}

func (m *recordingMetrics) Count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *recordingMetrics) LoginAttempt(outcome string)   { m.inc("login:" + outcome) }
func (m *recordingMetrics) TokenRefreshed(outcome string) { m.inc("refresh:" + outcome) }
func (m *recordingMetrics) ContextSwitched(role string)   { m.inc("switch:" + role) }
func (m *recordingMetrics) RoleChanged(action string)     { m.inc("role:" + action) }
func (m *recordingMetrics) SideEffectFailed(kind string)  { m.inc("effect:" + kind) }
func (m *recordingMetrics) RequestThrottled(route string) { m.inc("throttled:" + route) }

type capturePublisher struct {
	mu   sync.Mutex
	sent []auth.Notification
}

func (p *capturePublisher) Publish(_ context.Context, n auth.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

func (p *capturePublisher) OfType(kind auth.NotificationType) []auth.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []auth.Notification{}
	for _, n := range p.sent {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	require.NoError(t, err)

	require.NoError(t, auth.Migrate(context.Background(), db))
	return db
}

type testEnv struct {
	db        *bun.DB
	repo      auth.RepositoryManager
	cfg       testConfig
	clock     *testClock
	metrics   *recordingMetrics
	publisher *capturePublisher
	runner    auth.SideEffectRunner
	tokens    *auth.TokenService
	sessions  *auth.SessionManager
	contexts  *auth.ContextManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		db:        newTestDB(t),
		cfg:       testConfig{},
		clock:     newTestClock(),
		metrics:   newRecordingMetrics(),
		publisher: &capturePublisher{},
	}

	env.repo = auth.NewRepositoryManager(env.db, auth.WithUsersClock(env.clock.Now))
	require.NoError(t, env.repo.Validate())
	require.NoError(t, env.repo.Roles().EnsureSystemRoles(context.Background()))

	env.runner = auth.NewSyncRunner(nopLogger{}, env.metrics)
	env.tokens = auth.NewTokenServiceFromConfig(env.cfg, nopLogger{}).WithClock(env.clock.Now)

	env.sessions = auth.NewSessionManager(env.repo, env.tokens, env.cfg).
		WithLogger(nopLogger{}).
		WithClock(env.clock.Now).
		WithPasswordHasher(auth.NewBcryptHasher(bcrypt.MinCost)).
		WithMetrics(env.metrics).
		WithSideEffectRunner(env.runner).
		WithPublisher(env.publisher)

	audit := auth.NewAuditRecorder(auth.NewRepositoryAuditSink(env.repo.AuditEntries()), env.runner).
		WithClock(env.clock.Now)

	env.contexts = auth.NewContextManager(env.repo, env.tokens, env.cfg).
		WithLogger(nopLogger{}).
		WithClock(env.clock.Now).
		WithMetrics(env.metrics).
		WithAuditRecorder(audit)

	return env
}

func (e *testEnv) register(t *testing.T, email string) *auth.User {
	t.Helper()
	user, err := e.sessions.Register(context.Background(), auth.RegisterRequest{
		Email:     email,
		Password:  testPassword,
		FirstName: "Grace",
		LastName:  "Hopper",
	})
	require.NoError(t, err)
	return user
}

func (e *testEnv) roleID(t *testing.T, name string) uuid.UUID {
	t.Helper()
	role, err := e.repo.Roles().FindByNameTx(context.Background(), e.repo.DB(), name)
	require.NoError(t, err)
	return role.ID
}

func (e *testEnv) grant(t *testing.T, userID uuid.UUID, role string, conferenceID, trackID string) *auth.RoleAssignment {
	t.Helper()
	assignment, err := e.contexts.SetRole(context.Background(), auth.SetRoleRequest{
		UserID:       userID,
		RoleID:       e.roleID(t, role),
		ConferenceID: strPtr(conferenceID),
		TrackID:      strPtr(trackID),
	})
	require.NoError(t, err)
	return assignment
}

func (e *testEnv) deactivateUser(t *testing.T, id uuid.UUID) {
	t.Helper()
	_, err := e.db.NewUpdate().
		Model((*auth.User)(nil)).
		Set("is_active = ?", false).
		Where("id = ?", id.String()).
		Exec(context.Background())
	require.NoError(t, err)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
