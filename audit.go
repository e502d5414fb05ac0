package auth

import (
	"context"
	"time"
)

const (
	AuditActionRoleGranted = "role.granted"
	AuditActionRoleRemoved = "role.removed"
	AuditActionRoleCreated = "role.created"
	AuditActionRoleUpdated = "role.updated"
	AuditActionRoleDeleted = "role.deleted"

	AuditEntityUser = "user"
	AuditEntityRole = "role"
)

// AuditSink consumes audit entries.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// AuditSinkFunc adapts a function to the AuditSink interface.
type AuditSinkFunc func(ctx context.Context, entry AuditEntry) error

// Record implements AuditSink.
func (f AuditSinkFunc) Record(ctx context.Context, entry AuditEntry) error {
	if f == nil {
		return nil
	}
	return f(ctx, entry)
}

type noopAuditSink struct{}

func (noopAuditSink) Record(context.Context, AuditEntry) error {
	return nil
}

func normalizeAuditSink(s AuditSink) AuditSink {
	if s == nil {
		return noopAuditSink{}
	}
	return s
}

// NewRepositoryAuditSink appends entries to the audit log table
func NewRepositoryAuditSink(entries AuditEntries) AuditSink {
	return AuditSinkFunc(func(ctx context.Context, entry AuditEntry) error {
		return entries.Append(ctx, &entry)
	})
}

// AuditRecorder writes audit entries after the primary mutation has
// committed. Sink failures never reach the caller.
type AuditRecorder struct {
	sink   AuditSink
	runner SideEffectRunner
	clock  Clock
}

// NewAuditRecorder creates a recorder dispatching through runner
func NewAuditRecorder(sink AuditSink, runner SideEffectRunner) *AuditRecorder {
	if runner == nil {
		runner = NewSyncRunner(nil, nil)
	}
	return &AuditRecorder{
		sink:   normalizeAuditSink(sink),
		runner: runner,
	}
}

// WithClock overrides the timestamp source
func (r *AuditRecorder) WithClock(clock Clock) *AuditRecorder {
	r.clock = clock
	return r
}

// Record stamps and dispatches entry
func (r *AuditRecorder) Record(ctx context.Context, entry AuditEntry) {
	if r == nil {
		return
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.clock.now()
	}
	entry.OccurredAt = entry.OccurredAt.Truncate(time.Microsecond)
	r.runner.Run(ctx, "audit", func(ctx context.Context) error {
		return r.sink.Record(ctx, entry)
	})
}
