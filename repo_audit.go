package auth

import (
	"context"

	"github.com/uptrace/bun"
)

// AuditEntries is the append-only audit log
type AuditEntries interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error)
}

type auditEntries struct {
	db *bun.DB
}

var _ AuditEntries = (*auditEntries)(nil)

// NewAuditEntriesRepository creates the bun backed audit log
func NewAuditEntriesRepository(db *bun.DB) AuditEntries {
	return &auditEntries{db: db}
}

func (r *auditEntries) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = newSortableID(entry.OccurredAt)
	}
	_, err := r.db.NewInsert().Model(entry).Exec(ctx)
	return err
}

func (r *auditEntries) ListByEntity(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error) {
	records := []*AuditEntry{}
	err := r.db.NewSelect().
		Model(&records).
		Where("?TableAlias.entity_type = ?", entityType).
		Where("?TableAlias.entity_id = ?", entityID).
		OrderExpr("?TableAlias.id ASC").
		Scan(ctx)
	return records, err
}
