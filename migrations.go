package auth

import (
	"context"

	"github.com/uptrace/bun"
)

type indexDef struct {
	model   any
	name    string
	columns []string
}

// Models lists every table owned by the package, parents first
func Models() []any {
	return []any{
		(*User)(nil),
		(*Role)(nil),
		(*RoleAssignment)(nil),
		(*RefreshToken)(nil),
		(*AuditEntry)(nil),
	}
}

// Migrate creates tables and indexes when they do not exist
func Migrate(ctx context.Context, db bun.IDB) error {
	for _, model := range Models() {
		q := db.NewCreateTable().Model(model).IfNotExists()
		switch model.(type) {
		case *RoleAssignment:
			q = q.
				ForeignKey(`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`).
				ForeignKey(`("role_id") REFERENCES "roles" ("id") ON DELETE CASCADE`)
		case *RefreshToken:
			q = q.ForeignKey(`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`)
		}
		if _, err := q.Exec(ctx); err != nil {
			return err
		}
	}

	indexes := []indexDef{
		{(*RoleAssignment)(nil), "idx_role_assignments_user", []string{"user_id"}},
		{(*RoleAssignment)(nil), "idx_role_assignments_scope", []string{"user_id", "conference_id", "track_id"}},
		{(*RefreshToken)(nil), "idx_refresh_tokens_user", []string{"user_id"}},
		{(*AuditEntry)(nil), "idx_audit_entries_entity", []string{"entity_type", "entity_id"}},
	}
	for _, idx := range indexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}
