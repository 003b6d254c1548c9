package migrate_test

import (
	"context"
	"testing"

	"approvald/internal/db"
	"approvald/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	applied, latest, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatalf("version before migrate: %v", err)
	}
	if applied != 0 || latest == 0 {
		t.Fatalf("unexpected versions before migrate: applied=%d latest=%d", applied, latest)
	}
	for i := 0; i < 2; i++ {
		if err := migrate.MigrateContext(ctx, conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	applied, latest, err = migrate.Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if applied != latest {
		t.Fatalf("expected schema at %d, got %d", latest, applied)
	}
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_instances`).Scan(&n); err != nil {
		t.Fatalf("workflow_instances missing: %v", err)
	}
}
