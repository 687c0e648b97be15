package repositories

import (
	"testing"

	"gorm.io/gorm"

	"github.com/yamato-dev/linedesk/internal/storage"
)

// setupTestDB connects to a local postgres instance. Tests are skipped when
// none is reachable, so the suite stays runnable on a bare checkout.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := storage.BuildDSN("127.0.0.1", "5432", "postgres", "postgres", "linedesk_test")
	db, err := storage.InitPostgres(dsn, 2, 5)
	if err != nil {
		t.Skipf("Skipping test: Postgres not available: %v", err)
	}

	cleanTables(t, db)
	return db
}

func cleanTables(t *testing.T, db *gorm.DB) {
	t.Helper()

	for _, table := range []string{"reply_tokens", "conversations", "scheduled_messages", "operators"} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("failed to clean table %s: %v", table, err)
		}
	}

	// drop message shards so each run starts from an empty history
	var shards []string
	err := db.Raw(`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename LIKE 'messages_%'`).
		Scan(&shards).Error
	if err != nil {
		t.Fatalf("failed to list shard tables: %v", err)
	}
	for _, shard := range shards {
		if err := db.Exec("DROP TABLE IF EXISTS " + shard).Error; err != nil {
			t.Fatalf("failed to drop shard %s: %v", shard, err)
		}
	}
}
