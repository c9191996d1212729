package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/forgeide/collab/backend/internal/session"
	githubsqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func testDSN() string {
	return fmt.Sprintf("file:collab_db_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		t.Fatal("expected an error for empty database path")
	}
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := OpenSQLite(testDSN(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if !db.Migrator().HasTable(&session.Record{}) {
		t.Fatal("expected session table after migration")
	}
	if !db.Migrator().HasTable(&migrationRecord{}) {
		t.Fatal("expected migration ledger table")
	}

	var applied []migrationRecord
	if err := db.Find(&applied).Error; err != nil {
		t.Fatalf("failed to read migration ledger: %v", err)
	}
	if len(applied) != 1 || applied[0].Name != migrationBackfillSessionActivity {
		t.Fatalf("unexpected migration ledger: %#v", applied)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db, err := gorm.Open(githubsqlite.Open(testDSN()), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&session.Record{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := applyMigrations(db, zap.NewNop()); err != nil {
			t.Fatalf("migration pass %d failed: %v", i, err)
		}
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single ledger row, got %d", count)
	}
}

func TestBackfillSeedsLastActivityFromJoinedAt(t *testing.T) {
	db, err := gorm.Open(githubsqlite.Open(testDSN()), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&session.Record{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	joinedAt := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	stale := session.Record{
		ID:        "session-backfill",
		ProjectID: "project-1",
		FileID:    "file-1",
		UserID:    "user-1",
		JoinedAt:  joinedAt,
		IsActive:  true,
	}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	var reloaded session.Record
	if err := db.Where("id = ?", stale.ID).Take(&reloaded).Error; err != nil {
		t.Fatalf("failed to reload record: %v", err)
	}
	if !reloaded.LastActivityAt.Equal(joinedAt) {
		t.Fatalf("expected last activity backfilled to %v, got %v", joinedAt, reloaded.LastActivityAt)
	}
}
