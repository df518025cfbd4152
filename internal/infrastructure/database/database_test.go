package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestAutoMigrate(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "crewsync.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	if err := ConfigurePool(db, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxLifetime: time.Minute}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, table := range []string{"profiles", "casbin_rule"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("expected table %s", table)
		}
	}
}

func TestRedisClient_WaitReady(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedis(mr.Addr(), "", 0)
	defer c.Close()

	if err := c.WaitReady(context.Background(), 3, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mr.Close()
	if err := c.WaitReady(context.Background(), 2, time.Millisecond); err == nil {
		t.Error("expected error once redis is gone")
	}
}
