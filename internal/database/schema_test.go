package database

import (
	"context"
	"path/filepath"
	"testing"
)

func TestNewDB_SuccessAndTableCreation(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test_newdb.db")
	db, err := NewDB(DriverSQLite, dbPath, DefaultConfig())
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	if db == nil {
		t.Fatalf("NewDB() returned nil DB instance")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Fatalf("db.Ping() failed: %v", err)
	}

	tables := []string{"settings", "articles", "view_events", "view_dedup", "view_counts"}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("Error checking for table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s was not created. Expected count 1, got %d", table, count)
		}
	}
}

func TestNewDB_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	first, err := NewDB(DriverSQLite, dbPath, DefaultConfig())
	if err != nil {
		t.Fatalf("first NewDB() error = %v", err)
	}
	if err := first.UpdateSetting(context.Background(), "refresh_interval", "600", "int"); err != nil {
		t.Fatalf("UpdateSetting() error = %v", err)
	}
	first.Close()

	second, err := NewDB(DriverSQLite, dbPath, DefaultConfig())
	if err != nil {
		t.Fatalf("second NewDB() error = %v", err)
	}
	defer second.Close()

	// Defaults must not overwrite values that already exist.
	v, err := second.GetSettingInt(context.Background(), "refresh_interval")
	if err != nil {
		t.Fatalf("GetSettingInt() error = %v", err)
	}
	if v != 600 {
		t.Errorf("refresh_interval = %d after reopen, want 600", v)
	}
}

func TestNewDB_DefaultSettings(t *testing.T) {
	db, err := NewDB(DriverSQLite, ":memory:", DefaultConfig())
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	defer db.Close()

	for key, expected := range DefaultSettings {
		var value string
		err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
		if err != nil {
			t.Errorf("Error fetching default setting for key '%s': %v", key, err)
			continue
		}
		if value != expected.value {
			t.Errorf("Default setting for key '%s': got '%s', want '%s'", key, value, expected.value)
		}
	}
}

func TestNewDB_UnsupportedDriver(t *testing.T) {
	if _, err := NewDB("mysql", "whatever", DefaultConfig()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: DriverSQLite}
	if got := sqlite.rebind("SELECT ? , ?"); got != "SELECT ? , ?" {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	pg := &DB{driver: DriverPostgres}
	if got := pg.rebind("SELECT a FROM t WHERE b = ? AND c = ?"); got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
}
