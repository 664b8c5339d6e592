package data

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewDB(t.TempDir())
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestNewDB verifies database initialization with various scenarios.
func TestNewDB(t *testing.T) {
	t.Run("creates database in valid directory", func(t *testing.T) {
		tmpDir := t.TempDir()

		store, err := NewDB(tmpDir)
		if err != nil {
			t.Fatalf("NewDB failed: %v", err)
		}
		defer store.Close()

		if _, err := os.Stat(filepath.Join(tmpDir, DBFileName)); os.IsNotExist(err) {
			t.Error("database file not created")
		}
		if err := store.Health(context.Background()); err != nil {
			t.Errorf("health check failed: %v", err)
		}
	})

	t.Run("creates nested directory structure", func(t *testing.T) {
		nestedDir := filepath.Join(t.TempDir(), "deep", "nested", "nexus")

		store, err := NewDB(nestedDir)
		if err != nil {
			t.Fatalf("NewDB with nested dir failed: %v", err)
		}
		defer store.Close()

		if _, err := os.Stat(nestedDir); os.IsNotExist(err) {
			t.Error("nested directory not created")
		}
	})

	t.Run("idempotent migrations", func(t *testing.T) {
		tmpDir := t.TempDir()

		store1, err := NewDB(tmpDir)
		if err != nil {
			t.Fatalf("first NewDB failed: %v", err)
		}
		store1.Close()

		store2, err := NewDB(tmpDir)
		if err != nil {
			t.Fatalf("second NewDB failed: %v", err)
		}
		defer store2.Close()

		if err := store2.Migrate(); err != nil {
			t.Errorf("explicit Migrate after open failed: %v", err)
		}

		var applied int
		if err := store2.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
			t.Fatalf("count migrations: %v", err)
		}
		if applied != 2 {
			t.Errorf("schema_migrations rows = %d, want 2", applied)
		}
	})
}

// TestStoreHealth verifies health check functionality.
func TestStoreHealth(t *testing.T) {
	store := setupTestStore(t)

	t.Run("healthy database returns nil", func(t *testing.T) {
		if err := store.Health(context.Background()); err != nil {
			t.Errorf("Health() returned error: %v", err)
		}
	})

	t.Run("closed database returns error", func(t *testing.T) {
		closedStore, err := NewDB(t.TempDir())
		if err != nil {
			t.Fatalf("NewDB failed: %v", err)
		}
		closedStore.Close()

		if err := closedStore.Health(context.Background()); err == nil {
			t.Error("Health() should return error for closed database")
		}
	})
}

// TestStoreMigration verifies the schema.
func TestStoreMigration(t *testing.T) {
	store := setupTestStore(t)

	for _, table := range []string{
		"sessions", "messages", "documents", "chunks",
		"session_documents", "memories", "turns", "model_usage",
	} {
		t.Run(table+" table exists", func(t *testing.T) {
			var count int
			err := store.db.QueryRow(`
				SELECT COUNT(*) FROM sqlite_master
				WHERE type='table' AND name=?`, table).Scan(&count)
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			if count != 1 {
				t.Errorf("%s table not found", table)
			}
		})
	}

	t.Run("foreign keys enabled", func(t *testing.T) {
		var fk int
		if err := store.db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if fk != 1 {
			t.Error("foreign_keys pragma is off")
		}
	})
}

func TestSplitSQL(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "two statements",
			script: "CREATE TABLE a (x INT);\nCREATE TABLE b (y INT);",
			want:   []string{"CREATE TABLE a (x INT);", "CREATE TABLE b (y INT);"},
		},
		{
			name:   "comment lines dropped",
			script: "-- header\nSELECT 1;\n-- trailer",
			want:   []string{"SELECT 1;"},
		},
		{
			name:   "semicolon inside string literal",
			script: "INSERT INTO t VALUES ('a;b');",
			want:   []string{"INSERT INTO t VALUES ('a;b');"},
		},
		{
			name:   "unterminated final statement",
			script: "SELECT 1;\nSELECT 2",
			want:   []string{"SELECT 1;", "SELECT 2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, splitSQL(tt.script)); diff != "" {
				t.Errorf("splitSQL mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEmbeddingEncoding(t *testing.T) {
	v := []float32{0.25, -1, 3.5, 0}
	got, err := decodeEmbedding(encodeEmbedding(v))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(v, got); diff != "" {
		t.Errorf("embedding mismatch (-want +got):\n%s", diff)
	}

	if encodeEmbedding(nil) != nil {
		t.Error("nil embedding should encode to NULL")
	}
	if _, err := decodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
