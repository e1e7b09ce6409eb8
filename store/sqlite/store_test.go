package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/store/sqlite"
	"github.com/loomworks/loom/store/storetest"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openStore(t)
	})
}

func TestMigrateIdempotent(t *testing.T) {
	s := openStore(t)
	// Second Migrate on an existing schema must succeed.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
