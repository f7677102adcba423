package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/p-arndt/icebox/internal/config"
	"github.com/p-arndt/icebox/internal/store"
)

// TestConfig returns a Config with sensible test defaults rooted in a
// per-test data directory.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("failed to load default config: %v", err)
	}
	cfg.DataDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.DataDir, "icebox.db")
	cfg.Limits.Enabled = false
	cfg.Run.Timeout = 20 * time.Second
	return cfg
}

func TestRun(id string) *store.Run {
	return &store.Run{
		ID:        id,
		Status:    store.StatusRunning,
		InDir:     "/srv/judge/" + id + "/in",
		OutDir:    "/srv/judge/" + id + "/out",
		Argv:      []string{"./solution"},
		CreatedAt: time.Now().UTC(),
	}
}

// NewTestStore creates a SQLite store in a temporary directory. The file
// is shared by every pooled connection, unlike ":memory:".
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "icebox.db"), 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
