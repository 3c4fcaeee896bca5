package cmd

import (
	"batchclassify/internal/adapter/outbound/sqlitestore"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testEnv is a scratch directory holding a SQLite record store, a config
// file pointing at it and the tracker and artifact locations.
type testEnv struct {
	dir        string
	dbPath     string
	configPath string
}

func newTestEnv(t *testing.T, extraConfig string, fields []string, seed string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		dbPath:     filepath.Join(dir, "records.db"),
		configPath: filepath.Join(dir, "config.yaml"),
	}

	db, err := sqlitestore.Open(env.dbPath)
	require.NoError(t, err)
	store, err := sqlitestore.New(db, "classifications", fields)
	require.NoError(t, err)
	require.NoError(t, store.EnsureTable(context.Background()))
	if seed != "" {
		_, err = db.Exec(seed)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	cfg := "database:\n" +
		"  driver: sqlite\n" +
		"  sqlite_path: " + env.dbPath + "\n" +
		"tracker:\n" +
		"  path: " + env.trackerPath() + "\n" +
		"artifacts:\n" +
		"  dir: " + env.artifactsDir() + "\n" +
		"log:\n" +
		"  level: error\n" +
		extraConfig
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o600))
	return env
}

func (e *testEnv) trackerPath() string {
	return filepath.Join(e.dir, "batch_jobs.json")
}

func (e *testEnv) artifactsDir() string {
	return filepath.Join(e.dir, "logs")
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}
