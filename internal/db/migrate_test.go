package db

import (
	"bytes"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestMigrations_UpDownRoundTrip(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	fsys := MigrationsFS()
	v, dirty, err := db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp(fsys))
	require.NoError(t, db.MigrateUp(fsys), "up with nothing pending is not an error")

	latest, err := LatestMigrationVersion(fsys)
	require.NoError(t, err)
	v, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, latest, v)
	assert.True(t, tableExists(t, db, "frames"))
	assert.True(t, tableExists(t, db, "sessions"))

	require.NoError(t, db.MigrateDown(fsys))
	assert.False(t, tableExists(t, db, "sessions"))
	assert.True(t, tableExists(t, db, "frames"))

	require.NoError(t, db.MigrateTo(fsys, 1))
	v, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}

func TestMigrateForce(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	fsys := MigrationsFS()
	require.NoError(t, db.MigrateForce(fsys, 2))
	v, dirty, err := db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)
	assert.False(t, tableExists(t, db, "frames"), "force does not run migrations")
}

func TestLatestMigrationVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"000001_a.up.sql":   {Data: []byte("SELECT 1;")},
		"000001_a.down.sql": {Data: []byte("SELECT 1;")},
		"000010_b.up.sql":   {Data: []byte("SELECT 1;")},
		"000003_c.up.sql":   {Data: []byte("SELECT 1;")},
		"README.md":         {Data: []byte("notes")},
		"bogus.up.sql":      {Data: []byte("SELECT 1;")},
	}
	v, err := LatestMigrationVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(10), v)

	v, err = LatestMigrationVersion(fstest.MapFS{})
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand(&out, []string{"up"}, path))
	assert.Contains(t, out.String(), "All migrations applied")
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"down"}, path))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"version", "2"}, path))
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"status"}, path))
	assert.Contains(t, out.String(), "dirty: false")

	for _, args := range [][]string{nil, {"version"}, {"version", "x"}, {"force", "-1"}, {"sideways"}} {
		out.Reset()
		assert.Error(t, RunMigrateCommand(&out, args, path), "args %v", args)
	}

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"help"}, path))
	assert.Contains(t, out.String(), "Usage: migrate")
}
