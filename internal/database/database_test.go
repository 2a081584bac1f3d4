package database

import (
	"path/filepath"
	"testing"

	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeAndMigrate(t *testing.T) {
	dir := t.TempDir()
	db, err := Initialize(config.DatabaseConfig{Path: filepath.Join(dir, "nested", "trust.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var fk int
	require.NoError(t, db.Get(&fk, "PRAGMA foreign_keys"))
	assert.Equal(t, 1, fk)

	migrations, err := filepath.Abs("../../migrations")
	require.NoError(t, err)

	version, err := Migrate(db.DB, migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	// already current
	version, err = Migrate(db.DB, migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var tables int
	require.NoError(t, db.Get(&tables, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'trust_settings'`))
	assert.Equal(t, 1, tables)
}
