package sqlstore

import (
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

// Schema changes must land as new migration files, never as edits to
// applied ones. Snapshotting the initial migrations makes an accidental
// edit fail loudly.

func TestPostgresSchema(t *testing.T) {
	var ddl, err = migrationsFS.ReadFile("migrations/postgres/0001_init.sql")
	require.NoError(t, err)
	cupaloy.SnapshotT(t, string(ddl))
}

func TestSQLiteSchema(t *testing.T) {
	var ddl, err = migrationsFS.ReadFile("migrations/sqlite/0001_init.sql")
	require.NoError(t, err)
	cupaloy.SnapshotT(t, string(ddl))
}
