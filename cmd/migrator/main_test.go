package main

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/formsync/internal/db"
)

func TestMigrationNames_SortedUpOnly(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/0002_indexes.up.sql": {Data: []byte("SELECT 1;")},
		"migrations/0001_init.up.sql":    {Data: []byte("SELECT 1;")},
		"migrations/0001_init.down.sql":  {Data: []byte("SELECT 1;")},
		"migrations/README.md":           {Data: []byte("docs")},
		"other/0000_ignored.up.sql":      {Data: []byte("SELECT 1;")},
	}

	names, err := migrationNames(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"migrations/0001_init.up.sql", "migrations/0002_indexes.up.sql"}, names)
}

func TestMigrationNames_EmbeddedSchema(t *testing.T) {
	names, err := migrationNames(db.Migrations)
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "migrations/0001_init.up.sql", names[0])
}
