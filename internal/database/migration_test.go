package database

import (
	"io"
	"os"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	source, err := iofs.New(migrationFiles, "migrations")
	require.NoError(t, err)
	defer source.Close()

	first, err := source.First()
	require.NoError(t, err)
	assert.EqualValues(t, 1, first)

	up, identifier, err := source.ReadUp(first)
	require.NoError(t, err)
	body, err := io.ReadAll(up)
	up.Close()
	require.NoError(t, err)
	assert.Equal(t, "create_command_journal", identifier)
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS command_journal")

	down, _, err := source.ReadDown(first)
	require.NoError(t, err)
	down.Close()

	_, err = source.Next(first)
	assert.ErrorIs(t, err, os.ErrNotExist, "one migration so far")
}
