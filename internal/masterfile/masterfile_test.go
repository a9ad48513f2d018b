package masterfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadMissingFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master")
	got, err := Read(path)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master")

	require.NoError(t, Write(path, "10.0.0.2:6379"))

	got, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:6379", got)
}

func TestWriteOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master")

	require.NoError(t, Write(path, "a:1"))
	require.NoError(t, Write(path, "b:2"))

	got, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, "b:2", got)
}
