package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func assertNoTemp(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestWriteCreatesPrivateFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "results.csv")
	require.NoError(t, Write(path, writeString("id,name\n1,Acme U\n")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,Acme U\n", string(got))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assertNoTemp(t, filepath.Dir(path))
}

func TestWriteReplacesExisting(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, Write(path, writeString("a much longer first version\n")))
	require.NoError(t, Write(path, writeString("short\n")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "short\n", string(got))
}

func TestWriteFailureKeepsPreviousFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "results.csv")
	require.NoError(t, Write(path, writeString("id,name\n1,Acme U\n")))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	boom := errors.New("encoder failed")
	err = Write(path, func(w io.Writer) error {
		if _, err := io.WriteString(w, "id,na"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assertNoTemp(t, dir)
}

func TestWriteFailureLeavesNoFileWhenNoneExisted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "unmatched.csv")
	err := Write(path, func(io.Writer) error { return errors.New("encoder failed") })
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
	assertNoTemp(t, dir)
}
