// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package backing

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Write("dir/file", []byte("hello backing store")))

	size, err := fs.Size("dir/file")
	require.NoError(t, err)
	assert.Equal(t, int64(19), size)

	buf := make([]byte, 7)
	require.NoError(t, fs.ReadAt("dir/file", buf, 6))
	assert.Equal(t, "backing", string(buf))

	_, err = os.Stat(filepath.Join(fs.root, "dir", "file.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreOverwrite(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Write("f", []byte("long content")))
	require.NoError(t, fs.Write("f", []byte("short")))

	size, err := fs.Size("f")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestFileStoreMissing(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Size("missing")
	assert.ErrorIs(t, err, ErrNotExist)

	assert.Error(t, fs.ReadAt("missing", make([]byte, 1), 0))
}

func TestFileStoreShortRead(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Write("f", []byte("abc")))

	err = fs.ReadAt("f", make([]byte, 4), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFileStoreBadNames(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", ".", "../escape", "a/../../escape"} {
		assert.Error(t, fs.Write(name, []byte("x")), name)
		_, err := fs.Size(name)
		assert.Error(t, err, name)
	}
}
