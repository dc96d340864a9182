// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package backing provides the slower storage whose files are cached in the
// arena. Anything implementing Store can be used, files in a local directory
// and objects in s3 are provided.
package backing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotExist is returned by Size when the file does not exist in the store.
var ErrNotExist = errors.New("file does not exist in backing store")

// Interface for the backing storage. Files are identified by their names.
type Store interface {
	// Returns size in bytes of file name.
	Size(name string) (int64, error)

	// Reads len(buf) bytes of file name starting at offset. The whole
	// range has to lie inside of the file.
	ReadAt(name string, buf []byte, offset int64) error

	// Replaces the whole content of file name with buf.
	Write(name string, buf []byte) error
}

// FileStore keeps files in a directory of the local filesystem.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &FileStore{root: filepath.Clean(root)}, nil
}

// Names must stay inside of the root.
func (fs *FileStore) path(name string) (string, error) {
	p := filepath.Join(fs.root, filepath.FromSlash(name))
	if p == fs.root || !strings.HasPrefix(p, fs.root+string(filepath.Separator)) {
		return "", fmt.Errorf("bad file name %q", name)
	}

	return p, nil
}

func (fs *FileStore) Size(name string) (int64, error) {
	p, err := fs.path(name)
	if err != nil {
		return 0, err
	}

	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", name, ErrNotExist)
	} else if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	return fi.Size(), nil
}

func (fs *FileStore) ReadAt(name string, buf []byte, offset int64) error {
	p, err := fs.path(name)
	if err != nil {
		return err
	}

	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	_, err = f.ReadAt(buf, offset)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return fmt.Errorf("read error on %s: %w", name, err)
	}

	return nil
}

func (fs *FileStore) Write(name string, buf []byte) error {
	p, err := fs.path(name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}

	// Readers never see a half written file.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("write error on %s: %w", name, err)
	}

	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}

	return nil
}
