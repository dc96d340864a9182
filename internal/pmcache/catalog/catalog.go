// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package catalog keeps the metadata living outside of the arena: which
// backing file is cached in which inode and the checkpoint of the extent
// allocator taken on a clean detach.
package catalog

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	filesBucket      = []byte("files")
	namesBucket      = []byte("names")
	checkpointBucket = []byte("checkpoint")

	allocatorKey = []byte("allocator")
)

// Catalog is a bolt database. It is safe for concurrent use.
type Catalog struct {
	db *bolt.DB
}

// Open opens or creates the catalog on path.
func Open(path string) (*Catalog, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}

	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare catalog %s: %w", path, err)
	}

	return &Catalog{db: db}, nil
}

var buckets = [][]byte{filesBucket, namesBucket, checkpointBucket}

func createBuckets(tx *bolt.Tx) error {
	for _, b := range buckets {
		if _, err := tx.CreateBucketIfNotExists(b); err != nil {
			return err
		}
	}

	return nil
}

// Reset forgets everything. Used when the arena is formatted.
func (c *Catalog) Reset() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		return createBuckets(tx)
	})
}

func inoBytes(ino uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, ino)
	return b
}

// Lookup returns inode caching file name. ok is false when the file is not
// cached.
func (c *Catalog) Lookup(name string) (ino uint64, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(filesBucket).Get([]byte(name))
		if v != nil {
			ino, ok = binary.BigEndian.Uint64(v), true
		}
		return nil
	})

	return ino, ok, err
}

// Name returns file cached in inode ino.
func (c *Catalog) Name(ino uint64) (name string, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(namesBucket).Get(inoBytes(ino))
		if v != nil {
			name, ok = string(v), true
		}
		return nil
	})

	return name, ok, err
}

// Bind records that file name is cached in inode ino.
func (c *Catalog) Bind(name string, ino uint64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(filesBucket).Put([]byte(name), inoBytes(ino)); err != nil {
			return err
		}
		return tx.Bucket(namesBucket).Put(inoBytes(ino), []byte(name))
	})
}

// Unbind forgets file name.
func (c *Catalog) Unbind(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(filesBucket)
		if v := files.Get([]byte(name)); v != nil {
			if err := tx.Bucket(namesBucket).Delete(v); err != nil {
				return err
			}
		}
		return files.Delete([]byte(name))
	})
}

// Files returns all cached files with their inodes.
func (c *Catalog) Files() (map[string]uint64, error) {
	files := make(map[string]uint64)

	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			files[string(k)] = binary.BigEndian.Uint64(v)
			return nil
		})
	})

	return files, err
}

// SaveCheckpoint stores serialized allocator.
func (c *Catalog) SaveCheckpoint(buf []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put(allocatorKey, buf)
	})
}

// LoadCheckpoint returns serialized allocator or nil if there is none.
func (c *Catalog) LoadCheckpoint() ([]byte, error) {
	var buf []byte

	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(checkpointBucket).Get(allocatorKey); v != nil {
			// Valid only during the transaction.
			buf = append([]byte(nil), v...)
		}
		return nil
	})

	return buf, err
}

// DropCheckpoint removes the checkpoint. It is done right after attaching,
// the arena is going to change and the checkpoint would be stale.
func (c *Catalog) DropCheckpoint() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Delete(allocatorKey)
	})
}

func (c *Catalog) Path() string {
	return c.db.Path()
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
