// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/pmcache/internal/pmcache/arena"
	"github.com/asch/pmcache/internal/pmcache/backing"
	"github.com/asch/pmcache/internal/pmcache/inode"
	"github.com/asch/pmcache/internal/pmcache/layout"
	"github.com/asch/pmcache/internal/pmcache/stats"
)

func (d *Device) lookup(name string) (uint64, error) {
	ino, ok, err := d.catalog.Lookup(name)
	if err != nil {
		return 0, err
	}

	if !ok {
		return 0, fmt.Errorf("%s is not cached: %w", name, arena.ErrNotFound)
	}

	return ino, nil
}

// Flush writes the content of a dirty file back to the backing store. Clean
// files are left alone.
func (d *Device) Flush(name string) error {
	ino, err := d.lookup(name)
	if err != nil {
		return err
	}

	unlock := d.lockInode(ino)
	defer unlock()

	ref, pi, err := d.load(ino)
	if err != nil {
		return err
	}

	return d.flush(name, ref, &pi, false)
}

// Reads from the backing store, with priority when prio is set and the store
// supports it.
func (d *Device) storeRead(name string, buf []byte, off int64, prio bool) error {
	if p, ok := d.store.(backing.Prioritizer); ok {
		return p.Download(name, buf, off, prio)
	}

	return d.store.ReadAt(name, buf, off)
}

func (d *Device) storeWrite(name string, buf []byte, prio bool) error {
	if p, ok := d.store.(backing.Prioritizer); ok {
		return p.Upload(name, buf, prio)
	}

	return d.store.Write(name, buf)
}

// Caller holds the inode lock. Urgent flushes block someone waiting for the
// space and go before background ones.
func (d *Device) flush(name string, ref *inode.Ref, pi *layout.Inode, urgent bool) error {
	if !pi.Dirty() {
		return nil
	}

	defer d.Stats.Time(stats.CopyFromCache)()

	buf := make([]byte, pi.Size)
	bt := pi.BlkType

	for off := uint64(0); off < pi.Size; off += bt.Size() {
		n := min(bt.Size(), pi.Size-off)

		bp, err := d.tree.Lookup(pi, off>>bt.Shift())
		switch {
		case err == nil:
			copy(buf[off:off+n], d.region.Bytes(uint64(bp), n))
		case errors.Is(err, arena.ErrUnmapped):
			// Never cached, the store still holds it. Holes behind
			// the backed size stay zero.
			if off < pi.Backed {
				m := min(n, pi.Backed-off)
				if err := d.storeRead(name, buf[off:off+m], int64(off), urgent); err != nil {
					return fmt.Errorf("failed to read %s at %d: %w", name, off, err)
				}
			}
		default:
			return err
		}
	}

	if err := d.storeWrite(name, buf, urgent); err != nil {
		return fmt.Errorf("failed to flush %s: %w", name, err)
	}

	pi.Flags &^= layout.FlagDirty
	pi.Backed = pi.Size
	ref.Store(pi)

	log.Debug().Str("name", name).Uint64("size", pi.Size).Msg("Flushed.")

	return nil
}

// Evict drops file name from the cache. Dirty content is flushed first, when
// the flush fails the file stays cached.
func (d *Device) Evict(name string) error {
	defer d.Stats.Time(stats.Evict)()

	d.namesMu.Lock()
	defer d.namesMu.Unlock()

	ino, err := d.lookup(name)
	if err != nil {
		return err
	}

	unlock := d.lockInode(ino)
	defer unlock()

	ref, pi, err := d.load(ino)
	if err != nil {
		return err
	}

	if err := d.flush(name, ref, &pi, true); err != nil {
		return err
	}

	if err := d.table.FreeInode(ino); err != nil {
		return err
	}

	if err := d.catalog.Unbind(name); err != nil {
		return err
	}

	log.Debug().Str("name", name).Uint64("ino", ino).Msg("Evicted.")

	return nil
}
