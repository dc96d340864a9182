// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/pmcache/internal/pmcache/arena"
	"github.com/asch/pmcache/internal/pmcache/layout"
	"github.com/asch/pmcache/internal/pmcache/stats"
)

// Mappings are always done in pages of this size.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Request to cache part of a file.
type Request struct {
	Ino    uint64
	Offset uint64
	Size   uint64
	Write  bool

	// Optional. When set, the data are copied between Buf and the cache
	// and Buf has to be at least Size bytes long. Otherwise the caller
	// copies through the returned address itself.
	Buf []byte
}

// Extent is the answer to Request. Bytes [Addr, Addr+ChunkLen) of the region
// hold the file starting at the requested offset. ChunkLen can be smaller
// than the requested size when the range crosses a block boundary, the caller
// repeats the request for the rest.
type Extent struct {
	Addr       layout.Addr
	ChunkLen   uint64
	FileLength uint64
}

// Mapping is the answer to a page fault.
type Mapping struct {
	Addr layout.Addr

	// Page frame number relative to the start of the arena.
	PFN uint64
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}

// CacheData makes the block containing req.Offset present in the cache and
// returns where its data are. Blocks missing in the cache are filled from the
// backing store. Reads at or behind the end of the file return io.EOF, writes
// extend the file and mark it dirty.
func (d *Device) CacheData(req Request) (Extent, error) {
	defer d.Stats.Time(stats.CacheData)()

	if req.Size == 0 || (req.Buf != nil && uint64(len(req.Buf)) < req.Size) {
		return Extent{}, fmt.Errorf("request of %d bytes with %d bytes buffer: %w",
			req.Size, len(req.Buf), arena.ErrInvalid)
	}

	unlock := d.lockInode(req.Ino)
	defer unlock()

	ref, pi, err := d.load(req.Ino)
	if err != nil {
		return Extent{}, err
	}

	if !req.Write && req.Offset >= pi.Size {
		return Extent{FileLength: pi.Size}, io.EOF
	}

	orig := pi
	bt := pi.BlkType

	bp, err := d.getBlock(req.Ino, &pi, req.Offset>>bt.Shift(), true)
	if pi != orig {
		ref.Store(&pi)
	}
	if err != nil {
		return Extent{FileLength: pi.Size}, err
	}

	inBlock := req.Offset & (bt.Size() - 1)
	chunk := min(req.Size, bt.Size()-inBlock)
	if !req.Write {
		chunk = min(chunk, pi.Size-req.Offset)
	}

	addr := bp + layout.Addr(inBlock)

	if req.Buf != nil {
		c := stats.XipRead
		if req.Write {
			c = stats.XipWrite
		}

		stop := d.Stats.Time(c)
		b := d.region.Bytes(uint64(addr), chunk)
		if req.Write {
			copy(b, req.Buf[:chunk])
		} else {
			copy(req.Buf[:chunk], b)
		}
		stop()
	}

	if req.Write {
		if end := req.Offset + chunk; end > pi.Size {
			pi.Size = end
		}
		pi.Flags |= layout.FlagDirty
		pi.Mtime = uint64(time.Now().Unix())
		ref.Store(&pi)
	}

	return Extent{Addr: addr, ChunkLen: chunk, FileLength: pi.Size}, nil
}

// Returns address of the iblock-th block of the inode. A missing block is
// allocated when create is set and filled with the file content from the
// backing store, the part behind the backed size is zeroed.
func (d *Device) getBlock(ino uint64, pi *layout.Inode, iblock uint64, create bool) (layout.Addr, error) {
	stop := d.Stats.Time(stats.GetExtent)
	bp, err := d.tree.Lookup(pi, iblock)
	stop()

	if !errors.Is(err, arena.ErrUnmapped) || !create {
		return bp, err
	}

	bt := pi.BlkType
	blockOff := iblock << bt.Shift()

	// Read before allocating, a failed read must not leave a mapped block
	// with garbage behind.
	var fill []byte
	if blockOff < pi.Backed {
		fill = make([]byte, min(bt.Size(), pi.Backed-blockOff))
		if err := d.fetch(ino, fill, blockOff); err != nil {
			return layout.Nil, err
		}
	}

	stop = d.Stats.Time(stats.Allocation)
	err = d.tree.AllocBlocks(pi, iblock<<(bt.Shift()-d.geo.BlockSizeBits), d.geo.NumBlocks(bt),
		uint64(len(fill)) < bt.Size())
	stop()

	if err != nil {
		return layout.Nil, err
	}

	bp, err = d.tree.Lookup(pi, iblock)
	if err != nil {
		return layout.Nil, fmt.Errorf("block %d of inode %d missing after allocation: %w",
			iblock, ino, arena.ErrCorrupt)
	}

	copy(d.region.Bytes(uint64(bp), uint64(len(fill))), fill)

	log.Trace().Uint64("ino", ino).Uint64("iblock", iblock).Int("filled", len(fill)).Msg("Block cached.")

	return bp, nil
}

// Reads file content of inode ino from the backing store.
func (d *Device) fetch(ino uint64, buf []byte, off uint64) error {
	name, ok, err := d.catalog.Name(ino)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("inode %d has backed data but no name: %w", ino, arena.ErrCorrupt)
	}

	defer d.Stats.Time(stats.CopyToCache)()

	if err := d.storeRead(name, buf, int64(off), true); err != nil {
		return fmt.Errorf("failed to fill %s at %d: %w", name, off, err)
	}

	return nil
}

// ReadAt reads len(buf) bytes of inode ino starting at off through the cache.
// It returns io.EOF when the end of the file is reached before filling buf.
func (d *Device) ReadAt(ino uint64, buf []byte, off uint64) (int, error) {
	var n uint64

	for n < uint64(len(buf)) {
		e, err := d.CacheData(Request{
			Ino:    ino,
			Offset: off + n,
			Size:   uint64(len(buf)) - n,
			Buf:    buf[n:],
		})

		n += e.ChunkLen
		if err != nil {
			return int(n), err
		}
	}

	return int(n), nil
}

// WriteAt writes buf into inode ino starting at off through the cache.
func (d *Device) WriteAt(ino uint64, buf []byte, off uint64) (int, error) {
	var n uint64

	for n < uint64(len(buf)) {
		e, err := d.CacheData(Request{
			Ino:    ino,
			Offset: off + n,
			Size:   uint64(len(buf)) - n,
			Write:  true,
			Buf:    buf[n:],
		})

		n += e.ChunkLen
		if err != nil {
			return int(n), err
		}
	}

	return int(n), nil
}

// Fault resolves page pgoff of inode ino for a memory mapping. Pages behind
// the end of the file cannot be mapped. A page which is not cached yet is
// cached only when create is set, otherwise ErrUnmapped is returned.
func (d *Device) Fault(ino, pgoff uint64, create bool) (Mapping, error) {
	defer d.Stats.Time(stats.Mmap)()

	unlock := d.lockInode(ino)
	defer unlock()

	ref, pi, err := d.load(ino)
	if err != nil {
		return Mapping{}, err
	}

	pages := (pi.Size + PageSize - 1) >> PageShift
	if pgoff >= pages {
		return Mapping{}, fmt.Errorf("page %d behind end of file of %d pages: %w", pgoff, pages, arena.ErrInvalid)
	}

	orig := pi
	bt := pi.BlkType
	off := pgoff << PageShift

	bp, err := d.getBlock(ino, &pi, off>>bt.Shift(), create)
	if pi != orig {
		ref.Store(&pi)
	}
	if err != nil {
		return Mapping{}, err
	}

	addr := bp + layout.Addr(off&(bt.Size()-1))

	return Mapping{Addr: addr, PFN: uint64(addr) >> PageShift}, nil
}
