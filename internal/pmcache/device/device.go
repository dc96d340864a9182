// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package device ties the arena, the allocator, the translation trees and the
// inode table together into one attached cache. It owns the lifecycle of the
// arena: Format creates an empty one, Attach brings an existing one up and
// Detach shuts it down cleanly.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/pmcache/internal/pmcache/alloc"
	"github.com/asch/pmcache/internal/pmcache/arena"
	"github.com/asch/pmcache/internal/pmcache/backing"
	"github.com/asch/pmcache/internal/pmcache/btree"
	"github.com/asch/pmcache/internal/pmcache/catalog"
	"github.com/asch/pmcache/internal/pmcache/inode"
	"github.com/asch/pmcache/internal/pmcache/layout"
	"github.com/asch/pmcache/internal/pmcache/stats"
)

const defaultBlockSize = 4096

// Options for Format.
type Options struct {
	// Base block size in bytes. Zero means 4096.
	BlockSize int

	// Bytes at the head of the arena which are never allocated. At least
	// the superblock and the table inode are kept there.
	ReservedBytes uint64

	// Initial capacity of the inode table. Zero means one block worth.
	Inodes uint64
}

// Device is an attached arena. All exported methods are safe for concurrent
// use, except Detach which must not run concurrently with anything else.
type Device struct {
	region  *arena.Region
	super   layout.Super
	geo     arena.Geometry
	alloc   *alloc.Allocator
	tree    *btree.Tree
	table   *inode.Table
	catalog *catalog.Catalog
	store   backing.Store

	Stats stats.Stats

	// Serializes Open and Evict, one name is never bound twice.
	namesMu sync.Mutex

	// Per-inode locks serializing changes of the inode tree and record.
	// Only inodes somebody holds or waits for have an entry.
	locksMu sync.Mutex
	locks   map[uint64]*inodeLock
}

type inodeLock struct {
	sync.Mutex
	refs int
}

// Format creates an empty arena in region. Whatever was there before is lost,
// including everything recorded in the catalog.
func Format(region *arena.Region, cat *catalog.Catalog, o Options) error {
	if o.BlockSize == 0 {
		o.BlockSize = defaultBlockSize
	}

	geo, err := arena.NewGeometry(o.BlockSize)
	if err != nil {
		return err
	}

	reserved := o.ReservedBytes
	if reserved < layout.MinReserved {
		reserved = layout.MinReserved
	}

	blockEnd := geo.BlockNr(region.Len())
	if geo.BlocksFor(reserved) >= blockEnd {
		return fmt.Errorf("arena of %d bytes is too small: %w", region.Len(), arena.ErrNoSpace)
	}

	a := alloc.New(region, geo, 0, blockEnd)
	if err := a.Init(reserved); err != nil {
		return err
	}

	region.Zero(0, geo.BlockOff(geo.BlocksFor(reserved)))

	tree := btree.New(region, a)
	table := inode.New(region, tree, geo, layout.InodeTableOffset)
	if err := table.Init(o.Inodes); err != nil {
		return err
	}

	if err := cat.Reset(); err != nil {
		return fmt.Errorf("failed to reset catalog: %w", err)
	}

	buf, err := a.Serialize()
	if err != nil {
		return err
	}

	if err := cat.SaveCheckpoint(buf); err != nil {
		return err
	}

	s := layout.Super{
		Version:          layout.Version,
		BlockSizeBits:    uint32(geo.BlockSizeBits),
		BlockStart:       0,
		BlockEnd:         blockEnd,
		ReservedBytes:    reserved,
		InodeTableOffset: layout.InodeTableOffset,
		Clean:            true,
	}
	s.Encode(region.Bytes(0, layout.SuperSize))

	if err := region.Sync(); err != nil {
		return fmt.Errorf("failed to sync arena: %w", err)
	}

	log.Info().Uint64("blocks", blockEnd).Uint64("block size", geo.BlockSize()).
		Uint64("free blocks", a.FreeBlocks()).Msg("Arena formatted.")

	return nil
}

// Attach brings up the arena stored in region. The allocator is restored from
// the checkpoint when the arena was detached cleanly, otherwise it is rebuilt
// from the inode table and the trees of all live inodes.
func Attach(region *arena.Region, cat *catalog.Catalog, store backing.Store) (*Device, error) {
	if region.Len() < layout.SuperSize {
		return nil, fmt.Errorf("region of %d bytes has no superblock: %w", region.Len(), arena.ErrCorrupt)
	}

	s, err := layout.DecodeSuper(region.Bytes(0, layout.SuperSize))
	if err != nil {
		return nil, err
	}

	if err := validate(&s, region); err != nil {
		return nil, err
	}

	d := &Device{
		region:  region,
		super:   s,
		geo:     s.Geometry(),
		catalog: cat,
		store:   store,
		locks:   make(map[uint64]*inodeLock),
	}

	d.setup()

	restored := false
	if s.Clean {
		restored, err = d.restore()
		if err != nil {
			log.Warn().Err(err).Msg("Cannot restore allocator from checkpoint, rebuilding.")
			d.setup()
			restored = false
		}
	}

	if restored {
		err = d.table.Load()
	} else {
		err = d.rebuild()
	}

	if err != nil {
		return nil, err
	}

	if err := cat.DropCheckpoint(); err != nil {
		return nil, err
	}

	d.super.Clean = false
	d.writeSuper()

	if err := region.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync arena: %w", err)
	}

	log.Info().Bool("restored", restored).Uint64("free blocks", d.alloc.FreeBlocks()).
		Uint64("inodes", d.table.Count()).Msg("Arena attached.")

	return d, nil
}

func validate(s *layout.Super, region *arena.Region) error {
	geo := s.Geometry()

	switch {
	case geo.BlockSizeBits < 9 || geo.BlockSizeBits > arena.Block4K.Shift():
		return fmt.Errorf("block size bits %d: %w", geo.BlockSizeBits, arena.ErrCorrupt)
	case s.BlockStart >= s.BlockEnd || geo.BlockOff(s.BlockEnd) > region.Len():
		return fmt.Errorf("blocks [%d, %d) do not fit region of %d bytes: %w",
			s.BlockStart, s.BlockEnd, region.Len(), arena.ErrCorrupt)
	case s.InodeTableOffset < layout.SuperSize || s.InodeTableOffset+layout.InodeSize > s.ReservedBytes:
		return fmt.Errorf("inode table offset %d: %w", s.InodeTableOffset, arena.ErrCorrupt)
	}

	return nil
}

// Creates fresh allocator, tree and table for the arena.
func (d *Device) setup() {
	d.alloc = alloc.New(d.region, d.geo, d.super.BlockStart, d.super.BlockEnd)
	d.tree = btree.New(d.region, d.alloc)
	d.table = inode.New(d.region, d.tree, d.geo, d.super.InodeTableOffset)
}

func (d *Device) restore() (bool, error) {
	buf, err := d.catalog.LoadCheckpoint()
	if err != nil || buf == nil {
		return false, err
	}

	if err := d.alloc.Deserialize(buf); err != nil {
		return false, err
	}

	return true, nil
}

// Every block reachable from the table inode or a live inode is in use,
// everything else is free.
func (d *Device) rebuild() error {
	if err := d.alloc.Init(d.super.ReservedBytes); err != nil {
		return err
	}

	reserve := func(b btree.Block) error {
		return d.alloc.Reserve(d.geo.BlockNr(uint64(b.Addr)), d.geo.NumBlocks(b.Type))
	}

	tpi := d.table.TableInode()
	if err := d.tree.Walk(&tpi, reserve); err != nil {
		return fmt.Errorf("inode table: %w", err)
	}

	if err := d.table.Load(); err != nil {
		return err
	}

	err := d.table.Live(func(ino uint64, pi *layout.Inode) error {
		if err := d.tree.Walk(pi, reserve); err != nil {
			return fmt.Errorf("inode %d: %w", ino, err)
		}
		return nil
	})

	if err != nil {
		return err
	}

	log.Info().Int("extents", len(d.alloc.Extents())).Msg("Allocator rebuilt.")

	return d.alloc.Check()
}

func (d *Device) writeSuper() {
	d.super.Encode(d.region.Bytes(0, layout.SuperSize))
}

// Detach checkpoints the allocator, marks the arena clean and closes the
// region. The device cannot be used afterwards.
func (d *Device) Detach() error {
	buf, err := d.alloc.Serialize()
	if err != nil {
		return err
	}

	if err := d.catalog.SaveCheckpoint(buf); err != nil {
		return err
	}

	d.super.Clean = true
	d.writeSuper()

	if err := d.region.Sync(); err != nil {
		return fmt.Errorf("failed to sync arena: %w", err)
	}

	d.Stats.Log()
	log.Info().Msg("Arena detached.")

	return d.region.Close()
}

func (d *Device) lockInode(ino uint64) func() {
	d.locksMu.Lock()
	l, ok := d.locks[ino]
	if !ok {
		l = new(inodeLock)
		d.locks[ino] = l
	}
	l.refs++
	d.locksMu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()

		d.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, ino)
		}
		d.locksMu.Unlock()
	}
}

// Number of inodes with a lock entry.
func (d *Device) lockedInodes() int {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()

	return len(d.locks)
}

// Resolves live inode. Free inodes are reported as not found.
func (d *Device) load(ino uint64) (*inode.Ref, layout.Inode, error) {
	ref, err := d.table.Get(ino)
	if err != nil {
		return nil, layout.Inode{}, err
	}

	pi := ref.Load()
	if pi.Free() {
		return nil, layout.Inode{}, fmt.Errorf("inode %d is free: %w", ino, arena.ErrNotFound)
	}

	return ref, pi, nil
}

// Open returns inode caching file name. The first open of a file allocates a
// new inode whose size is taken from the backing store. Files missing in the
// store start empty.
func (d *Device) Open(name string) (uint64, error) {
	d.namesMu.Lock()
	defer d.namesMu.Unlock()

	ino, ok, err := d.catalog.Lookup(name)
	if err != nil {
		return 0, err
	}

	if ok {
		if _, _, err := d.load(ino); err == nil {
			return ino, nil
		}

		log.Warn().Str("name", name).Uint64("ino", ino).Msg("Stale catalog entry, dropping.")
		if err := d.catalog.Unbind(name); err != nil {
			return 0, err
		}
	}

	size, err := d.store.Size(name)
	if errors.Is(err, backing.ErrNotExist) {
		size, err = 0, nil
	}
	if err != nil {
		return 0, err
	}

	ino, err = d.table.AllocInode(layout.ModeRegular)
	if err != nil {
		return 0, err
	}

	ref, err := d.table.Get(ino)
	if err != nil {
		return 0, err
	}

	pi := ref.Load()
	pi.Size, pi.Backed = uint64(size), uint64(size)
	ref.Store(&pi)

	if err := d.catalog.Bind(name, ino); err != nil {
		if ferr := d.table.FreeInode(ino); ferr != nil {
			log.Warn().Err(ferr).Uint64("ino", ino).Msg("Cannot free inode of unbound file, it leaks.")
		}
		return 0, err
	}

	log.Debug().Str("name", name).Uint64("ino", ino).Int64("size", size).Msg("Opened.")

	return ino, nil
}

// Check verifies the invariants of the allocator.
func (d *Device) Check() error {
	return d.alloc.Check()
}

// Info summarizes the state of the device.
type Info struct {
	BlockSize   uint64
	TotalBlocks uint64
	FreeBlocks  uint64
	Extents     int
	Inodes      uint64
	FreeInodes  uint64
	Stats       []stats.Entry
}

func (d *Device) Stat() Info {
	return Info{
		BlockSize:   d.geo.BlockSize(),
		TotalBlocks: d.alloc.TotalBlocks(),
		FreeBlocks:  d.alloc.FreeBlocks(),
		Extents:     len(d.alloc.Extents()),
		Inodes:      d.table.Count(),
		FreeInodes:  d.table.FreeCount(),
		Stats:       d.Stats.Snapshot(),
	}
}

// File describes one cached file.
type File struct {
	Name   string
	Ino    uint64
	Size   uint64
	Blocks uint64
	Dirty  bool
}

// Files lists all cached files.
func (d *Device) Files() ([]File, error) {
	names, err := d.catalog.Files()
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(names))
	for name, ino := range names {
		unlock := d.lockInode(ino)
		_, pi, err := d.load(ino)
		unlock()

		if err != nil {
			log.Warn().Err(err).Str("name", name).Msg("Cataloged file has no inode.")
			continue
		}

		files = append(files, File{name, ino, pi.Size, pi.Blocks, pi.Dirty()})
	}

	return files, nil
}
