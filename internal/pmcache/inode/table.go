// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package inode manages the inode table. The table is an array of fixed size
// inode records stored in ordinary blocks of the arena. The blocks are
// addressed through the translation tree of a dedicated table inode living in
// the reserved head, so the table grows exactly like any other file.
package inode

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/pmcache/internal/pmcache/arena"
	"github.com/asch/pmcache/internal/pmcache/btree"
	"github.com/asch/pmcache/internal/pmcache/layout"
)

const (
	// Inode 0 is invalid and never handed out. The scan for a free inode
	// starts here and wraps back here.
	FreeHintStart = 1

	// Default size of the table when the number of inodes is not given.
	defaultTableSize = 4096

	tableBlockType = arena.Block4K
)

// Table allocates and resolves inodes.
type Table struct {
	// Serializes inode allocation, freeing and growth of the table. It is
	// always taken before the allocator lock.
	mu sync.Mutex

	// Guards the record of the table inode. Lookups take it for reading,
	// growth for writing.
	tableMu sync.RWMutex

	region   *arena.Region
	tree     *btree.Tree
	geo      arena.Geometry
	tableOff uint64

	// Derived state, rebuilt by Load.
	inodesCount uint64
	freeCount   uint64
	hint        uint64
}

// Ref points to an inode record in the region.
type Ref struct {
	Ino uint64
	Off uint64

	region *arena.Region
}

// Load returns copy of the record.
func (r *Ref) Load() layout.Inode {
	return layout.DecodeInode(r.region.Bytes(r.Off, layout.InodeSize))
}

// Store writes pi back into the record.
func (r *Ref) Store(pi *layout.Inode) {
	pi.Encode(r.region.Bytes(r.Off, layout.InodeSize))
}

// New returns table whose table inode record is at tableOff. Either Init or
// Load has to be called before use.
func New(region *arena.Region, tree *btree.Tree, geo arena.Geometry, tableOff uint64) *Table {
	return &Table{
		region:   region,
		tree:     tree,
		geo:      geo,
		tableOff: tableOff,
	}
}

func inodesPerBlock(bt arena.BlockType) uint64 {
	return bt.Size() >> layout.InodeBits
}

func (t *Table) loadTableInode() layout.Inode {
	return layout.DecodeInode(t.region.Bytes(t.tableOff, layout.InodeSize))
}

func (t *Table) storeTableInode(pi *layout.Inode) {
	pi.Encode(t.region.Bytes(t.tableOff, layout.InodeSize))
}

// TableInode returns copy of the table inode record.
func (t *Table) TableInode() layout.Inode {
	t.tableMu.RLock()
	defer t.tableMu.RUnlock()

	return t.loadTableInode()
}

// Init creates a fresh table able to hold at least inodes records. Zero means
// one block worth of inodes.
func (t *Table) Init(inodes uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tableMu.Lock()
	defer t.tableMu.Unlock()

	pi := layout.Inode{BlkType: tableBlockType, Links: 1}

	size := uint64(defaultTableSize)
	if inodes != 0 {
		size = inodes << layout.InodeBits
	}

	bt := pi.BlkType
	numBlocks := (size + bt.Size() - 1) >> bt.Shift()

	err := t.tree.AllocBlocks(&pi, 0, numBlocks<<(bt.Shift()-t.geo.BlockSizeBits), true)
	if err != nil {
		t.storeTableInode(&pi)
		return fmt.Errorf("failed to initialize inode table: %w", err)
	}

	pi.Size = numBlocks << bt.Shift()
	t.storeTableInode(&pi)

	t.inodesCount = pi.Size >> layout.InodeBits
	t.freeCount = t.inodesCount - FreeHintStart
	t.hint = FreeHintStart

	log.Info().Uint64("inodes", t.inodesCount).Msg("Inode table initialized.")

	return nil
}

// Load rebuilds the counters of an existing table by scanning it.
func (t *Table) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pi := t.TableInode()
	if !pi.BlkType.Valid() || pi.Links == 0 {
		return fmt.Errorf("bad inode table inode: %w", arena.ErrCorrupt)
	}

	t.inodesCount = pi.Size >> layout.InodeBits
	t.freeCount = 0
	t.hint = FreeHintStart

	first := true
	err := t.scan(&pi, FreeHintStart, func(ino uint64, rec *layout.Inode) bool {
		if rec.Free() {
			t.freeCount++
			if first {
				t.hint, first = ino, false
			}
		}
		return false
	})

	if err != nil {
		return err
	}

	log.Info().Uint64("inodes", t.inodesCount).Uint64("free", t.freeCount).Msg("Inode table loaded.")

	return nil
}

// Calls fn for every record in [from, inodesCount) until it returns true. The
// table blocks are resolved once per block.
func (t *Table) scan(pi *layout.Inode, from uint64, fn func(ino uint64, rec *layout.Inode) bool) error {
	perBlock := inodesPerBlock(pi.BlkType)

	for i := from; i < t.inodesCount; {
		end := i + (perBlock - i&(perBlock-1))

		bp, err := t.tree.Lookup(pi, i/perBlock)
		if err != nil {
			return fmt.Errorf("inode table block %d: %v: %w", i/perBlock, err, arena.ErrCorrupt)
		}

		for ; i < end; i++ {
			off := uint64(bp) + (i&(perBlock-1))<<layout.InodeBits
			rec := layout.DecodeInode(t.region.Bytes(off, layout.InodeSize))
			if fn(i, &rec) {
				return nil
			}
		}
	}

	return nil
}

func (t *Table) findFree(from uint64) (uint64, bool, error) {
	pi := t.TableInode()

	var found uint64
	var ok bool
	err := t.scan(&pi, from, func(ino uint64, rec *layout.Inode) bool {
		found, ok = ino, rec.Free()
		return ok
	})

	return found, ok, err
}

// AllocInode finds a free inode, starting the scan at the hint, and marks it
// used with the mode. When the table is full it grows by one block.
func (t *Table) AllocInode(mode uint16) (uint64, error) {
	if mode == 0 {
		return 0, fmt.Errorf("inode mode 0: %w", arena.ErrInvalid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ino, found, err := t.findFree(t.hint)
	if err == nil && !found && t.freeCount > 0 && t.hint > FreeHintStart {
		ino, found, err = t.findFree(FreeHintStart)
	}

	for err == nil && !found {
		if err = t.grow(); err != nil {
			break
		}
		ino, found, err = t.findFree(t.hint)
	}

	if err != nil {
		log.Debug().Err(err).Msg("Could not find a free inode.")
		return 0, err
	}

	ref, err := t.get(ino)
	if err != nil {
		return 0, err
	}

	pi := layout.Inode{
		BlkType: arena.DefaultBlockType,
		Links:   1,
		Mode:    mode,
		Mtime:   uint64(time.Now().Unix()),
	}
	ref.Store(&pi)

	t.freeCount--

	if ino < t.inodesCount-1 {
		t.hint = ino + 1
	} else {
		t.hint = FreeHintStart
	}

	log.Debug().Uint64("ino", ino).Msg("Allocated inode.")

	return ino, nil
}

// Adds one table block at the end of the table.
func (t *Table) grow() error {
	t.tableMu.Lock()
	defer t.tableMu.Unlock()

	pi := t.loadTableInode()

	err := t.tree.AllocBlocks(&pi, pi.Size>>t.geo.BlockSizeBits, 1, true)
	if err != nil {
		// Index blocks added on the way stay part of the tree.
		t.storeTableInode(&pi)
		log.Debug().Err(err).Msg("No space left to grow the inode table.")
		return fmt.Errorf("failed to grow inode table: %w", err)
	}

	t.hint = pi.Size >> layout.InodeBits
	pi.Size += pi.BlkType.Size()
	t.storeTableInode(&pi)

	t.freeCount += inodesPerBlock(pi.BlkType)
	t.inodesCount = pi.Size >> layout.InodeBits

	log.Info().Uint64("inodes", t.inodesCount).Msg("Inode table grown.")

	return nil
}

// FreeInode releases all blocks of the inode and marks it free.
func (t *Table) FreeInode(ino uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ref, err := t.get(ino)
	if err != nil {
		return err
	}

	pi := ref.Load()
	if pi.Free() {
		return fmt.Errorf("inode %d already free: %w", ino, arena.ErrInvalid)
	}

	if err := t.tree.FreeBlocks(&pi); err != nil {
		ref.Store(&pi)
		return err
	}

	pi.Links = 0
	pi.Size = 0
	pi.Flags = 0
	pi.Dtime = uint32(time.Now().Unix())
	if pi.Dtime == 0 {
		pi.Dtime = 1
	}
	ref.Store(&pi)

	t.freeCount++
	if ino < t.hint {
		t.hint = ino
	}

	log.Debug().Uint64("ino", ino).Msg("Freed inode.")

	return nil
}

// Get resolves inode number to its record.
func (t *Table) Get(ino uint64) (*Ref, error) {
	t.tableMu.RLock()
	defer t.tableMu.RUnlock()

	return t.get(ino)
}

func (t *Table) get(ino uint64) (*Ref, error) {
	if ino == 0 {
		return nil, fmt.Errorf("inode 0 is reserved: %w", arena.ErrNotFound)
	}

	pi := t.loadTableInode()
	bt := pi.BlkType

	bp, err := t.tree.Lookup(&pi, ino>>(bt.Shift()-layout.InodeBits))
	if err != nil {
		return nil, fmt.Errorf("inode %d: %w", ino, arena.ErrNotFound)
	}

	off := (ino << layout.InodeBits) & (bt.Size() - 1)

	return &Ref{Ino: ino, Off: uint64(bp) + off, region: t.region}, nil
}

// Live calls fn for every inode in use. Stops on the first error.
func (t *Table) Live(fn func(ino uint64, pi *layout.Inode) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pi := t.TableInode()

	var ferr error
	err := t.scan(&pi, FreeHintStart, func(ino uint64, rec *layout.Inode) bool {
		if !rec.Free() {
			ferr = fn(ino, rec)
		}
		return ferr != nil
	})

	if err != nil {
		return err
	}

	return ferr
}

// Count returns capacity of the table.
func (t *Table) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.inodesCount
}

// FreeCount returns number of free inodes. Inode 0 is never counted.
func (t *Table) FreeCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.freeCount
}

// Hint returns where the next scan for a free inode starts.
func (t *Table) Hint() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.hint
}
