// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package btree translates file relative block numbers into physical block
// addresses. Every inode owns a radix tree of index blocks of height 0 to 3.
// With height 0 the root of the inode is the only data block, otherwise it
// points to an index block whose slots point one level down, the last level
// pointing to data blocks.
//
// The tree grows by putting a new index block above the current root, the
// old root becoming its first child. Nothing which is already mapped ever
// moves.
package btree

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/pmcache/internal/pmcache/alloc"
	"github.com/asch/pmcache/internal/pmcache/arena"
	"github.com/asch/pmcache/internal/pmcache/layout"
)

const (
	// Index blocks are always 4K blocks full of 8 byte slots, i.e. every
	// level consumes 9 bits of the block number.
	MetaBits  = 9
	Fanout    = 1 << MetaBits
	slotSize  = 8
	indexType = arena.Block4K

	MaxHeight = 3
)

// Tree performs translation and allocation on trees stored in the region. It
// holds no per-inode state. Mutations of one inode have to be serialized by
// the caller, different inodes can be used concurrently.
type Tree struct {
	region *arena.Region
	geo    arena.Geometry
	alloc  *alloc.Allocator
}

func New(region *arena.Region, a *alloc.Allocator) *Tree {
	return &Tree{
		region: region,
		geo:    a.Geometry(),
		alloc:  a,
	}
}

func (t *Tree) slot(block layout.Addr, i uint64) layout.Addr {
	return layout.Addr(t.region.Uint64(uint64(block) + i*slotSize))
}

func (t *Tree) setSlot(block layout.Addr, i uint64, child layout.Addr) {
	t.region.PutUint64(uint64(block)+i*slotSize, uint64(child))
}

// Number of inode blocks addressable by tree of the height.
func capacity(height uint8) uint64 {
	return 1 << (uint(height) * MetaBits)
}

// Shift converting base blocks into blocks of the inode type.
func (t *Tree) blkShift(pi *layout.Inode) (uint, error) {
	if !pi.BlkType.Valid() {
		return 0, fmt.Errorf("inode block type %d: %w", pi.BlkType, arena.ErrInvalid)
	}

	return pi.BlkType.Shift() - t.geo.BlockSizeBits, nil
}

// FindBlock returns physical address of file block fileBlock. The block number
// is in base blocks, for huge block types the address points inside the
// inode block holding it.
func (t *Tree) FindBlock(pi *layout.Inode, fileBlock uint64) (layout.Addr, error) {
	shift, err := t.blkShift(pi)
	if err != nil {
		return layout.Nil, err
	}

	offset := fileBlock & (1<<shift - 1)
	bp, err := t.Lookup(pi, fileBlock>>shift)
	if err != nil {
		return layout.Nil, err
	}

	return bp + layout.Addr(t.geo.BlockOff(offset)), nil
}

// Lookup returns physical address of the blocknr-th block of the inode. The
// block number is in units of the inode block type.
func (t *Tree) Lookup(pi *layout.Inode, blocknr uint64) (layout.Addr, error) {
	if blocknr >= capacity(pi.Height) {
		return layout.Nil, arena.ErrUnmapped
	}

	bp := pi.Root
	for h := pi.Height; h > 0 && bp.Valid(); h-- {
		idx := (blocknr >> (uint(h-1) * MetaBits)) & (Fanout - 1)
		bp = t.slot(bp, idx)
	}

	if !bp.Valid() {
		return layout.Nil, arena.ErrUnmapped
	}

	return bp, nil
}

// Height needed for addressing block last, starting from the current height.
func requiredHeight(height uint8, last uint64) uint8 {
	if last < capacity(height) {
		return height
	}

	for total := last >> (uint(height) * MetaBits); total > 0; total >>= MetaBits {
		height++
	}

	return height
}

// AllocBlocks makes sure every file block in [fileBlock, fileBlock+num) has a
// data block. Blocks already mapped are kept. When an allocation fails on the
// way, everything allocated so far stays mapped and the error is returned;
// the caller can retry for the rest.
func (t *Tree) AllocBlocks(pi *layout.Inode, fileBlock, num uint64, zero bool) error {
	if num == 0 {
		return fmt.Errorf("allocation of 0 blocks: %w", arena.ErrInvalid)
	}

	shift, err := t.blkShift(pi)
	if err != nil {
		return err
	}

	first := fileBlock >> shift
	last := (fileBlock + num - 1) >> shift

	height := requiredHeight(pi.Height, last)
	if height > MaxHeight {
		return fmt.Errorf("block %d needs tree height %d, max file size reached: %w",
			last, height, arena.ErrNoSpace)
	}

	log.Trace().Uint8("height", pi.Height).Uint64("first", first).Uint64("last", last).Msg("Alloc blocks.")

	if !pi.Root.Valid() {
		pi.Height = 0

		if height == 0 {
			bp, err := t.newDataBlock(pi, zero)
			if err != nil {
				return err
			}
			pi.Root = bp

			return nil
		}

		if err := t.IncreaseHeight(pi, height); err != nil {
			return err
		}

		return t.recursiveAlloc(pi, pi.Root, pi.Height, first, last, zero)
	}

	// Root is the only data block and it is already there.
	if height == 0 {
		return nil
	}

	if height > pi.Height {
		if err := t.IncreaseHeight(pi, height); err != nil {
			return err
		}
	}

	return t.recursiveAlloc(pi, pi.Root, height, first, last, zero)
}

// IncreaseHeight grows the tree to height by stacking new index blocks on top
// of the root. If an allocation fails, the levels added so far are kept, the
// tree stays consistent.
func (t *Tree) IncreaseHeight(pi *layout.Inode, height uint8) error {
	if height > MaxHeight {
		return fmt.Errorf("tree height %d: %w", height, arena.ErrNoSpace)
	}

	h, root := pi.Height, pi.Root
	for h < height {
		bp, err := t.newIndexBlock()
		if err != nil {
			pi.Height, pi.Root = h, root
			return err
		}

		t.setSlot(bp, 0, root)
		root = bp
		h++
	}

	pi.Height, pi.Root = h, root

	return nil
}

// Allocates missing blocks for inode blocks [first, last] below node, which
// is an index block at the height. first and last are relative to node.
func (t *Tree) recursiveAlloc(pi *layout.Inode, node layout.Addr, height uint8, first, last uint64, zero bool) error {
	nodeBits := uint(height-1) * MetaBits
	mask := uint64(1)<<nodeBits - 1
	firstIdx := first >> nodeBits
	lastIdx := last >> nodeBits

	for i := firstIdx; i <= lastIdx; i++ {
		child := t.slot(node, i)

		if height == 1 {
			if !child.Valid() {
				bp, err := t.newDataBlock(pi, zero)
				if err != nil {
					return err
				}
				t.setSlot(node, i, bp)
			}
			continue
		}

		if !child.Valid() {
			bp, err := t.newIndexBlock()
			if err != nil {
				return err
			}
			t.setSlot(node, i, bp)
			child = bp
		}

		firstBlk, lastBlk := uint64(0), mask
		if i == firstIdx {
			firstBlk = first & mask
		}
		if i == lastIdx {
			lastBlk = last & mask
		}

		if err := t.recursiveAlloc(pi, child, height-1, firstBlk, lastBlk, zero); err != nil {
			return err
		}
	}

	return nil
}

// Index blocks are always zeroed, absent children are zero slots.
func (t *Tree) newIndexBlock() (layout.Addr, error) {
	blocknr, err := t.alloc.Allocate(indexType, true)
	if err != nil {
		return layout.Nil, err
	}

	return layout.Addr(t.geo.BlockOff(blocknr)), nil
}

func (t *Tree) newDataBlock(pi *layout.Inode, zero bool) (layout.Addr, error) {
	blocknr, err := t.alloc.Allocate(pi.BlkType, zero)
	if err != nil {
		return layout.Nil, err
	}

	pi.Blocks += t.geo.NumBlocks(pi.BlkType)

	return layout.Addr(t.geo.BlockOff(blocknr)), nil
}

// Block visited by Walk.
type Block struct {
	Addr layout.Addr
	Type arena.BlockType

	// False for index blocks.
	Data bool
}

// Walk calls fn for every index and data block of the inode, parents before
// their children. Walking stops at the first error returned by fn.
func (t *Tree) Walk(pi *layout.Inode, fn func(Block) error) error {
	if !pi.Root.Valid() {
		return nil
	}

	return t.walk(pi, pi.Root, pi.Height, fn)
}

func (t *Tree) walk(pi *layout.Inode, bp layout.Addr, height uint8, fn func(Block) error) error {
	if height == 0 {
		return fn(Block{Addr: bp, Type: pi.BlkType, Data: true})
	}

	if err := fn(Block{Addr: bp, Type: indexType}); err != nil {
		return err
	}

	for i := uint64(0); i < Fanout; i++ {
		if child := t.slot(bp, i); child.Valid() {
			if err := t.walk(pi, child, height-1, fn); err != nil {
				return err
			}
		}
	}

	return nil
}

// FreeBlocks returns every block of the tree to the allocator and leaves the
// inode empty.
func (t *Tree) FreeBlocks(pi *layout.Inode) error {
	// Collect first. Freed index blocks can be handed out and zeroed by
	// a concurrent allocation while we would still be reading them.
	var blocks []Block
	t.Walk(pi, func(b Block) error {
		blocks = append(blocks, b)
		return nil
	})

	pi.Root, pi.Height, pi.Blocks = layout.Nil, 0, 0

	for _, b := range blocks {
		if err := t.alloc.Free(t.geo.BlockNr(uint64(b.Addr)), t.geo.NumBlocks(b.Type)); err != nil {
			return err
		}
	}

	return nil
}
