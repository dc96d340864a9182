// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package arena describes the byte-addressable storage managed by pmcache:
// the block size classes, the geometry converting between block numbers and
// byte offsets and the Region giving access to the bytes themselves.
package arena

import "fmt"

// BlockType is a size class of an allocation. Allocations of a type are
// always aligned to the number of base blocks the type spans, hence huge
// objects never straddle their alignment boundary.
type BlockType uint8

const (
	Block4K BlockType = iota
	Block2M
	Block1G
)

// Default block type for newly allocated inodes.
const DefaultBlockType = Block4K

var blockTypeShift = [...]uint{12, 21, 30}

func (bt BlockType) Valid() bool {
	return int(bt) < len(blockTypeShift)
}

// Shift returns log2 of the block size of the type in bytes.
func (bt BlockType) Shift() uint {
	return blockTypeShift[bt]
}

// Size returns the size of one block of the type in bytes.
func (bt BlockType) Size() uint64 {
	return 1 << bt.Shift()
}

func (bt BlockType) String() string {
	switch bt {
	case Block4K:
		return "4K"
	case Block2M:
		return "2M"
	case Block1G:
		return "1G"
	}

	return fmt.Sprintf("BlockType(%d)", uint8(bt))
}

// Geometry holds the base granularity of the arena. Block numbers handed out
// by the allocator are always in base blocks.
type Geometry struct {
	BlockSizeBits uint
}

// NewGeometry returns geometry for the block size in bytes. Only power of two
// sizes between 512 bytes and 4 KiB are accepted because 4 KiB is the
// smallest block type.
func NewGeometry(blockSize int) (Geometry, error) {
	for bits := uint(9); bits <= Block4K.Shift(); bits++ {
		if 1<<bits == blockSize {
			return Geometry{BlockSizeBits: bits}, nil
		}
	}

	return Geometry{}, fmt.Errorf("block size %d: %w", blockSize, ErrInvalid)
}

func (g Geometry) BlockSize() uint64 {
	return 1 << g.BlockSizeBits
}

// NumBlocks returns how many base blocks one block of type bt spans.
func (g Geometry) NumBlocks(bt BlockType) uint64 {
	return 1 << (bt.Shift() - g.BlockSizeBits)
}

// BlockOff converts base block number to the byte offset in the region.
func (g Geometry) BlockOff(blocknr uint64) uint64 {
	return blocknr << g.BlockSizeBits
}

// BlockNr converts byte offset in the region to the base block number.
func (g Geometry) BlockNr(off uint64) uint64 {
	return off >> g.BlockSizeBits
}

// BlocksFor returns number of base blocks needed to hold size bytes.
func (g Geometry) BlocksFor(size uint64) uint64 {
	return (size + g.BlockSize() - 1) >> g.BlockSizeBits
}
