// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package layout defines the records stored in the arena: the superblock, the
// fixed size inode records and the slots of index blocks. All values are
// little endian.
package layout

import (
	"encoding/binary"

	"github.com/asch/pmcache/internal/pmcache/arena"
)

const (
	// Inode records are 1<<InodeBits bytes long.
	InodeBits = 7
	InodeSize = 1 << InodeBits

	// Regular file mode used for cached files.
	ModeRegular = 0100644

	// Flag marking inode whose cached content differs from the backing
	// store.
	FlagDirty = 1 << 0
)

// Addr is physical byte offset of a block inside the region. The zero value
// means absent. Block 0 always belongs to the reserved head of the arena,
// hence no index or data block can ever live at offset 0.
type Addr uint64

const Nil Addr = 0

func (a Addr) Valid() bool {
	return a != Nil
}

// Inode is in-memory copy of the on-media inode record. Changes are not
// visible to others until the record is stored back.
//
// On-media layout:
//
//	0   blk_type  u8
//	1   height    u8
//	2   links     u16
//	4   mode      u16
//	6   flags     u16
//	8   dtime     u32
//	12  reserved  u32
//	16  root      u64
//	24  size      u64
//	32  blocks    u64
//	40  mtime     u64
//	48  backed    u64
//	56  reserved up to 128 bytes
type Inode struct {
	BlkType arena.BlockType
	Height  uint8
	Links   uint16
	Mode    uint16
	Flags   uint16
	Dtime   uint32
	Root    Addr
	Size    uint64
	Blocks  uint64
	Mtime   uint64

	// Size of the file in the backing store when it was opened or last
	// flushed. Blocks behind it have nothing to be filled from.
	Backed uint64
}

// Free reports whether the inode can be handed out again.
func (pi *Inode) Free() bool {
	return pi.Links == 0 && (pi.Mode == 0 || pi.Dtime != 0)
}

func (pi *Inode) Dirty() bool {
	return pi.Flags&FlagDirty != 0
}

// Encode stores the inode into b, which has to be at least InodeSize long.
// Reserved bytes are left untouched.
func (pi *Inode) Encode(b []byte) {
	b[0] = uint8(pi.BlkType)
	b[1] = pi.Height
	binary.LittleEndian.PutUint16(b[2:], pi.Links)
	binary.LittleEndian.PutUint16(b[4:], pi.Mode)
	binary.LittleEndian.PutUint16(b[6:], pi.Flags)
	binary.LittleEndian.PutUint32(b[8:], pi.Dtime)
	binary.LittleEndian.PutUint64(b[16:], uint64(pi.Root))
	binary.LittleEndian.PutUint64(b[24:], pi.Size)
	binary.LittleEndian.PutUint64(b[32:], pi.Blocks)
	binary.LittleEndian.PutUint64(b[40:], pi.Mtime)
	binary.LittleEndian.PutUint64(b[48:], pi.Backed)
}

// DecodeInode parses inode record from b.
func DecodeInode(b []byte) Inode {
	return Inode{
		BlkType: arena.BlockType(b[0]),
		Height:  b[1],
		Links:   binary.LittleEndian.Uint16(b[2:]),
		Mode:    binary.LittleEndian.Uint16(b[4:]),
		Flags:   binary.LittleEndian.Uint16(b[6:]),
		Dtime:   binary.LittleEndian.Uint32(b[8:]),
		Root:    Addr(binary.LittleEndian.Uint64(b[16:])),
		Size:    binary.LittleEndian.Uint64(b[24:]),
		Blocks:  binary.LittleEndian.Uint64(b[32:]),
		Mtime:   binary.LittleEndian.Uint64(b[40:]),
		Backed:  binary.LittleEndian.Uint64(b[48:]),
	}
}
