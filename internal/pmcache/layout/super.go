// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package layout

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/asch/pmcache/internal/pmcache/arena"
)

const (
	// "PMCACHE\0" in ASCII.
	Magic   uint64 = 0x0045484341434d50
	Version uint32 = 1

	// Superblock lives at offset 0 and the inode of the inode table right
	// behind it. Both are inside the reserved head.
	SuperSize        = 512
	InodeTableOffset = SuperSize

	// Smallest head reservation, it has to hold the superblock and the
	// table inode.
	MinReserved = SuperSize + InodeSize

	superPayload = 64
)

// Super is the superblock of the arena.
//
// On-media layout:
//
//	0   magic              u64
//	8   version            u32
//	12  blocksize_bits     u32
//	16  block_start        u64
//	24  block_end          u64
//	32  reserved_bytes     u64
//	40  inode_table_offset u64
//	48  clean              u32
//	52  reserved           12 bytes
//	64  sha256 of bytes 0..63
type Super struct {
	Version          uint32
	BlockSizeBits    uint32
	BlockStart       uint64
	BlockEnd         uint64
	ReservedBytes    uint64
	InodeTableOffset uint64
	Clean            bool
}

func (s *Super) Geometry() arena.Geometry {
	return arena.Geometry{BlockSizeBits: uint(s.BlockSizeBits)}
}

// Encode writes the superblock together with its checksum into b.
func (s *Super) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], Magic)
	binary.LittleEndian.PutUint32(b[8:], s.Version)
	binary.LittleEndian.PutUint32(b[12:], s.BlockSizeBits)
	binary.LittleEndian.PutUint64(b[16:], s.BlockStart)
	binary.LittleEndian.PutUint64(b[24:], s.BlockEnd)
	binary.LittleEndian.PutUint64(b[32:], s.ReservedBytes)
	binary.LittleEndian.PutUint64(b[40:], s.InodeTableOffset)

	var clean uint32
	if s.Clean {
		clean = 1
	}
	binary.LittleEndian.PutUint32(b[48:], clean)

	sum := sha256.Sum256(b[:superPayload])
	copy(b[superPayload:], sum[:])
}

// DecodeSuper parses and verifies the superblock stored in b.
func DecodeSuper(b []byte) (Super, error) {
	if m := binary.LittleEndian.Uint64(b[0:]); m != Magic {
		return Super{}, fmt.Errorf("bad superblock magic %#x: %w", m, arena.ErrCorrupt)
	}

	sum := sha256.Sum256(b[:superPayload])
	if !bytes.Equal(sum[:], b[superPayload:superPayload+sha256.Size]) {
		return Super{}, fmt.Errorf("superblock checksum mismatch: %w", arena.ErrCorrupt)
	}

	s := Super{
		Version:          binary.LittleEndian.Uint32(b[8:]),
		BlockSizeBits:    binary.LittleEndian.Uint32(b[12:]),
		BlockStart:       binary.LittleEndian.Uint64(b[16:]),
		BlockEnd:         binary.LittleEndian.Uint64(b[24:]),
		ReservedBytes:    binary.LittleEndian.Uint64(b[32:]),
		InodeTableOffset: binary.LittleEndian.Uint64(b[40:]),
		Clean:            binary.LittleEndian.Uint32(b[48:]) == 1,
	}

	if s.Version != Version {
		return Super{}, fmt.Errorf("unsupported version %d: %w", s.Version, arena.ErrInvalid)
	}

	return s, nil
}
