// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package layout

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/pmcache/internal/pmcache/arena"
)

func TestSuper(t *testing.T) {
	b := make([]byte, SuperSize)
	s := Super{
		Version:          Version,
		BlockSizeBits:    12,
		BlockEnd:         1024,
		ReservedBytes:    4096,
		InodeTableOffset: InodeTableOffset,
		Clean:            true,
	}
	s.Encode(b)

	assert.Equal(t, "PMCACHE", string(b[:7]))

	got, err := DecodeSuper(b)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, uint64(4096), got.Geometry().BlockSize())
}

func TestSuperCorruption(t *testing.T) {
	b := make([]byte, SuperSize)
	s := Super{Version: Version, BlockSizeBits: 12, BlockEnd: 8}
	s.Encode(b)

	b[24]++
	_, err := DecodeSuper(b)
	assert.ErrorIs(t, err, arena.ErrCorrupt)

	_, err = DecodeSuper(make([]byte, SuperSize))
	assert.ErrorIs(t, err, arena.ErrCorrupt)

	s.Version = Version + 1
	s.Encode(b)
	_, err = DecodeSuper(b)
	assert.ErrorIs(t, err, arena.ErrInvalid)
}

func TestInodeEncoding(t *testing.T) {
	b := make([]byte, InodeSize)
	for i := range b {
		b[i] = 0xff
	}

	pi := Inode{
		BlkType: arena.Block2M,
		Height:  2,
		Links:   1,
		Mode:    ModeRegular,
		Flags:   FlagDirty,
		Root:    Addr(8192),
		Size:    12345,
		Blocks:  512,
		Mtime:   1600000000,
		Backed:  100,
	}
	pi.Encode(b)

	assert.Equal(t, uint8(arena.Block2M), b[0])
	assert.Equal(t, uint64(8192), binary.LittleEndian.Uint64(b[16:]))
	assert.Equal(t, uint64(100), binary.LittleEndian.Uint64(b[48:]))
	assert.Equal(t, byte(0xff), b[InodeSize-1], "reserved bytes are kept")

	assert.Equal(t, pi, DecodeInode(b))
	assert.True(t, pi.Dirty())
}

func TestInodeFree(t *testing.T) {
	assert.True(t, (&Inode{}).Free())
	assert.True(t, (&Inode{Mode: ModeRegular, Dtime: 5}).Free())
	assert.False(t, (&Inode{Mode: ModeRegular}).Free())
	assert.False(t, (&Inode{Links: 1, Mode: ModeRegular, Dtime: 5}).Free())
}
