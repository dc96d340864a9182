// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package inode

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/asch/pmcache/internal/pmcache/alloc"
	"github.com/asch/pmcache/internal/pmcache/arena"
	"github.com/asch/pmcache/internal/pmcache/btree"
	"github.com/asch/pmcache/internal/pmcache/layout"
)

var geo4K = arena.Geometry{BlockSizeBits: 12}

type TableTestSuite struct {
	suite.Suite
	region *arena.Region
	alloc  *alloc.Allocator
	tree   *btree.Tree
	table  *Table
}

func (suite *TableTestSuite) setup(blocks uint64) {
	suite.region = arena.NewMemory(geo4K.BlockOff(blocks))
	suite.alloc = alloc.New(suite.region, geo4K, 0, blocks)
	require.NoError(suite.T(), suite.alloc.Init(geo4K.BlockSize()))
	suite.tree = btree.New(suite.region, suite.alloc)
	suite.table = New(suite.region, suite.tree, geo4K, layout.InodeTableOffset)
	require.NoError(suite.T(), suite.table.Init(0))
}

func (suite *TableTestSuite) SetupTest() {
	suite.setup(256)
}

// Inode 0 is neither free nor in use.
func (suite *TableTestSuite) checkCounts() {
	var live uint64
	require.NoError(suite.T(), suite.table.Live(func(uint64, *layout.Inode) error {
		live++
		return nil
	}))
	assert.Equal(suite.T(), suite.table.Count(), suite.table.FreeCount()+live+FreeHintStart)
}

func (suite *TableTestSuite) TestInit() {
	assert.Equal(suite.T(), uint64(32), suite.table.Count())
	assert.Equal(suite.T(), uint64(31), suite.table.FreeCount())
	assert.Equal(suite.T(), uint64(FreeHintStart), suite.table.Hint())

	pi := suite.table.TableInode()
	assert.Equal(suite.T(), uint64(4096), pi.Size)
	assert.Equal(suite.T(), uint8(0), pi.Height)
	suite.checkCounts()
}

func (suite *TableTestSuite) TestInitWithSize() {
	suite.setup(256)
	table := New(suite.region, suite.tree, geo4K, layout.InodeTableOffset+layout.InodeSize)
	require.NoError(suite.T(), table.Init(100))

	assert.Equal(suite.T(), uint64(128), table.Count())
	assert.Equal(suite.T(), uint8(1), table.TableInode().Height)
}

func (suite *TableTestSuite) TestGet() {
	_, err := suite.table.Get(0)
	assert.ErrorIs(suite.T(), err, arena.ErrNotFound)

	_, err = suite.table.Get(32)
	assert.ErrorIs(suite.T(), err, arena.ErrNotFound)

	ref1, err := suite.table.Get(1)
	require.NoError(suite.T(), err)
	ref2, err := suite.table.Get(2)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), ref1.Off+layout.InodeSize, ref2.Off)
}

func (suite *TableTestSuite) TestAllocSequence() {
	for want := uint64(1); want <= 5; want++ {
		ino, err := suite.table.AllocInode(layout.ModeRegular)
		require.NoError(suite.T(), err)
		assert.Equal(suite.T(), want, ino)
	}

	assert.Equal(suite.T(), uint64(6), suite.table.Hint())
	assert.Equal(suite.T(), uint64(26), suite.table.FreeCount())

	ref, err := suite.table.Get(3)
	require.NoError(suite.T(), err)
	pi := ref.Load()
	assert.Equal(suite.T(), arena.DefaultBlockType, pi.BlkType)
	assert.Equal(suite.T(), uint16(1), pi.Links)
	assert.Equal(suite.T(), uint16(layout.ModeRegular), pi.Mode)
	assert.False(suite.T(), pi.Root.Valid())
	suite.checkCounts()

	_, err = suite.table.AllocInode(0)
	assert.ErrorIs(suite.T(), err, arena.ErrInvalid)
}

func (suite *TableTestSuite) TestReuse() {
	ino, err := suite.table.AllocInode(layout.ModeRegular)
	require.NoError(suite.T(), err)
	_, err = suite.table.AllocInode(layout.ModeRegular)
	require.NoError(suite.T(), err)

	require.NoError(suite.T(), suite.table.FreeInode(ino))
	assert.ErrorIs(suite.T(), suite.table.FreeInode(ino), arena.ErrInvalid)

	again, err := suite.table.AllocInode(layout.ModeRegular)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), ino, again)
	suite.checkCounts()
}

func (suite *TableTestSuite) TestFreeReleasesBlocks() {
	free := suite.alloc.FreeBlocks()

	ino, err := suite.table.AllocInode(layout.ModeRegular)
	require.NoError(suite.T(), err)

	ref, err := suite.table.Get(ino)
	require.NoError(suite.T(), err)
	pi := ref.Load()
	require.NoError(suite.T(), suite.tree.AllocBlocks(&pi, 0, 10, true))
	ref.Store(&pi)
	assert.Equal(suite.T(), free-11, suite.alloc.FreeBlocks())

	require.NoError(suite.T(), suite.table.FreeInode(ino))
	assert.Equal(suite.T(), free, suite.alloc.FreeBlocks())

	pi = ref.Load()
	assert.True(suite.T(), pi.Free())
	assert.False(suite.T(), pi.Root.Valid())
}

func (suite *TableTestSuite) TestGrowth() {
	for i := 0; i < 31; i++ {
		_, err := suite.table.AllocInode(layout.ModeRegular)
		require.NoError(suite.T(), err)
	}
	assert.Equal(suite.T(), uint64(0), suite.table.FreeCount())
	assert.Equal(suite.T(), uint64(FreeHintStart), suite.table.Hint())

	ino, err := suite.table.AllocInode(layout.ModeRegular)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), uint64(32), ino)
	assert.Equal(suite.T(), uint64(64), suite.table.Count())
	assert.Equal(suite.T(), uint64(31), suite.table.FreeCount())

	pi := suite.table.TableInode()
	assert.Equal(suite.T(), uint64(8192), pi.Size)
	assert.Equal(suite.T(), uint8(1), pi.Height)

	// Records of the first block did not move.
	_, err = suite.table.Get(31)
	require.NoError(suite.T(), err)
	suite.checkCounts()
}

func (suite *TableTestSuite) TestGrowthFailure() {
	// Reserved head, one table block and one spare block. Growth needs an
	// index block and a table block.
	suite.setup(3)

	for i := 0; i < 31; i++ {
		_, err := suite.table.AllocInode(layout.ModeRegular)
		require.NoError(suite.T(), err)
	}

	_, err := suite.table.AllocInode(layout.ModeRegular)
	assert.ErrorIs(suite.T(), err, arena.ErrNoSpace)
	assert.Equal(suite.T(), uint64(32), suite.table.Count())
	assert.Equal(suite.T(), uint64(0), suite.table.FreeCount())
	suite.checkCounts()
}

func (suite *TableTestSuite) TestLoad() {
	for i := 0; i < 40; i++ {
		_, err := suite.table.AllocInode(layout.ModeRegular)
		require.NoError(suite.T(), err)
	}
	require.NoError(suite.T(), suite.table.FreeInode(7))
	require.NoError(suite.T(), suite.table.FreeInode(20))

	loaded := New(suite.region, suite.tree, geo4K, layout.InodeTableOffset)
	require.NoError(suite.T(), loaded.Load())

	assert.Equal(suite.T(), suite.table.Count(), loaded.Count())
	assert.Equal(suite.T(), suite.table.FreeCount(), loaded.FreeCount())
	assert.Equal(suite.T(), uint64(7), loaded.Hint())

	ino, err := loaded.AllocInode(layout.ModeRegular)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), uint64(7), ino)
}

func (suite *TableTestSuite) TestLoadGarbage() {
	table := New(suite.region, suite.tree, geo4K, layout.InodeTableOffset+layout.InodeSize)
	assert.ErrorIs(suite.T(), table.Load(), arena.ErrCorrupt)
}

func (suite *TableTestSuite) TestConcurrentAlloc() {
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				ino, err := suite.table.AllocInode(layout.ModeRegular)
				if !assert.NoError(suite.T(), err) {
					return
				}
				mu.Lock()
				assert.False(suite.T(), seen[ino], "inode %d allocated twice", ino)
				seen[ino] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(suite.T(), seen, 160)
	suite.checkCounts()
}

func TestTableTestSuite(t *testing.T) {
	suite.Run(t, new(TableTestSuite))
}
