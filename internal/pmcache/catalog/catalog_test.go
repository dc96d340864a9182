// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package catalog

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type CatalogTestSuite struct {
	suite.Suite
	catalog *Catalog
}

func (suite *CatalogTestSuite) SetupTest() {
	path := fmt.Sprintf("%s/catalog-%d", os.TempDir(), time.Now().UnixNano())
	c, err := Open(path)
	require.NoError(suite.T(), err)
	suite.catalog = c
}

func (suite *CatalogTestSuite) TearDownTest() {
	suite.catalog.Close()
	os.Remove(suite.catalog.Path())
}

func (suite *CatalogTestSuite) TestLookupMissing() {
	_, ok, err := suite.catalog.Lookup("missing")
	assert.NoError(suite.T(), err)
	assert.False(suite.T(), ok)

	_, ok, err = suite.catalog.Name(42)
	assert.NoError(suite.T(), err)
	assert.False(suite.T(), ok)
}

func (suite *CatalogTestSuite) TestBind() {
	require.NoError(suite.T(), suite.catalog.Bind("a/b", 7))

	ino, ok, err := suite.catalog.Lookup("a/b")
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), ok)
	assert.Equal(suite.T(), uint64(7), ino)

	name, ok, err := suite.catalog.Name(7)
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), ok)
	assert.Equal(suite.T(), "a/b", name)
}

func (suite *CatalogTestSuite) TestUnbind() {
	require.NoError(suite.T(), suite.catalog.Bind("file", 3))
	require.NoError(suite.T(), suite.catalog.Unbind("file"))

	_, ok, _ := suite.catalog.Lookup("file")
	assert.False(suite.T(), ok)
	_, ok, _ = suite.catalog.Name(3)
	assert.False(suite.T(), ok)

	assert.NoError(suite.T(), suite.catalog.Unbind("never-bound"))
}

func (suite *CatalogTestSuite) TestFiles() {
	require.NoError(suite.T(), suite.catalog.Bind("one", 1))
	require.NoError(suite.T(), suite.catalog.Bind("two", 2))

	files, err := suite.catalog.Files()
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), map[string]uint64{"one": 1, "two": 2}, files)
}

func (suite *CatalogTestSuite) TestCheckpoint() {
	buf, err := suite.catalog.LoadCheckpoint()
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), buf)

	require.NoError(suite.T(), suite.catalog.SaveCheckpoint([]byte("extents")))
	buf, err = suite.catalog.LoadCheckpoint()
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), []byte("extents"), buf)

	require.NoError(suite.T(), suite.catalog.DropCheckpoint())
	buf, err = suite.catalog.LoadCheckpoint()
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), buf)
}

func (suite *CatalogTestSuite) TestReset() {
	require.NoError(suite.T(), suite.catalog.Bind("file", 1))
	require.NoError(suite.T(), suite.catalog.SaveCheckpoint([]byte("x")))
	require.NoError(suite.T(), suite.catalog.Reset())

	files, err := suite.catalog.Files()
	assert.NoError(suite.T(), err)
	assert.Empty(suite.T(), files)

	buf, err := suite.catalog.LoadCheckpoint()
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), buf)

	require.NoError(suite.T(), suite.catalog.Bind("again", 2))
}

func (suite *CatalogTestSuite) TestReopen() {
	require.NoError(suite.T(), suite.catalog.Bind("persistent", 9))
	path := suite.catalog.Path()
	require.NoError(suite.T(), suite.catalog.Close())

	c, err := Open(path)
	require.NoError(suite.T(), err)
	suite.catalog = c

	ino, ok, err := c.Lookup("persistent")
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), ok)
	assert.Equal(suite.T(), uint64(9), ino)
}

func TestCatalogTestSuite(t *testing.T) {
	suite.Run(t, new(CatalogTestSuite))
}
