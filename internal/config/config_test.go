// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require.NoError(t, Configure(filepath.Join(t.TempDir(), "missing.toml")))

	assert.Equal(t, "/dev/dax0.0", Cfg.Arena.Path)
	assert.Equal(t, uint64(1024*1024*1024), Cfg.Arena.Size)
	assert.Equal(t, 4096, Cfg.Arena.BlockSize)
	assert.Equal(t, BackendFile, Cfg.Backend)
	assert.Equal(t, int64(16*1024*1024), Cfg.S3.PartSize)
	assert.Equal(t, 16, Cfg.Proxy.Fetchers)
}

func TestFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
backend = "s3"

[arena]
path = "/tmp/arena"
size = 64
block_size = 1000

[s3]
bucket = "cache"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	os.Setenv("PMCACHE_S3_BUCKET", "from-env")
	defer os.Unsetenv("PMCACHE_S3_BUCKET")

	require.NoError(t, Configure(path))

	assert.Equal(t, path, Cfg.ConfigPath)
	assert.Equal(t, "/tmp/arena", Cfg.Arena.Path)
	assert.Equal(t, uint64(64*1024*1024), Cfg.Arena.Size)
	assert.Equal(t, 4096, Cfg.Arena.BlockSize)
	assert.Equal(t, BackendS3, Cfg.Backend)
	assert.Equal(t, "from-env", Cfg.S3.Bucket)
}

func TestUsage(t *testing.T) {
	assert.Contains(t, Usage(), "PMCACHE_ARENA_PATH")
}

func TestProxyWorkersAtLeastOne(t *testing.T) {
	t.Setenv("PMCACHE_PROXY_FETCHERS", "0")
	t.Setenv("PMCACHE_PROXY_FLUSHERS", "-3")

	require.NoError(t, Configure(filepath.Join(t.TempDir(), "missing.toml")))

	assert.Equal(t, 1, Cfg.Proxy.Fetchers)
	assert.Equal(t, 1, Cfg.Proxy.Flushers)
}
