// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for
	// all parameters will be used instead.
	DefaultConfig = "/etc/pmcache/config.toml"

	BackendFile = "file"
	BackendS3   = "s3"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Arena struct {
		Path      string `toml:"path" env:"PMCACHE_ARENA_PATH" env-default:"/dev/dax0.0" env-description:"Persistent memory device or file holding the arena."`
		Size      uint64 `toml:"size" env:"PMCACHE_ARENA_SIZE" env-default:"1024" env-description:"Arena size in MB."`
		Reserved  uint64 `toml:"reserved" env:"PMCACHE_ARENA_RESERVED" env-default:"4096" env-description:"Bytes at the head of the arena never used for data."`
		Inodes    uint64 `toml:"inodes" env:"PMCACHE_ARENA_INODES" env-default:"0" env-description:"Initial capacity of the inode table. 0 means one block."`
		BlockSize int    `toml:"block_size" env:"PMCACHE_ARENA_BLOCKSIZE" env-default:"4096" env-description:"Base block size."`
	} `toml:"arena"`

	Catalog struct {
		Path string `toml:"path" env:"PMCACHE_CATALOG_PATH" env-default:"/var/lib/pmcache/catalog.db" env-description:"Catalog database with cached file names and allocator checkpoint."`
	} `toml:"catalog"`

	Backend string `toml:"backend" env:"PMCACHE_BACKEND" env-default:"file" env-description:"Backing store, file or s3."`

	File struct {
		Root string `toml:"root" env:"PMCACHE_FILE_ROOT" env-default:"/var/lib/pmcache/store" env-description:"Directory with backing files."`
	} `toml:"file"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"PMCACHE_S3_BUCKET" env-description:"S3 Bucket name." env-default:"pmcache"`
		Prefix    string `toml:"prefix" env:"PMCACHE_S3_PREFIX" env-description:"Prefix of object keys." env-default:""`
		Remote    string `toml:"remote" env:"PMCACHE_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"PMCACHE_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"PMCACHE_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"PMCACHE_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		PartSize  int64  `toml:"part_size" env:"PMCACHE_S3_PARTSIZE" env-description:"Multipart upload part size in MB." env-default:"16"`
	} `toml:"s3"`

	Proxy struct {
		Fetchers int `toml:"fetchers" env:"PMCACHE_PROXY_FETCHERS" env-description:"Number of workers filling the cache." env-default:"16"`
		Flushers int `toml:"flushers" env:"PMCACHE_PROXY_FLUSHERS" env-description:"Number of workers flushing dirty files." env-default:"4"`
	} `toml:"proxy"`

	Log struct {
		Level  int  `toml:"level" env:"PMCACHE_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"PMCACHE_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"PMCACHE_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"PMCACHE_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads the configuration file on path and the environment. The
// configuration file has the lower priotiry and the environment variables
// have the highest priority. It is perfetcly to fine to use just one of these
// or to combine them.
func Configure(path string) error {
	Cfg = Config{ConfigPath: path}

	return parse()
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Arena.Size *= 1024 * 1024
	Cfg.S3.PartSize *= 1024 * 1024

	switch Cfg.Arena.BlockSize {
	case 512, 1024, 2048:
	default:
		Cfg.Arena.BlockSize = 4096
	}

	// The proxy blocks forever without workers.
	if Cfg.Proxy.Fetchers < 1 {
		Cfg.Proxy.Fetchers = 1
	}

	if Cfg.Proxy.Flushers < 1 {
		Cfg.Proxy.Flushers = 1
	}

	if Cfg.Backend != BackendS3 {
		Cfg.Backend = BackendFile
	}

	return nil
}

// Usage describes all environment variables.
func Usage() string {
	header := "Environment variables:"
	d, err := cleanenv.GetDescription(&Cfg, &header)
	if err != nil {
		return ""
	}

	return d
}
