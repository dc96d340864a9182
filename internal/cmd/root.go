// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cmd implements the command line interface of pmcache.
package cmd

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/pmcache/internal/config"
	"github.com/asch/pmcache/internal/pmcache/arena"
	"github.com/asch/pmcache/internal/pmcache/backing"
	"github.com/asch/pmcache/internal/pmcache/backing/s3"
	"github.com/asch/pmcache/internal/pmcache/catalog"
	"github.com/asch/pmcache/internal/pmcache/device"
)

var cfgFile string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "pmcache",
	Short: "Block cache in persistent memory",
	Long: "pmcache caches files of a slower storage, a local directory or an s3\n" +
		"bucket, in an arena of persistent memory. The arena survives restarts,\n" +
		"cached blocks are served directly from it.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Configure(cfgFile); err != nil {
			return err
		}

		loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

		if config.Cfg.Profiler {
			runProfiler(config.Cfg.ProfilerPort)
		}

		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.DefaultConfig, "Path to configuration file")
	RootCmd.SetUsageTemplate(RootCmd.UsageTemplate() + "\n" + config.Usage() + "\n")

	RootCmd.AddCommand(formatCmd, statCmd, catCmd, fillCmd, writeCmd, flushCmd, evictCmd)
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}

func openCatalog() (*catalog.Catalog, error) {
	path := config.Cfg.Catalog.Path
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	return catalog.Open(path)
}

// Returns the configured backing store behind the prioritizing proxy.
func newStore() (backing.Store, error) {
	var instance backing.Store

	switch config.Cfg.Backend {
	case config.BackendS3:
		s, err := s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			Prefix:    config.Cfg.S3.Prefix,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
			PartSize:  config.Cfg.S3.PartSize,
		})
		if err != nil {
			return nil, err
		}
		instance = s
	default:
		fs, err := backing.NewFileStore(config.Cfg.File.Root)
		if err != nil {
			return nil, err
		}
		instance = fs
	}

	return backing.NewProxy(instance, config.Cfg.Proxy.Flushers, config.Cfg.Proxy.Fetchers), nil
}

// Attaches the configured arena. The returned function detaches it and has to
// be called even when the command fails.
func attach() (*device.Device, func(), error) {
	store, err := newStore()
	if err != nil {
		return nil, nil, err
	}

	cat, err := openCatalog()
	if err != nil {
		return nil, nil, err
	}

	region, err := arena.OpenMapped(config.Cfg.Arena.Path, config.Cfg.Arena.Size)
	if err != nil {
		cat.Close()
		return nil, nil, err
	}

	dev, err := device.Attach(region, cat, store)
	if err != nil {
		region.Close()
		cat.Close()
		return nil, nil, err
	}

	detach := func() {
		if err := dev.Detach(); err != nil {
			log.Error().Err(err).Msg("Detach failed, the arena will be rebuilt on the next attach.")
		}
		cat.Close()
	}

	return dev, detach, nil
}
