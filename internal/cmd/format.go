// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/asch/pmcache/internal/config"
	"github.com/asch/pmcache/internal/pmcache/arena"
	"github.com/asch/pmcache/internal/pmcache/device"
)

var force bool

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Create an empty arena",
	Long: "Create an empty arena on the configured path. Everything cached in\n" +
		"the arena and recorded in the catalog is lost.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.Cfg.Arena.Path
		if arena.Exists(path) && !force {
			return fmt.Errorf("%s already exists, use --force to overwrite it", path)
		}

		cat, err := openCatalog()
		if err != nil {
			return err
		}
		defer cat.Close()

		region, err := arena.OpenMapped(path, config.Cfg.Arena.Size)
		if err != nil {
			return err
		}
		defer region.Close()

		err = device.Format(region, cat, device.Options{
			BlockSize:     config.Cfg.Arena.BlockSize,
			ReservedBytes: config.Cfg.Arena.Reserved,
			Inodes:        config.Cfg.Arena.Inodes,
		})

		if err != nil {
			return err
		}

		color.Green("Formatted %s, %d MB.", path, config.Cfg.Arena.Size>>20)

		return nil
	},
}

func init() {
	formatCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing arena")
}
