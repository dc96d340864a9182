// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/asch/pmcache/internal/pmcache/device"
)

var check bool

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Display arena usage and cached files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, detach, err := attach()
		if err != nil {
			return err
		}
		defer detach()

		printInfo(dev.Stat())

		files, err := dev.Files()
		if err != nil {
			return err
		}
		printFiles(files)

		if check {
			if err := dev.Check(); err != nil {
				color.Red("\nAllocator check failed: %v", err)
				return err
			}
			color.Green("\nAllocator is consistent.")
		}

		return nil
	},
}

func init() {
	statCmd.Flags().BoolVar(&check, "check", false, "Verify invariants of the allocator")
}

func printInfo(info device.Info) {
	p := fmt.Printf
	yellow := color.New(color.FgYellow).SprintFunc()

	color.White("Arena:\n\n")
	p("* Block size : %d\n", info.BlockSize)
	p("* Blocks : %d total, %d free\n", info.TotalBlocks, info.FreeBlocks)
	p("* Extents : %d\n", info.Extents)
	p("* Inodes : %d total, %d free\n", info.Inodes, info.FreeInodes)

	if info.FreeBlocks < info.TotalBlocks/10 {
		p("%s\n", yellow("Less than 10% of blocks is free, consider evicting files."))
	}
}

func printFiles(files []device.File) {
	p := fmt.Printf
	yellow := color.New(color.FgYellow).SprintFunc()

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})

	color.White("\nCached files:\n\n")
	for _, f := range files {
		dirty := ""
		if f.Dirty {
			dirty = yellow(" dirty")
		}
		p("* %s : inode %d, %d bytes, %d blocks%s\n", f.Name, f.Ino, f.Size, f.Blocks, dirty)
	}
}
