// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/pmcache/internal/pmcache/device"
)

const chunkSize = 1 << 20

var catCmd = &cobra.Command{
	Use:   "cat NAME",
	Short: "Print file through the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFile(cmd, args[0], func(dev *device.Device, ino uint64) error {
			_, err := copyOut(cmd, dev, ino, os.Stdout)
			return err
		})
	},
}

var fillCmd = &cobra.Command{
	Use:   "fill NAME",
	Short: "Cache the whole file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFile(cmd, args[0], func(dev *device.Device, ino uint64) error {
			n, err := copyOut(cmd, dev, ino, io.Discard)
			if err == nil {
				color.Green("Cached %d bytes of %s.", n, args[0])
			}
			return err
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write NAME",
	Short: "Write standard input into the cached file",
	Long: "Write standard input into the cached file starting at the given\n" +
		"offset. The data stay in the cache until the file is flushed or\n" +
		"evicted.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, _ := cmd.Flags().GetUint64("offset")

		return withFile(cmd, args[0], func(dev *device.Device, ino uint64) error {
			buf := make([]byte, chunkSize)
			for {
				if err := cmd.Context().Err(); err != nil {
					return err
				}

				n, err := os.Stdin.Read(buf)
				if n > 0 {
					if _, err := dev.WriteAt(ino, buf[:n], offset); err != nil {
						return err
					}
					offset += uint64(n)
				}

				if err == io.EOF {
					return nil
				} else if err != nil {
					return err
				}
			}
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush NAME",
	Short: "Write dirty file back to the backing store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, detach, err := attach()
		if err != nil {
			return err
		}
		defer detach()

		return dev.Flush(args[0])
	},
}

var evictCmd = &cobra.Command{
	Use:   "evict NAME",
	Short: "Drop file from the cache",
	Long:  "Drop file from the cache. Dirty data are flushed first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, detach, err := attach()
		if err != nil {
			return err
		}
		defer detach()

		if err := dev.Evict(args[0]); err != nil {
			return err
		}

		color.Green("Evicted %s.", args[0])

		return nil
	},
}

func init() {
	writeCmd.Flags().Uint64("offset", 0, "Offset in the file to start writing at")
}

// Attaches the arena, opens file name and runs fn on it.
func withFile(cmd *cobra.Command, name string, fn func(*device.Device, uint64) error) error {
	dev, detach, err := attach()
	if err != nil {
		return err
	}
	defer detach()

	ino, err := dev.Open(name)
	if err != nil {
		return err
	}

	log.Debug().Str("name", name).Uint64("ino", ino).Msg("File opened.")

	return fn(dev, ino)
}

// Reads the whole file through the cache into w. Stops when the command is
// canceled.
func copyOut(cmd *cobra.Command, dev *device.Device, ino uint64, w io.Writer) (uint64, error) {
	buf := make([]byte, chunkSize)
	var off uint64

	for {
		if err := cmd.Context().Err(); err != nil {
			return off, err
		}

		n, err := dev.ReadAt(ino, buf, off)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return off, err
			}
			off += uint64(n)
		}

		if err == io.EOF {
			return off, nil
		} else if err != nil {
			return off, err
		}
	}
}
