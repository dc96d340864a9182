// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// pmcache caches files of a slower storage in an arena of persistent memory.
// The arena is either a DAX device or a file mapped into memory and it
// survives restarts of the program.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/pmcache contains all packages related to the cache itself: the
// extent allocator, the translation trees, the inode table and the device
// tying them together. See the package descriptions in the source code for
// more details.
//
// - internal/cmd contains the command line interface.
//
// - internal/config contains configuration package.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/asch/pmcache/internal/cmd"
)

// Runs the command until it finishes or it is signaled by SIGINT or SIGTERM.
// Commands working on the arena detach it gracefully in both cases.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	registerSigHandlers(cancel)

	if err := cmd.RootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(cancel context.CancelFunc) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping!")
		cancel()
	}()
}
