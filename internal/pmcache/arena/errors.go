// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package arena

import "errors"

// Errors shared by all pmcache packages. Callers compare with errors.Is since
// most of them are wrapped with additional context on the way up.
var (
	// ErrNoSpace is returned when no aligned gap is large enough, the
	// translation tree cannot grow any higher or the inode table cannot
	// grow.
	ErrNoSpace = errors.New("no space left in arena")

	// ErrUnmapped is returned when a logical block has no backing block
	// and creation was not requested.
	ErrUnmapped = errors.New("block not mapped")

	// ErrNotFound is returned for inode ids which are reserved or not
	// backed by the inode table.
	ErrNotFound = errors.New("inode not found")

	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("invalid request")

	// ErrCorrupt is returned when an invariant violation is detected. The
	// operation is aborted without committing anything.
	ErrCorrupt = errors.New("arena metadata corrupted")
)
