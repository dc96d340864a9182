// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// pmcache keeps cached files of a slower storage in an arena of persistent
// memory. The arena is split into blocks handed out by an extent allocator.
// Every cached file has an inode whose translation tree maps file blocks to
// blocks of the arena, the inodes themselves live in a table which is a file
// of the same kind.
//
// The packages are layered bottom up:
//
// - arena provides block types, geometry and access to the bytes.
//
// - layout defines the records stored in the arena.
//
// - alloc is the extent allocator.
//
// - btree is the translation tree of one inode.
//
// - inode is the inode table.
//
// - device ties everything together and fills the cache from the backing
// store, catalog remembers which file lives in which inode and stats counts
// what is going on.
package pmcache
