// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package stats counts and times operations of the cache.
package stats

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Category int

const (
	CacheData Category = iota
	GetExtent
	XipRead
	XipWrite
	Allocation
	Mmap
	CopyToCache
	CopyFromCache
	Evict

	numCategories
)

var names = [numCategories]string{
	"cache_data",
	"get_extent",
	"xip_read",
	"xip_write",
	"allocation",
	"mmap",
	"copy_to_cache",
	"copy_from_cache",
	"evict",
}

func (c Category) String() string {
	if c < 0 || c >= numCategories {
		return "unknown"
	}

	return names[c]
}

// Stats holds counters of one arena. The zero value is ready to use.
type Stats struct {
	mutex  sync.Mutex
	counts [numCategories]uint64
	times  [numCategories]time.Duration
}

// Entry is a snapshot of a single category.
type Entry struct {
	Category Category
	Count    uint64
	Time     time.Duration
}

// Average returns mean duration of a timed operation.
func (e Entry) Average() time.Duration {
	if e.Count == 0 {
		return 0
	}

	return e.Time / time.Duration(e.Count)
}

// Count increments the counter without timing.
func (s *Stats) Count(c Category) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.counts[c]++
}

// Time starts measuring an operation of category c. The returned function
// stops the measurement. Usually used as defer s.Time(c)().
func (s *Stats) Time(c Category) func() {
	start := time.Now()

	return func() {
		elapsed := time.Since(start)

		s.mutex.Lock()
		defer s.mutex.Unlock()

		s.counts[c]++
		s.times[c] += elapsed
	}
}

// Snapshot returns consistent copy of all counters.
func (s *Stats) Snapshot() []Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries := make([]Entry, numCategories)
	for i := range entries {
		entries[i] = Entry{Category(i), s.counts[i], s.times[i]}
	}

	return entries
}

func (s *Stats) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.counts = [numCategories]uint64{}
	s.times = [numCategories]time.Duration{}
}

// Log prints all counters on the info level.
func (s *Stats) Log() {
	for _, e := range s.Snapshot() {
		log.Info().Str("category", e.Category.String()).Uint64("count", e.Count).
			Dur("time", e.Time).Dur("average", e.Average()).Msg("Timing stats.")
	}
}
