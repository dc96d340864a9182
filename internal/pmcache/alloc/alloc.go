// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package alloc manages the block address space of the arena. It keeps the
// sorted list of in-use extents, the free space being the gaps between them.
// Allocation is first-fit over the gaps, aligned to the size of the request.
package alloc

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/pmcache/internal/pmcache/arena"
)

// Extent is one contiguous range of in-use blocks. Both bounds are inclusive.
// Exported because of gob.
type Extent struct {
	Low  uint64
	High uint64
}

func (e Extent) Len() uint64 {
	return e.High - e.Low + 1
}

// Zeroer clears bytes of freshly allocated blocks.
type Zeroer interface {
	Zero(off, n uint64)
}

// Allocator hands out aligned block ranges of the arena. All methods are safe
// for concurrent use. The whole scan and the update of the extent list is
// done under one lock, hence two allocations can never overlap.
type Allocator struct {
	mu sync.Mutex

	geo    arena.Geometry
	zeroer Zeroer

	// First block of the arena and the block just behind its end.
	blockStart uint64
	blockEnd   uint64

	// In-use extents sorted by Low. Records never overlap and never
	// touch, adjacent ranges are always merged into one record.
	extents []Extent

	freeBlocks uint64
}

// New returns allocator for blocks [blockStart, blockEnd). Everything is free
// until Init or Reserve is called.
func New(z Zeroer, geo arena.Geometry, blockStart, blockEnd uint64) *Allocator {
	return &Allocator{
		geo:        geo,
		zeroer:     z,
		blockStart: blockStart,
		blockEnd:   blockEnd,
		freeBlocks: blockEnd - blockStart,
	}
}

// Init marks the head of the arena holding reservedBytes as used. It has to
// be called exactly once on a fresh allocator.
func (a *Allocator) Init(reservedBytes uint64) error {
	n := a.geo.BlocksFor(reservedBytes)

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.extents) != 0 {
		return fmt.Errorf("allocator already initialized: %w", arena.ErrInvalid)
	}

	if n > a.blockEnd-a.blockStart {
		return fmt.Errorf("reservation of %d blocks: %w", n, arena.ErrNoSpace)
	}

	if n == 0 {
		return nil
	}

	a.extents = append(a.extents, Extent{Low: a.blockStart, High: a.blockStart + n - 1})
	a.freeBlocks -= n

	log.Debug().Uint64("reserved blocks", n).Uint64("free blocks", a.freeBlocks).Msg("Blockmap initialized.")

	return nil
}

// Allocate reserves one block of type bt and returns its first base block
// number. The returned block is aligned to the number of base blocks of the
// type. When zero is set, the block is cleared before returning.
func (a *Allocator) Allocate(bt arena.BlockType, zero bool) (uint64, error) {
	if !bt.Valid() {
		return 0, fmt.Errorf("block type %d: %w", bt, arena.ErrInvalid)
	}

	return a.AllocateBlocks(a.geo.NumBlocks(bt), zero)
}

// AllocateBlocks reserves num base blocks aligned to num, which has to be a
// power of two. Either the whole range is reserved or nothing.
func (a *Allocator) AllocateBlocks(num uint64, zero bool) (uint64, error) {
	if num == 0 || num&(num-1) != 0 {
		return 0, fmt.Errorf("allocation of %d blocks: %w", num, arena.ErrInvalid)
	}

	a.mu.Lock()
	blocknr, err := a.allocateLocked(num)
	a.mu.Unlock()

	if err != nil {
		return 0, err
	}

	// The range is ours now, nobody else can touch it.
	if zero {
		a.zeroer.Zero(a.geo.BlockOff(blocknr), a.geo.BlockOff(num))
	}

	log.Trace().Uint64("blocknr", blocknr).Uint64("blocks", num).Msg("Allocated.")

	return blocknr, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Walks the gaps from the lowest address. Gap i is the free space in front of
// extents[i], the last gap ends at blockEnd.
func (a *Allocator) allocateLocked(num uint64) (uint64, error) {
	for i := 0; i <= len(a.extents); i++ {
		gapLow := a.blockStart
		if i > 0 {
			gapLow = a.extents[i-1].High + 1
		}

		gapEnd := a.blockEnd
		if i < len(a.extents) {
			gapEnd = a.extents[i].Low
		}

		if gapLow > gapEnd {
			return 0, fmt.Errorf("extents %d and %d overlap: %w", i-1, i, arena.ErrCorrupt)
		}

		low := alignUp(gapLow, num)
		if low < gapLow || low >= gapEnd || gapEnd-low < num {
			continue
		}

		a.insertLocked(i, low, low+num-1)
		a.freeBlocks -= num

		return low, nil
	}

	return 0, arena.ErrNoSpace
}

// Inserts in-use range [low, high] into gap i, merging with the neighbours it
// touches. The caller guarantees the range lies inside the gap.
func (a *Allocator) insertLocked(i int, low, high uint64) {
	touchesLeft := i > 0 && a.extents[i-1].High+1 == low
	touchesRight := i < len(a.extents) && high+1 == a.extents[i].Low

	switch {
	case touchesLeft && touchesRight:
		// Gap filled completely, right record merges into the left one.
		a.extents[i-1].High = a.extents[i].High
		a.extents = append(a.extents[:i], a.extents[i+1:]...)

	case touchesLeft:
		a.extents[i-1].High = high

	case touchesRight:
		a.extents[i].Low = low

	default:
		a.extents = append(a.extents, Extent{})
		copy(a.extents[i+1:], a.extents[i:])
		a.extents[i] = Extent{Low: low, High: high}
	}
}

// Free returns num base blocks starting at blocknr. The range has to be in use
// and lie inside one extent, which is then removed, shrunk or split.
func (a *Allocator) Free(blocknr, num uint64) error {
	if !a.inBounds(blocknr, num) {
		return fmt.Errorf("free of %d blocks at %d: %w", num, blocknr, arena.ErrInvalid)
	}

	high := blocknr + num - 1

	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.extents), func(i int) bool {
		return a.extents[i].High >= blocknr
	})

	if i == len(a.extents) || a.extents[i].Low > blocknr || a.extents[i].High < high {
		return fmt.Errorf("free of blocks %d-%d not in use: %w", blocknr, high, arena.ErrInvalid)
	}

	e := a.extents[i]

	switch {
	case e.Low == blocknr && e.High == high:
		a.extents = append(a.extents[:i], a.extents[i+1:]...)

	case e.Low == blocknr:
		a.extents[i].Low = high + 1

	case e.High == high:
		a.extents[i].High = blocknr - 1

	default:
		a.extents[i].High = blocknr - 1
		a.extents = append(a.extents, Extent{})
		copy(a.extents[i+2:], a.extents[i+1:])
		a.extents[i+1] = Extent{Low: high + 1, High: e.High}
	}

	a.freeBlocks += num

	log.Trace().Uint64("blocknr", blocknr).Uint64("blocks", num).Msg("Freed.")

	return nil
}

// Reports whether non-empty range of num blocks at blocknr lies inside the
// arena. Written without blocknr+num, which can wrap around.
func (a *Allocator) inBounds(blocknr, num uint64) bool {
	return num > 0 && blocknr >= a.blockStart && blocknr < a.blockEnd && num <= a.blockEnd-blocknr
}

// Reserve marks arbitrary range as used. It is used for rebuilding the extent
// list from the structures found in the arena. Overlap with a range already
// in use means two owners of the same block and is reported as corruption.
func (a *Allocator) Reserve(blocknr, num uint64) error {
	if !a.inBounds(blocknr, num) {
		return fmt.Errorf("reserve of %d blocks at %d: %w", num, blocknr, arena.ErrInvalid)
	}

	high := blocknr + num - 1

	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.extents), func(i int) bool {
		return a.extents[i].Low > blocknr
	})

	if (i > 0 && a.extents[i-1].High >= blocknr) || (i < len(a.extents) && a.extents[i].Low <= high) {
		return fmt.Errorf("blocks %d-%d already in use: %w", blocknr, high, arena.ErrCorrupt)
	}

	a.insertLocked(i, blocknr, high)
	a.freeBlocks -= num

	return nil
}

// Check verifies all invariants of the extent list.
func (a *Allocator) Check() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.checkLocked()
}

func (a *Allocator) checkLocked() error {
	var used uint64

	for i, e := range a.extents {
		if e.Low > e.High || e.Low < a.blockStart || e.High >= a.blockEnd {
			return fmt.Errorf("extent %d [%d, %d] out of bounds: %w", i, e.Low, e.High, arena.ErrCorrupt)
		}

		if i > 0 && a.extents[i-1].High+1 >= e.Low {
			return fmt.Errorf("extents %d and %d overlap or touch: %w", i-1, i, arena.ErrCorrupt)
		}

		used += e.Len()
	}

	if used+a.freeBlocks != a.blockEnd-a.blockStart {
		return fmt.Errorf("used %d + free %d != %d blocks: %w",
			used, a.freeBlocks, a.blockEnd-a.blockStart, arena.ErrCorrupt)
	}

	return nil
}

// Extents returns copy of the in-use extent list.
func (a *Allocator) Extents() []Extent {
	a.mu.Lock()
	defer a.mu.Unlock()

	extents := make([]Extent, len(a.extents))
	copy(extents, a.extents)

	return extents
}

// FreeBlocks returns number of free base blocks. The value is advisory, it
// can change right after the call.
func (a *Allocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.freeBlocks
}

// TotalBlocks returns size of the arena in base blocks.
func (a *Allocator) TotalBlocks() uint64 {
	return a.blockEnd - a.blockStart
}

// Geometry returns geometry the allocator was created with.
func (a *Allocator) Geometry() arena.Geometry {
	return a.geo
}

// Checkpoint of the allocator. Free count is derived on restore.
type checkpoint struct {
	BlockStart uint64
	BlockEnd   uint64
	Extents    []Extent
}

// Serialize returns the extent list encoded with gobs.
func (a *Allocator) Serialize() ([]byte, error) {
	a.mu.Lock()
	c := checkpoint{a.blockStart, a.blockEnd, a.extents}
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(&c)
	a.mu.Unlock()

	return buf.Bytes(), err
}

// Deserialize replaces the extent list with the one previously produced by
// Serialize. The checkpoint has to describe the same arena bounds.
func (a *Allocator) Deserialize(buf []byte) error {
	var c checkpoint
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&c); err != nil {
		return fmt.Errorf("failed to decode checkpoint: %v: %w", err, arena.ErrCorrupt)
	}

	if c.BlockStart != a.blockStart || c.BlockEnd != a.blockEnd {
		return fmt.Errorf("checkpoint for blocks [%d, %d) does not match [%d, %d): %w",
			c.BlockStart, c.BlockEnd, a.blockStart, a.blockEnd, arena.ErrCorrupt)
	}

	var used uint64
	for _, e := range c.Extents {
		used += e.Len()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	extents, free := a.extents, a.freeBlocks
	a.extents = c.Extents
	a.freeBlocks = a.blockEnd - a.blockStart - used

	if err := a.checkLocked(); err != nil {
		a.extents, a.freeBlocks = extents, free
		return err
	}

	return nil
}
