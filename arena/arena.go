// Package arena manages a single contiguous shared-memory segment as a
// general-purpose heap shared by every client process. The server
// process is the sole mutator of the heap metadata; clients only read
// and write inside ranges the server has granted them, addressed as
// base + offset in their own mapping.
package arena

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/shmstore/shmstore"
)

// DefaultAlignment is the alignment of every granted range. 64 keeps
// ranges cache-line aligned in every process mapping the segment.
const DefaultAlignment uint = 64

// Range is a granted span of the arena. Size is the full granted size,
// which may exceed what was asked for due to alignment.
type Range struct {
	Offset int
	Size   int
}

// Arena couples the mmap-backed segment with the free-list metadata
// that parcels it out. Not safe for concurrent use: all calls must
// come from the server's single owner goroutine.
type Arena struct {
	logger    *slog.Logger
	segment   *Segment
	meta      freeList
	alignment uint
}

// New wraps an existing segment. The whole mapped region becomes heap.
func New(logger *slog.Logger, segment *Segment) *Arena {
	a := &Arena{
		logger:    logger,
		segment:   segment,
		alignment: DefaultAlignment,
	}
	a.meta.init(segment.Size())
	return a
}

// Allocate returns a range of at least size bytes, disjoint from every
// other live range. ok is false when the free structure cannot satisfy
// the request; deciding whether that becomes an OutOfMemory error or
// an eviction pass is the caller's job.
func (a *Arena) Allocate(size int) (Range, bool) {
	if size <= 0 {
		return Range{}, false
	}

	granted := shmstore.AlignUp(size, a.alignment)
	offset, ok := a.meta.allocate(granted, a.alignment)
	if !ok {
		return Range{}, false
	}

	a.logger.Debug("arena allocate",
		slog.Int("offset", offset),
		slog.Int("size", granted))

	return Range{Offset: offset, Size: granted}, true
}

// Free returns a granted range to the free structure. Freeing a range
// the arena does not consider live is a fatal invariant breach: it
// means the object table and the allocator disagree, and continuing
// would risk handing the same bytes to two objects.
func (a *Arena) Free(r Range) {
	size, err := a.meta.free(r.Offset)
	if err != nil {
		panic(errors.Wrap(err, "arena and object table disagree about a live range"))
	}
	if size != r.Size {
		panic(errors.Newf("freed range at offset %d has size %d, caller believed %d", r.Offset, size, r.Size))
	}

	a.logger.Debug("arena free",
		slog.Int("offset", r.Offset),
		slog.Int("size", size))
}

// Grow resizes the backing segment and extends the trailing free
// range. The caller must guarantee no client currently holds buffer
// pointers into the region, since the local mapping address changes.
func (a *Arena) Grow(newSize int) error {
	if err := a.segment.Grow(newSize); err != nil {
		return err
	}
	return a.meta.grow(newSize)
}

// Bytes returns a view of the given range in this process's mapping.
func (a *Arena) Bytes(r Range) []byte {
	return a.segment.Bytes()[r.Offset : r.Offset+r.Size]
}

// Size returns the total heap size in bytes.
func (a *Arena) Size() int {
	return a.meta.size
}

// FreeBytes returns the number of bytes not covered by live ranges.
func (a *Arena) FreeBytes() int {
	return a.meta.sumFree()
}

// AllocationCount returns the number of live ranges.
func (a *Arena) AllocationCount() int {
	return a.meta.allocCount
}

// Segment exposes the backing segment for descriptor handoff.
func (a *Arena) Segment() *Segment {
	return a.segment
}

// Validate runs the free-list consistency checks.
func (a *Arena) Validate() error {
	return a.meta.Validate()
}

// VisitRanges walks every live and free range in physical order.
func (a *Arena) VisitRanges(visit func(offset, size int, free bool) error) error {
	return a.meta.visitRanges(visit)
}

// AddDetailedStatistics sums this arena's usage into stats.
func (a *Arena) AddDetailedStatistics(stats *shmstore.DetailedStatistics) {
	stats.ArenaBytes += a.meta.size

	_ = a.meta.visitRanges(func(offset, size int, free bool) error {
		if free {
			if size > 0 {
				stats.AddUnusedRange(size)
			}
			return nil
		}
		stats.AddAllocation(size)
		return nil
	})
}

// WriteJSON populates a JSON object with this arena's usage numbers.
func (a *Arena) WriteJSON(json jwriter.ObjectState) {
	var stats shmstore.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Int(a.meta.size)
	json.Name("UnusedBytes").Int(a.meta.sumFree())
	json.Name("Allocations").Int(a.meta.allocCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)
}
