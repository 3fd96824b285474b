package arena

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"

	"github.com/shmstore/shmstore"
)

const (
	smallRangeSize         = 256
	secondLevelIndex uint8 = 5
	sizeClassShift         = 7
	maxSizeClasses         = 65 - sizeClassShift
)

var rangeAllocator = sync.Pool{
	New: func() any {
		return &rangeBlock{}
	},
}

// rangeBlock is one span of the arena, either a live allocation or a
// free range. Blocks form a doubly linked physical chain ordered by
// offset; free blocks are additionally threaded through a segregated
// free list.
type rangeBlock struct {
	offset int
	size   int

	prevPhysical *rangeBlock
	nextPhysical *rangeBlock

	prevFree *rangeBlock
	nextFree *rangeBlock
}

// A taken block points prevFree at itself, which no free block ever
// does (free list heads have a nil prevFree).
func (b *rangeBlock) markFree()    { b.prevFree = nil }
func (b *rangeBlock) markTaken()   { b.prevFree = b }
func (b *rangeBlock) isFree() bool { return b.prevFree != b }

// freeList is a two-level segregated-fit heap over a single contiguous
// region. The first level buckets free ranges by power-of-two size
// class, the second level subdivides each class; per-level bitmaps make
// lookup O(1). Live ranges are indexed by offset so a Free needs only
// the range it was granted. Allocation is deterministic: the same
// request sequence always produces the same offsets, which is what
// lets every process mapping the segment agree on base + offset.
type freeList struct {
	size int

	allocCount     int
	freeRangeCount int
	freeRangeBytes int

	isFreeBitmap      uint64
	innerIsFreeBitmap [maxSizeClasses]uint64

	buckets []*rangeBlock
	// nullBlock is the trailing free range; it is never in the buckets.
	nullBlock *rangeBlock
	// firstBlock is the physical chain entry at offset 0.
	firstBlock *rangeBlock

	taken *swiss.Map[int, *rangeBlock]
}

func (m *freeList) allocateBlock() *rangeBlock {
	b := rangeAllocator.Get().(*rangeBlock)
	b.offset = 0
	b.size = 0
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.prevFree = nil
	b.nextFree = nil
	return b
}

func (m *freeList) recycleBlock(b *rangeBlock) {
	rangeAllocator.Put(b)
}

func (m *freeList) init(size int) {
	m.size = size
	m.taken = swiss.NewMap[int, *rangeBlock](64)

	m.nullBlock = m.allocateBlock()
	m.nullBlock.size = size
	m.nullBlock.markFree()
	m.firstBlock = m.nullBlock

	class := sizeToClass(size)
	second := sizeToSecondIndex(size, class)

	bucketCount := 1
	if class != 0 {
		bucketCount = int(class-1)*(1<<secondLevelIndex) + int(second) + 1
	}
	bucketCount += 4

	m.buckets = make([]*rangeBlock, bucketCount)
}

func sizeToClass(size int) uint8 {
	if size > smallRangeSize {
		msb := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return msb - sizeClassShift
	}
	return 0
}

func sizeToSecondIndex(size int, class uint8) uint16 {
	if class != 0 {
		mask := uint(1) << secondLevelIndex
		indexVal := uint(size) >> (class + sizeClassShift - secondLevelIndex)
		return uint16(indexVal ^ mask)
	}
	return uint16((size - 1) / 64)
}

func bucketIndex(class uint8, second uint16) int {
	if class == 0 {
		return int(second)
	}
	return int(uint32(class-1)*(1<<secondLevelIndex)+uint32(second)) + 4
}

func bucketIndexFromSize(size int) int {
	class := sizeToClass(size)
	return bucketIndex(class, sizeToSecondIndex(size, class))
}

func (m *freeList) sumFree() int {
	return m.freeRangeBytes + m.nullBlock.size
}

// grow extends the trailing free range. Only valid for a larger size;
// the segment remap is the caller's problem.
func (m *freeList) grow(newSize int) error {
	if newSize <= m.size {
		return errors.Newf("cannot grow free list from %d to %d", m.size, newSize)
	}
	m.nullBlock.size += newSize - m.size
	m.size = newSize
	return nil
}

// allocate finds space for size bytes at the given alignment and
// commits it. It reports the granted offset, or false when no free
// range can satisfy the request.
func (m *freeList) allocate(size int, alignment uint) (int, bool) {
	if size < 1 {
		return 0, false
	}
	shmstore.DebugValidate(m)

	if size > m.sumFree() {
		return 0, false
	}

	if m.freeRangeCount > 0 {
		candidate, index := m.findFreeBlock(size)
		for candidate != nil {
			if aligned, ok := m.fits(candidate, size, alignment); ok {
				return m.commit(candidate, aligned, size), true
			}
			candidate = candidate.nextFree
		}

		// Same-class blocks may all fail the alignment check; scan the
		// larger buckets before falling back to the tail.
		for index++; index < len(m.buckets); index++ {
			for candidate = m.buckets[index]; candidate != nil; candidate = candidate.nextFree {
				if aligned, ok := m.fits(candidate, size, alignment); ok {
					return m.commit(candidate, aligned, size), true
				}
			}
		}
	}

	if aligned, ok := m.fits(m.nullBlock, size, alignment); ok {
		return m.commit(m.nullBlock, aligned, size), true
	}

	return 0, false
}

// findFreeBlock locates the head of the lowest bucket that may contain
// a free range of at least size bytes.
func (m *freeList) findFreeBlock(size int) (*rangeBlock, int) {
	class := sizeToClass(size)
	innerFreeMap := m.innerIsFreeBitmap[class] & (math.MaxUint64 << sizeToSecondIndex(size, class))

	if innerFreeMap == 0 {
		// Nothing in this class; check the higher classes.
		freeMap := m.isFreeBitmap & (math.MaxUint64 << (class + 1))
		if freeMap == 0 {
			return nil, len(m.buckets)
		}

		class = uint8(bits.TrailingZeros64(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[class]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	index := bucketIndex(class, uint16(bits.TrailingZeros64(innerFreeMap)))
	if m.buckets[index] == nil {
		panic(fmt.Sprintf("bucket %d was marked as having free ranges, but none were present", index))
	}
	return m.buckets[index], index
}

func (m *freeList) fits(b *rangeBlock, size int, alignment uint) (int, bool) {
	if !b.isFree() {
		panic(fmt.Sprintf("range at offset %d is already taken", b.offset))
	}
	aligned := shmstore.AlignUp(b.offset, alignment)
	if b.size < size+aligned-b.offset {
		return 0, false
	}
	return aligned, true
}

// commit carves size bytes out of b at alignedOffset, splitting off the
// alignment slack and the remainder as free ranges. Returns the
// granted offset.
func (m *freeList) commit(b *rangeBlock, alignedOffset, size int) int {
	if b != m.nullBlock {
		m.removeFreeBlock(b)
	}

	missingAlignment := alignedOffset - b.offset
	if missingAlignment != 0 {
		prev := b.prevPhysical
		if prev == nil {
			panic("alignment slack at offset 0")
		}

		if prev.isFree() {
			oldIndex := bucketIndexFromSize(prev.size)
			prev.size += missingAlignment
			if oldIndex != bucketIndexFromSize(prev.size) {
				prev.size -= missingAlignment
				m.removeFreeBlock(prev)
				prev.size += missingAlignment
				m.insertFreeBlock(prev)
			} else {
				m.freeRangeBytes += missingAlignment
			}
		} else {
			slack := m.allocateBlock()
			slack.size = missingAlignment
			slack.offset = b.offset
			slack.prevPhysical = prev
			slack.nextPhysical = b
			prev.nextPhysical = slack
			b.prevPhysical = slack
			slack.markTaken()
			m.insertFreeBlock(slack)
		}

		b.size -= missingAlignment
		b.offset += missingAlignment
	}

	if b.size == size {
		if b == m.nullBlock {
			// The old tail is fully consumed; start a fresh empty tail.
			m.nullBlock = m.allocateBlock()
			m.nullBlock.size = 0
			m.nullBlock.offset = b.offset + size
			m.nullBlock.prevPhysical = b
			m.nullBlock.markFree()
			b.nextPhysical = m.nullBlock
			b.markTaken()
		}
	} else {
		if b.size < size {
			panic(fmt.Sprintf("range at offset %d is too small for the committed request", b.offset))
		}

		remainder := m.allocateBlock()
		remainder.size = b.size - size
		remainder.offset = b.offset + size
		remainder.prevPhysical = b
		remainder.nextPhysical = b.nextPhysical
		b.nextPhysical = remainder
		b.size = size

		if b == m.nullBlock {
			m.nullBlock = remainder
			m.nullBlock.markFree()
			b.markTaken()
		} else {
			remainder.nextPhysical.prevPhysical = remainder
			remainder.markTaken()
			m.insertFreeBlock(remainder)
		}
	}

	m.taken.Put(b.offset, b)
	m.allocCount++

	return b.offset
}

// free returns the range starting at offset to the free structure,
// coalescing with physically adjacent free ranges. Reports the size of
// the freed range.
func (m *freeList) free(offset int) (int, error) {
	b, ok := m.taken.Get(offset)
	if !ok {
		return 0, errors.Newf("offset %d is not the start of a live range", offset)
	}
	m.taken.Delete(offset)
	m.allocCount--

	freedSize := b.size
	next := b.nextPhysical

	prev := b.prevPhysical
	if prev != nil && prev.isFree() {
		m.removeFreeBlock(prev)
		m.mergeWithPrev(b, prev)
	}

	if !next.isFree() {
		m.insertFreeBlock(b)
	} else if next == m.nullBlock {
		m.mergeWithPrev(m.nullBlock, b)
	} else {
		m.removeFreeBlock(next)
		m.mergeWithPrev(next, b)
		m.insertFreeBlock(next)
	}

	shmstore.DebugValidate(m)
	return freedSize, nil
}

func (m *freeList) removeFreeBlock(b *rangeBlock) {
	if b == m.nullBlock {
		panic("cannot remove the tail range from the buckets")
	}
	if !b.isFree() {
		panic("range is not free")
	}

	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		class := sizeToClass(b.size)
		second := sizeToSecondIndex(b.size, class)
		index := bucketIndex(class, second)

		if m.buckets[index] != b {
			panic("range was not at the expected bucket position")
		}
		m.buckets[index] = b.nextFree
		if b.nextFree == nil {
			m.innerIsFreeBitmap[class] &= ^(uint64(1) << second)
			if m.innerIsFreeBitmap[class] == 0 {
				m.isFreeBitmap &= ^(uint64(1) << class)
			}
		}
	}

	b.markTaken()
	m.freeRangeCount--
	m.freeRangeBytes -= b.size
}

func (m *freeList) insertFreeBlock(b *rangeBlock) {
	if b == m.nullBlock {
		panic("cannot insert the tail range into the buckets")
	}
	if b.isFree() {
		panic("range is already free")
	}

	class := sizeToClass(b.size)
	second := sizeToSecondIndex(b.size, class)
	index := bucketIndex(class, second)

	if index >= len(m.buckets) {
		panic("invalid bucket index for range")
	}

	b.prevFree = nil
	b.nextFree = m.buckets[index]
	m.buckets[index] = b
	if b.nextFree != nil {
		b.nextFree.prevFree = b
	} else {
		m.innerIsFreeBitmap[class] |= uint64(1) << second
		m.isFreeBitmap |= uint64(1) << class
	}
	m.freeRangeCount++
	m.freeRangeBytes += b.size
}

// mergeWithPrev absorbs prev into b. prev must be physically adjacent
// below b and already detached from the buckets.
func (m *freeList) mergeWithPrev(b *rangeBlock, prev *rangeBlock) {
	if b.prevPhysical != prev {
		panic("cannot merge ranges that are not adjacent")
	}
	if prev.isFree() {
		panic("cannot merge a range that is still in the buckets")
	}

	b.offset = prev.offset
	b.size += prev.size
	b.prevPhysical = prev.prevPhysical
	if b.prevPhysical != nil {
		b.prevPhysical.nextPhysical = b
	} else {
		m.firstBlock = b
	}

	m.recycleBlock(prev)
}

// visitRanges walks the physical chain from the tail range down to
// offset 0, calling the callback for every live and free range
// including the tail.
func (m *freeList) visitRanges(visit func(offset, size int, free bool) error) error {
	for b := m.nullBlock; b != nil; b = b.prevPhysical {
		if err := visit(b.offset, b.size, b.isFree()); err != nil {
			return err
		}
	}
	return nil
}

// Validate performs internal consistency checks. When the allocator is
// functioning correctly it cannot return an error.
func (m *freeList) Validate() error {
	if m.sumFree() > m.size {
		return errors.New("free bytes exceed the managed size")
	}

	calculatedSize := m.nullBlock.size
	calculatedFreeSize := m.nullBlock.size
	var allocCount, freeCount, bucketedCount int

	for index := 0; index < len(m.buckets); index++ {
		b := m.buckets[index]
		if b == nil {
			continue
		}

		if !b.isFree() {
			return errors.Newf("range at offset %d is bucketed but not free", b.offset)
		}
		if b.prevFree != nil {
			return errors.Newf("range at offset %d heads a bucket but has a previous free range", b.offset)
		}

		bucketedCount++
		for b.nextFree != nil {
			if !b.nextFree.isFree() {
				return errors.Newf("range at offset %d is bucketed but not free", b.nextFree.offset)
			}
			if b.nextFree.prevFree != b {
				return errors.Newf("free list back-reference broken between offsets %d and %d", b.offset, b.nextFree.offset)
			}
			bucketedCount++
			b = b.nextFree
		}
	}

	if m.nullBlock.nextPhysical != nil {
		return errors.New("the tail range must end the physical chain")
	}
	if m.nullBlock.prevPhysical != nil && m.nullBlock.prevPhysical.nextPhysical != m.nullBlock {
		return errors.New("physical back-reference broken at the tail range")
	}

	nextOffset := m.nullBlock.offset
	for prev := m.nullBlock.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Newf("physical range at offset %d does not end at the next range", prev.offset)
		}
		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.isFree() {
			freeCount++
			calculatedFreeSize += prev.size
		} else {
			allocCount++
			if live, ok := m.taken.Get(prev.offset); !ok || live != prev {
				return errors.Newf("live range at offset %d is missing from the offset index", prev.offset)
			}
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Newf("physical back-reference broken at offset %d", prev.offset)
		}
	}

	if bucketedCount != freeCount {
		return errors.Newf("bucketed free ranges (%d) do not match physical free ranges (%d)", bucketedCount, freeCount)
	}
	if nextOffset != 0 {
		return errors.Newf("the first physical range should start at 0, not %d", nextOffset)
	}
	if calculatedSize != m.size {
		return errors.Newf("managed size is %d but ranges sum to %d", m.size, calculatedSize)
	}
	if calculatedFreeSize != m.sumFree() {
		return errors.Newf("free size is %d but free ranges sum to %d", m.sumFree(), calculatedFreeSize)
	}
	if allocCount != m.allocCount {
		return errors.Newf("allocation count is %d but %d live ranges were found", m.allocCount, allocCount)
	}
	if freeCount != m.freeRangeCount {
		return errors.Newf("free range count is %d but %d free ranges were found", m.freeRangeCount, freeCount)
	}
	if m.taken.Count() != m.allocCount {
		return errors.Newf("offset index holds %d ranges but allocation count is %d", m.taken.Count(), m.allocCount)
	}

	return nil
}
