package shmstore

import "math"

// Statistics accumulates basic usage numbers for the arena and the
// object table. Producers add into an existing value so callers can
// sum several sources.
type Statistics struct {
	ArenaBytes      int
	AllocationCount int
	AllocationBytes int
	ObjectCount     int
	SealedCount     int
}

func (s *Statistics) Clear() {
	s.ArenaBytes = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
	s.ObjectCount = 0
	s.SealedCount = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ArenaBytes += other.ArenaBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
	s.ObjectCount += other.ObjectCount
	s.SealedCount += other.SealedCount
}

// DetailedStatistics additionally tracks free-range fragmentation and
// allocation size extremes. Clear must be called before the first Add
// so the min fields start at MaxInt.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}
	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}
	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}
