package store

// evictionQueue orders eviction-eligible objects by the moment they
// most recently became eligible: entries are appended when sealed with
// no references or when their last reference is released, and removed
// whenever a reference is taken. The head is always the oldest
// candidate, so reclaim order is deterministic by insertion order.
//
// Entries are linked intrusively; only objects satisfying the
// eligibility invariant (sealed, refcount zero) are ever inserted, so
// eviction never needs a runtime eligibility check.
type evictionQueue struct {
	head  *Entry
	tail  *Entry
	count int
	bytes int
}

func (q *evictionQueue) push(e *Entry) {
	if e.inQueue {
		panic("entry is already eviction-eligible")
	}
	if !e.evictable() {
		panic("entry does not satisfy the eviction eligibility invariant")
	}

	e.queuePrev = q.tail
	e.queueNext = nil
	if q.tail != nil {
		q.tail.queueNext = e
	} else {
		q.head = e
	}
	q.tail = e
	e.inQueue = true
	q.count++
	q.bytes += e.Alloc.Size
}

func (q *evictionQueue) remove(e *Entry) {
	if !e.inQueue {
		panic("entry is not eviction-eligible")
	}

	if e.queuePrev != nil {
		e.queuePrev.queueNext = e.queueNext
	} else {
		q.head = e.queueNext
	}
	if e.queueNext != nil {
		e.queueNext.queuePrev = e.queuePrev
	} else {
		q.tail = e.queuePrev
	}
	e.queuePrev = nil
	e.queueNext = nil
	e.inQueue = false
	q.count--
	q.bytes -= e.Alloc.Size
}

func (q *evictionQueue) oldest() *Entry {
	return q.head
}
