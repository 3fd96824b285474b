// Package store is the single source of truth for object existence,
// lifecycle state, reference counts, and eviction order. Every method
// must be called from the server's one owner goroutine; the package
// has no internal locking by design.
package store

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"

	"github.com/shmstore/shmstore"
	"github.com/shmstore/shmstore/arena"
)

// Store is the object table plus the eviction queue and the session
// registry that attributes references to connections.
type Store struct {
	logger *slog.Logger
	arena  *arena.Arena

	objects *swiss.Map[shmstore.ObjectID, *Entry]
	queue   evictionQueue

	// waiters maps an ID (present or not) to the sessions blocked on
	// its seal.
	waiters map[shmstore.ObjectID]map[*Session]struct{}

	sessions      map[uint64]*Session
	nextSessionID uint64

	sealedCount int
}

// New creates an empty store over the given arena.
func New(logger *slog.Logger, a *arena.Arena) *Store {
	return &Store{
		logger:   logger,
		arena:    a,
		objects:  swiss.NewMap[shmstore.ObjectID, *Entry](256),
		waiters:  make(map[shmstore.ObjectID]map[*Session]struct{}),
		sessions: make(map[uint64]*Session),
	}
}

// Arena exposes the backing arena (for descriptor handoff and stats).
func (s *Store) Arena() *arena.Arena {
	return s.arena
}

// NewSession registers a session for one connection. granted and
// notice deliver deferred Get results and the subscription stream; see
// Session.
func (s *Store) NewSession(granted func(*Entry), notice func(SealNotice)) *Session {
	s.nextSessionID++
	sess := &Session{
		id:      s.nextSessionID,
		holds:   swiss.NewMap[shmstore.ObjectID, int](16),
		waiting: make(map[shmstore.ObjectID]struct{}),
		granted: granted,
		notice:  notice,
	}
	s.sessions[sess.id] = sess
	return sess
}

// CloseSession releases every hold the session still has, exactly
// once, and removes its waits and subscription. This is the sole
// recovery path for a crashed client.
func (s *Store) CloseSession(sess *Session) {
	for id := range sess.waiting {
		s.removeWaiter(sess, id)
	}

	held := make([]shmstore.ObjectID, 0, sess.holds.Count())
	sess.holds.Iter(func(id shmstore.ObjectID, count int) bool {
		entry, ok := s.objects.Get(id)
		if !ok {
			panic(errors.Newf("session %d holds %s but the table has no entry", sess.id, id))
		}
		entry.RefCount -= count
		if entry.RefCount < 0 {
			panic(errors.Newf("reference count of %s went negative during session teardown", id))
		}
		if entry.RefCount == 0 {
			s.dropLastReference(entry)
		}
		held = append(held, id)
		return false
	})
	for _, id := range held {
		sess.holds.Delete(id)
	}

	delete(s.sessions, sess.id)
	s.logger.Debug("session closed", slog.Uint64("session", sess.id))
}

// Create allocates space for a new object and inserts it in Created
// state, implicitly held by its creator. Fails with ErrObjectExists if
// the ID is live, and with ErrOutOfMemory if space cannot be found
// even after eviction.
func (s *Store) Create(sess *Session, id shmstore.ObjectID, dataSize, metadataSize int) (*Entry, error) {
	if s.objects.Has(id) {
		return nil, errors.Wrapf(shmstore.ErrObjectExists, "object %s", id)
	}
	if dataSize < 0 || metadataSize < 0 || dataSize+metadataSize == 0 {
		return nil, errors.Wrapf(shmstore.ErrInvalidState, "object %s has invalid size %d+%d", id, dataSize, metadataSize)
	}

	alloc, err := s.allocate(dataSize + metadataSize)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:         id,
		Alloc:      alloc,
		Data:       arena.Range{Offset: alloc.Offset, Size: dataSize},
		Metadata:   arena.Range{Offset: alloc.Offset + dataSize, Size: metadataSize},
		State:      Created,
		RefCount:   1,
		CreateTime: time.Now(),
		creator:    sess,
	}
	sess.addHold(id)
	s.objects.Put(id, entry)

	s.logger.Debug("object created",
		slog.String("object", id.Hex()),
		slog.Uint64("session", sess.id),
		slog.Int("data_size", dataSize),
		slog.Int("metadata_size", metadataSize))

	return entry, nil
}

// allocate asks the arena for space, evicting eligible objects
// oldest-first on a shortfall. Eviction stops as soon as the freed
// bytes cover the shortfall; if eviction is exhausted and the request
// still fails, the caller gets ErrOutOfMemory.
func (s *Store) allocate(size int) (arena.Range, error) {
	for {
		r, ok := s.arena.Allocate(size)
		if ok {
			return r, nil
		}

		shortfall := size - s.arena.FreeBytes()
		if s.reclaim(shortfall) == 0 {
			return arena.Range{}, errors.Wrapf(shmstore.ErrOutOfMemory,
				"%d bytes requested with %d free and no eligible objects left", size, s.arena.FreeBytes())
		}
	}
}

// reclaim evicts eligible objects oldest-first until at least
// shortfall bytes have been freed or no candidates remain. Returns the
// number of bytes reclaimed.
func (s *Store) reclaim(shortfall int) int {
	freed := 0
	for {
		entry := s.queue.oldest()
		if entry == nil {
			return freed
		}

		freed += entry.Alloc.Size
		s.logger.Debug("object evicted",
			slog.String("object", entry.ID.Hex()),
			slog.Int("size", entry.Alloc.Size))
		s.destroy(entry)

		if freed >= shortfall {
			return freed
		}
	}
}

// Seal transitions an object to Sealed, drops the creator's implicit
// hold, grants references to every session waiting on the ID, and
// feeds the subscription streams.
func (s *Store) Seal(sess *Session, id shmstore.ObjectID) error {
	entry, ok := s.objects.Get(id)
	if !ok {
		return errors.Wrapf(shmstore.ErrObjectNotFound, "object %s", id)
	}
	if entry.State == Sealed {
		return errors.Wrapf(shmstore.ErrInvalidState, "object %s is already sealed", id)
	}
	if entry.creator != sess {
		return errors.Wrapf(shmstore.ErrInvalidState, "object %s can only be sealed by its creator", id)
	}

	entry.State = Sealed
	entry.ConstructDuration = time.Since(entry.CreateTime)
	s.sealedCount++

	if !sess.dropHold(id) {
		panic(errors.Newf("creator of %s lost its implicit hold before seal", id))
	}
	entry.creator = nil
	entry.RefCount--

	// Hand the object to everyone who asked for it before it existed.
	// A granted callback may tear its own session down, which can cycle
	// the entry through refcount zero and into the queue mid-loop.
	for waiter := range s.waiters[id] {
		delete(waiter.waiting, id)
		if entry.inQueue {
			s.queue.remove(entry)
		}
		entry.RefCount++
		waiter.addHold(id)
		waiter.granted(entry)
	}
	delete(s.waiters, id)

	notice := SealNotice{
		ID:           id,
		DataSize:     entry.Data.Size,
		MetadataSize: entry.Metadata.Size,
	}
	for _, sub := range s.sessions {
		if sub.subscribed {
			sub.notice(notice)
		}
	}

	if entry.RefCount == 0 && !entry.inQueue {
		s.queue.push(entry)
	}

	s.logger.Debug("object sealed",
		slog.String("object", id.Hex()),
		slog.Duration("construct", entry.ConstructDuration),
		slog.Int("refs", entry.RefCount))

	return nil
}

// Get takes a reference to a sealed object on behalf of the session.
// When the object is absent or not yet sealed the session is
// registered as a waiter and (nil, false) is returned; the reference
// is granted via the session's granted callback at seal time.
func (s *Store) Get(sess *Session, id shmstore.ObjectID) (*Entry, bool) {
	entry, ok := s.objects.Get(id)
	if !ok || entry.State != Sealed {
		s.addWaiter(sess, id)
		return nil, false
	}

	if entry.inQueue {
		s.queue.remove(entry)
	}
	entry.RefCount++
	sess.addHold(id)
	return entry, true
}

// CancelWait withdraws the session's waits for the given IDs, used
// when a Get's deadline fires before the objects seal.
func (s *Store) CancelWait(sess *Session, ids []shmstore.ObjectID) {
	for _, id := range ids {
		if _, ok := sess.waiting[id]; ok {
			s.removeWaiter(sess, id)
		}
	}
}

// Release drops one of the session's holds on the object. Releasing
// more than held is a client protocol error and never underflows the
// count.
func (s *Store) Release(sess *Session, id shmstore.ObjectID) error {
	if !sess.dropHold(id) {
		return errors.Wrapf(shmstore.ErrReleaseWithoutHold, "object %s", id)
	}

	entry, ok := s.objects.Get(id)
	if !ok {
		panic(errors.Newf("session %d held %s but the table has no entry", sess.id, id))
	}

	entry.RefCount--
	if entry.RefCount < 0 {
		panic(errors.Newf("reference count of %s went negative", id))
	}
	if entry.RefCount == 0 {
		s.dropLastReference(entry)
	}
	return nil
}

// dropLastReference handles an entry whose count just reached zero: a
// sealed object becomes eviction-eligible, while a Created object
// whose creator is gone can never be sealed and is destroyed to
// reclaim its space.
func (s *Store) dropLastReference(entry *Entry) {
	if entry.State == Sealed {
		s.queue.push(entry)
		return
	}

	s.logger.Debug("abandoned object destroyed", slog.String("object", entry.ID.Hex()))
	entry.creator = nil
	s.destroy(entry)
}

// Delete removes an object immediately. Fails with ErrObjectNotFound
// if absent and ErrObjectInUse while any reference (including the
// creator's implicit one) is outstanding.
func (s *Store) Delete(id shmstore.ObjectID) error {
	entry, ok := s.objects.Get(id)
	if !ok {
		return errors.Wrapf(shmstore.ErrObjectNotFound, "object %s", id)
	}
	if entry.RefCount > 0 {
		return errors.Wrapf(shmstore.ErrObjectInUse, "object %s has %d references", id, entry.RefCount)
	}

	s.destroy(entry)
	return nil
}

// destroy frees the arena range and removes the entry. The range must
// be freed first so a failure there (an invariant breach) cannot leave
// the table claiming bytes the arena thinks are free.
func (s *Store) destroy(entry *Entry) {
	if entry.inQueue {
		s.queue.remove(entry)
	}
	s.arena.Free(entry.Alloc)
	s.objects.Delete(entry.ID)
	if entry.State == Sealed {
		s.sealedCount--
	}
}

// Contains reports whether the object is present and sealed.
func (s *Store) Contains(id shmstore.ObjectID) bool {
	entry, ok := s.objects.Get(id)
	return ok && entry.State == Sealed
}

// Subscribe turns on the session's seal notification stream.
func (s *Store) Subscribe(sess *Session) {
	sess.subscribed = true
}

func (s *Store) addWaiter(sess *Session, id shmstore.ObjectID) {
	set, ok := s.waiters[id]
	if !ok {
		set = make(map[*Session]struct{})
		s.waiters[id] = set
	}
	set[sess] = struct{}{}
	sess.waiting[id] = struct{}{}
}

func (s *Store) removeWaiter(sess *Session, id shmstore.ObjectID) {
	delete(sess.waiting, id)
	if set, ok := s.waiters[id]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(s.waiters, id)
		}
	}
}

// ObjectCount returns the number of live entries.
func (s *Store) ObjectCount() int {
	return s.objects.Count()
}

// SessionCount returns the number of open sessions.
func (s *Store) SessionCount() int {
	return len(s.sessions)
}

// EvictableBytes returns the bytes reclaimable without touching a
// referenced object.
func (s *Store) EvictableBytes() int {
	return s.queue.bytes
}

// AddStatistics sums table-level numbers into stats.
func (s *Store) AddStatistics(stats *shmstore.Statistics) {
	stats.ObjectCount += s.objects.Count()
	stats.SealedCount += s.sealedCount
}

// Validate cross-checks the table against the arena: every entry's
// range must be live in the arena's bookkeeping, with no overlap and
// no leaked bytes. Expensive; test and debug use only.
func (s *Store) Validate() error {
	if err := s.arena.Validate(); err != nil {
		return err
	}

	live := make(map[int]int)
	err := s.arena.VisitRanges(func(offset, size int, free bool) error {
		if !free {
			live[offset] = size
		}
		return nil
	})
	if err != nil {
		return err
	}

	var tableBytes int
	var mismatch error
	s.objects.Iter(func(id shmstore.ObjectID, entry *Entry) bool {
		size, ok := live[entry.Alloc.Offset]
		if !ok || size != entry.Alloc.Size {
			mismatch = errors.Newf("entry %s claims range %d+%d which the arena does not consider live",
				id, entry.Alloc.Offset, entry.Alloc.Size)
			return true
		}
		if entry.RefCount < 0 {
			mismatch = errors.Newf("entry %s has negative reference count", id)
			return true
		}
		if entry.inQueue && !entry.evictable() {
			mismatch = errors.Newf("entry %s is queued for eviction but not eligible", id)
			return true
		}
		tableBytes += entry.Alloc.Size
		return false
	})
	if mismatch != nil {
		return mismatch
	}

	if len(live) != s.objects.Count() {
		return errors.Newf("arena tracks %d live ranges but the table has %d entries", len(live), s.objects.Count())
	}
	if tableBytes+s.arena.FreeBytes() != s.arena.Size() {
		return errors.Newf("table bytes (%d) plus free bytes (%d) do not cover the arena (%d)",
			tableBytes, s.arena.FreeBytes(), s.arena.Size())
	}

	return nil
}

// WriteJSON populates a JSON object with a store utilization snapshot,
// including the largest resident objects.
func (s *Store) WriteJSON(json jwriter.ObjectState) {
	json.Name("Objects").Int(s.objects.Count())
	json.Name("Sealed").Int(s.sealedCount)
	json.Name("Sessions").Int(len(s.sessions))
	json.Name("EvictableObjects").Int(s.queue.count)
	json.Name("EvictableBytes").Int(s.queue.bytes)

	arenaJSON := json.Name("Arena").Object()
	s.arena.WriteJSON(arenaJSON)
	arenaJSON.End()

	type objectSize struct {
		id   shmstore.ObjectID
		size int
	}
	sizes := make([]objectSize, 0, s.objects.Count())
	s.objects.Iter(func(id shmstore.ObjectID, entry *Entry) bool {
		sizes = append(sizes, objectSize{id: id, size: entry.Alloc.Size})
		return false
	})
	slices.SortFunc(sizes, func(a, b objectSize) bool {
		if a.size != b.size {
			return a.size > b.size
		}
		// Stable output for equal sizes.
		return bytes.Compare(a.id[:], b.id[:]) < 0
	})
	if len(sizes) > 8 {
		sizes = sizes[:8]
	}

	largest := json.Name("LargestObjects").Array()
	for _, os := range sizes {
		obj := largest.Object()
		obj.Name("ID").String(os.id.Hex())
		obj.Name("Bytes").Int(os.size)
		obj.End()
	}
	largest.End()
}
