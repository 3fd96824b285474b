package store

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shmstore/shmstore"
	"github.com/shmstore/shmstore/arena"
)

func newTestStore(t *testing.T, size int) *Store {
	t.Helper()
	segment, err := arena.CreateSegment(t.TempDir(), "store-test", size)
	require.NoError(t, err)
	t.Cleanup(func() {
		segment.Close()
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, arena.New(logger, segment))
}

// testSession collects the deferred-Get and subscription callbacks so
// assertions can see exactly what a connection would have been told.
type testSession struct {
	*Session
	granted []*Entry
	notices []SealNotice
}

func newTestSession(s *Store) *testSession {
	ts := &testSession{}
	ts.Session = s.NewSession(
		func(entry *Entry) { ts.granted = append(ts.granted, entry) },
		func(notice SealNotice) { ts.notices = append(ts.notices, notice) },
	)
	return ts
}

func id(b byte) shmstore.ObjectID {
	var id shmstore.ObjectID
	id[0] = b
	return id
}

func TestCreateSealGetRelease(t *testing.T) {
	s := newTestStore(t, 1<<16)
	producer := newTestSession(s)
	consumer := newTestSession(s)

	entry, err := s.Create(producer.Session, id(1), 1000, 24)
	require.NoError(t, err)
	require.Equal(t, Created, entry.State)
	require.Equal(t, 1, entry.RefCount)
	require.Equal(t, 1, producer.HoldCount(id(1)))
	require.Equal(t, entry.Alloc.Offset, entry.Data.Offset)
	require.Equal(t, 1000, entry.Data.Size)
	require.Equal(t, entry.Data.Offset+1000, entry.Metadata.Offset)
	require.Equal(t, 24, entry.Metadata.Size)

	require.NoError(t, s.Seal(producer.Session, id(1)))
	require.Equal(t, Sealed, entry.State)
	require.Equal(t, 0, entry.RefCount)
	require.Equal(t, 0, producer.HoldCount(id(1)))

	got, ok := s.Get(consumer.Session, id(1))
	require.True(t, ok)
	require.Same(t, entry, got)
	require.Equal(t, 1, entry.RefCount)

	require.NoError(t, s.Release(consumer.Session, id(1)))
	require.Equal(t, 0, entry.RefCount)
	require.NoError(t, s.Validate())
}

func TestCreateDuplicateID(t *testing.T) {
	s := newTestStore(t, 1<<16)
	sess := newTestSession(s)

	_, err := s.Create(sess.Session, id(1), 100, 0)
	require.NoError(t, err)
	_, err = s.Create(sess.Session, id(1), 100, 0)
	require.ErrorIs(t, err, shmstore.ErrObjectExists)

	// Still taken after sealing.
	require.NoError(t, s.Seal(sess.Session, id(1)))
	_, err = s.Create(sess.Session, id(1), 100, 0)
	require.ErrorIs(t, err, shmstore.ErrObjectExists)
}

func TestCreateRejectsInvalidSizes(t *testing.T) {
	s := newTestStore(t, 1<<16)
	sess := newTestSession(s)

	_, err := s.Create(sess.Session, id(1), -1, 0)
	require.ErrorIs(t, err, shmstore.ErrInvalidState)
	_, err = s.Create(sess.Session, id(1), 0, 0)
	require.ErrorIs(t, err, shmstore.ErrInvalidState)

	// Metadata-only objects are fine.
	_, err = s.Create(sess.Session, id(1), 0, 32)
	require.NoError(t, err)
}

func TestSealRules(t *testing.T) {
	s := newTestStore(t, 1<<16)
	producer := newTestSession(s)
	other := newTestSession(s)

	require.ErrorIs(t, s.Seal(producer.Session, id(1)), shmstore.ErrObjectNotFound)

	_, err := s.Create(producer.Session, id(1), 100, 0)
	require.NoError(t, err)

	require.ErrorIs(t, s.Seal(other.Session, id(1)), shmstore.ErrInvalidState)
	require.NoError(t, s.Seal(producer.Session, id(1)))
	require.ErrorIs(t, s.Seal(producer.Session, id(1)), shmstore.ErrInvalidState)
}

func TestGetUnsealedWaitsForSeal(t *testing.T) {
	s := newTestStore(t, 1<<16)
	producer := newTestSession(s)
	consumer := newTestSession(s)

	// Get before the object exists at all.
	_, ok := s.Get(consumer.Session, id(1))
	require.False(t, ok)

	entry, err := s.Create(producer.Session, id(1), 100, 0)
	require.NoError(t, err)

	// Get between create and seal also waits.
	other := newTestSession(s)
	_, ok = s.Get(other.Session, id(1))
	require.False(t, ok)
	require.Empty(t, consumer.granted)

	require.NoError(t, s.Seal(producer.Session, id(1)))

	require.Equal(t, []*Entry{entry}, consumer.granted)
	require.Equal(t, []*Entry{entry}, other.granted)
	require.Equal(t, 2, entry.RefCount)
	require.Equal(t, 1, consumer.HoldCount(id(1)))

	require.NoError(t, s.Release(consumer.Session, id(1)))
	require.NoError(t, s.Release(other.Session, id(1)))
	require.NoError(t, s.Validate())
}

func TestCancelWait(t *testing.T) {
	s := newTestStore(t, 1<<16)
	producer := newTestSession(s)
	consumer := newTestSession(s)

	_, ok := s.Get(consumer.Session, id(1))
	require.False(t, ok)

	s.CancelWait(consumer.Session, []shmstore.ObjectID{id(1)})

	_, err := s.Create(producer.Session, id(1), 100, 0)
	require.NoError(t, err)
	require.NoError(t, s.Seal(producer.Session, id(1)))

	// The withdrawn waiter gets nothing and holds nothing.
	require.Empty(t, consumer.granted)
	require.Equal(t, 0, consumer.HoldCount(id(1)))
}

func TestReleaseWithoutHold(t *testing.T) {
	s := newTestStore(t, 1<<16)
	producer := newTestSession(s)
	other := newTestSession(s)

	_, err := s.Create(producer.Session, id(1), 100, 0)
	require.NoError(t, err)
	require.NoError(t, s.Seal(producer.Session, id(1)))

	require.ErrorIs(t, s.Release(other.Session, id(1)), shmstore.ErrReleaseWithoutHold)

	_, ok := s.Get(other.Session, id(1))
	require.True(t, ok)
	require.NoError(t, s.Release(other.Session, id(1)))
	require.ErrorIs(t, s.Release(other.Session, id(1)), shmstore.ErrReleaseWithoutHold)
}

func TestReleaseOfCreatedObjectDestroysIt(t *testing.T) {
	s := newTestStore(t, 1<<16)
	sess := newTestSession(s)

	_, err := s.Create(sess.Session, id(1), 100, 0)
	require.NoError(t, err)
	free := s.Arena().FreeBytes()

	// Dropping the implicit creator hold abandons the object; it can
	// never seal, so its space comes back immediately.
	require.NoError(t, s.Release(sess.Session, id(1)))
	require.Equal(t, 0, s.ObjectCount())
	require.Greater(t, s.Arena().FreeBytes(), free)
	require.NoError(t, s.Validate())
}

func TestDeleteRules(t *testing.T) {
	s := newTestStore(t, 1<<16)
	producer := newTestSession(s)
	consumer := newTestSession(s)

	require.ErrorIs(t, s.Delete(id(1)), shmstore.ErrObjectNotFound)

	_, err := s.Create(producer.Session, id(1), 100, 0)
	require.NoError(t, err)
	// The creator's implicit hold counts.
	require.ErrorIs(t, s.Delete(id(1)), shmstore.ErrObjectInUse)

	require.NoError(t, s.Seal(producer.Session, id(1)))
	_, ok := s.Get(consumer.Session, id(1))
	require.True(t, ok)
	require.ErrorIs(t, s.Delete(id(1)), shmstore.ErrObjectInUse)

	require.NoError(t, s.Release(consumer.Session, id(1)))
	require.NoError(t, s.Delete(id(1)))
	require.Equal(t, 0, s.ObjectCount())
	require.NoError(t, s.Validate())
}

func TestContains(t *testing.T) {
	s := newTestStore(t, 1<<16)
	sess := newTestSession(s)

	require.False(t, s.Contains(id(1)))
	_, err := s.Create(sess.Session, id(1), 100, 0)
	require.NoError(t, err)
	require.False(t, s.Contains(id(1)))
	require.NoError(t, s.Seal(sess.Session, id(1)))
	require.True(t, s.Contains(id(1)))
}

func TestEvictionOldestFirst(t *testing.T) {
	s := newTestStore(t, 1<<12)
	sess := newTestSession(s)

	// Four sealed, unreferenced objects fill the arena.
	for i := byte(1); i <= 4; i++ {
		_, err := s.Create(sess.Session, id(i), 1<<10, 0)
		require.NoError(t, err)
		require.NoError(t, s.Seal(sess.Session, id(i)))
	}

	// One object's worth of shortfall evicts only the oldest.
	_, err := s.Create(sess.Session, id(5), 1<<10, 0)
	require.NoError(t, err)
	require.False(t, s.Contains(id(1)))
	require.True(t, s.Contains(id(2)))
	require.True(t, s.Contains(id(3)))
	require.True(t, s.Contains(id(4)))
	require.NoError(t, s.Validate())
}

func TestEvictionSkipsReferencedObjects(t *testing.T) {
	s := newTestStore(t, 1<<12)
	producer := newTestSession(s)
	consumer := newTestSession(s)

	for i := byte(1); i <= 4; i++ {
		_, err := s.Create(producer.Session, id(i), 800, 0)
		require.NoError(t, err)
		require.NoError(t, s.Seal(producer.Session, id(i)))
	}
	_, ok := s.Get(consumer.Session, id(1))
	require.True(t, ok)

	// Needs two evictions; the held oldest object must survive them.
	_, err := s.Create(producer.Session, id(5), 1600, 0)
	require.NoError(t, err)
	require.True(t, s.Contains(id(1)))
	require.False(t, s.Contains(id(2)))
	require.False(t, s.Contains(id(3)))
	require.NoError(t, s.Validate())
}

func TestEvictionExhaustedIsOutOfMemory(t *testing.T) {
	s := newTestStore(t, 1<<12)
	sess := newTestSession(s)

	_, err := s.Create(sess.Session, id(1), 1<<11, 0)
	require.NoError(t, err)
	require.NoError(t, s.Seal(sess.Session, id(1)))
	_, ok := s.Get(sess.Session, id(1))
	require.True(t, ok)

	// Everything resident is referenced; nothing can be evicted.
	_, err = s.Create(sess.Session, id(2), 1<<12, 0)
	require.ErrorIs(t, err, shmstore.ErrOutOfMemory)
	require.True(t, s.Contains(id(1)))
}

func TestGetRemovesFromEvictionQueue(t *testing.T) {
	s := newTestStore(t, 1<<12)
	sess := newTestSession(s)

	_, err := s.Create(sess.Session, id(1), 1<<10, 0)
	require.NoError(t, err)
	require.NoError(t, s.Seal(sess.Session, id(1)))
	require.Greater(t, s.EvictableBytes(), 0)

	_, ok := s.Get(sess.Session, id(1))
	require.True(t, ok)
	require.Equal(t, 0, s.EvictableBytes())

	require.NoError(t, s.Release(sess.Session, id(1)))
	require.Greater(t, s.EvictableBytes(), 0)
}

func TestCloseSessionReleasesEverything(t *testing.T) {
	s := newTestStore(t, 1<<16)
	producer := newTestSession(s)
	consumer := newTestSession(s)

	// One sealed object held twice, one unsealed in progress.
	_, err := s.Create(producer.Session, id(1), 100, 0)
	require.NoError(t, err)
	require.NoError(t, s.Seal(producer.Session, id(1)))
	_, ok := s.Get(consumer.Session, id(1))
	require.True(t, ok)
	_, ok = s.Get(consumer.Session, id(1))
	require.True(t, ok)

	unsealed, err := s.Create(consumer.Session, id(2), 100, 0)
	require.NoError(t, err)

	s.CloseSession(consumer.Session)
	require.Equal(t, 1, s.SessionCount())

	// The hold table is emptied, not just decremented, so nothing can
	// be double-released through the dead session.
	require.Equal(t, 0, consumer.HoldCount(id(1)))
	require.Equal(t, 0, consumer.HoldCount(id(2)))

	// The sealed object survives unreferenced; the in-progress one is
	// destroyed with its creator.
	sealed, ok := s.Get(producer.Session, id(1))
	require.True(t, ok)
	require.Equal(t, 1, sealed.RefCount)
	require.False(t, s.objects.Has(unsealed.ID))
	require.NoError(t, s.Validate())
}

func TestCloseSessionDropsWaits(t *testing.T) {
	s := newTestStore(t, 1<<16)
	producer := newTestSession(s)
	consumer := newTestSession(s)

	_, ok := s.Get(consumer.Session, id(1))
	require.False(t, ok)
	s.CloseSession(consumer.Session)

	_, err := s.Create(producer.Session, id(1), 100, 0)
	require.NoError(t, err)
	require.NoError(t, s.Seal(producer.Session, id(1)))
	require.Empty(t, consumer.granted)
}

func TestSubscribe(t *testing.T) {
	s := newTestStore(t, 1<<16)
	producer := newTestSession(s)
	subscriber := newTestSession(s)

	s.Subscribe(subscriber.Session)

	_, err := s.Create(producer.Session, id(1), 100, 24)
	require.NoError(t, err)
	require.Empty(t, subscriber.notices)

	require.NoError(t, s.Seal(producer.Session, id(1)))
	require.Equal(t, []SealNotice{{ID: id(1), DataSize: 100, MetadataSize: 24}}, subscriber.notices)

	// The producer never subscribed and hears nothing.
	require.Empty(t, producer.notices)
}

func TestStatistics(t *testing.T) {
	s := newTestStore(t, 1<<16)
	sess := newTestSession(s)

	_, err := s.Create(sess.Session, id(1), 100, 0)
	require.NoError(t, err)
	_, err = s.Create(sess.Session, id(2), 100, 0)
	require.NoError(t, err)
	require.NoError(t, s.Seal(sess.Session, id(1)))

	var stats shmstore.Statistics
	s.AddStatistics(&stats)
	require.Equal(t, 2, stats.ObjectCount)
	require.Equal(t, 1, stats.SealedCount)
}
