package store

import (
	"github.com/dolthub/swiss"

	"github.com/shmstore/shmstore"
)

// SealNotice describes a freshly sealed object, delivered to
// subscribed sessions and to sessions waiting on a Get.
type SealNotice struct {
	ID           shmstore.ObjectID
	DataSize     int
	MetadataSize int
}

// Session attributes references to the connection that holds them, so
// that teardown after a disconnect or crash can release exactly what
// the client held. A client may Get the same object several times;
// holds are counted per ID.
type Session struct {
	id uint64

	holds   *swiss.Map[shmstore.ObjectID, int]
	waiting map[shmstore.ObjectID]struct{}

	subscribed bool

	// granted delivers an object this session was waiting on once it
	// seals; the reference has already been taken on the session's
	// behalf. notice carries the subscription stream. Both are invoked
	// on the store's owner goroutine and must not block.
	granted func(*Entry)
	notice  func(SealNotice)
}

// ID returns the server-assigned session number, used in logs.
func (s *Session) ID() uint64 {
	return s.id
}

// HoldCount returns the session's hold count for one object.
func (s *Session) HoldCount(id shmstore.ObjectID) int {
	n, _ := s.holds.Get(id)
	return n
}

func (s *Session) addHold(id shmstore.ObjectID) {
	n, _ := s.holds.Get(id)
	s.holds.Put(id, n+1)
}

// dropHold decrements the session's hold count and reports whether a
// hold existed to drop.
func (s *Session) dropHold(id shmstore.ObjectID) bool {
	n, ok := s.holds.Get(id)
	if !ok || n <= 0 {
		return false
	}
	if n == 1 {
		s.holds.Delete(id)
	} else {
		s.holds.Put(id, n-1)
	}
	return true
}
