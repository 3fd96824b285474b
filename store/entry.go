package store

import (
	"time"

	"github.com/shmstore/shmstore"
	"github.com/shmstore/shmstore/arena"
)

// State is the lifecycle state of an object. There is no deleted
// state: deletion removes the entry from the table.
type State uint8

const (
	// Created objects are being written by their creator and are not
	// yet visible to Get.
	Created State = iota
	// Sealed objects are immutable and readable by every client.
	Sealed
)

var stateNames = map[State]string{
	Created: "created",
	Sealed:  "sealed",
}

func (s State) String() string {
	return stateNames[s]
}

// Entry is the table's record for one live object.
type Entry struct {
	ID shmstore.ObjectID

	// Alloc is the single granted arena range backing the object; Data
	// and Metadata are views into it. Metadata is write-once at
	// creation, data is mutable until sealed.
	Alloc    arena.Range
	Data     arena.Range
	Metadata arena.Range

	State    State
	RefCount int

	// Diagnostics only.
	CreateTime        time.Time
	ConstructDuration time.Duration

	// creator holds the implicit reference until Seal.
	creator *Session

	// Eviction queue linkage; meaningful only while inQueue.
	queuePrev *Entry
	queueNext *Entry
	inQueue   bool
}

// evictable reports whether the entry satisfies the eviction
// invariant: sealed and unreferenced.
func (e *Entry) evictable() bool {
	return e.State == Sealed && e.RefCount == 0
}
