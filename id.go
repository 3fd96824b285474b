package shmstore

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/cockroachdb/errors"
)

// IDSize is the width in bytes of an ObjectID.
const IDSize = 20

// ObjectID identifies a single object in the store. IDs are opaque
// fixed-width byte strings; equality is byte-wise. Callers may supply
// their own IDs (content hashes, for example) or generate random ones
// with NewRandomID.
type ObjectID [IDSize]byte

// NewRandomID returns a cryptographically random ObjectID.
func NewRandomID() ObjectID {
	var id ObjectID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return id
}

// IDFromBytes builds an ObjectID from exactly IDSize bytes.
func IDFromBytes(b []byte) (ObjectID, error) {
	var id ObjectID
	if len(b) != IDSize {
		return id, errors.Newf("object ID must be %d bytes, got %d", IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IDFromHex parses the hex form produced by Hex.
func IDFromHex(s string) (ObjectID, error) {
	var id ObjectID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrap(err, "invalid object ID hex")
	}
	return IDFromBytes(b)
}

// Hex returns the lowercase hex encoding of the ID. This is the form
// used in logs and debug output.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ObjectID) String() string {
	return id.Hex()
}
