package wire

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/shmstore/shmstore"
)

// ErrorCode is the wire form of the request-level error taxonomy.
type ErrorCode uint8

const (
	CodeOK ErrorCode = iota
	CodeObjectExists
	CodeObjectNotFound
	CodeObjectInUse
	CodeInvalidState
	CodeReleaseWithoutHold
	CodeOutOfMemory
)

// CodeFromError maps a request-level error to its wire code.
func CodeFromError(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, shmstore.ErrObjectExists):
		return CodeObjectExists
	case errors.Is(err, shmstore.ErrObjectNotFound):
		return CodeObjectNotFound
	case errors.Is(err, shmstore.ErrObjectInUse):
		return CodeObjectInUse
	case errors.Is(err, shmstore.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, shmstore.ErrReleaseWithoutHold):
		return CodeReleaseWithoutHold
	case errors.Is(err, shmstore.ErrOutOfMemory):
		return CodeOutOfMemory
	default:
		// Anything else would indicate a server logic bug; the closest
		// honest kind is the invalid-state bucket.
		return CodeInvalidState
	}
}

// Err returns the sentinel for a wire code, nil for CodeOK.
func (c ErrorCode) Err() error {
	switch c {
	case CodeOK:
		return nil
	case CodeObjectExists:
		return shmstore.ErrObjectExists
	case CodeObjectNotFound:
		return shmstore.ErrObjectNotFound
	case CodeObjectInUse:
		return shmstore.ErrObjectInUse
	case CodeInvalidState:
		return shmstore.ErrInvalidState
	case CodeReleaseWithoutHold:
		return shmstore.ErrReleaseWithoutHold
	case CodeOutOfMemory:
		return shmstore.ErrOutOfMemory
	default:
		return errors.Wrapf(shmstore.ErrTransport, "unknown error code %d", c)
	}
}

// ObjectRef locates one object inside the shared segment.
type ObjectRef struct {
	ID             shmstore.ObjectID
	DataOffset     uint64
	DataSize       uint64
	MetadataOffset uint64
	MetadataSize   uint64
}

const objectRefSize = shmstore.IDSize + 4*8

func appendObjectRef(dst []byte, ref ObjectRef) []byte {
	dst = append(dst, ref.ID[:]...)
	dst = binary.LittleEndian.AppendUint64(dst, ref.DataOffset)
	dst = binary.LittleEndian.AppendUint64(dst, ref.DataSize)
	dst = binary.LittleEndian.AppendUint64(dst, ref.MetadataOffset)
	return binary.LittleEndian.AppendUint64(dst, ref.MetadataSize)
}

func decodeObjectRef(b []byte) (ObjectRef, []byte, error) {
	if len(b) < objectRefSize {
		return ObjectRef{}, nil, errors.Wrap(shmstore.ErrTransport, "truncated object reference")
	}
	var ref ObjectRef
	copy(ref.ID[:], b[:shmstore.IDSize])
	b = b[shmstore.IDSize:]
	ref.DataOffset = binary.LittleEndian.Uint64(b[0:8])
	ref.DataSize = binary.LittleEndian.Uint64(b[8:16])
	ref.MetadataOffset = binary.LittleEndian.Uint64(b[16:24])
	ref.MetadataSize = binary.LittleEndian.Uint64(b[24:32])
	return ref, b[32:], nil
}

// CreateRequest asks the store to allocate a new object.
type CreateRequest struct {
	ID           shmstore.ObjectID
	DataSize     uint64
	MetadataSize uint64
}

func EncodeCreateRequest(req CreateRequest) []byte {
	dst := make([]byte, 0, shmstore.IDSize+16)
	dst = append(dst, req.ID[:]...)
	dst = binary.LittleEndian.AppendUint64(dst, req.DataSize)
	return binary.LittleEndian.AppendUint64(dst, req.MetadataSize)
}

func DecodeCreateRequest(b []byte) (CreateRequest, error) {
	if len(b) != shmstore.IDSize+16 {
		return CreateRequest{}, errors.Wrap(shmstore.ErrTransport, "malformed create request")
	}
	var req CreateRequest
	copy(req.ID[:], b[:shmstore.IDSize])
	req.DataSize = binary.LittleEndian.Uint64(b[shmstore.IDSize:])
	req.MetadataSize = binary.LittleEndian.Uint64(b[shmstore.IDSize+8:])
	return req, nil
}

// CreateReply grants the allocated ranges, or carries the error code.
type CreateReply struct {
	Code        ErrorCode
	Ref         ObjectRef
	SegmentSize uint64
}

func EncodeCreateReply(reply CreateReply) []byte {
	dst := make([]byte, 0, 1+objectRefSize+8)
	dst = append(dst, byte(reply.Code))
	dst = appendObjectRef(dst, reply.Ref)
	return binary.LittleEndian.AppendUint64(dst, reply.SegmentSize)
}

func DecodeCreateReply(b []byte) (CreateReply, error) {
	if len(b) != 1+objectRefSize+8 {
		return CreateReply{}, errors.Wrap(shmstore.ErrTransport, "malformed create reply")
	}
	reply := CreateReply{Code: ErrorCode(b[0])}
	var err error
	reply.Ref, b, err = decodeObjectRef(b[1:])
	if err != nil {
		return CreateReply{}, err
	}
	reply.SegmentSize = binary.LittleEndian.Uint64(b)
	return reply, nil
}

// IDRequest is the shared shape of Seal, Release, Delete, and Contains.
type IDRequest struct {
	ID shmstore.ObjectID
}

func EncodeIDRequest(req IDRequest) []byte {
	dst := make([]byte, shmstore.IDSize)
	copy(dst, req.ID[:])
	return dst
}

func DecodeIDRequest(b []byte) (IDRequest, error) {
	if len(b) != shmstore.IDSize {
		return IDRequest{}, errors.Wrap(shmstore.ErrTransport, "malformed object ID request")
	}
	var req IDRequest
	copy(req.ID[:], b)
	return req, nil
}

// StatusReply carries only an error code.
type StatusReply struct {
	Code ErrorCode
}

func EncodeStatusReply(reply StatusReply) []byte {
	return []byte{byte(reply.Code)}
}

func DecodeStatusReply(b []byte) (StatusReply, error) {
	if len(b) != 1 {
		return StatusReply{}, errors.Wrap(shmstore.ErrTransport, "malformed status reply")
	}
	return StatusReply{Code: ErrorCode(b[0])}, nil
}

// MaxGetBatch is the most IDs one Get request can carry; the count
// travels as a uint16.
const MaxGetBatch = math.MaxUint16

// GetRequest asks for references to a batch of objects. TimeoutNanos
// bounds how long the server may defer the reply waiting for seals:
// 0 means reply immediately, negative means wait indefinitely.
type GetRequest struct {
	TimeoutNanos int64
	IDs          []shmstore.ObjectID
}

func EncodeGetRequest(req GetRequest) []byte {
	dst := make([]byte, 0, 8+2+len(req.IDs)*shmstore.IDSize)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(req.TimeoutNanos))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(req.IDs)))
	for _, id := range req.IDs {
		dst = append(dst, id[:]...)
	}
	return dst
}

func DecodeGetRequest(b []byte) (GetRequest, error) {
	if len(b) < 10 {
		return GetRequest{}, errors.Wrap(shmstore.ErrTransport, "malformed get request")
	}
	req := GetRequest{TimeoutNanos: int64(binary.LittleEndian.Uint64(b[0:8]))}
	count := int(binary.LittleEndian.Uint16(b[8:10]))
	b = b[10:]
	if len(b) != count*shmstore.IDSize {
		return GetRequest{}, errors.Wrap(shmstore.ErrTransport, "malformed get request")
	}
	req.IDs = make([]shmstore.ObjectID, count)
	for i := range req.IDs {
		copy(req.IDs[i][:], b[i*shmstore.IDSize:])
	}
	return req, nil
}

// GetResult is one slot of a GetReply. Present is false when the
// object had not sealed before the request's deadline; that is the
// wire form of the Pending/Timeout outcome, not an error.
type GetResult struct {
	Present bool
	Ref     ObjectRef
}

// GetReply answers a GetRequest, slot i answering IDs[i].
type GetReply struct {
	SegmentSize uint64
	Results     []GetResult
}

func EncodeGetReply(reply GetReply) []byte {
	dst := make([]byte, 0, 8+2+len(reply.Results)*(1+objectRefSize))
	dst = binary.LittleEndian.AppendUint64(dst, reply.SegmentSize)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(reply.Results)))
	for _, res := range reply.Results {
		if res.Present {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
		dst = appendObjectRef(dst, res.Ref)
	}
	return dst
}

func DecodeGetReply(b []byte) (GetReply, error) {
	if len(b) < 10 {
		return GetReply{}, errors.Wrap(shmstore.ErrTransport, "malformed get reply")
	}
	reply := GetReply{SegmentSize: binary.LittleEndian.Uint64(b[0:8])}
	count := int(binary.LittleEndian.Uint16(b[8:10]))
	b = b[10:]
	if len(b) != count*(1+objectRefSize) {
		return GetReply{}, errors.Wrap(shmstore.ErrTransport, "malformed get reply")
	}
	reply.Results = make([]GetResult, count)
	for i := range reply.Results {
		reply.Results[i].Present = b[0] != 0
		var err error
		reply.Results[i].Ref, b, err = decodeObjectRef(b[1:])
		if err != nil {
			return GetReply{}, err
		}
	}
	return reply, nil
}

// ContainsReply reports sealed presence without taking a reference.
type ContainsReply struct {
	Present bool
}

func EncodeContainsReply(reply ContainsReply) []byte {
	if reply.Present {
		return []byte{1}
	}
	return []byte{0}
}

func DecodeContainsReply(b []byte) (ContainsReply, error) {
	if len(b) != 1 {
		return ContainsReply{}, errors.Wrap(shmstore.ErrTransport, "malformed contains reply")
	}
	return ContainsReply{Present: b[0] != 0}, nil
}

// SealNotice is streamed to subscribed clients for every seal.
type SealNotice struct {
	ID           shmstore.ObjectID
	DataSize     uint64
	MetadataSize uint64
}

func EncodeSealNotice(notice SealNotice) []byte {
	dst := make([]byte, 0, shmstore.IDSize+16)
	dst = append(dst, notice.ID[:]...)
	dst = binary.LittleEndian.AppendUint64(dst, notice.DataSize)
	return binary.LittleEndian.AppendUint64(dst, notice.MetadataSize)
}

func DecodeSealNotice(b []byte) (SealNotice, error) {
	if len(b) != shmstore.IDSize+16 {
		return SealNotice{}, errors.Wrap(shmstore.ErrTransport, "malformed seal notice")
	}
	var notice SealNotice
	copy(notice.ID[:], b[:shmstore.IDSize])
	notice.DataSize = binary.LittleEndian.Uint64(b[shmstore.IDSize:])
	notice.MetadataSize = binary.LittleEndian.Uint64(b[shmstore.IDSize+8:])
	return notice, nil
}

// StatsReply carries a JSON utilization snapshot.
type StatsReply struct {
	JSON []byte
}

func EncodeStatsReply(reply StatsReply) []byte {
	return reply.JSON
}

func DecodeStatsReply(b []byte) (StatsReply, error) {
	return StatsReply{JSON: b}, nil
}
