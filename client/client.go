// Package client is the in-process library side of the store protocol.
// Object payloads are never copied over the socket: the client maps the
// store's shared segment once the descriptor arrives and hands out
// byte slices that alias it directly.
package client

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shmstore/shmstore"
	"github.com/shmstore/shmstore/arena"
	"github.com/shmstore/shmstore/wire"
)

// Buffer is a read-only view of one sealed object. The slices alias
// shared memory owned by the store; they stay valid until the holding
// client releases the object.
type Buffer struct {
	ID       shmstore.ObjectID
	Data     []byte
	Metadata []byte
}

// MutableBuffer is the writable view of an object this client created
// and has not yet sealed.
type MutableBuffer struct {
	ID       shmstore.ObjectID
	Data     []byte
	Metadata []byte

	c *Client
}

// Seal publishes the buffer's object; the slices must not be written
// afterwards.
func (b *MutableBuffer) Seal() error {
	return b.c.Seal(b.ID)
}

// Abort abandons the unsealed object, releasing its space.
func (b *MutableBuffer) Abort() error {
	return b.c.Release(b.ID)
}

// SealNotice announces one sealed object on the subscription stream.
type SealNotice struct {
	ID           shmstore.ObjectID
	DataSize     int
	MetadataSize int
}

type reply struct {
	hdr     wire.Header
	payload []byte
}

// Client is one connection to a store. Safe for concurrent use; calls
// from different goroutines are multiplexed by sequence number.
type Client struct {
	logger *slog.Logger
	conn   *net.UnixConn

	// writeMu serializes request frames on the socket.
	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint32
	pending map[uint32]chan reply
	err     error
	closed  bool

	segFD int
	seg   *arena.Segment
	// retired keeps superseded mappings alive: buffers handed out
	// before the segment grew still point into them.
	retired []*arena.Segment

	notices chan SealNotice
}

// Connect dials the store's socket. The segment is mapped lazily, when
// the first reply referencing it hands over the descriptor.
func Connect(logger *slog.Logger, socketPath string) (*Client, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(shmstore.ErrTransport, "failed to dial %s: %v", socketPath, err)
	}

	c := &Client{
		logger:  logger,
		conn:    conn,
		pending: make(map[uint32]chan reply),
		segFD:   -1,
		notices: make(chan SealNotice, 256),
	}
	go c.readLoop()
	return c, nil
}

// Disconnect closes the connection. The store releases every hold this
// client still had; all buffers obtained through it become invalid.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	seg, retired := c.seg, c.retired
	c.seg, c.retired = nil, nil
	c.mu.Unlock()

	err := c.conn.Close()
	for _, s := range retired {
		s.Close()
	}
	if seg != nil {
		if closeErr := seg.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// readLoop demultiplexes replies to their waiting callers and feeds
// the notice stream. The descriptor marker is consumed here, directly
// behind the reply that flags it, before any further read can touch
// the stream.
func (c *Client) readLoop() {
	for {
		hdr, payload, err := wire.ReadMessage(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		if hdr.Flags&wire.FlagSegment != 0 {
			fd, err := wire.RecvSegmentFD(c.conn)
			if err != nil {
				c.fail(err)
				return
			}
			c.mu.Lock()
			c.segFD = fd
			c.mu.Unlock()
		}

		if hdr.Type == wire.TypeSealNotice {
			notice, err := wire.DecodeSealNotice(payload)
			if err != nil {
				c.fail(err)
				return
			}
			select {
			case c.notices <- SealNotice{
				ID:           notice.ID,
				DataSize:     int(notice.DataSize),
				MetadataSize: int(notice.MetadataSize),
			}:
			default:
				c.logger.Warn("seal notice dropped, subscriber not keeping up",
					slog.String("object", notice.ID.Hex()))
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[hdr.Seq]
		delete(c.pending, hdr.Seq)
		c.mu.Unlock()
		if !ok {
			c.fail(errors.Wrapf(shmstore.ErrTransport, "reply for unknown sequence %d", hdr.Seq))
			return
		}
		ch <- reply{hdr: hdr, payload: payload}
	}
}

// fail poisons the client after a transport error: every in-flight and
// future call returns ErrDisconnected.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if c.closed {
		c.err = shmstore.ErrDisconnected
	} else {
		c.err = errors.Wrapf(shmstore.ErrDisconnected, "connection lost: %v", err)
		c.logger.Warn("store connection lost", slog.Any("error", err))
	}
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	close(c.notices)
}

func (c *Client) roundTrip(typ wire.MessageType, want wire.MessageType, payload []byte) (wire.Header, []byte, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return wire.Header{}, nil, err
	}
	c.seq++
	seq := c.seq
	ch := make(chan reply, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := wire.WriteMessage(c.conn, seq, typ, 0, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return wire.Header{}, nil, errors.Wrapf(shmstore.ErrDisconnected, "request write failed: %v", err)
	}

	r, ok := <-ch
	if !ok {
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return wire.Header{}, nil, err
	}
	if r.hdr.Type != want {
		return wire.Header{}, nil, errors.Wrapf(shmstore.ErrTransport,
			"expected reply type 0x%02x, got 0x%02x", uint8(want), uint8(r.hdr.Type))
	}
	return r.hdr, r.payload, nil
}

// ensureMapped makes sure the segment is mapped at least size bytes
// large, remapping after the store grew it. Old mappings are retired,
// not unmapped, because outstanding buffers still point into them.
func (c *Client) ensureMapped(size uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seg != nil && uint64(c.seg.Size()) >= size {
		return nil
	}
	if c.segFD < 0 {
		return errors.Wrap(shmstore.ErrTransport, "segment referenced before its descriptor arrived")
	}

	seg, err := arena.MapSegment(c.segFD, int(size))
	if err != nil {
		return err
	}
	if c.seg != nil {
		c.retired = append(c.retired, c.seg)
	}
	c.seg = seg
	return nil
}

func (c *Client) view(offset, size uint64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seg.Bytes()[offset : offset+size : offset+size]
}

func refBuffers(c *Client, ref wire.ObjectRef) (data, metadata []byte) {
	return c.view(ref.DataOffset, ref.DataSize), c.view(ref.MetadataOffset, ref.MetadataSize)
}

// Create allocates a new object in the store and returns a writable
// view of it. The client implicitly holds the object until Seal or
// Abort.
func (c *Client) Create(id shmstore.ObjectID, dataSize, metadataSize int) (*MutableBuffer, error) {
	payload := wire.EncodeCreateRequest(wire.CreateRequest{
		ID:           id,
		DataSize:     uint64(dataSize),
		MetadataSize: uint64(metadataSize),
	})
	_, body, err := c.roundTrip(wire.TypeCreate, wire.TypeCreateReply, payload)
	if err != nil {
		return nil, err
	}
	reply, err := wire.DecodeCreateReply(body)
	if err != nil {
		return nil, err
	}
	if err := reply.Code.Err(); err != nil {
		return nil, err
	}
	if err := c.ensureMapped(reply.SegmentSize); err != nil {
		return nil, err
	}

	data, metadata := refBuffers(c, reply.Ref)
	return &MutableBuffer{ID: id, Data: data, Metadata: metadata, c: c}, nil
}

// Seal publishes a created object.
func (c *Client) Seal(id shmstore.ObjectID) error {
	return c.statusCall(wire.TypeSeal, id)
}

// Release drops one hold on an object.
func (c *Client) Release(id shmstore.ObjectID) error {
	return c.statusCall(wire.TypeRelease, id)
}

// Delete removes an unreferenced object from the store.
func (c *Client) Delete(id shmstore.ObjectID) error {
	return c.statusCall(wire.TypeDelete, id)
}

func (c *Client) statusCall(typ wire.MessageType, id shmstore.ObjectID) error {
	_, body, err := c.roundTrip(typ, wire.TypeStatusReply, wire.EncodeIDRequest(wire.IDRequest{ID: id}))
	if err != nil {
		return err
	}
	reply, err := wire.DecodeStatusReply(body)
	if err != nil {
		return err
	}
	return reply.Code.Err()
}

// Get takes references to a batch of sealed objects, waiting up to
// timeout for missing ones to seal. timeout 0 answers immediately and
// a negative timeout waits indefinitely. The result is parallel to
// ids; a nil slot means the object had not sealed before the deadline.
// Every non-nil buffer is one hold the caller must Release.
func (c *Client) Get(ids []shmstore.ObjectID, timeout time.Duration) ([]*Buffer, error) {
	if len(ids) > wire.MaxGetBatch {
		return nil, errors.Wrapf(shmstore.ErrTransport,
			"get batch of %d objects exceeds the limit of %d", len(ids), wire.MaxGetBatch)
	}
	req := wire.GetRequest{TimeoutNanos: timeout.Nanoseconds(), IDs: ids}
	if timeout < 0 {
		req.TimeoutNanos = -1
	}
	_, body, err := c.roundTrip(wire.TypeGet, wire.TypeGetReply, wire.EncodeGetRequest(req))
	if err != nil {
		return nil, err
	}
	reply, err := wire.DecodeGetReply(body)
	if err != nil {
		return nil, err
	}
	if len(reply.Results) != len(ids) {
		return nil, errors.Wrapf(shmstore.ErrTransport,
			"asked for %d objects, reply has %d slots", len(ids), len(reply.Results))
	}

	buffers := make([]*Buffer, len(ids))
	for i, res := range reply.Results {
		if !res.Present {
			continue
		}
		if err := c.ensureMapped(reply.SegmentSize); err != nil {
			return nil, err
		}
		data, metadata := refBuffers(c, res.Ref)
		buffers[i] = &Buffer{ID: res.Ref.ID, Data: data, Metadata: metadata}
	}
	return buffers, nil
}

// GetOne fetches a single object, returning (nil, nil) on timeout.
func (c *Client) GetOne(id shmstore.ObjectID, timeout time.Duration) (*Buffer, error) {
	buffers, err := c.Get([]shmstore.ObjectID{id}, timeout)
	if err != nil {
		return nil, err
	}
	return buffers[0], nil
}

// Contains reports whether the object is present and sealed, without
// taking a hold.
func (c *Client) Contains(id shmstore.ObjectID) (bool, error) {
	_, body, err := c.roundTrip(wire.TypeContains, wire.TypeContainsReply, wire.EncodeIDRequest(wire.IDRequest{ID: id}))
	if err != nil {
		return false, err
	}
	reply, err := wire.DecodeContainsReply(body)
	if err != nil {
		return false, err
	}
	return reply.Present, nil
}

// Subscribe turns on the seal notification stream and returns the
// channel it arrives on. The channel closes when the connection does.
func (c *Client) Subscribe() (<-chan SealNotice, error) {
	_, body, err := c.roundTrip(wire.TypeSubscribe, wire.TypeStatusReply, nil)
	if err != nil {
		return nil, err
	}
	reply, err := wire.DecodeStatusReply(body)
	if err != nil {
		return nil, err
	}
	if err := reply.Code.Err(); err != nil {
		return nil, err
	}
	return c.notices, nil
}

// Stats fetches the store's utilization snapshot as JSON.
func (c *Client) Stats() ([]byte, error) {
	_, body, err := c.roundTrip(wire.TypeStats, wire.TypeStatsReply, nil)
	if err != nil {
		return nil, err
	}
	reply, err := wire.DecodeStatsReply(body)
	if err != nil {
		return nil, err
	}
	return reply.JSON, nil
}
