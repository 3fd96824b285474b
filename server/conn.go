package server

import (
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shmstore/shmstore"
	"github.com/shmstore/shmstore/store"
	"github.com/shmstore/shmstore/wire"
)

// outMessage is one framed reply, optionally followed by the segment
// descriptor marker.
type outMessage struct {
	buf    []byte
	sendFD bool
}

// connection pairs one accepted socket with its session. All fields
// other than the channels are owned by the owner goroutine.
type connection struct {
	srv  *Server
	uc   *net.UnixConn
	sess *store.Session

	out     chan outMessage
	dropped bool

	// segmentSent records the one-time descriptor handoff; the first
	// reply that references segment offsets carries it.
	segmentSent bool

	// pending holds Get requests whose reply is deferred until the
	// missing objects seal or the deadline fires, keyed by sequence.
	pending map[uint32]*pendingGet
}

// pendingGet tracks one deferred Get. entries is parallel to ids; nil
// slots are still waiting.
type pendingGet struct {
	seq     uint32
	ids     []shmstore.ObjectID
	entries []*store.Entry
	missing int
	timer   *time.Timer
	done    bool
}

func (s *Server) addConn(uc *net.UnixConn) {
	c := &connection{
		srv:     s,
		uc:      uc,
		out:     make(chan outMessage, s.opts.WriteQueueLength),
		pending: make(map[uint32]*pendingGet),
	}
	c.sess = s.store.NewSession(c.objectGranted, c.sealNotice)
	s.conns[c] = struct{}{}

	s.logger.Debug("connection accepted", slog.Uint64("session", c.sess.ID()))

	go c.readLoop()
	go c.writeLoop()
}

// dropConn tears down one connection and its session. Idempotent;
// every goroutine that notices a transport error funnels here.
func (s *Server) dropConn(c *connection, err error) {
	if c.dropped {
		return
	}
	c.dropped = true

	if err != nil {
		s.logger.Warn("connection dropped",
			slog.Uint64("session", c.sess.ID()),
			slog.Any("error", err))
	} else {
		s.logger.Debug("connection closed", slog.Uint64("session", c.sess.ID()))
	}

	for _, pg := range c.pending {
		pg.done = true
		if pg.timer != nil {
			pg.timer.Stop()
		}
	}
	c.pending = nil

	delete(s.conns, c)
	s.store.CloseSession(c.sess)

	// Closing out stops the writer; closing the socket unblocks the
	// reader.
	close(c.out)
	c.uc.Close()
}

// readLoop decodes frames off the socket and posts them to the owner
// goroutine. Runs until the peer disconnects or the stream breaks.
func (c *connection) readLoop() {
	for {
		hdr, payload, err := wire.ReadMessage(c.uc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.srv.post(func() {
				c.srv.dropConn(c, err)
			})
			return
		}
		c.srv.post(func() {
			if !c.dropped {
				c.srv.handle(c, hdr, payload)
			}
		})
	}
}

// writeLoop flushes queued replies, sending the descriptor marker
// right behind the reply that announced it.
func (c *connection) writeLoop() {
	fail := func(err error) {
		c.srv.post(func() {
			c.srv.dropConn(c, err)
		})
		// Drain so the owner goroutine never blocks on out.
		for range c.out {
		}
	}

	for msg := range c.out {
		if _, err := c.uc.Write(msg.buf); err != nil {
			fail(errors.Wrapf(shmstore.ErrTransport, "reply write failed: %v", err))
			return
		}
		if msg.sendFD {
			if err := wire.SendSegmentFD(c.uc, c.srv.arena.Segment().Fd()); err != nil {
				fail(err)
				return
			}
		}
	}
}

// send enqueues one reply. withSegment marks replies that carry
// segment offsets; the first such reply on a connection also hands
// over the descriptor. A full queue means the client stopped reading
// and the connection is torn down instead of blocking the store.
func (c *connection) send(seq uint32, typ wire.MessageType, payload []byte, withSegment bool) {
	if c.dropped {
		return
	}
	flags := uint8(0)
	sendFD := false
	if withSegment && !c.segmentSent {
		flags |= wire.FlagSegment
		c.segmentSent = true
		sendFD = true
	}

	msg := outMessage{
		buf:    wire.AppendMessage(make([]byte, 0, wire.HeaderSize+len(payload)), seq, typ, flags, payload),
		sendFD: sendFD,
	}
	select {
	case c.out <- msg:
	default:
		c.srv.dropConn(c, errors.Wrapf(shmstore.ErrTransport,
			"session %d stopped reading with %d replies queued", c.sess.ID(), len(c.out)))
	}
}

func (s *Server) handle(c *connection, hdr wire.Header, payload []byte) {
	switch hdr.Type {
	case wire.TypeCreate:
		s.handleCreate(c, hdr.Seq, payload)
	case wire.TypeSeal:
		s.handleSeal(c, hdr.Seq, payload)
	case wire.TypeGet:
		s.handleGet(c, hdr.Seq, payload)
	case wire.TypeRelease:
		s.handleRelease(c, hdr.Seq, payload)
	case wire.TypeDelete:
		s.handleDelete(c, hdr.Seq, payload)
	case wire.TypeContains:
		s.handleContains(c, hdr.Seq, payload)
	case wire.TypeSubscribe:
		s.store.Subscribe(c.sess)
		c.send(hdr.Seq, wire.TypeStatusReply, wire.EncodeStatusReply(wire.StatusReply{Code: wire.CodeOK}), false)
	case wire.TypeStats:
		c.send(hdr.Seq, wire.TypeStatsReply, wire.EncodeStatsReply(wire.StatsReply{JSON: s.statsJSON()}), false)
	default:
		s.dropConn(c, errors.Wrapf(shmstore.ErrTransport, "unexpected message type 0x%02x", uint8(hdr.Type)))
	}
}

func entryRef(entry *store.Entry) wire.ObjectRef {
	return wire.ObjectRef{
		ID:             entry.ID,
		DataOffset:     uint64(entry.Data.Offset),
		DataSize:       uint64(entry.Data.Size),
		MetadataOffset: uint64(entry.Metadata.Offset),
		MetadataSize:   uint64(entry.Metadata.Size),
	}
}

func (s *Server) handleCreate(c *connection, seq uint32, payload []byte) {
	req, err := wire.DecodeCreateRequest(payload)
	if err != nil {
		s.dropConn(c, err)
		return
	}

	entry, err := s.store.Create(c.sess, req.ID, int(req.DataSize), int(req.MetadataSize))
	reply := wire.CreateReply{
		Code:        wire.CodeFromError(err),
		SegmentSize: uint64(s.arena.Size()),
	}
	if err == nil {
		reply.Ref = entryRef(entry)
	}
	c.send(seq, wire.TypeCreateReply, wire.EncodeCreateReply(reply), err == nil)
}

func (s *Server) handleSeal(c *connection, seq uint32, payload []byte) {
	req, err := wire.DecodeIDRequest(payload)
	if err != nil {
		s.dropConn(c, err)
		return
	}
	code := wire.CodeFromError(s.store.Seal(c.sess, req.ID))
	c.send(seq, wire.TypeStatusReply, wire.EncodeStatusReply(wire.StatusReply{Code: code}), false)
}

func (s *Server) handleRelease(c *connection, seq uint32, payload []byte) {
	req, err := wire.DecodeIDRequest(payload)
	if err != nil {
		s.dropConn(c, err)
		return
	}
	code := wire.CodeFromError(s.store.Release(c.sess, req.ID))
	c.send(seq, wire.TypeStatusReply, wire.EncodeStatusReply(wire.StatusReply{Code: code}), false)
}

func (s *Server) handleDelete(c *connection, seq uint32, payload []byte) {
	req, err := wire.DecodeIDRequest(payload)
	if err != nil {
		s.dropConn(c, err)
		return
	}
	code := wire.CodeFromError(s.store.Delete(req.ID))
	c.send(seq, wire.TypeStatusReply, wire.EncodeStatusReply(wire.StatusReply{Code: code}), false)
}

func (s *Server) handleContains(c *connection, seq uint32, payload []byte) {
	req, err := wire.DecodeIDRequest(payload)
	if err != nil {
		s.dropConn(c, err)
		return
	}
	reply := wire.ContainsReply{Present: s.store.Contains(req.ID)}
	c.send(seq, wire.TypeContainsReply, wire.EncodeContainsReply(reply), false)
}

func (s *Server) handleGet(c *connection, seq uint32, payload []byte) {
	req, err := wire.DecodeGetRequest(payload)
	if err != nil {
		s.dropConn(c, err)
		return
	}

	pg := &pendingGet{
		seq:     seq,
		ids:     req.IDs,
		entries: make([]*store.Entry, len(req.IDs)),
	}
	for i, id := range req.IDs {
		// A duplicate ID whose earlier slot is already waiting must not
		// re-register; objectGranted fills every matching slot.
		if pg.missing > 0 && waitingEarlier(pg, i, id) {
			pg.missing++
			continue
		}
		if entry, ok := s.store.Get(c.sess, id); ok {
			pg.entries[i] = entry
		} else {
			pg.missing++
		}
	}

	if pg.missing == 0 || req.TimeoutNanos == 0 {
		s.finishGet(c, pg)
		return
	}

	c.pending[seq] = pg
	if req.TimeoutNanos > 0 {
		pg.timer = time.AfterFunc(time.Duration(req.TimeoutNanos), func() {
			s.post(func() {
				if !c.dropped && !pg.done {
					s.finishGet(c, pg)
				}
			})
		})
	}
}

// waitStillNeeded reports whether any pending Get on this connection
// still has an unfilled slot for the ID. finishGet removes its own
// request from c.pending before asking.
func (c *connection) waitStillNeeded(id shmstore.ObjectID) bool {
	for _, pg := range c.pending {
		for i := range pg.ids {
			if pg.ids[i] == id && pg.entries[i] == nil {
				return true
			}
		}
	}
	return false
}

func waitingEarlier(pg *pendingGet, i int, id shmstore.ObjectID) bool {
	for j := 0; j < i; j++ {
		if pg.ids[j] == id && pg.entries[j] == nil {
			return true
		}
	}
	return false
}

// finishGet replies to a Get with whatever sealed by now and withdraws
// the remaining waits so no reference leaks past the deadline.
func (s *Server) finishGet(c *connection, pg *pendingGet) {
	pg.done = true
	if pg.timer != nil {
		pg.timer.Stop()
	}
	delete(c.pending, pg.seq)

	reply := wire.GetReply{
		SegmentSize: uint64(s.arena.Size()),
		Results:     make([]wire.GetResult, len(pg.ids)),
	}
	var cancel []shmstore.ObjectID
	anyPresent := false
	for i, entry := range pg.entries {
		if entry == nil {
			// Waiter registration is per-session: keep the wait alive if
			// another pending Get on this connection still needs the ID.
			if !c.waitStillNeeded(pg.ids[i]) {
				cancel = append(cancel, pg.ids[i])
			}
			continue
		}
		reply.Results[i] = wire.GetResult{Present: true, Ref: entryRef(entry)}
		anyPresent = true
	}
	if len(cancel) > 0 {
		s.store.CancelWait(c.sess, cancel)
	}

	c.send(pg.seq, wire.TypeGetReply, wire.EncodeGetReply(reply), anyPresent)
}

// objectGranted runs at seal time for objects this session was waiting
// on. The store already took one reference; additional slots waiting on
// the same ID take their own now that the object is sealed.
func (c *connection) objectGranted(entry *store.Entry) {
	granted := false
	for _, pg := range c.pending {
		for i := range pg.ids {
			if pg.entries[i] != nil || pg.ids[i] != entry.ID {
				continue
			}
			if granted {
				extra, ok := c.srv.store.Get(c.sess, entry.ID)
				if !ok {
					panic(errors.Newf("object %s vanished while being granted", entry.ID))
				}
				pg.entries[i] = extra
			} else {
				pg.entries[i] = entry
				granted = true
			}
			pg.missing--
		}
		if pg.missing == 0 {
			c.srv.finishGet(c, pg)
		}
		// A full write queue tears the connection down mid-grant; the
		// session is gone and its holds are already released.
		if c.dropped {
			return
		}
	}

	if !granted {
		// The wait outlived every slot that wanted it; give the
		// reference straight back.
		if err := c.srv.store.Release(c.sess, entry.ID); err != nil {
			panic(err)
		}
	}
}

func (c *connection) sealNotice(notice store.SealNotice) {
	payload := wire.EncodeSealNotice(wire.SealNotice{
		ID:           notice.ID,
		DataSize:     uint64(notice.DataSize),
		MetadataSize: uint64(notice.MetadataSize),
	})
	c.send(0, wire.TypeSealNotice, payload, false)
}
