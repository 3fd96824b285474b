// Package wire defines the message framing the store and its clients
// exchange over the local socket, and the out-of-band handoff of the
// shared-memory descriptor. Messages are length-prefixed structured
// records; the descriptor travels as ancillary data next to a one-byte
// marker message, never encoded as bytes.
package wire

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/shmstore/shmstore"
)

// Message header layout (16 bytes, little-endian):
//
//	uint32 length   // payload length in bytes (excludes the header)
//	uint32 seq      // request sequence, echoed in the reply; 0 for notices
//	uint8  type     // MessageType
//	uint8  flags    // per-type flags
//	uint16 reserved // zero
//	uint32 reserved // zero
const HeaderSize = 16

// MaxPayloadSize bounds a single message. Object payloads never travel
// over the socket (they live in the segment), so messages stay small;
// anything larger is a malformed stream.
const MaxPayloadSize = 1 << 24

type MessageType uint8

const (
	TypeCreate        MessageType = 0x01
	TypeCreateReply   MessageType = 0x02
	TypeSeal          MessageType = 0x03
	TypeGet           MessageType = 0x04
	TypeGetReply      MessageType = 0x05
	TypeRelease       MessageType = 0x06
	TypeDelete        MessageType = 0x07
	TypeContains      MessageType = 0x08
	TypeContainsReply MessageType = 0x09
	TypeSubscribe     MessageType = 0x0A
	TypeSealNotice    MessageType = 0x0B
	TypeStats         MessageType = 0x0C
	TypeStatsReply    MessageType = 0x0D
	TypeStatusReply   MessageType = 0x0E
)

// FlagSegment on a reply means a descriptor marker message carrying
// the segment fd immediately follows it. Sent at most once per
// connection.
const FlagSegment = uint8(0x01)

// Header is the decoded 16-byte message header.
type Header struct {
	Length uint32
	Seq    uint32
	Type   MessageType
	Flags  uint8
}

func encodeHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Length)
	binary.LittleEndian.PutUint32(dst[4:8], h.Seq)
	dst[8] = byte(h.Type)
	dst[9] = h.Flags
	binary.LittleEndian.PutUint16(dst[10:12], 0)
	binary.LittleEndian.PutUint32(dst[12:16], 0)
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrap(shmstore.ErrTransport, "message header too short")
	}
	return Header{
		Length: binary.LittleEndian.Uint32(b[0:4]),
		Seq:    binary.LittleEndian.Uint32(b[4:8]),
		Type:   MessageType(b[8]),
		Flags:  b[9],
	}, nil
}

// AppendMessage appends a framed message to dst and returns it. Used
// by writers that batch a reply and its payload into one Write.
func AppendMessage(dst []byte, seq uint32, typ MessageType, flags uint8, payload []byte) []byte {
	var hdr [HeaderSize]byte
	encodeHeader(hdr[:], Header{
		Length: uint32(len(payload)),
		Seq:    seq,
		Type:   typ,
		Flags:  flags,
	})
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, seq uint32, typ MessageType, flags uint8, payload []byte) error {
	buf := AppendMessage(make([]byte, 0, HeaderSize+len(payload)), seq, typ, flags, payload)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrapf(shmstore.ErrTransport, "message write failed: %v", err)
	}
	return nil
}

// ReadMessage reads one framed message. The reader must not be
// buffered past message boundaries or descriptor handoff breaks; use
// the connection directly.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	var hdrBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		// A hangup or a locally closed connection between messages is a
		// normal end of stream, not a protocol violation.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			return Header{}, nil, io.EOF
		}
		return Header{}, nil, errors.Wrapf(shmstore.ErrTransport, "header read failed: %v", err)
	}

	hdr, err := decodeHeader(hdrBuf[:])
	if err != nil {
		return Header{}, nil, err
	}
	if hdr.Length > MaxPayloadSize {
		return Header{}, nil, errors.Wrapf(shmstore.ErrTransport, "payload of %d bytes exceeds limit", hdr.Length)
	}

	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, errors.Wrapf(shmstore.ErrTransport, "payload read failed: %v", err)
	}
	return hdr, payload, nil
}

// segmentMarker is the single byte carried by the descriptor message.
const segmentMarker = 0xFD

// SendSegmentFD transfers the segment descriptor as ancillary data on
// a one-byte marker message.
func SendSegmentFD(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	if _, _, err := conn.WriteMsgUnix([]byte{segmentMarker}, rights, nil); err != nil {
		return errors.Wrapf(shmstore.ErrTransport, "descriptor send failed: %v", err)
	}
	return nil
}

// RecvSegmentFD receives the descriptor sent by SendSegmentFD. Must be
// called exactly when the marker message is the next unread data.
func RecvSegmentFD(conn *net.UnixConn) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, errors.Wrapf(shmstore.ErrTransport, "descriptor receive failed: %v", err)
	}
	if n != 1 || buf[0] != segmentMarker {
		return -1, errors.Wrap(shmstore.ErrTransport, "descriptor marker missing")
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, errors.Wrapf(shmstore.ErrTransport, "bad control message: %v", err)
	}
	if len(msgs) != 1 {
		return -1, errors.Wrap(shmstore.ErrTransport, "expected exactly one control message")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, errors.Wrapf(shmstore.ErrTransport, "bad descriptor rights: %v", err)
	}
	if len(fds) != 1 {
		return -1, errors.Wrap(shmstore.ErrTransport, "expected exactly one descriptor")
	}
	return fds[0], nil
}
