package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// DefaultBufferCap bounds the accumulation buffer of a framer. When no valid
// magic ever appears, the oldest bytes are dropped to stay under the cap;
// the sender is expected to retransmit or the session is already
// desynchronized.
const DefaultBufferCap = 4096

// ErrFrameDropped is returned by a framer when a complete frame was present
// but failed validation and had to be discarded. The caller may report it
// and must keep calling Next; the framer has already resynchronized.
var ErrFrameDropped = errors.New("corrupt frame dropped")

// PacketFramer reassembles Packets from arbitrarily chunked inbound bytes,
// tolerating noise, partial delivery and corruption between frames.
type PacketFramer struct {
	buf []byte
	cap int
}

// NewPacketFramer returns a framer with the default buffer cap.
func NewPacketFramer() *PacketFramer {
	return &PacketFramer{cap: DefaultBufferCap}
}

// Feed appends a newly received chunk to the accumulation buffer. If the
// buffer would exceed its cap the oldest bytes are dropped; the number of
// dropped bytes is returned so the caller can report the overflow.
func (f *PacketFramer) Feed(chunk []byte) int {
	f.buf = append(f.buf, chunk...)
	if n := len(f.buf) - f.cap; n > 0 {
		f.buf = append(f.buf[:0:0], f.buf[n:]...)
		return n
	}
	return 0
}

// Buffered returns the number of not-yet-consumed bytes held by the framer.
func (f *PacketFramer) Buffered() int { return len(f.buf) }

// Next extracts the next complete Packet from the buffer. It returns
// (nil, nil) when more data is needed, and (nil, ErrFrameDropped) when a
// corrupt frame was discarded; in both cases no valid bytes are lost.
func (f *PacketFramer) Next() (*Packet, error) {
	for {
		if !f.sync(PacketMagic) {
			return nil, nil
		}
		if len(f.buf) < packetHeaderSize {
			return nil, nil
		}
		// Sanity-check the header before trusting the length field, so a
		// corrupted length cannot stall the framer waiting for bytes that
		// will never arrive.
		cmd := Command(f.buf[2])
		length := binary.LittleEndian.Uint32(f.buf[3:7])
		if !cmd.Valid() || length > MaxPayloadSize {
			f.consume(1) // spurious magic, rescan from the next byte
			continue
		}
		total := packetHeaderSize + int(length) + crcSize
		if len(f.buf) < total {
			return nil, nil
		}
		pkt, err := DecodePacket(f.buf[:total])
		f.consume(total)
		if err != nil {
			return nil, errors.Wrap(ErrFrameDropped, err.Error())
		}
		return pkt, nil
	}
}

// sync discards leading noise up to the magic. It returns false when no
// magic is present, retaining at most one trailing byte that could still be
// the start of a split magic.
func (f *PacketFramer) sync(magic uint16) bool {
	i := indexMagic(f.buf, magic)
	if i < 0 {
		if n := len(f.buf); n > 0 && f.buf[n-1] == byte(magic) {
			f.consume(n - 1)
		} else {
			f.consume(n)
		}
		return false
	}
	f.consume(i)
	return true
}

func (f *PacketFramer) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(f.buf) {
		f.buf = f.buf[:0]
		return
	}
	f.buf = append(f.buf[:0:0], f.buf[n:]...)
}

// ResponseFramer is the host-side counterpart of PacketFramer, reassembling
// Responses from the inbound byte stream.
type ResponseFramer struct {
	buf []byte
	cap int
}

// NewResponseFramer returns a framer with the default buffer cap.
func NewResponseFramer() *ResponseFramer {
	return &ResponseFramer{cap: DefaultBufferCap}
}

// Feed appends a newly received chunk, dropping the oldest bytes when the
// buffer would exceed its cap. It returns the number of dropped bytes.
func (f *ResponseFramer) Feed(chunk []byte) int {
	f.buf = append(f.buf, chunk...)
	if n := len(f.buf) - f.cap; n > 0 {
		f.buf = append(f.buf[:0:0], f.buf[n:]...)
		return n
	}
	return 0
}

// Buffered returns the number of not-yet-consumed bytes held by the framer.
func (f *ResponseFramer) Buffered() int { return len(f.buf) }

// Next extracts the next complete Response, with the same contract as
// PacketFramer.Next.
func (f *ResponseFramer) Next() (*Response, error) {
	for {
		i := indexMagic(f.buf, ResponseMagic)
		if i < 0 {
			if n := len(f.buf); n > 0 && f.buf[n-1] == byte(ResponseMagic&0xFF) {
				f.consume(n - 1)
			} else {
				f.consume(n)
			}
			return nil, nil
		}
		f.consume(i)
		if len(f.buf) < responseHeaderSize {
			return nil, nil
		}
		length := binary.LittleEndian.Uint32(f.buf[3:7])
		if length > MaxPayloadSize {
			f.consume(1)
			continue
		}
		total := responseHeaderSize + int(length) + crcSize
		if len(f.buf) < total {
			return nil, nil
		}
		resp, err := DecodeResponse(f.buf[:total])
		f.consume(total)
		if err != nil {
			return nil, errors.Wrap(ErrFrameDropped, err.Error())
		}
		return resp, nil
	}
}

func (f *ResponseFramer) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(f.buf) {
		f.buf = f.buf[:0]
		return
	}
	f.buf = append(f.buf[:0:0], f.buf[n:]...)
}

// indexMagic finds the first occurrence of the little-endian magic in b.
func indexMagic(b []byte, magic uint16) int {
	lo, hi := byte(magic), byte(magic>>8)
	for i := 0; i+1 < len(b); i++ {
		if b[i] == lo && b[i+1] == hi {
			return i
		}
	}
	return -1
}
