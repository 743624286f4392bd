package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
)

func mustEncodePacket(t *testing.T, p Packet) []byte {
	t.Helper()
	b, err := p.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// drain feeds the stream to the framer in fixed-size chunks and collects
// every packet that comes out, ignoring dropped-frame notifications.
func drain(t *testing.T, f *PacketFramer, stream []byte, chunkSize int) []*Packet {
	t.Helper()
	var out []*Packet
	for off := 0; off < len(stream); off += chunkSize {
		end := off + chunkSize
		if end > len(stream) {
			end = len(stream)
		}
		f.Feed(stream[off:end])
		for {
			pkt, err := f.Next()
			if err != nil {
				continue
			}
			if pkt == nil {
				break
			}
			out = append(out, pkt)
		}
	}
	return out
}

// Regardless of how the stream is split into chunks, noise before and
// between frames must be skipped and exactly the embedded frames recovered.
func TestFramerResynchronization(t *testing.T) {
	p1 := Packet{Command: CmdWrite, Address: 0x1000, Sequence: 1, Data: []byte("first")}
	p2 := Packet{Command: CmdErase, Address: 0x2000, Sequence: 2, Data: []byte{0, 16, 0, 0}}

	stream := bytes.Join([][]byte{
		{0x00, 0xFF, 0x13, 0x37},
		mustEncodePacket(t, p1),
		{0xCD, 0x42, 0x99}, // includes a lone low magic byte
		mustEncodePacket(t, p2),
	}, nil)

	for _, chunkSize := range []int{1, 2, 3, 7, 16, len(stream)} {
		got := drain(t, NewPacketFramer(), stream, chunkSize)
		if len(got) != 2 {
			t.Fatalf("chunk size %d: got %d packets, want 2", chunkSize, len(got))
		}
		if got[0].Sequence != 1 || !bytes.Equal(got[0].Data, p1.Data) {
			t.Errorf("chunk size %d: first packet mismatch: %+v", chunkSize, got[0])
		}
		if got[1].Sequence != 2 || got[1].Command != CmdErase {
			t.Errorf("chunk size %d: second packet mismatch: %+v", chunkSize, got[1])
		}
	}
}

// A stream with no valid magic must never grow the accumulation buffer past
// its cap.
func TestFramerBoundedness(t *testing.T) {
	f := NewPacketFramer()
	noise := bytes.Repeat([]byte{0xCD}, 100) // looks like endless half-magics
	for i := 0; i < 2000; i++ {
		f.Feed(noise)
		if pkt, _ := f.Next(); pkt != nil {
			t.Fatal("packet produced from pure noise")
		}
		if f.Buffered() > DefaultBufferCap {
			t.Fatalf("buffer grew to %d, cap is %d", f.Buffered(), DefaultBufferCap)
		}
	}
}

// When an incomplete frame pins the buffer and garbage keeps arriving, Feed
// must report exactly the bytes it dropped past the cap.
func TestFeedReportsDroppedBytes(t *testing.T) {
	head := make([]byte, packetHeaderSize)
	binary.LittleEndian.PutUint16(head[0:2], PacketMagic)
	head[2] = byte(CmdWrite)
	binary.LittleEndian.PutUint32(head[3:7], MaxPayloadSize)

	f := NewPacketFramer()
	if n := f.Feed(head); n != 0 {
		t.Fatalf("dropped %d bytes below the cap", n)
	}

	noise := bytes.Repeat([]byte{0x42}, 1000)
	total := len(head)
	dropped := 0
	for i := 0; i < 10; i++ {
		dropped += f.Feed(noise)
		total += len(noise)
	}
	if f.Buffered() > DefaultBufferCap {
		t.Fatalf("buffer grew to %d, cap is %d", f.Buffered(), DefaultBufferCap)
	}
	if want := total - DefaultBufferCap; dropped != want {
		t.Errorf("dropped %d bytes, want %d", dropped, want)
	}
}

// A corrupted length field must not stall the framer: the spurious magic is
// skipped and a later genuine frame still parses.
func TestFramerCorruptedLengthResync(t *testing.T) {
	bogus := make([]byte, packetHeaderSize)
	binary.LittleEndian.PutUint16(bogus[0:2], PacketMagic)
	bogus[2] = byte(CmdWrite)
	binary.LittleEndian.PutUint32(bogus[3:7], 0x7FFFFFFF) // absurd length

	good := Packet{Command: CmdInfo, Sequence: 9}
	stream := append(bogus, mustEncodePacket(t, good)...)

	f := NewPacketFramer()
	got := drain(t, f, stream, 5)
	if len(got) != 1 || got[0].Sequence != 9 {
		t.Fatalf("got %d packets, want the one valid info packet", len(got))
	}
}

// An invalid command byte after the magic is treated as a spurious sync
// point, not a frame.
func TestFramerInvalidCommandResync(t *testing.T) {
	bogus := make([]byte, packetHeaderSize)
	binary.LittleEndian.PutUint16(bogus[0:2], PacketMagic)
	bogus[2] = 0xEE
	good := Packet{Command: CmdStatus, Sequence: 4}
	stream := append(bogus, mustEncodePacket(t, good)...)

	got := drain(t, NewPacketFramer(), stream, len(stream))
	if len(got) != 1 || got[0].Command != CmdStatus {
		t.Fatalf("got %v, want one status packet", got)
	}
}

// A frame whose CRC fails is dropped with ErrFrameDropped and does not take
// the following frame with it.
func TestFramerDropsCorruptFrame(t *testing.T) {
	bad := mustEncodePacket(t, Packet{Command: CmdWrite, Address: 0x10, Sequence: 1, Data: []byte{1, 2, 3}})
	bad[len(bad)-1] ^= 0xFF // corrupt the CRC
	good := Packet{Command: CmdRead, Address: 0x20, Sequence: 2, Data: []byte{4, 0, 0, 0}}
	stream := append(bad, mustEncodePacket(t, good)...)

	f := NewPacketFramer()
	f.Feed(stream)

	_, err := f.Next()
	if !errors.Is(err, ErrFrameDropped) {
		t.Fatalf("got %v, want ErrFrameDropped", err)
	}
	pkt, err := f.Next()
	if err != nil || pkt == nil {
		t.Fatalf("second frame not recovered: %v", err)
	}
	if pkt.Sequence != 2 {
		t.Errorf("got sequence %d, want 2", pkt.Sequence)
	}
}

// No bytes may be consumed while a frame is still incomplete.
func TestFramerWaitsForCompleteFrame(t *testing.T) {
	full := mustEncodePacket(t, Packet{Command: CmdWrite, Address: 0x40, Sequence: 5, Data: bytes.Repeat([]byte{7}, 100)})

	f := NewPacketFramer()
	for i := 0; i < len(full)-1; i++ {
		f.Feed(full[i : i+1])
		pkt, err := f.Next()
		if err != nil {
			t.Fatalf("byte %d: unexpected error %v", i, err)
		}
		if pkt != nil {
			t.Fatalf("byte %d: packet produced before frame was complete", i)
		}
	}
	f.Feed(full[len(full)-1:])
	pkt, err := f.Next()
	if err != nil || pkt == nil {
		t.Fatalf("final byte: got (%v, %v)", pkt, err)
	}
}

func TestResponseFramerResynchronization(t *testing.T) {
	r1 := Response{Status: StatusSuccess, Data: []byte{1, 2, 3}}
	r2 := Response{Status: StatusTimeout}
	b1, _ := r1.Encode()
	b2, _ := r2.Encode()

	stream := bytes.Join([][]byte{{0xBA, 0x01}, b1, {0xFF}, b2}, nil)

	for _, chunkSize := range []int{1, 4, len(stream)} {
		f := NewResponseFramer()
		var got []*Response
		for off := 0; off < len(stream); off += chunkSize {
			end := off + chunkSize
			if end > len(stream) {
				end = len(stream)
			}
			f.Feed(stream[off:end])
			for {
				resp, err := f.Next()
				if err != nil {
					continue
				}
				if resp == nil {
					break
				}
				got = append(got, resp)
			}
		}
		if len(got) != 2 {
			t.Fatalf("chunk size %d: got %d responses, want 2", chunkSize, len(got))
		}
		if got[0].Status != StatusSuccess || !bytes.Equal(got[0].Data, r1.Data) {
			t.Errorf("chunk size %d: first response mismatch", chunkSize)
		}
		if got[1].Status != StatusTimeout {
			t.Errorf("chunk size %d: second response mismatch", chunkSize)
		}
	}
}
