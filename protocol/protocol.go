// Package protocol implements the binary packet and response format used
// between the host and the flash programmer firmware, together with the
// stream framers that recover frame boundaries from a raw serial link.
//
// Both directions use the same layout discipline: a little-endian header
// introduced by a fixed 16-bit magic, a variable-length payload, and a
// trailing CRC-32 (IEEE) computed over everything that precedes it. Packets
// (host to device) and Responses (device to host) carry distinct magics so
// the two byte streams can never be confused with each other.
package protocol

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Magic sentinels marking the start of a frame in each direction.
const (
	PacketMagic   uint16 = 0xABCD
	ResponseMagic uint16 = 0xDCBA
)

// MaxPayloadSize is the largest data payload a single frame may carry.
// Decoders reject declared lengths above this even when the bytes are
// present, so a corrupted length field cannot force a huge allocation.
const MaxPayloadSize = 1024

const (
	packetHeaderSize   = 13 // magic + command + length + address + sequence
	responseHeaderSize = 7  // magic + status + length
	crcSize            = 4

	// MinPacketSize is the size of a Packet frame with an empty payload.
	MinPacketSize = packetHeaderSize + crcSize
	// MinResponseSize is the size of a Response frame with an empty payload.
	MinResponseSize = responseHeaderSize + crcSize
)

// Command identifies a flash operation requested by the host.
type Command uint8

// Command byte values.
const (
	CmdInfo        Command = 0x01
	CmdErase       Command = 0x02
	CmdWrite       Command = 0x03
	CmdRead        Command = 0x04
	CmdVerify      Command = 0x05
	CmdBatchWrite  Command = 0x06
	CmdBatchAck    Command = 0x07
	CmdStreamWrite Command = 0x08
	CmdVerifyCRC   Command = 0x09
	CmdStatus      Command = 0x0A
)

// Valid reports whether c is a member of the closed command set.
func (c Command) Valid() bool {
	return c >= CmdInfo && c <= CmdStatus
}

// Acknowledged reports whether the device owes a Response for this command.
// BatchWrite and StreamWrite are fire-and-forget: the device stays silent
// so the host can pipeline them for throughput.
func (c Command) Acknowledged() bool {
	return c != CmdBatchWrite && c != CmdStreamWrite
}

func (c Command) String() string {
	switch c {
	case CmdInfo:
		return "info"
	case CmdErase:
		return "erase"
	case CmdWrite:
		return "write"
	case CmdRead:
		return "read"
	case CmdVerify:
		return "verify"
	case CmdBatchWrite:
		return "batch-write"
	case CmdBatchAck:
		return "batch-ack"
	case CmdStreamWrite:
		return "stream-write"
	case CmdVerifyCRC:
		return "verify-crc"
	case CmdStatus:
		return "status"
	default:
		return "invalid"
	}
}

// Status is the result code carried by a Response.
type Status uint8

// Status byte values.
const (
	StatusSuccess            Status = 0x00
	StatusInvalidCommand     Status = 0x01
	StatusInvalidAddress     Status = 0x02
	StatusFlashError         Status = 0x03
	StatusCrcError           Status = 0x04
	StatusBufferOverflow     Status = 0x05
	StatusTimeout            Status = 0x06
	StatusVerificationFailed Status = 0x07
	StatusUnknown            Status = 0xFF
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidCommand:
		return "invalid command"
	case StatusInvalidAddress:
		return "invalid address or size"
	case StatusFlashError:
		return "flash operation failed"
	case StatusCrcError:
		return "CRC error"
	case StatusBufferOverflow:
		return "buffer overflow"
	case StatusTimeout:
		return "operation timeout"
	case StatusVerificationFailed:
		return "data verification failed"
	default:
		return "unknown error"
	}
}

// Frame decoding errors.
var (
	ErrShortFrame  = errors.New("frame too short")
	ErrBadMagic    = errors.New("invalid magic number")
	ErrBadCommand  = errors.New("invalid command byte")
	ErrOversized   = errors.New("payload exceeds maximum size")
	ErrTruncated   = errors.New("incomplete frame")
	ErrBadChecksum = errors.New("CRC mismatch")
)

// Packet is a host-to-device request. Length and checksum are derived at
// encode time from the payload; a decoded Packet has already had both
// validated.
type Packet struct {
	Command  Command
	Address  uint32
	Sequence uint16
	Data     []byte
}

// Response is a device-to-host reply.
type Response struct {
	Status Status
	Data   []byte
}

// Encode serializes the packet into its on-wire form.
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Data) > MaxPayloadSize {
		return nil, errors.Wrapf(ErrOversized, "payload %d bytes", len(p.Data))
	}
	b := make([]byte, packetHeaderSize+len(p.Data)+crcSize)
	binary.LittleEndian.PutUint16(b[0:2], PacketMagic)
	b[2] = byte(p.Command)
	binary.LittleEndian.PutUint32(b[3:7], uint32(len(p.Data)))
	binary.LittleEndian.PutUint32(b[7:11], p.Address)
	binary.LittleEndian.PutUint16(b[11:13], p.Sequence)
	copy(b[packetHeaderSize:], p.Data)
	crc := crc32.ChecksumIEEE(b[:packetHeaderSize+len(p.Data)])
	binary.LittleEndian.PutUint32(b[packetHeaderSize+len(p.Data):], crc)
	return b, nil
}

// DecodePacket parses and validates one Packet frame. The buffer must start
// at the magic; trailing bytes beyond the frame are ignored.
func DecodePacket(b []byte) (*Packet, error) {
	if len(b) < MinPacketSize {
		return nil, ErrShortFrame
	}
	if binary.LittleEndian.Uint16(b[0:2]) != PacketMagic {
		return nil, ErrBadMagic
	}
	cmd := Command(b[2])
	if !cmd.Valid() {
		return nil, ErrBadCommand
	}
	length := binary.LittleEndian.Uint32(b[3:7])
	if length > MaxPayloadSize {
		return nil, ErrOversized
	}
	total := packetHeaderSize + int(length) + crcSize
	if len(b) < total {
		return nil, ErrTruncated
	}
	want := binary.LittleEndian.Uint32(b[total-crcSize : total])
	got := crc32.ChecksumIEEE(b[:total-crcSize])
	if want != got {
		return nil, ErrBadChecksum
	}
	data := make([]byte, length)
	copy(data, b[packetHeaderSize:packetHeaderSize+int(length)])
	return &Packet{
		Command:  cmd,
		Address:  binary.LittleEndian.Uint32(b[7:11]),
		Sequence: binary.LittleEndian.Uint16(b[11:13]),
		Data:     data,
	}, nil
}

// Encode serializes the response into its on-wire form.
func (r *Response) Encode() ([]byte, error) {
	if len(r.Data) > MaxPayloadSize {
		return nil, errors.Wrapf(ErrOversized, "payload %d bytes", len(r.Data))
	}
	b := make([]byte, responseHeaderSize+len(r.Data)+crcSize)
	binary.LittleEndian.PutUint16(b[0:2], ResponseMagic)
	b[2] = byte(r.Status)
	binary.LittleEndian.PutUint32(b[3:7], uint32(len(r.Data)))
	copy(b[responseHeaderSize:], r.Data)
	crc := crc32.ChecksumIEEE(b[:responseHeaderSize+len(r.Data)])
	binary.LittleEndian.PutUint32(b[responseHeaderSize+len(r.Data):], crc)
	return b, nil
}

// DecodeResponse parses and validates one Response frame. Unknown status
// bytes map to StatusUnknown rather than failing the decode, so newer
// firmware can extend the set without breaking old hosts.
func DecodeResponse(b []byte) (*Response, error) {
	if len(b) < MinResponseSize {
		return nil, ErrShortFrame
	}
	if binary.LittleEndian.Uint16(b[0:2]) != ResponseMagic {
		return nil, ErrBadMagic
	}
	status := Status(b[2])
	switch status {
	case StatusSuccess, StatusInvalidCommand, StatusInvalidAddress,
		StatusFlashError, StatusCrcError, StatusBufferOverflow,
		StatusTimeout, StatusVerificationFailed:
	default:
		status = StatusUnknown
	}
	length := binary.LittleEndian.Uint32(b[3:7])
	if length > MaxPayloadSize {
		return nil, ErrOversized
	}
	total := responseHeaderSize + int(length) + crcSize
	if len(b) < total {
		return nil, ErrTruncated
	}
	want := binary.LittleEndian.Uint32(b[total-crcSize : total])
	got := crc32.ChecksumIEEE(b[:total-crcSize])
	if want != got {
		return nil, ErrBadChecksum
	}
	data := make([]byte, length)
	copy(data, b[responseHeaderSize:responseHeaderSize+int(length)])
	return &Response{Status: status, Data: data}, nil
}

// Checksum computes the CRC-32 used throughout the protocol. The VerifyCRC
// command applies the same algorithm to flash contents on both ends.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// ChecksumUpdate extends a running checksum with more data, so the CRC of a
// large range can be computed in bounded chunks. Start from zero.
func ChecksumUpdate(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, data)
}
