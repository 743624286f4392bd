// Package host implements the host side of the flash programming protocol:
// a transport client that chunks transfers into packets, tracks sequence
// numbers, reassembles responses from the raw byte stream, and offers three
// verification strategies with different bandwidth/assurance trade-offs.
//
// The package contains two main components: Client and Programmer. Client
// provides transport-agnostic access to the individual device commands over
// any byte link. Programmer provides a high-level programming interface,
// allowing firmware images to be loaded, programmed and verified using a
// provided Client.
package host

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/embedhost/norprog/protocol"
)

// Client defaults, overridable through Options.
const (
	DefaultReadTimeout  = 2 * time.Second
	DefaultChunkSize    = protocol.MaxPayloadSize
	DefaultStreamBatch  = 16
	DefaultStreamPacing = 2 * time.Millisecond
	DefaultCRCBlockSize = 64 * 1024
)

// ErrNoResponse is returned when the device does not answer an acknowledged
// command within the read timeout.
var ErrNoResponse = errors.New("timed out waiting for response")

// TransferError reports a failed transfer operation together with the flash
// address it failed at, so a partial transfer can be diagnosed or resumed.
type TransferError struct {
	Address uint32
	Status  protocol.Status
	Err     error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("at %06X: %v", e.Address, e.Err)
	}
	return fmt.Sprintf("at %06X: device reported %v", e.Address, e.Status)
}

func (e *TransferError) Unwrap() error { return e.Err }

// DeviceInfo describes the flash chip as reported by the device.
type DeviceInfo struct {
	JEDECID    uint32
	TotalSize  uint32
	PageSize   uint32
	SectorSize uint32
}

// Progress is called after each transferred chunk with the running byte
// count and the transfer total.
type Progress func(done, total int)

// Client speaks the packet protocol over a byte link. It is not safe for
// concurrent use; the protocol itself is strictly request/response.
type Client struct {
	rw     io.ReadWriter
	framer *protocol.ResponseFramer
	seq    uint16

	readTimeout  time.Duration
	chunkSize    int
	streamBatch  int
	streamPacing time.Duration
	crcBlock     int
	progress     Progress
}

// Option configures a Client.
type Option func(*Client)

// WithReadTimeout bounds how long the client waits for a response.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) { c.readTimeout = d }
}

// WithChunkSize sets the per-packet payload size for transfers. Values above
// the protocol maximum are clamped.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > protocol.MaxPayloadSize {
			n = protocol.MaxPayloadSize
		}
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithStreamBatch configures streaming mode: n packets are sent back to
// back, then the client pauses for the pacing delay to let the device
// drain its buffer before the next batch.
func WithStreamBatch(n int, pacing time.Duration) Option {
	return func(c *Client) {
		if n > 0 {
			c.streamBatch = n
		}
		c.streamPacing = pacing
	}
}

// WithCRCBlockSize sets the block size for CRC verification.
func WithCRCBlockSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.crcBlock = n
		}
	}
}

// WithProgress registers a callback invoked as transfers advance.
func WithProgress(fn Progress) Option {
	return func(c *Client) { c.progress = fn }
}

// NewClient creates a client over an open byte link, typically a serial
// port from NewSerialLink or a net.Pipe end in tests.
func NewClient(rw io.ReadWriter, opts ...Option) *Client {
	c := &Client{
		rw:           rw,
		framer:       protocol.NewResponseFramer(),
		readTimeout:  DefaultReadTimeout,
		chunkSize:    DefaultChunkSize,
		streamBatch:  DefaultStreamBatch,
		streamPacing: DefaultStreamPacing,
		crcBlock:     DefaultCRCBlockSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) report(done, total int) {
	if c.progress != nil {
		c.progress(done, total)
	}
}

// send encodes and transmits one packet without waiting for a response.
func (c *Client) send(cmd protocol.Command, address uint32, data []byte) error {
	pkt := &protocol.Packet{
		Command:  cmd,
		Address:  address,
		Sequence: c.seq,
		Data:     data,
	}
	c.seq++ // wraps at 16 bits with the wire field
	b, err := pkt.Encode()
	if err != nil {
		return errors.Wrapf(err, "encode %v", cmd)
	}
	if _, err := c.rw.Write(b); err != nil {
		return errors.Wrapf(err, "send %v", cmd)
	}
	pkgLog.Debugf("sent %v seq=%d addr=%06X len=%d", cmd, pkt.Sequence, address, len(data))
	return nil
}

// roundTrip sends one acknowledged packet and waits for its response.
func (c *Client) roundTrip(cmd protocol.Command, address uint32, data []byte) (*protocol.Response, error) {
	if err := c.send(cmd, address, data); err != nil {
		return nil, err
	}
	return c.awaitResponse()
}

// awaitResponse reads from the link until a complete response arrives or
// the timeout expires. Corrupt frames are logged and skipped; the transport
// is expected to return from Read with zero bytes when idle (serial read
// timeout) so the deadline can be enforced.
func (c *Client) awaitResponse() (*protocol.Response, error) {
	deadline := time.Now().Add(c.readTimeout)
	buf := make([]byte, 4096)
	for {
		resp, err := c.framer.Next()
		if err != nil {
			pkgLog.Warnf("dropped corrupt response frame: %v", err)
			continue
		}
		if resp != nil {
			pkgLog.Debugf("received response %v len=%d", resp.Status, len(resp.Data))
			return resp, nil
		}
		n, err := c.rw.Read(buf)
		if n > 0 {
			if dropped := c.framer.Feed(buf[:n]); dropped > 0 {
				pkgLog.Warnf("response buffer overflow, dropped %d bytes", dropped)
			}
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "link read")
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(ErrNoResponse, "after %v", c.readTimeout)
		}
	}
}

// Info queries the device for its flash geometry.
func (c *Client) Info() (DeviceInfo, error) {
	resp, err := c.roundTrip(protocol.CmdInfo, 0, nil)
	if err != nil {
		return DeviceInfo{}, err
	}
	if resp.Status != protocol.StatusSuccess {
		return DeviceInfo{}, &TransferError{Status: resp.Status}
	}
	if len(resp.Data) != 16 {
		return DeviceInfo{}, errors.Errorf("info payload %d bytes, expected 16", len(resp.Data))
	}
	return DeviceInfo{
		JEDECID:    binary.LittleEndian.Uint32(resp.Data[0:4]),
		TotalSize:  binary.LittleEndian.Uint32(resp.Data[4:8]),
		PageSize:   binary.LittleEndian.Uint32(resp.Data[8:12]),
		SectorSize: binary.LittleEndian.Uint32(resp.Data[12:16]),
	}, nil
}

// Erase erases the sectors covering [address, address+size).
func (c *Client) Erase(address, size uint32) error {
	req := make([]byte, 4)
	binary.LittleEndian.PutUint32(req, size)
	resp, err := c.roundTrip(protocol.CmdErase, address, req)
	if err != nil {
		return &TransferError{Address: address, Err: err}
	}
	if resp.Status != protocol.StatusSuccess {
		return &TransferError{Address: address, Status: resp.Status}
	}
	return nil
}

// Write transfers data in reliable mode: every chunk is acknowledged before
// the next is sent. Slower than WriteStream but each failure is reported
// with the exact address it occurred at.
func (c *Client) Write(address uint32, data []byte) error {
	total := len(data)
	done := 0
	for len(data) > 0 {
		n := c.chunkSize
		if n > len(data) {
			n = len(data)
		}
		resp, err := c.roundTrip(protocol.CmdWrite, address, data[:n])
		if err != nil {
			return &TransferError{Address: address, Err: err}
		}
		if resp.Status != protocol.StatusSuccess {
			return &TransferError{Address: address, Status: resp.Status}
		}
		address += uint32(n)
		data = data[n:]
		done += n
		c.report(done, total)
	}
	return nil
}

// WriteStream transfers data in streaming mode: chunks are sent as
// fire-and-forget packets in paced batches, with no per-chunk
// acknowledgement. A final acknowledged status query confirms the device
// drained the stream; if that confirmation fails the transfer is still
// considered complete and the caller is expected to verify, which a
// streamed transfer should do anyway.
func (c *Client) WriteStream(address uint32, data []byte) error {
	total := len(data)
	done := 0
	inBatch := 0
	for len(data) > 0 {
		n := c.chunkSize
		if n > len(data) {
			n = len(data)
		}
		if err := c.send(protocol.CmdStreamWrite, address, data[:n]); err != nil {
			return &TransferError{Address: address, Err: err}
		}
		address += uint32(n)
		data = data[n:]
		done += n
		c.report(done, total)

		inBatch++
		if inBatch >= c.streamBatch && len(data) > 0 {
			time.Sleep(c.streamPacing)
			inBatch = 0
		}
	}
	if _, err := c.ReadStatus(); err != nil {
		pkgLog.Warnf("stream drain confirmation failed: %v", err)
	}
	return nil
}

// Read transfers length bytes starting at address, chunking requests to the
// configured size.
func (c *Client) Read(address uint32, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for length > 0 {
		n := c.chunkSize
		if n > length {
			n = length
		}
		req := make([]byte, 4)
		binary.LittleEndian.PutUint32(req, uint32(n))
		resp, err := c.roundTrip(protocol.CmdRead, address, req)
		if err != nil {
			return nil, &TransferError{Address: address, Err: err}
		}
		if resp.Status != protocol.StatusSuccess {
			return nil, &TransferError{Address: address, Status: resp.Status}
		}
		if len(resp.Data) != n {
			return nil, errors.Errorf("read at %06X returned %d bytes, requested %d", address, len(resp.Data), n)
		}
		out = append(out, resp.Data...)
		address += uint32(n)
		length -= n
	}
	return out, nil
}

// ReadStatus returns the raw flash status register byte.
func (c *Client) ReadStatus() (byte, error) {
	resp, err := c.roundTrip(protocol.CmdStatus, 0, nil)
	if err != nil {
		return 0, err
	}
	if resp.Status != protocol.StatusSuccess {
		return 0, &TransferError{Status: resp.Status}
	}
	if len(resp.Data) != 1 {
		return 0, errors.Errorf("status payload %d bytes, expected 1", len(resp.Data))
	}
	return resp.Data[0], nil
}

// VerifyReadback checks [address, address+len(data)) against data by
// sending the expected bytes to the device, which compares them against its
// own flash. The full image crosses the link once.
func (c *Client) VerifyReadback(address uint32, data []byte) error {
	total := len(data)
	done := 0
	for len(data) > 0 {
		n := c.chunkSize
		if n > len(data) {
			n = len(data)
		}
		resp, err := c.roundTrip(protocol.CmdVerify, address, data[:n])
		if err != nil {
			return &TransferError{Address: address, Err: err}
		}
		if resp.Status != protocol.StatusSuccess {
			return &TransferError{Address: address, Status: resp.Status}
		}
		address += uint32(n)
		data = data[n:]
		done += n
		c.report(done, total)
	}
	return nil
}

// VerifyHash reads the full range back from the device and compares SHA-256
// digests. The image crosses the link once, in the other direction.
func (c *Client) VerifyHash(address uint32, data []byte) error {
	stored, err := c.Read(address, len(data))
	if err != nil {
		return err
	}
	want := sha256.Sum256(data)
	got := sha256.Sum256(stored)
	if want != got {
		return &TransferError{Address: address, Status: protocol.StatusVerificationFailed}
	}
	return nil
}

// VerifyCRC checks the range in blocks: for each block the host computes
// the protocol CRC-32 and the device checks it against its own flash. Only
// checksums cross the link, making this the cheapest strategy.
func (c *Client) VerifyCRC(address uint32, data []byte) error {
	total := len(data)
	done := 0
	for len(data) > 0 {
		n := c.crcBlock
		if n > len(data) {
			n = len(data)
		}
		req := make([]byte, 8)
		binary.LittleEndian.PutUint32(req[0:4], protocol.Checksum(data[:n]))
		binary.LittleEndian.PutUint32(req[4:8], uint32(n))
		resp, err := c.roundTrip(protocol.CmdVerifyCRC, address, req)
		if err != nil {
			return &TransferError{Address: address, Err: err}
		}
		if resp.Status != protocol.StatusSuccess {
			return &TransferError{Address: address, Status: resp.Status}
		}
		address += uint32(n)
		data = data[n:]
		done += n
		c.report(done, total)
	}
	return nil
}
