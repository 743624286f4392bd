// Package device implements the firmware side of the flash programming
// protocol: it frames inbound bytes into packets, executes the requested
// flash operations through the driver, and serializes responses back out.
//
// The dispatcher is single-owner by design: one logical task feeds it
// chunks and writes out whatever it returns, mirroring the cooperative
// scheduler on the microcontroller. No locking is required because the
// flash bus has exactly one owner.
package device

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/embedhost/norprog/flash"
	"github.com/embedhost/norprog/protocol"
)

// Dispatcher binds the packet framer to the flash driver.
type Dispatcher struct {
	framer *protocol.PacketFramer
	drv    *flash.Driver

	// Device info is probed on first use and cached for the session.
	info   flash.DeviceInfo
	probed bool

	// Failures during fire-and-forget writes cannot be reported per
	// packet; they are counted so operators can spot them in the logs.
	silentErrs int
}

// New creates a dispatcher over a probed or not-yet-probed driver.
func New(drv *flash.Driver) *Dispatcher {
	return &Dispatcher{
		framer: protocol.NewPacketFramer(),
		drv:    drv,
	}
}

// HandleChunk feeds one inbound chunk to the framer and executes every
// complete packet it yields. It returns the encoded responses to transmit,
// which may be empty: incomplete frames wait for more data, and
// fire-and-forget commands produce no reply.
func (d *Dispatcher) HandleChunk(chunk []byte) [][]byte {
	var out [][]byte
	if dropped := d.framer.Feed(chunk); dropped > 0 {
		// The accumulation buffer overflowed and lost its oldest bytes;
		// anything in flight is gone, so tell the host to back off.
		pkgLog.Warnf("accumulation buffer overflow, dropped %d bytes", dropped)
		out = appendResponse(out, &protocol.Response{Status: protocol.StatusBufferOverflow})
	}
	for {
		pkt, err := d.framer.Next()
		if err != nil {
			// A complete but corrupt frame: tell the host so it can
			// retry, then keep scanning.
			pkgLog.Warnf("dropped corrupt frame: %v", err)
			out = appendResponse(out, &protocol.Response{Status: protocol.StatusCrcError})
			continue
		}
		if pkt == nil {
			return out
		}
		pkgLog.Debugf("processing %v seq=%d addr=%06X len=%d", pkt.Command, pkt.Sequence, pkt.Address, len(pkt.Data))
		if resp, ack := d.dispatch(pkt); ack {
			out = appendResponse(out, resp)
		}
	}
}

// Serve runs the dispatcher loop over a byte link until the link closes.
func (d *Dispatcher) Serve(rw io.ReadWriter) error {
	buf := make([]byte, 4096)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			for _, resp := range d.HandleChunk(buf[:n]) {
				if _, werr := rw.Write(resp); werr != nil {
					return errors.Wrap(werr, "response write")
				}
			}
		}
		if err == io.EOF || err == io.ErrClosedPipe {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "link read")
		}
	}
}

func appendResponse(out [][]byte, resp *protocol.Response) [][]byte {
	b, err := resp.Encode()
	if err != nil {
		// Response payloads are produced by this package and never
		// exceed the maximum, so this indicates a programming error.
		pkgLog.Warnf("response encode failed: %v", err)
		return out
	}
	return append(out, b)
}

// dispatch executes one packet. The second return value reports whether a
// response is owed; StreamWrite and BatchWrite stay silent even on failure.
func (d *Dispatcher) dispatch(pkt *protocol.Packet) (*protocol.Response, bool) {
	switch pkt.Command {
	case protocol.CmdInfo:
		return d.handleInfo(), true
	case protocol.CmdErase:
		return d.handleErase(pkt), true
	case protocol.CmdWrite:
		return d.handleWrite(pkt), true
	case protocol.CmdRead:
		return d.handleRead(pkt), true
	case protocol.CmdVerify:
		return d.handleVerify(pkt), true
	case protocol.CmdVerifyCRC:
		return d.handleVerifyCRC(pkt), true
	case protocol.CmdStatus:
		return d.handleStatus(), true
	case protocol.CmdBatchWrite, protocol.CmdStreamWrite:
		if resp := d.handleWrite(pkt); resp.Status != protocol.StatusSuccess {
			d.silentErrs++
			pkgLog.Warnf("unacknowledged %v failed at %06X: %v", pkt.Command, pkt.Address, resp.Status)
		}
		return nil, false
	case protocol.CmdBatchAck:
		// Device-originated only; a host must never send it.
		return &protocol.Response{Status: protocol.StatusInvalidCommand}, true
	default:
		return &protocol.Response{Status: protocol.StatusInvalidCommand}, true
	}
}

// SilentErrors returns the number of fire-and-forget writes that failed
// since the session started.
func (d *Dispatcher) SilentErrors() int { return d.silentErrs }

// ensureInfo probes the driver once and caches the result.
func (d *Dispatcher) ensureInfo() error {
	if d.probed {
		return nil
	}
	info, err := d.drv.Probe()
	if err != nil {
		return err
	}
	d.info = info
	d.probed = true
	pkgLog.Infof("flash probed: JEDEC %06X, %d bytes", info.JEDECID, info.TotalSize)
	return nil
}

func (d *Dispatcher) handleInfo() *protocol.Response {
	if err := d.ensureInfo(); err != nil {
		pkgLog.Warnf("info: probe failed: %v", err)
		return &protocol.Response{Status: protocol.StatusFlashError}
	}
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], d.info.JEDECID)
	binary.LittleEndian.PutUint32(data[4:8], d.info.TotalSize)
	binary.LittleEndian.PutUint32(data[8:12], d.info.PageSize)
	binary.LittleEndian.PutUint32(data[12:16], d.info.SectorSize)
	return &protocol.Response{Status: protocol.StatusSuccess, Data: data}
}

func (d *Dispatcher) handleErase(pkt *protocol.Packet) *protocol.Response {
	if err := d.ensureInfo(); err != nil {
		return &protocol.Response{Status: protocol.StatusFlashError}
	}
	size := d.info.SectorSize // default to one sector
	if len(pkt.Data) >= 4 {
		size = binary.LittleEndian.Uint32(pkt.Data[0:4])
	}
	if err := d.drv.EraseRange(pkt.Address, size); err != nil {
		pkgLog.Warnf("erase at %06X failed: %v", pkt.Address, err)
		return &protocol.Response{Status: driverStatus(err)}
	}
	pkgLog.Infof("erased %d bytes at %06X", size, pkt.Address)
	return &protocol.Response{Status: protocol.StatusSuccess}
}

func (d *Dispatcher) handleWrite(pkt *protocol.Packet) *protocol.Response {
	if err := d.ensureInfo(); err != nil {
		return &protocol.Response{Status: protocol.StatusFlashError}
	}
	if len(pkt.Data) == 0 {
		return &protocol.Response{Status: protocol.StatusInvalidAddress}
	}
	if len(pkt.Data) > protocol.MaxPayloadSize {
		return &protocol.Response{Status: protocol.StatusBufferOverflow}
	}
	if err := d.drv.Write(pkt.Address, pkt.Data); err != nil {
		pkgLog.Warnf("write at %06X failed: %v", pkt.Address, err)
		return &protocol.Response{Status: driverStatus(err)}
	}
	return &protocol.Response{Status: protocol.StatusSuccess}
}

func (d *Dispatcher) handleRead(pkt *protocol.Packet) *protocol.Response {
	if err := d.ensureInfo(); err != nil {
		return &protocol.Response{Status: protocol.StatusFlashError}
	}
	if len(pkt.Data) < 4 {
		return &protocol.Response{Status: protocol.StatusInvalidAddress}
	}
	size := binary.LittleEndian.Uint32(pkt.Data[0:4])
	if size > protocol.MaxPayloadSize {
		return &protocol.Response{Status: protocol.StatusInvalidAddress}
	}
	data, err := d.drv.Read(pkt.Address, int(size))
	if err != nil {
		pkgLog.Warnf("read at %06X failed: %v", pkt.Address, err)
		return &protocol.Response{Status: driverStatus(err)}
	}
	return &protocol.Response{Status: protocol.StatusSuccess, Data: data}
}

func (d *Dispatcher) handleVerify(pkt *protocol.Packet) *protocol.Response {
	if err := d.ensureInfo(); err != nil {
		return &protocol.Response{Status: protocol.StatusFlashError}
	}
	if len(pkt.Data) == 0 {
		return &protocol.Response{Status: protocol.StatusInvalidAddress}
	}
	stored, err := d.drv.Read(pkt.Address, len(pkt.Data))
	if err != nil {
		return &protocol.Response{Status: driverStatus(err)}
	}
	for i := range stored {
		if stored[i] != pkt.Data[i] {
			pkgLog.Warnf("verify mismatch at %06X", pkt.Address+uint32(i))
			return &protocol.Response{Status: protocol.StatusVerificationFailed}
		}
	}
	return &protocol.Response{Status: protocol.StatusSuccess}
}

// handleVerifyCRC computes the protocol checksum over the device's own
// copy of [address, address+size) and compares it against the host's,
// avoiding a bulk transfer of flash contents back to the host.
func (d *Dispatcher) handleVerifyCRC(pkt *protocol.Packet) *protocol.Response {
	if err := d.ensureInfo(); err != nil {
		return &protocol.Response{Status: protocol.StatusFlashError}
	}
	if len(pkt.Data) < 8 {
		return &protocol.Response{Status: protocol.StatusInvalidCommand}
	}
	want := binary.LittleEndian.Uint32(pkt.Data[0:4])
	size := binary.LittleEndian.Uint32(pkt.Data[4:8])
	if uint64(pkt.Address)+uint64(size) > uint64(d.info.TotalSize) {
		return &protocol.Response{Status: protocol.StatusInvalidAddress}
	}

	crc := uint32(0)
	addr := pkt.Address
	remaining := size
	for remaining > 0 {
		n := remaining
		if n > protocol.MaxPayloadSize {
			n = protocol.MaxPayloadSize
		}
		chunk, err := d.drv.Read(addr, int(n))
		if err != nil {
			return &protocol.Response{Status: driverStatus(err)}
		}
		crc = protocol.ChecksumUpdate(crc, chunk)
		addr += n
		remaining -= n
	}
	if crc != want {
		pkgLog.Warnf("CRC verify failed at %06X: device %08X, host %08X", pkt.Address, crc, want)
		return &protocol.Response{Status: protocol.StatusVerificationFailed}
	}
	return &protocol.Response{Status: protocol.StatusSuccess}
}

func (d *Dispatcher) handleStatus() *protocol.Response {
	if err := d.ensureInfo(); err != nil {
		return &protocol.Response{Status: protocol.StatusFlashError}
	}
	st, err := d.drv.ReadStatus()
	if err != nil {
		return &protocol.Response{Status: driverStatus(err)}
	}
	return &protocol.Response{Status: protocol.StatusSuccess, Data: []byte{st}}
}

// driverStatus maps driver errors onto protocol status codes.
func driverStatus(err error) protocol.Status {
	switch {
	case errors.Is(err, flash.ErrInvalidAddress), errors.Is(err, flash.ErrInvalidSize):
		return protocol.StatusInvalidAddress
	case errors.Is(err, flash.ErrTimeout):
		return protocol.StatusTimeout
	default:
		return protocol.StatusFlashError
	}
}
