// Package flash drives an SPI NOR flash chip (W25Q-series and compatibles)
// through a narrow bus interface: JEDEC probe, bounded reads, page-aligned
// programming with write-enable verification, and sector-granular erase,
// all with timeout-bounded busy polling.
package flash

import (
	"time"

	"github.com/pkg/errors"
)

// SPI is the bus transaction interface the driver needs. Exchange performs
// one chip-select transaction: w is clocked out, then len(r) bytes are
// clocked in. r may be nil for write-only commands.
type SPI interface {
	Exchange(w, r []byte) error
}

// SPI NOR command bytes (Winbond W25Q-series instruction set).
const (
	cmdPageProgram      = 0x02
	cmdReadData         = 0x03
	cmdReadStatus1      = 0x05
	cmdWriteEnable      = 0x06
	cmdReadStatus3      = 0x15
	cmdSectorErase      = 0x20
	cmdReadStatus2      = 0x35
	cmdReadJEDECID      = 0x9F
	cmdReleasePowerDown = 0xAB
)

// Status register 1 bits.
const (
	statusBusy = 0x01
	statusWEL  = 0x02
)

// Driver errors. SPI bus failures are wrapped with context and are distinct
// from ErrTimeout so callers can report them differently.
var (
	ErrNotInitialized  = errors.New("flash driver not initialized")
	ErrUnavailable     = errors.New("flash device unavailable")
	ErrTimeout         = errors.New("flash operation timeout")
	ErrInvalidAddress  = errors.New("address out of range")
	ErrInvalidSize     = errors.New("size out of range")
	ErrWriteNotEnabled = errors.New("write enable latch not set")
)

// DeviceInfo describes the probed chip. It is immutable once read.
type DeviceInfo struct {
	JEDECID    uint32
	TotalSize  uint32
	PageSize   uint32
	SectorSize uint32
}

// Registers holds a read-only dump of the chip's status registers, used for
// field debugging of write-protection problems.
type Registers struct {
	Status1 byte
	Status2 byte
	Status3 byte
}

type driverState int

const (
	stateUninitialized driverState = iota
	stateAvailable
	stateUnavailable
)

// Driver sequences raw chip-level commands against one SPI NOR device.
// It is not safe for concurrent use; the flash bus has exactly one logical
// owner at a time.
type Driver struct {
	spi   SPI
	state driverState
	info  DeviceInfo

	pollInterval time.Duration
	busyTimeout  time.Duration
	probeTimeout time.Duration
	maxRead      int
}

// Option configures a Driver.
type Option func(*Driver)

// WithPollInterval sets the delay between busy-bit polls.
func WithPollInterval(d time.Duration) Option {
	return func(drv *Driver) { drv.pollInterval = d }
}

// WithBusyTimeout bounds how long a single program or erase operation may
// stay busy before the driver gives up with ErrTimeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(drv *Driver) { drv.busyTimeout = d }
}

// WithProbeTimeout bounds how long Probe retries the identifier read.
func WithProbeTimeout(d time.Duration) Option {
	return func(drv *Driver) { drv.probeTimeout = d }
}

// WithGeometry overrides the geometry assumed when the JEDEC capacity code
// is not recognized.
func WithGeometry(total, page, sector uint32) Option {
	return func(drv *Driver) {
		drv.info.TotalSize = total
		drv.info.PageSize = page
		drv.info.SectorSize = sector
	}
}

// WithMaxReadSize sets the per-call ceiling for Read. Callers needing more
// are expected to chunk.
func WithMaxReadSize(n int) Option {
	return func(drv *Driver) { drv.maxRead = n }
}

// New creates a driver in the Uninitialized state. Probe must succeed
// before any other operation is accepted.
func New(spi SPI, opts ...Option) *Driver {
	drv := &Driver{
		spi:          spi,
		pollInterval: time.Millisecond,
		busyTimeout:  10 * time.Second,
		probeTimeout: time.Second,
		maxRead:      4096,
		info: DeviceInfo{
			// W25Q128 defaults; TotalSize is replaced by the JEDEC
			// capacity code when the probe recognizes one.
			TotalSize:  16 * 1024 * 1024,
			PageSize:   256,
			SectorSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(drv)
	}
	return drv
}

// Probe wakes the chip and reads its JEDEC identifier. On success the
// driver becomes Available and caches the device geometry; on timeout or a
// malformed identifier it becomes Unavailable and every later operation
// fails fast without touching the bus again.
func (d *Driver) Probe() (DeviceInfo, error) {
	// Release from deep power-down. Harmless if the chip was already
	// awake, so a bus error here is ignored.
	_ = d.spi.Exchange([]byte{cmdReleasePowerDown}, nil)
	time.Sleep(10 * time.Microsecond)

	deadline := time.Now().Add(d.probeTimeout)
	for {
		id, err := d.readJEDECID()
		if err == nil && id != 0x000000 && id != 0xFFFFFF {
			d.info.JEDECID = id
			if total, ok := capacityFromJEDEC(id); ok {
				d.info.TotalSize = total
			}
			d.state = stateAvailable
			return d.info, nil
		}
		if time.Now().After(deadline) {
			d.state = stateUnavailable
			if err != nil {
				return DeviceInfo{}, errors.Wrap(ErrUnavailable, err.Error())
			}
			return DeviceInfo{}, errors.Wrapf(ErrUnavailable, "JEDEC ID %06X", id)
		}
		time.Sleep(d.pollInterval)
	}
}

// capacityFromJEDEC derives the chip capacity from the JEDEC identifier.
// The low byte is a power-of-two capacity code on the chips this driver
// targets (0x18 = 16 MiB for the W25Q128).
func capacityFromJEDEC(id uint32) (uint32, bool) {
	code := id & 0xFF
	if code >= 0x10 && code <= 0x19 {
		return 1 << code, true
	}
	return 0, false
}

// Info returns the cached device information from the successful probe.
func (d *Driver) Info() (DeviceInfo, error) {
	if err := d.ready(); err != nil {
		return DeviceInfo{}, err
	}
	return d.info, nil
}

func (d *Driver) ready() error {
	switch d.state {
	case stateAvailable:
		return nil
	case stateUnavailable:
		return ErrUnavailable
	default:
		return ErrNotInitialized
	}
}

func (d *Driver) readJEDECID() (uint32, error) {
	var resp [3]byte
	if err := d.spi.Exchange([]byte{cmdReadJEDECID}, resp[:]); err != nil {
		return 0, errors.Wrap(err, "JEDEC ID read")
	}
	return uint32(resp[0])<<16 | uint32(resp[1])<<8 | uint32(resp[2]), nil
}

// ReadStatus reads status register 1.
func (d *Driver) ReadStatus() (byte, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	return d.readStatus()
}

func (d *Driver) readStatus() (byte, error) {
	var st [1]byte
	if err := d.spi.Exchange([]byte{cmdReadStatus1}, st[:]); err != nil {
		return 0, errors.Wrap(err, "status read")
	}
	return st[0], nil
}

// DumpRegisters reads all three status registers. It never mutates device
// state and is intended for diagnosing write-protection in the field.
func (d *Driver) DumpRegisters() (Registers, error) {
	if err := d.ready(); err != nil {
		return Registers{}, err
	}
	var regs Registers
	for _, rd := range []struct {
		cmd byte
		dst *byte
	}{
		{cmdReadStatus1, &regs.Status1},
		{cmdReadStatus2, &regs.Status2},
		{cmdReadStatus3, &regs.Status3},
	} {
		var b [1]byte
		if err := d.spi.Exchange([]byte{rd.cmd}, b[:]); err != nil {
			return Registers{}, errors.Wrapf(err, "register %02X read", rd.cmd)
		}
		*rd.dst = b[0]
	}
	return regs, nil
}

// Read performs one bounded SPI read transaction into a fresh buffer.
// Requests above the per-call maximum are rejected; the caller chunks.
func (d *Driver) Read(address uint32, length int) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if length < 0 || length > d.maxRead {
		return nil, errors.Wrapf(ErrInvalidSize, "read length %d (max %d)", length, d.maxRead)
	}
	if err := d.checkRange(address, uint32(length)); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	cmd := []byte{cmdReadData, byte(address >> 16), byte(address >> 8), byte(address)}
	if err := d.spi.Exchange(cmd, buf); err != nil {
		return nil, errors.Wrapf(err, "read at %06X", address)
	}
	return buf, nil
}

// Write programs data starting at address, splitting it into chunks that
// never cross a page boundary. Each chunk is preceded by write-enable with
// a verified write-enable latch, and followed by a timeout-bounded busy
// poll; a missing latch aborts the whole write since it indicates a dead or
// write-protected chip.
func (d *Driver) Write(address uint32, data []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.checkRange(address, uint32(len(data))); err != nil {
		return err
	}

	page := d.info.PageSize
	for len(data) > 0 {
		n := int(page - address%page)
		if n > len(data) {
			n = len(data)
		}
		if err := d.programPage(address, data[:n]); err != nil {
			return errors.Wrapf(err, "page program at %06X", address)
		}
		address += uint32(n)
		data = data[n:]
	}
	return nil
}

func (d *Driver) programPage(address uint32, chunk []byte) error {
	if err := d.writeEnable(); err != nil {
		return err
	}
	cmd := make([]byte, 4, 4+len(chunk))
	cmd[0] = cmdPageProgram
	cmd[1] = byte(address >> 16)
	cmd[2] = byte(address >> 8)
	cmd[3] = byte(address)
	cmd = append(cmd, chunk...)
	if err := d.spi.Exchange(cmd, nil); err != nil {
		return errors.Wrap(err, "page program command")
	}
	return d.waitReady(d.busyTimeout)
}

func (d *Driver) writeEnable() error {
	if err := d.spi.Exchange([]byte{cmdWriteEnable}, nil); err != nil {
		return errors.Wrap(err, "write enable command")
	}
	st, err := d.readStatus()
	if err != nil {
		return err
	}
	if st&statusWEL == 0 {
		return errors.Wrapf(ErrWriteNotEnabled, "status %02X", st)
	}
	return nil
}

// waitReady polls the busy bit until it clears or the timeout expires.
// Write and erase share this single loop so their timeout discipline cannot
// drift apart.
func (d *Driver) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := d.readStatus()
		if err != nil {
			return err
		}
		if st&statusBusy == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrTimeout, "busy bit stuck after %v", timeout)
		}
		time.Sleep(d.pollInterval)
	}
}

// EraseSector erases the sector at the given sector-aligned address.
func (d *Driver) EraseSector(address uint32) error {
	if err := d.ready(); err != nil {
		return err
	}
	if address%d.info.SectorSize != 0 {
		return errors.Wrapf(ErrInvalidAddress, "erase address %06X not sector-aligned", address)
	}
	if err := d.checkRange(address, d.info.SectorSize); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return errors.Wrapf(err, "sector erase at %06X", address)
	}
	cmd := []byte{cmdSectorErase, byte(address >> 16), byte(address >> 8), byte(address)}
	if err := d.spi.Exchange(cmd, nil); err != nil {
		return errors.Wrapf(err, "sector erase command at %06X", address)
	}
	if err := d.waitReady(d.busyTimeout); err != nil {
		return errors.Wrapf(err, "sector erase at %06X", address)
	}
	return nil
}

// EraseRange erases the minimal set of aligned sectors covering
// [address, address+size).
func (d *Driver) EraseRange(address, size uint32) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.checkRange(address, size); err != nil {
		return err
	}
	sector := d.info.SectorSize
	start := address / sector * sector
	end := (address + size + sector - 1) / sector * sector
	for cur := start; cur < end; cur += sector {
		if err := d.EraseSector(cur); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) checkRange(address, size uint32) error {
	if address >= d.info.TotalSize {
		return errors.Wrapf(ErrInvalidAddress, "address %06X beyond capacity %d", address, d.info.TotalSize)
	}
	if uint64(address)+uint64(size) > uint64(d.info.TotalSize) {
		return errors.Wrapf(ErrInvalidSize, "range %06X+%d beyond capacity %d", address, size, d.info.TotalSize)
	}
	return nil
}
