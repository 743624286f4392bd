package flash

import (
	"github.com/pkg/errors"
)

// ProgramOp records one page-program transaction seen by the simulated
// chip, for asserting chunking behaviour in tests.
type ProgramOp struct {
	Address uint32
	Length  int
}

// SimChip is an in-memory W25Q-style SPI NOR chip implementing the SPI
// interface. It models the parts of the real chip the driver depends on:
// the JEDEC identifier, the write-enable latch, busy cycles after program
// and erase, AND-semantics programming into erased (0xFF) cells, and
// sector erase. Fault injection hooks let tests simulate a stuck busy bit,
// a refused write-enable latch and bus errors.
type SimChip struct {
	mem    []byte
	jedec  uint32
	page   uint32
	sector uint32

	wel      bool
	busyLeft int

	// BusyPolls is the number of status reads an operation stays busy for.
	BusyPolls int
	// StickBusy keeps the busy bit set forever once an operation starts.
	StickBusy bool
	// FailWriteEnable makes the chip ignore write-enable commands.
	FailWriteEnable bool
	// ExchangeErr, when set, fails every bus transaction.
	ExchangeErr error

	// Programs and Erases trace the mutating operations in order.
	Programs []ProgramOp
	Erases   []uint32

	exchanges int
}

// NewSimChip creates a simulated chip of the given size with W25Q geometry
// (256-byte pages, 4 KiB sectors). The JEDEC identifier carries a capacity
// code matching the size when it is a power of two in the W25Q range, so a
// driver probing the sim derives a capacity its memory can actually back;
// other sizes report the W25Q128 code. All cells start erased.
func NewSimChip(size int) *SimChip {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	code := uint32(0x18) // W25Q128
	for c := uint32(0x10); c <= 0x19; c++ {
		if uint64(size) == 1<<c {
			code = c
			break
		}
	}
	return &SimChip{
		mem:    mem,
		jedec:  0xEF4000 | code,
		page:   256,
		sector: 4096,
	}
}

// SetJEDECID overrides the identifier returned by the chip, e.g. to
// simulate a missing or dead device (0x000000 / 0xFFFFFF).
func (c *SimChip) SetJEDECID(id uint32) { c.jedec = id }

// Bytes exposes the backing memory for test assertions and fault injection.
func (c *SimChip) Bytes() []byte { return c.mem }

// Exchanges returns the number of bus transactions performed.
func (c *SimChip) Exchanges() int { return c.exchanges }

// Exchange implements the SPI interface.
func (c *SimChip) Exchange(w, r []byte) error {
	c.exchanges++
	if c.ExchangeErr != nil {
		return c.ExchangeErr
	}
	if len(w) == 0 {
		return errors.New("sim: empty command")
	}

	switch w[0] {
	case cmdReleasePowerDown:
		// Wake from deep power-down; nothing modelled.

	case cmdReadJEDECID:
		if len(r) >= 3 {
			r[0] = byte(c.jedec >> 16)
			r[1] = byte(c.jedec >> 8)
			r[2] = byte(c.jedec)
		}

	case cmdReadStatus1:
		var st byte
		if c.StickBusy || c.busyLeft > 0 {
			st |= statusBusy
			if c.busyLeft > 0 {
				c.busyLeft--
			}
		}
		if c.wel {
			st |= statusWEL
		}
		if len(r) >= 1 {
			r[0] = st
		}

	case cmdReadStatus2, cmdReadStatus3:
		if len(r) >= 1 {
			r[0] = 0
		}

	case cmdWriteEnable:
		if !c.FailWriteEnable {
			c.wel = true
		}

	case cmdPageProgram:
		if len(w) < 5 {
			return errors.New("sim: short page program")
		}
		if !c.wel {
			// Real chips silently ignore program commands without WEL.
			return nil
		}
		addr := cmdAddr(w)
		data := w[4:]
		c.Programs = append(c.Programs, ProgramOp{Address: addr, Length: len(data)})
		pageStart := addr / c.page * c.page
		off := addr
		for _, b := range data {
			// Program can only clear bits, and the address wraps within
			// the page like the real part. Addresses past the backing
			// memory are ignored, like the read path.
			if off < uint32(len(c.mem)) {
				c.mem[off] &= b
			}
			off++
			if off >= pageStart+c.page {
				off = pageStart
			}
		}
		c.wel = false
		c.busyLeft = c.BusyPolls
		if c.StickBusy {
			c.busyLeft = 1
		}

	case cmdSectorErase:
		if !c.wel {
			return nil
		}
		addr := cmdAddr(w)
		c.Erases = append(c.Erases, addr)
		start := addr / c.sector * c.sector
		for i := start; i < start+c.sector && i < uint32(len(c.mem)); i++ {
			c.mem[i] = 0xFF
		}
		c.wel = false
		c.busyLeft = c.BusyPolls
		if c.StickBusy {
			c.busyLeft = 1
		}

	case cmdReadData:
		if len(w) < 4 {
			return errors.New("sim: short read")
		}
		addr := cmdAddr(w)
		for i := range r {
			p := addr + uint32(i)
			if p < uint32(len(c.mem)) {
				r[i] = c.mem[p]
			} else {
				r[i] = 0xFF
			}
		}

	default:
		return errors.Errorf("sim: unsupported command %02X", w[0])
	}
	return nil
}

func cmdAddr(w []byte) uint32 {
	return uint32(w[1])<<16 | uint32(w[2])<<8 | uint32(w[3])
}
