package host

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// VerifyStrategy selects how a programmed image is checked.
type VerifyStrategy int

const (
	// VerifyNone skips verification.
	VerifyNone VerifyStrategy = iota
	// VerifyByReadback sends the image to the device for comparison.
	VerifyByReadback
	// VerifyByHash reads the image back and compares SHA-256 digests.
	VerifyByHash
	// VerifyByCRC compares per-block CRC-32 checksums; only checksums
	// cross the link.
	VerifyByCRC
)

// ParseVerifyStrategy maps the strategy names used in profiles and on the
// command line.
func ParseVerifyStrategy(s string) (VerifyStrategy, error) {
	switch s {
	case "", "none":
		return VerifyNone, nil
	case "readback":
		return VerifyByReadback, nil
	case "hash":
		return VerifyByHash, nil
	case "crc":
		return VerifyByCRC, nil
	default:
		return VerifyNone, errors.Errorf("unknown verify strategy %q", s)
	}
}

func (v VerifyStrategy) String() string {
	switch v {
	case VerifyNone:
		return "none"
	case VerifyByReadback:
		return "readback"
	case VerifyByHash:
		return "hash"
	case VerifyByCRC:
		return "crc"
	default:
		return "invalid"
	}
}

// ProgramOptions holds programming options.
type ProgramOptions struct {
	// Erase the covering sectors of each segment before writing.
	Erase bool
	// Stream uses fire-and-forget writes instead of per-chunk
	// acknowledgement. Pair with a verification strategy.
	Stream bool
	Verify VerifyStrategy
}

// Programmer programs images onto a flash device through a Client.
type Programmer struct {
	client  *Client
	image   *Image
	info    DeviceInfo
	options ProgramOptions
}

// NewProgrammer creates a programmer that uses the given client.
func NewProgrammer(client *Client, options ProgramOptions) *Programmer {
	return &Programmer{client: client, options: options}
}

// LoadHex loads and parses Intel HEX data for programming.
func (p *Programmer) LoadHex(r io.Reader) error {
	img, err := LoadHex(r)
	if err != nil {
		return err
	}
	p.image = img
	return nil
}

// LoadBin loads raw binary data for programming at the given address.
func (p *Programmer) LoadBin(r io.Reader, address uint32) error {
	img, err := LoadBin(r, address)
	if err != nil {
		return err
	}
	p.image = img
	return nil
}

// Connect queries the device and caches its geometry.
func (p *Programmer) Connect() error {
	info, err := p.client.Info()
	if err != nil {
		return errors.Wrap(err, "failed to get device info")
	}
	p.info = info
	pkgLog.Infof("device: JEDEC %06X, %d bytes, page %d, sector %d",
		info.JEDECID, info.TotalSize, info.PageSize, info.SectorSize)
	return nil
}

// Info returns the cached device geometry.
func (p *Programmer) Info() DeviceInfo {
	return p.info
}

// checkBounds rejects segments that fall outside the probed flash before
// any sector is touched, so a bad image cannot half-program the chip.
func (p *Programmer) checkBounds() error {
	for _, seg := range p.image.Segments {
		if uint64(seg.Address)+uint64(len(seg.Data)) > uint64(p.info.TotalSize) {
			return &TransferError{
				Address: seg.Address,
				Err:     errors.Errorf("segment of %d bytes exceeds flash size %d", len(seg.Data), p.info.TotalSize),
			}
		}
	}
	return nil
}

// Program erases (when enabled) and writes the previously loaded image.
func (p *Programmer) Program() error {
	if p.image == nil {
		return errors.New("no image loaded")
	}
	if err := p.checkBounds(); err != nil {
		return err
	}
	for _, seg := range p.image.Segments {
		if p.options.Erase {
			pkgLog.Infof("erasing %d bytes at %06X", len(seg.Data), seg.Address)
			if err := p.client.Erase(seg.Address, uint32(len(seg.Data))); err != nil {
				return fmt.Errorf("failed to erase segment: %v", err)
			}
		}
		pkgLog.Infof("writing %d bytes at %06X", len(seg.Data), seg.Address)
		write := p.client.Write
		if p.options.Stream {
			write = p.client.WriteStream
		}
		if err := write(seg.Address, seg.Data); err != nil {
			return fmt.Errorf("failed to write segment: %v", err)
		}
	}
	return nil
}

// Verify checks the programmed image using the configured strategy.
func (p *Programmer) Verify() error {
	if p.image == nil {
		return errors.New("no image loaded")
	}
	var verify func(uint32, []byte) error
	switch p.options.Verify {
	case VerifyNone:
		return nil
	case VerifyByReadback:
		verify = p.client.VerifyReadback
	case VerifyByHash:
		verify = p.client.VerifyHash
	case VerifyByCRC:
		verify = p.client.VerifyCRC
	default:
		return errors.Errorf("invalid verify strategy %d", p.options.Verify)
	}
	for _, seg := range p.image.Segments {
		pkgLog.Infof("verifying %d bytes at %06X (%v)", len(seg.Data), seg.Address, p.options.Verify)
		if err := verify(seg.Address, seg.Data); err != nil {
			return fmt.Errorf("failed to verify segment: %v", err)
		}
	}
	return nil
}
