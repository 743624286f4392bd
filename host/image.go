package host

import (
	"io"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Segment is a contiguous run of image data at a flash address.
type Segment struct {
	Address uint32
	Data    []byte
}

// Image is firmware or asset data to be programmed, as one or more segments.
// Intel HEX files may produce several disjoint segments; raw binaries always
// produce exactly one.
type Image struct {
	Segments []Segment
}

// LoadHex parses Intel HEX data into an image, one segment per contiguous
// data run.
func LoadHex(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrap(err, "parse hex")
	}
	img := &Image{}
	for _, seg := range mem.GetDataSegments() {
		img.Segments = append(img.Segments, Segment{Address: seg.Address, Data: seg.Data})
		pkgLog.Debugf("loaded segment at %06X length %v", seg.Address, len(seg.Data))
	}
	if len(img.Segments) == 0 {
		return nil, errors.New("hex file contains no data")
	}
	return img, nil
}

// LoadBin reads raw binary data as a single segment at the given address.
func LoadBin(r io.Reader, address uint32) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read binary")
	}
	if len(data) == 0 {
		return nil, errors.New("binary file is empty")
	}
	return &Image{Segments: []Segment{{Address: address, Data: data}}}, nil
}

// Size returns the total number of data bytes across all segments.
func (img *Image) Size() int {
	n := 0
	for _, seg := range img.Segments {
		n += len(seg.Data)
	}
	return n
}
