package host

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/embedhost/norprog/device"
	"github.com/embedhost/norprog/flash"
	"github.com/embedhost/norprog/protocol"
)

// newTestLink wires a client to a simulated device over an in-memory pipe:
// the dispatcher serves a driver backed by a SimChip on one end, the client
// speaks the packet protocol on the other.
func newTestLink(t *testing.T, opts ...Option) (*Client, *flash.SimChip) {
	t.Helper()
	hostEnd, devEnd := net.Pipe()

	chip := flash.NewSimChip(16 * 1024 * 1024)
	drv := flash.New(chip,
		flash.WithPollInterval(10*time.Microsecond),
		flash.WithBusyTimeout(100*time.Millisecond),
		flash.WithProbeTimeout(10*time.Millisecond))
	go device.New(drv).Serve(devEnd)

	t.Cleanup(func() {
		hostEnd.Close()
		devEnd.Close()
	})
	return NewClient(hostEnd, opts...), chip
}

func TestInfoEndToEnd(t *testing.T) {
	c, _ := newTestLink(t)

	info, err := c.Info()
	if err != nil {
		t.Fatalf("info failed: %v", err)
	}
	want := DeviceInfo{JEDECID: 0xEF4018, TotalSize: 16 * 1024 * 1024, PageSize: 256, SectorSize: 4096}
	if info != want {
		t.Errorf("info %+v, want %+v", info, want)
	}
}

func TestReliableWriteReadRoundTrip(t *testing.T) {
	c, _ := newTestLink(t)

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 31)
	}
	if err := c.Write(0x1000, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Read past the written range up to the next page multiple; the tail
	// must still be erased.
	got, err := c.Read(0x1000, 0x1400)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got[:len(data)], data) {
		t.Fatal("readback differs from written data")
	}
	for i := len(data); i < len(got); i++ {
		if got[i] != 0xFF {
			t.Fatalf("byte at %06X is %02X, want erased", 0x1000+i, got[i])
		}
	}
}

func TestStreamWriteEndToEnd(t *testing.T) {
	c, _ := newTestLink(t, WithStreamBatch(4, time.Millisecond))

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 13)
	}
	if err := c.WriteStream(0x8000, data); err != nil {
		t.Fatalf("stream write failed: %v", err)
	}

	got, err := c.Read(0x8000, len(data))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("readback differs from streamed data")
	}
}

func TestEraseRestoresErasedState(t *testing.T) {
	c, _ := newTestLink(t)

	if err := c.Write(0x3000, []byte{0x00, 0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	if err := c.Erase(0x3000, 3); err != nil {
		t.Fatalf("erase failed: %v", err)
	}
	got, err := c.Read(0x3000, 3)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range got {
		if b != 0xFF {
			t.Errorf("byte %d is %02X after erase, want FF", i, b)
		}
	}
}

// All three verification strategies must agree: pass on intact data and
// detect a single corrupted byte.
func TestVerifyStrategies(t *testing.T) {
	c, chip := newTestLink(t, WithCRCBlockSize(2048))

	const addr = 0x5000
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := c.Write(addr, data); err != nil {
		t.Fatal(err)
	}

	strategies := []struct {
		name   string
		verify func(uint32, []byte) error
	}{
		{"readback", c.VerifyReadback},
		{"hash", c.VerifyHash},
		{"crc", c.VerifyCRC},
	}

	for _, s := range strategies {
		if err := s.verify(addr, data); err != nil {
			t.Errorf("%s on intact data: %v", s.name, err)
		}
	}

	chip.Bytes()[addr+3141] &^= 0x20 // clear one programmed bit

	for _, s := range strategies {
		err := s.verify(addr, data)
		var te *TransferError
		if !errors.As(err, &te) || te.Status != protocol.StatusVerificationFailed {
			t.Errorf("%s on corrupted data: got %v, want verification failure", s.name, err)
		}
	}
}

func TestWriteBeyondFlashReportsAddress(t *testing.T) {
	c, _ := newTestLink(t)

	const addr = 16*1024*1024 - 2
	err := c.Write(addr, []byte{1, 2, 3, 4})
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want TransferError", err)
	}
	if te.Address != addr {
		t.Errorf("error address %06X, want %06X", te.Address, addr)
	}
	if te.Status != protocol.StatusInvalidAddress {
		t.Errorf("status %v, want invalid address", te.Status)
	}
}

func TestProgressCallback(t *testing.T) {
	var last, total int
	c, _ := newTestLink(t, WithProgress(func(done, n int) { last, total = done, n }))

	data := make([]byte, 3000)
	if err := c.Write(0, data); err != nil {
		t.Fatal(err)
	}
	if last != 3000 || total != 3000 {
		t.Errorf("final progress %d/%d, want 3000/3000", last, total)
	}
}

const testHex = ":04001000DEADBEEFB4\n" +
	":021000000102EB\n" +
	":00000001FF\n"

func TestProgrammerHexFlow(t *testing.T) {
	c, chip := newTestLink(t)

	p := NewProgrammer(c, ProgramOptions{Erase: true, Verify: VerifyByCRC})
	if err := p.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := p.LoadHex(strings.NewReader(testHex)); err != nil {
		t.Fatalf("hex load failed: %v", err)
	}
	if err := p.Program(); err != nil {
		t.Fatalf("program failed: %v", err)
	}
	if err := p.Verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	if !bytes.Equal(chip.Bytes()[0x10:0x14], []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Error("first segment not programmed")
	}
	if !bytes.Equal(chip.Bytes()[0x1000:0x1002], []byte{0x01, 0x02}) {
		t.Error("second segment not programmed")
	}

	chip.Bytes()[0x11] &^= 0x01
	if err := p.Verify(); err == nil {
		t.Error("verify passed on corrupted flash")
	}
}

func TestProgrammerRejectsOversizedImage(t *testing.T) {
	c, _ := newTestLink(t)

	p := NewProgrammer(c, ProgramOptions{})
	if err := p.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := p.LoadBin(bytes.NewReader(make([]byte, 16)), 16*1024*1024-8); err != nil {
		t.Fatal(err)
	}
	err := p.Program()
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want TransferError before any transfer", err)
	}
}

func TestParseVerifyStrategy(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want VerifyStrategy
	}{
		{"", VerifyNone},
		{"none", VerifyNone},
		{"readback", VerifyByReadback},
		{"hash", VerifyByHash},
		{"crc", VerifyByCRC},
	} {
		got, err := ParseVerifyStrategy(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseVerifyStrategy(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseVerifyStrategy("bogus"); err == nil {
		t.Error("bogus strategy accepted")
	}
}
