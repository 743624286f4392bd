package host

import (
	"io"
	"time"

	"github.com/tarm/serial"
)

// NewSerialLink opens a serial port configured for the packet protocol and
// returns it ready for NewClient. The short read timeout is what lets the
// client enforce its own response deadline: an idle port returns from Read
// with zero bytes instead of blocking.
func NewSerialLink(port string, baud int) (io.ReadWriteCloser, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        port,
		Baud:        baud,
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	// On Linux with USB serial ports, in order for flush to work properly
	// we need to delay a little before flushing to make sure that any
	// received data has made its way up the driver stack.
	// See https://stackoverflow.com/questions/13013387/clearing-the-serial-ports-buffer
	time.Sleep(time.Millisecond * 100)
	p.Flush()
	return p, nil
}
