// norsim serves the flash programming protocol over a serial port against a
// simulated chip, so the host tool can be exercised without hardware. Point
// it at one end of a pty pair and norprog at the other.
package main

import (
	"flag"
	"fmt"

	"github.com/embedhost/norprog/device"
	"github.com/embedhost/norprog/flash"
	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

const appVersion = "0.1.0"

func main() {
	version := flag.Bool("version", false, "Prints the program version.")
	port := flag.String("port", "", "Serial port name.")
	baud := flag.Int("baud", 115200, "Baud rate.")
	size := flag.Int("size", 16*1024*1024, "Simulated flash size in bytes.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	device.SetLogger(log.StandardLogger())

	if *port == "" {
		log.Fatal("must specify port")
	}

	p, err := serial.OpenPort(&serial.Config{Name: *port, Baud: *baud})
	if err != nil {
		log.Fatalf("failed to open port: %v", err)
	}
	defer p.Close()

	chip := flash.NewSimChip(*size)
	drv := flash.New(chip)
	dispatcher := device.New(drv)

	log.Infof("serving %d byte simulated flash on %v", *size, *port)
	if err := dispatcher.Serve(p); err != nil {
		log.Fatalf("serve: %v", err)
	}
	if n := dispatcher.SilentErrors(); n > 0 {
		log.Warnf("%d fire-and-forget writes failed during the session", n)
	}
	log.Info("link closed")
}
