package main

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"strconv"

	"github.com/embedhost/norprog/host"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

func processInfo(client *host.Client, args []string) {
	info, err := client.Info()
	if err != nil {
		log.Fatalf("failed to read device info: %v", err)
	}
	log.Infof("JEDEC ID: %06X", info.JEDECID)
	log.Infof("total size: %d bytes", info.TotalSize)
	log.Infof("page size: %d bytes", info.PageSize)
	log.Infof("sector size: %d bytes", info.SectorSize)
}

func getAddrAndLen(args []string) (uint32, int) {
	if len(args) != 2 {
		log.Fatalf("expected: addr len")
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}
	length, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		log.Fatalf("invalid length: %v", err)
	}
	return uint32(addr), int(length)
}

func getAddrAndData(args []string) (uint32, []byte) {
	if len(args) < 2 {
		log.Fatalf("expected: addr datafile")
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}
	data, err := ioutil.ReadFile(args[1])
	if err != nil {
		log.Fatalf("failed to read data file: %v", err)
	}
	return uint32(addr), data
}

func processRead(client *host.Client, args []string) {
	addr, length := getAddrAndLen(args)
	data, err := client.Read(addr, length)
	if err != nil {
		log.Fatalf("failed to read flash: %v", err)
	}
	fmt.Print(hex.Dump(data))
}

func processWrite(client *host.Client, args []string) {
	addr, data := getAddrAndData(args)
	if err := client.Write(addr, data); err != nil {
		log.Fatalf("failed to write flash: %v", err)
	}
}

func processStream(client *host.Client, args []string) {
	addr, data := getAddrAndData(args)
	if err := client.WriteStream(addr, data); err != nil {
		log.Fatalf("failed to stream flash: %v", err)
	}
}

func processErase(client *host.Client, args []string) {
	addr, length := getAddrAndLen(args)
	if err := client.Erase(addr, uint32(length)); err != nil {
		log.Fatalf("failed to erase flash: %v", err)
	}
}

func processVerify(client *host.Client, args []string) {
	addr, data := getAddrAndData(args)
	name := "crc"
	if len(args) > 2 {
		name = args[2]
	}
	strategy, err := host.ParseVerifyStrategy(name)
	if err != nil {
		log.Fatal(err)
	}
	switch strategy {
	case host.VerifyByReadback:
		err = client.VerifyReadback(addr, data)
	case host.VerifyByHash:
		err = client.VerifyHash(addr, data)
	default:
		err = client.VerifyCRC(addr, data)
	}
	if err != nil {
		log.Fatalf("verification failed: %v", err)
	}
	log.Infof("verification passed")
}

func processStatus(client *host.Client, args []string) {
	st, err := client.ReadStatus()
	if err != nil {
		log.Fatalf("failed to read status: %v", err)
	}
	fmt.Printf("status: %02X\n", st)
}

// Status register 1 bit names (W25Q-series).
var statusBits = []string{"BUSY", "WEL", "BP0", "BP1", "BP2", "TB", "SEC", "SRP0"}

func processDump(client *host.Client, args []string) {
	st, err := client.ReadStatus()
	if err != nil {
		log.Fatalf("failed to read status: %v", err)
	}
	fmt.Printf("status register 1: %02X\n", st)
	for i, name := range statusBits {
		fmt.Printf("  %-4s = %d\n", name, st>>uint(i)&1)
	}
}

func processPorts() {
	ports, err := serial.GetPortsList()
	if err != nil {
		log.Fatalf("failed to enumerate ports: %v", err)
	}
	if len(ports) == 0 {
		log.Info("no serial ports found")
		return
	}
	for _, port := range ports {
		fmt.Println(port)
	}
}
