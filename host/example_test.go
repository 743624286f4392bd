package host

import (
	"log"
	"os"
)

func Example() {
	// First open the byte link to the device
	link, err := NewSerialLink("/dev/ttyUSB0", 115200)
	if err != nil {
		log.Fatalf("failed to open serial link: %v", err)
	}
	defer link.Close()

	// Create a client over the link
	client := NewClient(link)

	// Create a programmer that erases before writing and verifies by CRC
	programmer := NewProgrammer(client, ProgramOptions{
		Erase:  true,
		Verify: VerifyByCRC,
	})

	log.Print("connecting to device...")
	if err := programmer.Connect(); err != nil {
		log.Fatal(err)
	}
	log.Print("connected")

	file, err := os.Open("firmware.hex")
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	if err := programmer.LoadHex(file); err != nil {
		log.Fatal(err)
	}
	log.Print("hex file loaded")

	log.Print("programming...")
	if err := programmer.Program(); err != nil {
		log.Fatal(err)
	}

	log.Print("verifying...")
	if err := programmer.Verify(); err != nil {
		log.Fatal(err)
	}
	log.Print("complete")
}
