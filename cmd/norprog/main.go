package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/embedhost/norprog/host"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

var commands = map[string]func(*host.Client, []string){
	"info":   processInfo,
	"read":   processRead,
	"write":  processWrite,
	"stream": processStream,
	"erase":  processErase,
	"verify": processVerify,
	"status": processStatus,
	"dump":   processDump,
}

// hostProfile is the YAML profile file format.
type hostProfile struct {
	ChunkSize     int
	ReadTimeoutMs int
	StreamBatch   int
	StreamPaceMs  int
	CRCBlockSize  int
	Erase         bool
	Stream        bool
	Verify        string
}

const appVersion = "0.1.0"

func main() {
	version := flag.Bool("version", false, "Prints the program version.")
	port := flag.String("port", "", "Serial port name.")
	baud := flag.Int("baud", 115200, "Baud rate.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	addr := flag.Uint("addr", 0, "Flash address for programming raw binary files.")

	// Format an empty hostProfile struct in YAML format as an example.
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.Encode(hostProfile{})
	profile := flag.String("profile", "", "Session profile yaml file. Example:\n\n"+buf.String())

	cmdList := []string{"ports"}
	for key := range commands {
		cmdList = append(cmdList, key)
	}
	command := flag.String("cmd", "", fmt.Sprintf("Command to run, one of: %+v\n"+
		"Memory read commands have the following usage: cmdname addr length, e.g. read 0x1000 32\n"+
		"Memory write commands have the following usage: cmdname addr datafile, e.g. write 0x1000 datafile\n"+
		"verify additionally takes a strategy: verify 0x1000 datafile crc",
		cmdList))

	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	host.SetLogger(log.StandardLogger())

	// Port enumeration needs no open port.
	if *command == "ports" {
		processPorts()
		return
	}

	if *port == "" {
		log.Fatal("must specify port")
	}

	settings := hostProfile{}
	if *profile != "" {
		f, err := ioutil.ReadFile(*profile)
		if err != nil {
			log.Fatalf("failed to open profile file: %v", err)
		}
		if err := yaml.Unmarshal(f, &settings); err != nil {
			log.Fatalf("failed to parse profile file: %v", err)
		}
	}

	link, err := host.NewSerialLink(*port, *baud)
	if err != nil {
		log.Fatalf("failed to open serial link: %v", err)
	}
	defer link.Close()

	client := host.NewClient(link, clientOptions(settings)...)

	switch {
	case *command != "":
		// Run a single command
		f, ok := commands[*command]
		if !ok {
			log.Fatalf("invalid command %v", *command)
		}
		f(client, flag.Args())

	default:
		// Program an image file
		if len(flag.Args()) != 1 {
			log.Fatalf("must specify image file to program")
		}
		programImage(client, settings, flag.Args()[0], uint32(*addr))
	}
}

func clientOptions(settings hostProfile) []host.Option {
	var opts []host.Option
	if settings.ChunkSize > 0 {
		opts = append(opts, host.WithChunkSize(settings.ChunkSize))
	}
	if settings.ReadTimeoutMs > 0 {
		opts = append(opts, host.WithReadTimeout(time.Duration(settings.ReadTimeoutMs)*time.Millisecond))
	}
	if settings.StreamBatch > 0 {
		opts = append(opts, host.WithStreamBatch(settings.StreamBatch, time.Duration(settings.StreamPaceMs)*time.Millisecond))
	}
	if settings.CRCBlockSize > 0 {
		opts = append(opts, host.WithCRCBlockSize(settings.CRCBlockSize))
	}
	opts = append(opts, host.WithProgress(logProgress()))
	return opts
}

// logProgress reports transfer progress in 10% steps.
func logProgress() host.Progress {
	last := -1
	return func(done, total int) {
		pct := done * 100 / total
		if pct/10 != last/10 {
			last = pct
			log.Infof("%3d%% (%d/%d bytes)", pct, done, total)
		}
	}
}

func programImage(client *host.Client, settings hostProfile, path string, addr uint32) {
	strategy, err := host.ParseVerifyStrategy(settings.Verify)
	if err != nil {
		log.Fatalf("invalid profile: %v", err)
	}

	prog := host.NewProgrammer(client, host.ProgramOptions{
		Erase:  settings.Erase,
		Stream: settings.Stream,
		Verify: strategy,
	})

	log.Infof("connecting to device...")
	if err := prog.Connect(); err != nil {
		log.Fatal(err)
	}
	log.Infof("connected: %+v", prog.Info())

	file, err := os.Open(path)
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(path), ".hex") {
		err = prog.LoadHex(file)
	} else {
		err = prog.LoadBin(file, addr)
	}
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("image loaded")

	log.Infof("programming...")
	if err := prog.Program(); err != nil {
		log.Fatal(err)
	}

	log.Infof("verifying...")
	if err := prog.Verify(); err != nil {
		log.Fatal(err)
	}
	log.Infof("complete")
}
