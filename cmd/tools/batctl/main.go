package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/lmartin/batfleet/internal/fleet"
	"github.com/lmartin/batfleet/internal/venus"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  batctl discover [--port PORT] [--wait SECONDS]
  batctl read    --host HOST [--port PORT]
  batctl setmode --host HOST --mode auto|standby|precharge [--port PORT]

Optional flags:
  --port   (int)  Device UDP port (default: 30000)
  --wait   (int)  Discovery listen window in seconds (default: 5)

`)
	flag.PrintDefaults()
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Missing command (discover, read or setmode)\n")
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	host := fs.String("host", "", "Device host (required for read/setmode)")
	port := fs.Int("port", 30000, "Device UDP port")
	wait := fs.Int("wait", 5, "Discovery listen window in seconds")
	mode := fs.String("mode", "", "Mode to set: auto, standby or precharge")
	fs.Usage = usage

	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	client := venus.NewClient(venus.ClientConfig{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		Backoff:     time.Second,
	})
	ctx := context.Background()

	switch cmd {
	case "discover":
		addr := fmt.Sprintf("255.255.255.255:%d", *port)
		found, err := client.Discover(ctx, addr, time.Duration(*wait)*time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "discovery failed: %v\n", err)
			os.Exit(1)
		}
		for _, ann := range found {
			out, _ := json.Marshal(ann)
			fmt.Println(string(out))
		}
		fmt.Fprintf(os.Stderr, "%d device(s) found\n", len(found))

	case "read":
		dev := requireDevice(fs, *host, *port)
		adapter := venus.NewAdapter(client)
		battery, err := adapter.ReadBattery(ctx, dev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "battery read failed: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(battery, "", "  ")
		fmt.Println(string(out))

	case "setmode":
		dev := requireDevice(fs, *host, *port)
		var command fleet.ModeCommand
		switch *mode {
		case "auto":
			command = fleet.AutoCommand()
		case "standby":
			command = fleet.StandbyCommand("22:00", "06:00")
		case "precharge":
			command = fleet.PrechargeCommand(-1000, 8*time.Hour)
		default:
			fmt.Fprintf(os.Stderr, "--mode must be auto, standby or precharge\n")
			os.Exit(2)
		}
		adapter := venus.NewAdapter(client)
		ok, err := adapter.SetMode(ctx, dev, command)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mode set failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("accepted: %v\n", ok)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}
}

func requireDevice(fs *flag.FlagSet, host string, port int) fleet.Device {
	if host == "" {
		fmt.Fprintf(os.Stderr, "--host is required\n")
		fs.Usage()
		os.Exit(2)
	}
	return fleet.Device{Host: host, Port: port}
}
