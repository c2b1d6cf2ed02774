// evremapctl is the control CLI for evremapd.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"evremapd/internal/config"
	"evremapd/internal/ipc"
)

var (
	socketPath = flag.String("socket", "", "path to the daemon control socket")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "ping":
		cmdPing()
	case "status":
		cmdStatus()
	case "devices":
		cmdDevices()
	case "shutdown":
		cmdShutdown()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `evremapctl - Control utility for evremapd

Usage: evremapctl [options] <command>

Commands:
  ping       Check that the daemon is running
  status     Show daemon status and registered devices
  devices    List input devices visible to the daemon
  shutdown   Ask the daemon to shut down
  help       Show this help message

Options:
  -socket <path>  Control socket path (default: $XDG_RUNTIME_DIR/evremapd.sock)`)
}

func dial() *ipc.Client {
	path := *socketPath
	if path == "" {
		path = config.DefaultSocketPath()
	}
	c, err := ipc.Dial(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to daemon at %s: %v\n", path, err)
		fmt.Fprintln(os.Stderr, "Is evremapd running?")
		os.Exit(1)
	}
	return c
}

func cmdPing() {
	c := dial()
	defer c.Close()

	if err := c.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "Ping failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Daemon is running.")
}

func cmdStatus() {
	c := dial()
	defer c.Close()

	status, err := c.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching status: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== evremapd Status ===")
	fmt.Printf("Version:    %s\n", status.Version)
	fmt.Printf("Started:    %s\n", status.StartedAt.Format(time.RFC3339))
	fmt.Printf("Uptime:     %s\n", status.Uptime.Round(time.Second))
	fmt.Printf("Configured: %d device(s)\n", status.ConfiguredDevices)
	fmt.Println()

	fmt.Println("Registered Devices:")
	if len(status.RegisteredDevices) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, d := range status.RegisteredDevices {
		fmt.Printf("  - %s (%s)", d.Device, d.Path)
		if d.ActiveGroup != "" {
			fmt.Printf(" [group: %s]", d.ActiveGroup)
		}
		fmt.Println()
	}
}

func cmdDevices() {
	c := dial()
	defer c.Close()

	resp, err := c.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing devices: %v\n", err)
		os.Exit(1)
	}

	if len(resp.Devices) == 0 {
		fmt.Println("No input devices visible to the daemon.")
		return
	}
	for _, d := range resp.Devices {
		fmt.Printf("%s\n", d.Path)
		fmt.Printf("  name: %s\n", d.Name)
		fmt.Printf("  phys: %s\n", d.Phys)
	}
}

func cmdShutdown() {
	c := dial()
	defer c.Close()

	if err := c.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Shutdown requested.")
}
