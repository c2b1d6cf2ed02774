// evremapd remaps Linux input devices.
//
// It grabs configured evdev devices exclusively, rewrites their key
// events according to per-device rule tables, and injects the results
// through virtual uinput devices. Run it without arguments to start the
// daemon, or use -l / -e to inspect input devices.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	evdev "github.com/holoplot/go-evdev"

	"evremapd/internal/config"
	"evremapd/internal/daemon"
	"evremapd/internal/device"
	"evremapd/internal/logging"
)

var (
	configPath  = flag.String("f", "", "path to config file")
	listDevices = flag.Bool("l", false, "list attached input devices and exit")
	readEvents  = flag.String("e", "", "print key events from the given device path and exit")
	logLevel    = flag.String("log-level", "", "log level (debug, info, warn, error)")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("evremapd %s\n", daemon.Version)
		return
	}

	if *listDevices {
		cmdListDevices()
		return
	}

	if *readEvents != "" {
		cmdReadEvents(*readEvents)
		return
	}

	cmdDaemon()
}

func cmdListDevices() {
	infos, err := device.Enumerate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing devices: %v\n", err)
		os.Exit(1)
	}
	if len(infos) == 0 {
		fmt.Println("No input devices found (check /dev/input permissions).")
		return
	}
	for i := len(infos) - 1; i >= 0; i-- {
		info := infos[i]
		fmt.Printf("%s:\t%q | %q\n", info.Path, info.Phys, info.Name)
	}
}

// cmdReadEvents prints decoded key events from one device, for finding
// the codes to use in a config file. The device may be given as a node
// path, an event number, or a name/phys string. Ctrl+C stops it.
func cmdReadEvents(arg string) {
	path, err := resolveDevicePath(arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving device %q: %v\n", arg, err)
		os.Exit(1)
	}

	dev, err := evdev.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", path, err)
		os.Exit(1)
	}
	defer dev.Close()

	name, _ := dev.Name()
	fmt.Printf("Reading events from %s (%s), Ctrl+C to stop\n", path, name)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		dev.Close()
	}()

	for {
		ev, err := dev.ReadOne()
		if err != nil {
			return
		}
		if ev.Type != evdev.EV_KEY {
			continue
		}
		switch ev.Value {
		case 1:
			fmt.Printf("Key pressed: %s (%d)\n", ev.CodeName(), ev.Code)
		case 0:
			fmt.Printf("Key released: %s (%d)\n", ev.CodeName(), ev.Code)
		}
	}
}

func resolveDevicePath(arg string) (string, error) {
	if strings.HasPrefix(arg, "/") {
		return arg, nil
	}
	if n, err := strconv.Atoi(arg); err == nil {
		return fmt.Sprintf("/dev/input/event%d", n), nil
	}
	infos, err := device.Enumerate()
	if err != nil {
		return "", err
	}
	for _, info := range infos {
		if info.Name == arg || info.Phys == arg {
			return info.Path, nil
		}
	}
	return "", fmt.Errorf("no attached device has that name or phys")
}

func cmdDaemon() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := daemon.New(cfg, log).Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if *configPath != "" {
		return *configPath
	}
	return config.DefaultPath()
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	if cfg.Logging.Level != "" {
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		lc.Level = level
	}
	if *logLevel != "" {
		level, err := logging.ParseLevel(*logLevel)
		if err != nil {
			return nil, err
		}
		lc.Level = level
	}
	if cfg.Logging.Format != "" {
		format, err := logging.ParseFormat(cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
		lc.Format = format
	}
	if cfg.Logging.Output != "" {
		lc.Output = cfg.Logging.Output
	}
	if cfg.Logging.File != "" {
		lc.FilePath = cfg.Logging.File
	}
	return logging.New(lc)
}
