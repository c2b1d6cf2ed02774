package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pilebones/go-udev/netlink"

	"evremapd/internal/logging"
)

// debounceWindow coalesces bursts of attach notifications before a
// registry sync. A single plugged keyboard surfaces as several event
// nodes.
const debounceWindow = 100 * time.Millisecond

// Monitor watches for input device attachment and invokes notify for
// each coalesced burst of attach events.
type Monitor interface {
	Run(ctx context.Context, notify func()) error
}

// UdevMonitor listens on the kernel's udev netlink socket for add
// events in the input subsystem.
type UdevMonitor struct {
	log *logging.Logger
}

// NewUdevMonitor creates a netlink-based hotplug monitor.
func NewUdevMonitor(log *logging.Logger) *UdevMonitor {
	if log == nil {
		log = logging.Default()
	}
	return &UdevMonitor{log: log}
}

// Run blocks until ctx is canceled. Connecting requires access to the
// udev netlink socket; the returned error lets the daemon fall back to
// directory watching.
func (m *UdevMonitor) Run(ctx context.Context, notify func()) error {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return fmt.Errorf("connect udev netlink: %w", err)
	}
	defer conn.Close()

	add := "add"
	matcher := &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{{
			Action: &add,
			Env:    map[string]string{"SUBSYSTEM": "input"},
		}},
	}
	if err := matcher.Compile(); err != nil {
		return fmt.Errorf("compile udev matcher: %w", err)
	}

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(queue, errs, matcher)
	defer close(quit)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case uevent := <-queue:
			m.log.Debug("input device attached", "kobj", uevent.KObj)
			pending = time.After(debounceWindow)
		case err := <-errs:
			m.log.Warn("udev monitor error", "error", err)
		case <-pending:
			pending = nil
			notify()
		}
	}
}

// FsnotifyMonitor watches /dev/input for new event nodes. It is the
// fallback when the udev netlink socket is unavailable (containers,
// restricted environments).
type FsnotifyMonitor struct {
	dir string
	log *logging.Logger
}

// NewFsnotifyMonitor creates a directory-watch hotplug monitor.
func NewFsnotifyMonitor(dir string, log *logging.Logger) *FsnotifyMonitor {
	if dir == "" {
		dir = "/dev/input"
	}
	if log == nil {
		log = logging.Default()
	}
	return &FsnotifyMonitor{dir: dir, log: log}
}

// Run blocks until ctx is canceled.
func (m *FsnotifyMonitor) Run(ctx context.Context, notify func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			if !strings.Contains(event.Name, "event") {
				continue
			}
			m.log.Debug("input node created", "path", event.Name)
			pending = time.After(debounceWindow)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("watch error", "dir", m.dir, "error", err)
		case <-pending:
			pending = nil
			notify()
		}
	}
}
