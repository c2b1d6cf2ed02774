package device

import (
	"fmt"
	"sync"

	"github.com/holoplot/go-evdev"

	"evremapd/internal/remap"
)

// Capabilities is a device's event capability set, grouped by type.
type Capabilities map[evdev.EvType][]evdev.EvCode

// NativeCapabilities reads the capability set of an opened device,
// excluding the synthetic EV_SYN type.
func NativeCapabilities(dev *evdev.InputDevice) Capabilities {
	caps := make(Capabilities)
	for _, t := range dev.CapableTypes() {
		if t == evdev.EV_SYN {
			continue
		}
		caps[t] = dev.CapableEvents(t)
	}
	return caps
}

// OutputCapabilities unions the native capability set with every code
// the rule tables can emit, so the kernel accepts remapped codes the
// source device never produces.
func OutputCapabilities(native Capabilities, tables ...remap.RuleTable) Capabilities {
	caps := make(Capabilities, len(native))
	seen := make(map[evdev.EvType]map[evdev.EvCode]bool, len(native))
	for typ, codes := range native {
		caps[typ] = append([]evdev.EvCode(nil), codes...)
		seen[typ] = make(map[evdev.EvCode]bool, len(codes))
		for _, c := range codes {
			seen[typ][c] = true
		}
	}

	for _, table := range tables {
		for typ, codes := range table.TargetCodes() {
			if seen[typ] == nil {
				seen[typ] = make(map[evdev.EvCode]bool)
			}
			for _, c := range codes {
				if !seen[typ][c] {
					seen[typ][c] = true
					caps[typ] = append(caps[typ], c)
				}
			}
		}
	}
	return caps
}

// Output is a virtual uinput device. WriteOne is safe for concurrent
// use; timer tasks and the dispatch loop write to the same output.
type Output struct {
	mu  sync.Mutex
	dev *evdev.InputDevice
}

// CreateOutput creates a virtual device named name with the given
// capability set, carrying the input id of the source device so the
// output inherits its bus and vendor identity.
func CreateOutput(name string, source *evdev.InputDevice, caps Capabilities) (*Output, error) {
	id, err := source.InputID()
	if err != nil {
		return nil, fmt.Errorf("read input id: %w", err)
	}
	dev, err := evdev.CreateDevice(name, id, map[evdev.EvType][]evdev.EvCode(caps))
	if err != nil {
		return nil, fmt.Errorf("create uinput device %q: %w", name, err)
	}
	return &Output{dev: dev}, nil
}

// WriteOne writes a single event to the virtual device.
func (o *Output) WriteOne(ev *evdev.InputEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dev.WriteOne(ev)
}

// Close destroys the virtual device.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dev.Close()
}
