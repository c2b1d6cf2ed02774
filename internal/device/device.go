// Package device wraps evdev device discovery, identity matching, and
// virtual output creation.
package device

import (
	"errors"
	"fmt"
	"os"

	"github.com/holoplot/go-evdev"

	"evremapd/internal/config"
)

// ErrNotFound is returned when no attached device matches a spec.
var ErrNotFound = errors.New("no matching input device")

// Info is the identity of one attached input device.
type Info struct {
	Path string
	Name string
	Phys string
}

// Enumerate collects the identity of every readable node under
// /dev/input. Nodes that cannot be opened (permissions, raced unplug)
// are skipped.
func Enumerate() ([]Info, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}

	infos := make([]Info, 0, len(paths))
	for _, p := range paths {
		dev, err := evdev.OpenWithFlags(p.Path, os.O_RDONLY)
		if err != nil {
			continue
		}
		name, _ := dev.Name()
		phys, _ := dev.PhysicalLocation()
		dev.Close()
		infos = append(infos, Info{Path: p.Path, Name: name, Phys: phys})
	}
	return infos, nil
}

// FindInput opens the first attached device matching spec, skipping
// paths for which skip returns true (already claimed by a session).
// Returns ErrNotFound when nothing matches.
func FindInput(spec *config.DeviceSpec, skip func(path string) bool) (*evdev.InputDevice, error) {
	infos, err := Enumerate()
	if err != nil {
		return nil, err
	}

	for _, info := range infos {
		if skip != nil && skip(info.Path) {
			continue
		}
		if !spec.Matches(info.Name, info.Phys, info.Path) {
			continue
		}
		dev, err := evdev.Open(info.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", info.Path, err)
		}
		return dev, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, spec.Label())
}
