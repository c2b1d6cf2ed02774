// Package config loads and validates the daemon configuration: which
// input devices to take over and how their keys are remapped.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"evremapd/internal/remap"
)

// Defaults applied during normalization.
const (
	// DefaultRate is the interval between repeat emissions when a
	// repeat rule does not set one.
	DefaultRate = 100 * time.Millisecond

	// DefaultLongPressDuration is the hold threshold when a long-press
	// rule does not set one.
	DefaultLongPressDuration = 200 * time.Millisecond

	// DefaultOutputName names the virtual output device when the
	// config does not set one.
	DefaultOutputName = "evremapd-output"
)

// Validation errors.
var (
	// ErrNoIdentity is returned when a device entry specifies none of
	// name, phys, or fn.
	ErrNoIdentity = errors.New("device requires at least one of input_name, input_phys, input_fn")

	// ErrUnknownCode is returned when a key or event name cannot be
	// resolved to a numeric code.
	ErrUnknownCode = errors.New("unknown event code")

	// ErrBehaviorConflict is returned when a rule enables more than one
	// of repeat, delay, and long_press.
	ErrBehaviorConflict = errors.New("rule enables conflicting behaviors")

	// ErrUnknownGroup is returned when a rule references a modifier
	// group the device does not define.
	ErrUnknownGroup = errors.New("unknown modifier group")
)

// Config is the top-level daemon configuration.
type Config struct {
	// Devices lists the input devices to register and their rules.
	Devices []DeviceSpec

	// Logging configures the daemon log output.
	Logging LoggingSettings

	// Socket overrides the control socket path.
	Socket string
}

// LoggingSettings mirrors the logging package config in file form.
type LoggingSettings struct {
	Level  string
	Format string
	Output string
	File   string
}

// DeviceSpec identifies one input device and carries its rule tables.
// Identity fields that are empty act as wildcards; at least one must
// be set.
type DeviceSpec struct {
	// Name matches the device name reported by the kernel.
	Name string

	// Phys matches the physical topology string.
	Phys string

	// Path matches the device node path, e.g. /dev/input/event3.
	Path string

	// OutputName names the virtual output device created for this
	// input.
	OutputName string

	// Bouncekeys drops key presses that repeat the previous press
	// within this window. Zero disables debouncing.
	Bouncekeys time.Duration

	// Remappings is the base rule table.
	Remappings remap.RuleTable

	// ModifierGroups holds the alternate rule tables selected while a
	// group trigger key is held.
	ModifierGroups map[string]remap.RuleTable
}

// Label returns a human-readable identifier for log lines.
func (d *DeviceSpec) Label() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Phys != "":
		return d.Phys
	case d.Path != "":
		return d.Path
	default:
		return "(unspecified)"
	}
}

// Matches reports whether the spec selects a device with the given
// name, phys, and path. Every non-empty field must match exactly.
func (d *DeviceSpec) Matches(name, phys, path string) bool {
	if d.Name != "" && d.Name != name {
		return false
	}
	if d.Phys != "" && d.Phys != phys {
		return false
	}
	if d.Path != "" && d.Path != path {
		return false
	}
	return true
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return errors.New("no devices configured")
	}
	for i := range c.Devices {
		if err := c.Devices[i].validate(); err != nil {
			return fmt.Errorf("device %d (%s): %w", i, c.Devices[i].Label(), err)
		}
	}
	return nil
}

func (d *DeviceSpec) validate() error {
	if d.Name == "" && d.Phys == "" && d.Path == "" {
		return ErrNoIdentity
	}
	if err := validateTable(d.Remappings, d.ModifierGroups, true); err != nil {
		return err
	}
	for name, table := range d.ModifierGroups {
		if err := validateTable(table, nil, false); err != nil {
			return fmt.Errorf("modifier group %s: %w", name, err)
		}
	}
	return nil
}

func validateTable(table remap.RuleTable, groups map[string]remap.RuleTable, allowGroups bool) error {
	for code, rules := range table {
		for i := range rules {
			r := &rules[i]
			if r.IsGroupTrigger() {
				if !allowGroups {
					return fmt.Errorf("code %d: modifier groups cannot nest", code)
				}
				if len(rules) > 1 {
					return fmt.Errorf("code %d: a group trigger must be the only rule for its key", code)
				}
				if _, ok := groups[r.ModifierGroup]; !ok {
					return fmt.Errorf("code %d: %w: %s", code, ErrUnknownGroup, r.ModifierGroup)
				}
				continue
			}
			if r.Behavior == remap.BehaviorRepeat && r.Rate <= 0 {
				return fmt.Errorf("code %d: repeat rule requires a positive rate", code)
			}
			if r.Behavior == remap.BehaviorDelay && r.Count < 0 {
				return fmt.Errorf("code %d: delay rule requires a non-negative count", code)
			}
			if r.Behavior == remap.BehaviorLongPress && r.LongPressDuration <= 0 {
				return fmt.Errorf("code %d: long-press rule requires a positive duration", code)
			}
		}
	}
	return nil
}

// DefaultPath returns the default config file location under
// XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, _ := os.UserHomeDir()
		configHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configHome, "evremapd", "config.yaml")
}

// DefaultSocketPath returns the default control socket location under
// XDG_RUNTIME_DIR.
func DefaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	return filepath.Join(runtimeDir, "evremapd.sock")
}

// SocketPath returns the configured control socket path, or the
// default when unset.
func (c *Config) SocketPath() string {
	if c.Socket != "" {
		return c.Socket
	}
	return DefaultSocketPath()
}
