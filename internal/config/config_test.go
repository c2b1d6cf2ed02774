package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evremapd/internal/remap"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadShorthandKeyName(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  output_name: remap
  remappings:
    KEY_A:
    - KEY_B
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 1)

	rules := cfg.Devices[0].Remappings[evdev.KEY_A]
	require.Len(t, rules, 1)
	assert.Equal(t, evdev.EvCode(evdev.KEY_B), rules[0].Code)
	assert.Equal(t, remap.BehaviorImmediate, rules[0].Behavior)
	assert.Nil(t, rules[0].Values)
}

func TestLoadAdvancedFormEquivalent(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_A:
    - code: KEY_A
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rules := cfg.Devices[0].Remappings[evdev.KEY_A]
	require.Len(t, rules, 1)
	assert.Equal(t, evdev.EvCode(30), rules[0].Code)
}

func TestLoadNumericCode(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    30:
    - code: 48
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rules := cfg.Devices[0].Remappings[evdev.EvCode(30)]
	require.Len(t, rules, 1)
	assert.Equal(t, evdev.EvCode(48), rules[0].Code)
}

func TestLoadScalarValueBecomesList(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_A:
    - code: KEY_B
      value: 1
    - code: KEY_C
      value: [1, 0]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rules := cfg.Devices[0].Remappings[evdev.KEY_A]
	require.Len(t, rules, 2)
	assert.Equal(t, []int32{1}, rules[0].Values)
	assert.Equal(t, []int32{1, 0}, rules[1].Values)
}

func TestLoadRepeatDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_A:
    - code: KEY_B
      repeat: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rule := cfg.Devices[0].Remappings[evdev.KEY_A][0]
	assert.Equal(t, remap.BehaviorRepeat, rule.Behavior)
	assert.Equal(t, DefaultRate, rule.Rate)
	assert.Zero(t, rule.Count)
}

func TestLoadRepeatRateSeconds(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_A:
    - code: KEY_B
      repeat: true
      rate: 0.05
      count: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rule := cfg.Devices[0].Remappings[evdev.KEY_A][0]
	assert.Equal(t, 50*time.Millisecond, rule.Rate)
	assert.Equal(t, 3, rule.Count)
}

func TestLoadDelay(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_A:
    - code: KEY_B
      delay: true
      count: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rule := cfg.Devices[0].Remappings[evdev.KEY_A][0]
	assert.Equal(t, remap.BehaviorDelay, rule.Behavior)
	assert.Equal(t, 2, rule.Count)
}

func TestLoadDelayDefaultCount(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_A:
    - code: KEY_B
      delay: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	// count 0 is a valid delay configuration: nothing is suppressed
	rule := cfg.Devices[0].Remappings[evdev.KEY_A][0]
	assert.Equal(t, remap.BehaviorDelay, rule.Behavior)
	assert.Zero(t, rule.Count)
}

func TestLoadLongPress(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_A:
    - code: KEY_B
      long_press: true
      long_press_duration: 0.5
      repeat_on_short_release: true
      count: 2
      on_long_press:
      - KEY_X
      - code: KEY_Y
        repeat: true
        rate: 0.02
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rule := cfg.Devices[0].Remappings[evdev.KEY_A][0]
	assert.Equal(t, remap.BehaviorLongPress, rule.Behavior)
	assert.Equal(t, 500*time.Millisecond, rule.LongPressDuration)
	assert.True(t, rule.RepeatOnShortRelease)
	require.Len(t, rule.OnLongPress, 2)
	assert.Equal(t, evdev.EvCode(evdev.KEY_X), rule.OnLongPress[0].Code)
	assert.Equal(t, remap.BehaviorImmediate, rule.OnLongPress[0].Behavior)
	assert.Equal(t, evdev.EvCode(evdev.KEY_Y), rule.OnLongPress[1].Code)
	assert.Equal(t, remap.BehaviorRepeat, rule.OnLongPress[1].Behavior)
	assert.Equal(t, 20*time.Millisecond, rule.OnLongPress[1].Rate)
}

func TestLoadLongPressDefaultDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_A:
    - code: KEY_B
      long_press: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rule := cfg.Devices[0].Remappings[evdev.KEY_A][0]
	assert.Equal(t, DefaultLongPressDuration, rule.LongPressDuration)
}

func TestLoadModifierGroups(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_LEFTALT:
    - modifier_group: mod1
  modifier_groups:
    mod1:
      KEY_F:
      - KEY_A
      - code: KEY_A
        value: 1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dev := cfg.Devices[0]
	trigger := dev.Remappings[evdev.KEY_LEFTALT]
	require.Len(t, trigger, 1)
	assert.True(t, trigger[0].IsGroupTrigger())
	assert.Equal(t, "mod1", trigger[0].ModifierGroup)

	group, ok := dev.ModifierGroups["mod1"]
	require.True(t, ok)
	rules := group[evdev.EvCode(33)]
	require.Len(t, rules, 2)
	assert.Equal(t, evdev.EvCode(evdev.KEY_A), rules[0].Code)
	assert.Equal(t, []int32{1}, rules[1].Values)
}

func TestLoadBehaviorConflict(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_A:
    - code: KEY_B
      repeat: true
      delay: true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBehaviorConflict)
}

func TestLoadMissingIdentity(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- output_name: remap
  remappings:
    KEY_A:
    - KEY_B
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestLoadUnknownKeyName(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_DOES_NOT_EXIST:
    - KEY_B
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownCode)
	assert.Contains(t, err.Error(), "KEY_DOES_NOT_EXIST")
}

func TestLoadUnknownModifierGroup(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_LEFTALT:
    - modifier_group: missing
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestLoadNestedModifierGroupRejected(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_LEFTALT:
    - modifier_group: mod1
  modifier_groups:
    mod1:
      KEY_A:
      - modifier_group: mod2
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadBouncekeys(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  bouncekeys: 0.1
  remappings:
    KEY_A:
    - KEY_B
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, cfg.Devices[0].Bouncekeys)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[[devices]]
input_name = "Test Keyboard"
output_name = "remap"

[devices.remappings]
KEY_A = ["KEY_B"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "remap", cfg.Devices[0].OutputName)
	assert.Equal(t, evdev.EvCode(evdev.KEY_B), cfg.Devices[0].Remappings[evdev.KEY_A][0].Code)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "devices": [{
    "input_name": "Test Keyboard",
    "remappings": {"KEY_A": [{"code": "KEY_B", "value": 1}]}
  }]
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	rule := cfg.Devices[0].Remappings[evdev.KEY_A][0]
	assert.Equal(t, evdev.EvCode(evdev.KEY_B), rule.Code)
	assert.Equal(t, []int32{1}, rule.Values)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_A:
    - KEY_B
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	dev := cfg.Devices[0]
	assert.Equal(t, DefaultOutputName, dev.OutputName)
	assert.Zero(t, dev.Bouncekeys)
}

func TestLoadNoDevices(t *testing.T) {
	path := writeConfig(t, "config.yaml", `devices: []`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadLoggingSection(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  format: json
  output: stderr
devices:
- input_name: 'Test Keyboard'
  remappings:
    KEY_A:
    - KEY_B
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestDeviceSpecMatches(t *testing.T) {
	spec := DeviceSpec{Name: "Kbd", Phys: "usb-0000:00:14.0-3/input0"}
	assert.True(t, spec.Matches("Kbd", "usb-0000:00:14.0-3/input0", "/dev/input/event3"))
	assert.False(t, spec.Matches("Kbd", "other-phys", "/dev/input/event3"))
	assert.False(t, spec.Matches("Other", "usb-0000:00:14.0-3/input0", "/dev/input/event3"))

	pathOnly := DeviceSpec{Path: "/dev/input/event3"}
	assert.True(t, pathOnly.Matches("anything", "anything", "/dev/input/event3"))
	assert.False(t, pathOnly.Matches("anything", "anything", "/dev/input/event4"))
}

func TestRepeatRateMustBePositive(t *testing.T) {
	cfg := &Config{Devices: []DeviceSpec{{
		Name: "Kbd",
		Remappings: remap.RuleTable{
			evdev.KEY_A: {{Code: evdev.KEY_B, Behavior: remap.BehaviorRepeat}},
		},
	}}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestGroupTriggerMustBeAlone(t *testing.T) {
	cfg := &Config{Devices: []DeviceSpec{{
		Name: "Kbd",
		Remappings: remap.RuleTable{
			evdev.KEY_LEFTALT: {
				{ModifierGroup: "mod1"},
				{Code: evdev.KEY_B},
			},
		},
		ModifierGroups: map[string]remap.RuleTable{"mod1": {}},
	}}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only rule")
}
