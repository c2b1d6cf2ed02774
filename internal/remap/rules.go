// Package remap implements the event remapping engine: rule tables,
// per-key timer tasks, and the translation of incoming key events into
// emitted output events.
package remap

import (
	"time"

	"github.com/holoplot/go-evdev"
)

// Behavior selects how a rule responds to events on its source code.
type Behavior int

const (
	// BehaviorImmediate emits the mapped event as soon as the source
	// event arrives.
	BehaviorImmediate Behavior = iota

	// BehaviorRepeat emits the mapped values on a timer: either a fixed
	// number of times, or until the source key is released.
	BehaviorRepeat

	// BehaviorDelay lets only every Nth press of the source key through.
	BehaviorDelay

	// BehaviorLongPress distinguishes short taps from holds that cross a
	// duration threshold, with separate actions for each.
	BehaviorLongPress
)

// String returns the config-facing name of the behavior.
func (b Behavior) String() string {
	switch b {
	case BehaviorRepeat:
		return "repeat"
	case BehaviorDelay:
		return "delay"
	case BehaviorLongPress:
		return "long_press"
	default:
		return "immediate"
	}
}

// Rule describes one mapped action for a source key code. A source code
// may carry several rules; they are applied in configuration order.
type Rule struct {
	// Code is the event code to emit.
	Code evdev.EvCode

	// Type overrides the emitted event type. When nil the incoming
	// event's type is reused.
	Type *evdev.EvType

	// Values is the sequence of event values to emit per activation.
	// When nil the incoming event's value is reused (immediate rules)
	// or a press/release pair is emitted (timer rules).
	Values []int32

	// Behavior selects immediate, repeat, delay, or long-press handling.
	Behavior Behavior

	// Rate is the interval between repeat emissions.
	Rate time.Duration

	// Count bounds a repeat to a fixed number of emissions (0 repeats
	// until release). For delay rules it is the number of presses
	// suppressed between emissions.
	Count int

	// LongPressDuration is the hold threshold for long-press rules.
	LongPressDuration time.Duration

	// OnLongPress holds the actions fired once the threshold passes.
	OnLongPress []Rule

	// RepeatOnShortRelease makes a short tap emit its synthesized
	// press/release pair Count times at Rate instead of once.
	RepeatOnShortRelease bool

	// ModifierGroup names the modal group this key activates while
	// held. Group rules consume the source event entirely; Code and
	// the fields above are ignored.
	ModifierGroup string
}

// IsGroupTrigger reports whether the rule activates a modifier group
// rather than emitting events.
func (r *Rule) IsGroupTrigger() bool {
	return r.ModifierGroup != ""
}

// RuleTable maps source key codes to their rules.
type RuleTable map[evdev.EvCode][]Rule

// GroupTrigger returns the modifier group name the code activates, if
// its first rule is a group trigger.
func (t RuleTable) GroupTrigger(code evdev.EvCode) (string, bool) {
	rules, ok := t[code]
	if !ok || len(rules) == 0 {
		return "", false
	}
	if !rules[0].IsGroupTrigger() {
		return "", false
	}
	return rules[0].ModifierGroup, true
}

// TargetCodes returns every code the table can emit, grouped by the
// effective event type. Group trigger rules contribute nothing.
func (t RuleTable) TargetCodes() map[evdev.EvType][]evdev.EvCode {
	out := make(map[evdev.EvType][]evdev.EvCode)
	seen := make(map[evdev.EvType]map[evdev.EvCode]bool)
	var add func(rules []Rule)
	add = func(rules []Rule) {
		for i := range rules {
			r := &rules[i]
			if r.IsGroupTrigger() {
				continue
			}
			typ := evdev.EvType(evdev.EV_KEY)
			if r.Type != nil {
				typ = *r.Type
			}
			if seen[typ] == nil {
				seen[typ] = make(map[evdev.EvCode]bool)
			}
			if !seen[typ][r.Code] {
				seen[typ][r.Code] = true
				out[typ] = append(out[typ], r.Code)
			}
			add(r.OnLongPress)
		}
	}
	for _, rules := range t {
		add(rules)
	}
	return out
}
