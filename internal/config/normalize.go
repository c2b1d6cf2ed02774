package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/holoplot/go-evdev"

	"evremapd/internal/remap"
)

// fromRaw builds a Config from a decoded document. Shorthand forms are
// normalized here: a bare key name stands for {code: name}, a scalar
// value for a single-element value list.
func fromRaw(raw map[string]any) (*Config, error) {
	cfg := &Config{}

	if v, ok := raw["socket"]; ok {
		s, ok := asString(v)
		if !ok {
			return nil, fmt.Errorf("socket must be a string")
		}
		cfg.Socket = s
	}

	if v, ok := raw["logging"]; ok {
		m, ok := asMap(v)
		if !ok {
			return nil, fmt.Errorf("logging must be a mapping")
		}
		cfg.Logging.Level, _ = asString(m["level"])
		cfg.Logging.Format, _ = asString(m["format"])
		cfg.Logging.Output, _ = asString(m["output"])
		cfg.Logging.File, _ = asString(m["file"])
	}

	v, ok := raw["devices"]
	if !ok {
		return cfg, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("devices must be a list")
	}
	for i, entry := range list {
		m, ok := asMap(entry)
		if !ok {
			return nil, fmt.Errorf("device %d must be a mapping", i)
		}
		dev, err := deviceFromRaw(m)
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		cfg.Devices = append(cfg.Devices, dev)
	}
	return cfg, nil
}

func deviceFromRaw(raw map[string]any) (DeviceSpec, error) {
	dev := DeviceSpec{OutputName: DefaultOutputName}

	dev.Name, _ = asString(raw["input_name"])
	dev.Phys, _ = asString(raw["input_phys"])
	dev.Path, _ = asString(raw["input_fn"])
	if s, ok := asString(raw["output_name"]); ok {
		dev.OutputName = s
	}

	if v, ok := raw["bouncekeys"]; ok {
		d, err := asSeconds(v)
		if err != nil {
			return dev, fmt.Errorf("bouncekeys: %w", err)
		}
		dev.Bouncekeys = d
	}

	if v, ok := raw["remappings"]; ok {
		table, err := tableFromRaw(v, true)
		if err != nil {
			return dev, fmt.Errorf("remappings: %w", err)
		}
		dev.Remappings = table
	}

	if v, ok := raw["modifier_groups"]; ok {
		m, ok := asMap(v)
		if !ok {
			return dev, fmt.Errorf("modifier_groups must be a mapping")
		}
		dev.ModifierGroups = make(map[string]remap.RuleTable, len(m))
		for name, groupRaw := range m {
			table, err := tableFromRaw(groupRaw, false)
			if err != nil {
				return dev, fmt.Errorf("modifier group %s: %w", name, err)
			}
			dev.ModifierGroups[name] = table
		}
	}

	return dev, nil
}

func tableFromRaw(raw any, allowGroups bool) (remap.RuleTable, error) {
	m, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("must be a mapping of key to rule list")
	}
	table := make(remap.RuleTable, len(m))
	for key, rulesRaw := range m {
		code, err := resolveCode(key)
		if err != nil {
			return nil, err
		}
		list, ok := rulesRaw.([]any)
		if !ok {
			return nil, fmt.Errorf("%s: rules must be a list", key)
		}
		rules := make([]remap.Rule, 0, len(list))
		for j, ruleRaw := range list {
			rule, err := ruleFromRaw(ruleRaw, allowGroups)
			if err != nil {
				return nil, fmt.Errorf("%s rule %d: %w", key, j, err)
			}
			rules = append(rules, rule)
		}
		table[code] = rules
	}
	return table, nil
}

func ruleFromRaw(raw any, allowGroups bool) (remap.Rule, error) {
	var rule remap.Rule

	// shorthand: a bare key name or code
	if _, isMap := asMap(raw); !isMap {
		code, err := resolveCode(raw)
		if err != nil {
			return rule, err
		}
		rule.Code = code
		return rule, nil
	}

	m, _ := asMap(raw)

	if v, ok := m["modifier_group"]; ok {
		name, ok := asString(v)
		if !ok || name == "" {
			return rule, fmt.Errorf("modifier_group must be a non-empty string")
		}
		if !allowGroups {
			return rule, fmt.Errorf("modifier groups cannot nest")
		}
		rule.ModifierGroup = name
		return rule, nil
	}

	v, ok := m["code"]
	if !ok {
		return rule, fmt.Errorf("rule missing code")
	}
	code, err := resolveCode(v)
	if err != nil {
		return rule, err
	}
	rule.Code = code

	if v, ok := m["type"]; ok {
		typ, err := resolveType(v)
		if err != nil {
			return rule, err
		}
		rule.Type = &typ
	}

	if v, ok := m["value"]; ok {
		values, err := valuesFromRaw(v)
		if err != nil {
			return rule, err
		}
		rule.Values = values
	}

	repeat, _ := asBool(m["repeat"])
	delay, _ := asBool(m["delay"])
	longPress, _ := asBool(m["long_press"])

	enabled := 0
	for _, b := range []bool{repeat, delay, longPress} {
		if b {
			enabled++
		}
	}
	if enabled > 1 {
		return rule, ErrBehaviorConflict
	}

	if v, ok := m["count"]; ok {
		n, ok := asInt(v)
		if !ok || n < 0 {
			return rule, fmt.Errorf("count must be a non-negative integer")
		}
		rule.Count = n
	}

	if v, ok := m["rate"]; ok {
		d, err := asSeconds(v)
		if err != nil {
			return rule, fmt.Errorf("rate: %w", err)
		}
		rule.Rate = d
	}

	switch {
	case repeat:
		rule.Behavior = remap.BehaviorRepeat
		if rule.Rate == 0 {
			rule.Rate = DefaultRate
		}
	case delay:
		rule.Behavior = remap.BehaviorDelay
	case longPress:
		rule.Behavior = remap.BehaviorLongPress
		rule.LongPressDuration = DefaultLongPressDuration
		if v, ok := m["long_press_duration"]; ok {
			d, err := asSeconds(v)
			if err != nil {
				return rule, fmt.Errorf("long_press_duration: %w", err)
			}
			rule.LongPressDuration = d
		}
		if v, ok := m["on_long_press"]; ok {
			list, ok := v.([]any)
			if !ok {
				return rule, fmt.Errorf("on_long_press must be a list")
			}
			for j, actionRaw := range list {
				action, err := ruleFromRaw(actionRaw, false)
				if err != nil {
					return rule, fmt.Errorf("on_long_press action %d: %w", j, err)
				}
				if action.Behavior != remap.BehaviorImmediate && action.Behavior != remap.BehaviorRepeat {
					return rule, fmt.Errorf("on_long_press action %d: only immediate and repeat actions are allowed", j)
				}
				rule.OnLongPress = append(rule.OnLongPress, action)
			}
		}
		if v, ok := m["repeat_on_short_release"]; ok {
			b, ok := asBool(v)
			if !ok {
				return rule, fmt.Errorf("repeat_on_short_release must be a boolean")
			}
			rule.RepeatOnShortRelease = b
			if b && rule.Rate == 0 {
				rule.Rate = DefaultRate
			}
		}
	}

	return rule, nil
}

func valuesFromRaw(v any) ([]int32, error) {
	if list, ok := v.([]any); ok {
		values := make([]int32, 0, len(list))
		for _, item := range list {
			n, ok := asInt(item)
			if !ok {
				return nil, fmt.Errorf("value entries must be integers")
			}
			values = append(values, int32(n))
		}
		return values, nil
	}
	n, ok := asInt(v)
	if !ok {
		return nil, fmt.Errorf("value must be an integer or list of integers")
	}
	return []int32{int32(n)}, nil
}

// resolveCode turns a symbolic key name, numeric literal, or numeric
// string into an event code.
func resolveCode(v any) (evdev.EvCode, error) {
	if s, ok := asString(v); ok {
		if code, ok := evdev.KEYFromString[s]; ok {
			return code, nil
		}
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return evdev.EvCode(n), nil
		}
		return 0, fmt.Errorf("%w: %q", ErrUnknownCode, s)
	}
	if n, ok := asInt(v); ok && n >= 0 {
		return evdev.EvCode(n), nil
	}
	return 0, fmt.Errorf("%w: %v", ErrUnknownCode, v)
}

// resolveType turns a symbolic type name like EV_KEY or a numeric
// literal into an event type.
func resolveType(v any) (evdev.EvType, error) {
	if s, ok := asString(v); ok {
		if typ, ok := evdev.EVFromString[s]; ok {
			return typ, nil
		}
		return 0, fmt.Errorf("%w: %q", ErrUnknownCode, s)
	}
	if n, ok := asInt(v); ok && n >= 0 {
		return evdev.EvType(n), nil
	}
	return 0, fmt.Errorf("%w: %v", ErrUnknownCode, v)
}

// asMap accepts the map shapes the different decoders produce.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			s, ok := k.(string)
			if !ok {
				s = fmt.Sprintf("%v", k)
			}
			out[s] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// asInt accepts the integer shapes the different decoders produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// asSeconds converts a numeric value in seconds, or a duration string
// like "50ms", into a duration.
func asSeconds(v any) (time.Duration, error) {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second, nil
	case int64:
		return time.Duration(n) * time.Second, nil
	case float64:
		return time.Duration(n * float64(time.Second)), nil
	case string:
		d, err := time.ParseDuration(n)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", n)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("invalid duration %v", v)
	}
}
