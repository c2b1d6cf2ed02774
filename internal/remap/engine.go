package remap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holoplot/go-evdev"

	"evremapd/internal/logging"
)

// Key event values as delivered by the kernel.
const (
	keyReleased   = 0
	keyPressed    = 1
	keyAutorepeat = 2
)

// EventWriter receives emitted events. *device.Output and
// *evdev.InputDevice both satisfy it.
type EventWriter interface {
	WriteOne(ev *evdev.InputEvent) error
}

// Engine applies rules to incoming key events and owns the timer tasks
// they spawn. One engine serves one device session; HandleEvent is
// called from the session's dispatch goroutine only, while timer tasks
// write concurrently from their own goroutines.
type Engine struct {
	out EventWriter
	log *logging.Logger

	// writeMu keeps each event/SYN_REPORT pair contiguous when tasks
	// and the dispatch loop write at the same time.
	writeMu sync.Mutex

	mu      sync.Mutex
	repeats map[evdev.EvCode]*repeatTask
	holds   map[evdev.EvCode]*longPressTask
	delays  map[evdev.EvCode]*delayCounter

	wg sync.WaitGroup
}

// NewEngine creates an engine writing to out.
func NewEngine(out EventWriter, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		out:     out,
		log:     log,
		repeats: make(map[evdev.EvCode]*repeatTask),
		holds:   make(map[evdev.EvCode]*longPressTask),
		delays:  make(map[evdev.EvCode]*delayCounter),
	}
}

// HandleEvent applies every rule bound to the event's source code, in
// order. Rules that do not apply to the event's value are skipped
// without affecting the remaining rules.
func (e *Engine) HandleEvent(ctx context.Context, ev *evdev.InputEvent, rules []Rule) error {
	for i := range rules {
		rule := &rules[i]
		var err error
		switch rule.Behavior {
		case BehaviorRepeat:
			e.handleRepeat(ctx, ev, rule)
		case BehaviorDelay:
			err = e.handleDelay(ev, rule)
		case BehaviorLongPress:
			err = e.handleLongPress(ctx, ev, rule)
		default:
			err = e.emitRule(ev, rule)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Forward writes an unmapped event through unchanged, followed by a
// sync marker.
func (e *Engine) Forward(ev *evdev.InputEvent) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.out.WriteOne(&evdev.InputEvent{Type: ev.Type, Code: ev.Code, Value: ev.Value}); err != nil {
		return fmt.Errorf("forward event: %w", err)
	}
	if ev.Type == evdev.EV_SYN {
		return nil
	}
	return e.syn()
}

// Shutdown cancels every live timer task and waits for them to finish.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for code, t := range e.repeats {
		delete(e.repeats, code)
		t.cancel()
	}
	for code, t := range e.holds {
		delete(e.holds, code)
		t.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// TaskCount reports the number of live timer tasks.
func (e *Engine) TaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.repeats) + len(e.holds)
}

func (e *Engine) emitRule(ev *evdev.InputEvent, rule *Rule) error {
	typ := ev.Type
	if rule.Type != nil {
		typ = *rule.Type
	}
	if rule.Values == nil {
		return e.writeSync(typ, rule.Code, ev.Value)
	}
	for _, v := range rule.Values {
		if err := e.writeSync(typ, rule.Code, v); err != nil {
			return err
		}
	}
	return nil
}

// writeSync writes one event followed by a SYN_REPORT marker.
func (e *Engine) writeSync(typ evdev.EvType, code evdev.EvCode, value int32) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.out.WriteOne(&evdev.InputEvent{Type: typ, Code: code, Value: value}); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return e.syn()
}

// syn writes a SYN_REPORT. Callers hold writeMu.
func (e *Engine) syn() error {
	if err := e.out.WriteOne(&evdev.InputEvent{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT}); err != nil {
		return fmt.Errorf("write sync: %w", err)
	}
	return nil
}

func ruleType(ev *evdev.InputEvent, rule *Rule) evdev.EvType {
	if rule.Type != nil {
		return *rule.Type
	}
	return ev.Type
}

// --- repeat ---

type repeatTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *Engine) handleRepeat(ctx context.Context, ev *evdev.InputEvent, rule *Rule) {
	switch ev.Value {
	case keyPressed:
		values := rule.Values
		if values == nil {
			values = []int32{ev.Value}
		}
		e.mu.Lock()
		if t, ok := e.repeats[ev.Code]; ok {
			delete(e.repeats, ev.Code)
			t.cancel()
		}
		e.repeats[ev.Code] = e.startRepeat(ctx, ev.Code, ruleType(ev, rule), rule, values)
		e.mu.Unlock()
	case keyReleased:
		// A bounded repeat runs to completion regardless of release.
		if rule.Count > 0 {
			return
		}
		e.mu.Lock()
		if t, ok := e.repeats[ev.Code]; ok {
			delete(e.repeats, ev.Code)
			t.cancel()
		}
		e.mu.Unlock()
	}
}

// startRepeat launches a goroutine emitting values each Rate interval,
// immediately on start. The task releases its slot for source when it
// ends on its own, so bounded repeats do not linger. Callers hold e.mu.
func (e *Engine) startRepeat(ctx context.Context, source evdev.EvCode, typ evdev.EvType, rule *Rule, values []int32) *repeatTask {
	tctx, cancel := context.WithCancel(ctx)
	t := &repeatTask{cancel: cancel, done: make(chan struct{})}

	code := rule.Code
	rate := rule.Rate
	count := rule.Count

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(t.done)
		defer func() {
			e.mu.Lock()
			if e.repeats[source] == t {
				delete(e.repeats, source)
			}
			e.mu.Unlock()
		}()

		timer := time.NewTimer(rate)
		defer timer.Stop()

		for i := 0; ; i++ {
			for _, v := range values {
				if tctx.Err() != nil {
					return
				}
				if err := e.writeSync(typ, code, v); err != nil {
					e.log.Error("repeat emission failed", "code", code, "error", err)
					return
				}
			}
			if count > 0 && i+1 == count {
				return
			}
			// restart the interval only once the emission is done, so
			// successive emissions stay at least a full rate apart
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(rate)
			select {
			case <-tctx.Done():
				return
			case <-timer.C:
			}
		}
	}()
	return t
}

// --- delay ---

// delayCounter tracks suppressed presses for one source code. passing
// records whether the latest press was let through, so the matching
// release follows it.
type delayCounter struct {
	remaining int
	passing   bool
}

func (e *Engine) handleDelay(ev *evdev.InputEvent, rule *Rule) error {
	switch ev.Value {
	case keyPressed:
		c, ok := e.delays[ev.Code]
		if !ok {
			c = &delayCounter{remaining: rule.Count}
			e.delays[ev.Code] = c
		}
		if c.remaining == 0 {
			c.remaining = rule.Count
			c.passing = true
			return e.emitRule(ev, rule)
		}
		c.remaining--
		c.passing = false
	case keyReleased:
		if c, ok := e.delays[ev.Code]; ok && c.passing {
			return e.emitRule(ev, rule)
		}
	}
	return nil
}

// --- long press ---

type longPressTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	fired  atomic.Bool
}

func (e *Engine) handleLongPress(ctx context.Context, ev *evdev.InputEvent, rule *Rule) error {
	switch ev.Value {
	case keyPressed:
		e.mu.Lock()
		if t, ok := e.holds[ev.Code]; ok {
			delete(e.holds, ev.Code)
			t.cancel()
		}
		e.holds[ev.Code] = e.startHold(ctx, ev.Code, ruleType(ev, rule), rule)
		e.mu.Unlock()
		return nil
	case keyReleased:
		e.mu.Lock()
		t, ok := e.holds[ev.Code]
		if ok {
			delete(e.holds, ev.Code)
		}
		e.mu.Unlock()
		if !ok {
			return nil
		}
		t.cancel()
		<-t.done
		if t.fired.Load() {
			// The hold actions already ran; stop any repeat they
			// started for this key.
			e.mu.Lock()
			if rt, ok := e.repeats[ev.Code]; ok {
				delete(e.repeats, ev.Code)
				rt.cancel()
			}
			e.mu.Unlock()
			return nil
		}
		return e.emitShortPress(ctx, ev, rule)
	}
	return nil
}

// startHold launches the threshold timer. When it fires before the key
// is released, every OnLongPress action runs: repeat actions claim the
// source code's repeat slot, everything else emits a tap.
func (e *Engine) startHold(ctx context.Context, source evdev.EvCode, typ evdev.EvType, rule *Rule) *longPressTask {
	tctx, cancel := context.WithCancel(ctx)
	t := &longPressTask{cancel: cancel, done: make(chan struct{})}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(t.done)

		timer := time.NewTimer(rule.LongPressDuration)
		defer timer.Stop()

		select {
		case <-tctx.Done():
			return
		case <-timer.C:
		}
		t.fired.Store(true)

		for i := range rule.OnLongPress {
			action := &rule.OnLongPress[i]
			if action.Behavior == BehaviorRepeat {
				// no incoming value exists at fire time, so a bare
				// repeat action taps
				values := action.Values
				if values == nil {
					values = []int32{keyPressed, keyReleased}
				}
				e.mu.Lock()
				if rt, ok := e.repeats[source]; ok {
					delete(e.repeats, source)
					rt.cancel()
				}
				e.repeats[source] = e.startRepeat(ctx, source, actionType(typ, action), action, values)
				e.mu.Unlock()
				continue
			}
			if err := e.emitTap(actionType(typ, action), action); err != nil {
				e.log.Error("long-press action failed", "code", action.Code, "error", err)
				return
			}
		}
	}()
	return t
}

// emitShortPress synthesizes the tap a canceled hold stands for.
func (e *Engine) emitShortPress(ctx context.Context, ev *evdev.InputEvent, rule *Rule) error {
	typ := ruleType(ev, rule)
	if rule.RepeatOnShortRelease && rule.Count > 0 {
		burst := &Rule{
			Code:   rule.Code,
			Values: []int32{keyPressed, keyReleased},
			Rate:   rule.Rate,
			Count:  rule.Count,
		}
		e.mu.Lock()
		if rt, ok := e.repeats[ev.Code]; ok {
			delete(e.repeats, ev.Code)
			rt.cancel()
		}
		e.repeats[ev.Code] = e.startRepeat(ctx, ev.Code, typ, burst, burst.Values)
		e.mu.Unlock()
		return nil
	}
	return e.emitTap(typ, rule)
}

// emitTap writes the rule's values, or a press/release pair when none
// are configured.
func (e *Engine) emitTap(typ evdev.EvType, rule *Rule) error {
	values := rule.Values
	if values == nil {
		values = []int32{keyPressed, keyReleased}
	}
	for _, v := range values {
		if err := e.writeSync(typ, rule.Code, v); err != nil {
			return err
		}
	}
	return nil
}

func actionType(parent evdev.EvType, action *Rule) evdev.EvType {
	if action.Type != nil {
		return *action.Type
	}
	return parent
}
