// Package session owns the lifecycle of one remapped input device: the
// grabbed source, the virtual output, the dispatch loop, and the modal
// modifier-group context.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holoplot/go-evdev"

	"evremapd/internal/config"
	"evremapd/internal/device"
	"evremapd/internal/logging"
	"evremapd/internal/remap"
)

const (
	keyReleased = 0
	keyPressed  = 1
)

// EventSource delivers input events. *evdev.InputDevice satisfies it.
type EventSource interface {
	ReadOne() (*evdev.InputEvent, error)
}

// activeGroup records which modifier group is held and by which key.
type activeGroup struct {
	name string
	code evdev.EvCode
}

// Session runs the dispatch loop for one registered device. All event
// state (group context, debounce tracking) is owned by the dispatch
// goroutine; the engine's timer tasks only write to the output.
type Session struct {
	spec   *config.DeviceSpec
	path   string
	source EventSource
	engine *remap.Engine
	log    *logging.Logger
	closer func()

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	active *activeGroup

	lastPressCode evdev.EvCode
	lastPressAt   time.Time
	haveLastPress bool
}

// New builds a session over an arbitrary source and writer. closer is
// invoked once on shutdown to release the underlying devices; it must
// unblock a pending ReadOne.
func New(spec *config.DeviceSpec, path string, source EventSource, out remap.EventWriter, closer func(), log *logging.Logger) *Session {
	if log == nil {
		log = logging.Default()
	}
	return &Session{
		spec:   spec,
		path:   path,
		source: source,
		engine: remap.NewEngine(out, log),
		log:    log,
		closer: closer,
		done:   make(chan struct{}),
	}
}

// Open finds the input device for spec, grabs it exclusively, creates
// its virtual output, and returns a session ready to Start. Paths for
// which skip returns true are not considered.
func Open(spec *config.DeviceSpec, skip func(path string) bool, log *logging.Logger) (*Session, error) {
	in, err := device.FindInput(spec, skip)
	if err != nil {
		return nil, err
	}

	tables := []remap.RuleTable{spec.Remappings}
	for _, g := range spec.ModifierGroups {
		tables = append(tables, g)
	}
	caps := device.OutputCapabilities(device.NativeCapabilities(in), tables...)

	out, err := device.CreateOutput(spec.OutputName, in, caps)
	if err != nil {
		in.Close()
		return nil, err
	}

	if err := in.Grab(); err != nil {
		out.Close()
		in.Close()
		return nil, fmt.Errorf("grab %s: %w", in.Path(), err)
	}

	closer := func() {
		in.Ungrab()
		in.Close()
		out.Close()
	}
	return New(spec, in.Path(), in, out, closer, log), nil
}

// Start launches the dispatch loop. The session ends when ctx is
// canceled, Stop is called, or the device read fails (unplug).
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	var closeOnce sync.Once
	go func() {
		<-ctx.Done()
		closeOnce.Do(func() {
			if s.closer != nil {
				s.closer()
			}
		})
	}()
	go s.run(ctx)
}

// Stop ends the session and waits for the dispatch loop to exit.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}

// Done closes when the dispatch loop has exited for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Path returns the input device node this session owns.
func (s *Session) Path() string {
	return s.path
}

// Label returns the spec's human-readable identifier.
func (s *Session) Label() string {
	return s.spec.Label()
}

// ActiveGroup returns the name of the held modifier group, or "".
func (s *Session) ActiveGroup() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.name
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()
	defer s.engine.Shutdown()

	for {
		ev, err := s.source.ReadOne()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Debug("session stopped", "path", s.path)
				return
			}
			s.log.Info("device read failed, closing session",
				"path", s.path, "device", s.spec.Label(), "error", err)
			return
		}
		if err := s.dispatch(ctx, ev); err != nil {
			s.log.Error("event emission failed", "path", s.path, "error", err)
		}
	}
}

// dispatch routes one incoming event. The active table decides
// everything: group triggers it declares are consumed, mapped keys go
// through the engine, and codes it does not know pass through
// unchanged, even when the other table binds them.
func (s *Session) dispatch(ctx context.Context, ev *evdev.InputEvent) error {
	if ev.Type != evdev.EV_KEY {
		return s.engine.Forward(ev)
	}

	s.mu.Lock()
	held := s.active
	s.mu.Unlock()

	table := s.spec.Remappings
	if held != nil {
		if group, ok := s.spec.ModifierGroups[held.name]; ok {
			table = group
		}
	}

	if held != nil && ev.Code == held.code {
		if ev.Value == keyReleased {
			s.setActive(nil)
		}
		return nil
	}
	if groupName, ok := table.GroupTrigger(ev.Code); ok {
		if ev.Value == keyPressed {
			s.setActive(&activeGroup{name: groupName, code: ev.Code})
		}
		return nil
	}

	if s.debounced(ev) {
		return nil
	}

	rules, ok := table[ev.Code]
	if !ok {
		return s.engine.Forward(ev)
	}
	return s.engine.HandleEvent(ctx, ev, rules)
}

func (s *Session) setActive(g *activeGroup) {
	s.mu.Lock()
	s.active = g
	s.mu.Unlock()
}

// debounced drops a press of the same key arriving within the
// bouncekeys window of the previous press.
func (s *Session) debounced(ev *evdev.InputEvent) bool {
	if s.spec.Bouncekeys <= 0 || ev.Value != keyPressed {
		return false
	}
	now := time.Now()
	if s.haveLastPress && ev.Code == s.lastPressCode && now.Sub(s.lastPressAt) < s.spec.Bouncekeys {
		s.log.Debug("debounced key press", "path", s.path, "code", ev.Code)
		return true
	}
	s.lastPressCode = ev.Code
	s.lastPressAt = now
	s.haveLastPress = true
	return false
}
