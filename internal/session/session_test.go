package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evremapd/internal/config"
	"evremapd/internal/remap"
)

type fakeSource struct {
	events chan *evdev.InputEvent
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan *evdev.InputEvent, 64)}
}

func (f *fakeSource) ReadOne() (*evdev.InputEvent, error) {
	ev, ok := <-f.events
	if !ok {
		return nil, io.EOF
	}
	return ev, nil
}

func (f *fakeSource) close() {
	f.once.Do(func() { close(f.events) })
}

type recordingWriter struct {
	mu     sync.Mutex
	events []evdev.InputEvent
}

func (w *recordingWriter) WriteOne(ev *evdev.InputEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, *ev)
	return nil
}

func (w *recordingWriter) nonSyn() []evdev.InputEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []evdev.InputEvent
	for _, ev := range w.events {
		if ev.Type != evdev.EV_SYN {
			out = append(out, ev)
		}
	}
	return out
}

func testSpec() *config.DeviceSpec {
	return &config.DeviceSpec{
		Name:       "Test Keyboard",
		OutputName: "test-output",
		Remappings: remap.RuleTable{
			evdev.KEY_A:       {{Code: evdev.KEY_B}},
			evdev.KEY_LEFTALT: {{ModifierGroup: "nav"}},
		},
		ModifierGroups: map[string]remap.RuleTable{
			"nav": {
				evdev.KEY_H: {{Code: evdev.KEY_LEFT}},
			},
		},
	}
}

func startSession(t *testing.T, spec *config.DeviceSpec) (*Session, *fakeSource, *recordingWriter) {
	t.Helper()
	src := newFakeSource()
	w := &recordingWriter{}
	s := New(spec, "/dev/input/event99", src, w, src.close, nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		select {
		case <-s.Done():
		default:
			s.Stop()
		}
	})
	return s, src, w
}

func key(code evdev.EvCode, value int32) *evdev.InputEvent {
	return &evdev.InputEvent{Type: evdev.EV_KEY, Code: code, Value: value}
}

func waitFor(t *testing.T, w *recordingWriter, n int) []evdev.InputEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(w.nonSyn()) >= n
	}, 2*time.Second, 2*time.Millisecond)
	return w.nonSyn()
}

func TestRemapImmediate(t *testing.T) {
	_, src, w := startSession(t, testSpec())

	src.events <- key(evdev.KEY_A, 1)
	src.events <- key(evdev.KEY_A, 0)

	events := waitFor(t, w, 2)
	assert.Equal(t, evdev.EvCode(evdev.KEY_B), events[0].Code)
	assert.Equal(t, int32(1), events[0].Value)
	assert.Equal(t, evdev.EvCode(evdev.KEY_B), events[1].Code)
	assert.Equal(t, int32(0), events[1].Value)
}

func TestPassThroughUnmapped(t *testing.T) {
	_, src, w := startSession(t, testSpec())

	src.events <- key(evdev.KEY_Z, 1)
	src.events <- &evdev.InputEvent{Type: evdev.EV_REL, Code: evdev.REL_X, Value: 5}

	events := waitFor(t, w, 2)
	assert.Equal(t, evdev.EvCode(evdev.KEY_Z), events[0].Code)
	assert.Equal(t, evdev.EvType(evdev.EV_REL), events[1].Type)
	assert.Equal(t, int32(5), events[1].Value)
}

func TestModifierGroupRouting(t *testing.T) {
	s, src, w := startSession(t, testSpec())

	// held group: KEY_H maps to KEY_LEFT, trigger itself is consumed
	src.events <- key(evdev.KEY_LEFTALT, 1)
	src.events <- key(evdev.KEY_H, 1)
	src.events <- key(evdev.KEY_H, 0)

	events := waitFor(t, w, 2)
	assert.Equal(t, evdev.EvCode(evdev.KEY_LEFT), events[0].Code)
	assert.Equal(t, evdev.EvCode(evdev.KEY_LEFT), events[1].Code)
	assert.Equal(t, "nav", s.ActiveGroup())

	// base mappings do not apply while the group is held
	src.events <- key(evdev.KEY_A, 1)
	events = waitFor(t, w, 3)
	assert.Equal(t, evdev.EvCode(evdev.KEY_A), events[2].Code)

	// releasing the trigger restores the base table
	src.events <- key(evdev.KEY_LEFTALT, 0)
	src.events <- key(evdev.KEY_H, 1)
	events = waitFor(t, w, 4)
	assert.Equal(t, evdev.EvCode(evdev.KEY_H), events[3].Code)
	assert.Empty(t, s.ActiveGroup())
}

func TestOtherGroupTriggerPassesThroughWhileHeld(t *testing.T) {
	spec := testSpec()
	spec.Remappings[evdev.KEY_CAPSLOCK] = []remap.Rule{{ModifierGroup: "num"}}
	spec.ModifierGroups["num"] = remap.RuleTable{
		evdev.KEY_J: {{Code: evdev.KEY_KP1}},
	}
	s, src, w := startSession(t, spec)

	// the nav table does not know CAPSLOCK, so while nav is held the
	// other group's trigger is an ordinary key
	src.events <- key(evdev.KEY_LEFTALT, 1)
	src.events <- key(evdev.KEY_CAPSLOCK, 1)
	src.events <- key(evdev.KEY_CAPSLOCK, 0)

	events := waitFor(t, w, 2)
	assert.Equal(t, evdev.EvCode(evdev.KEY_CAPSLOCK), events[0].Code)
	assert.Equal(t, int32(1), events[0].Value)
	assert.Equal(t, evdev.EvCode(evdev.KEY_CAPSLOCK), events[1].Code)
	assert.Equal(t, int32(0), events[1].Value)
	assert.Equal(t, "nav", s.ActiveGroup())
}

func TestGroupTriggerEmitsNothing(t *testing.T) {
	_, src, w := startSession(t, testSpec())

	src.events <- key(evdev.KEY_LEFTALT, 1)
	src.events <- key(evdev.KEY_LEFTALT, 0)
	src.events <- key(evdev.KEY_Z, 1) // sentinel

	events := waitFor(t, w, 1)
	require.Len(t, events, 1)
	assert.Equal(t, evdev.EvCode(evdev.KEY_Z), events[0].Code)
}

func TestBouncekeysDropsRapidRepeat(t *testing.T) {
	spec := testSpec()
	spec.Bouncekeys = 500 * time.Millisecond
	_, src, w := startSession(t, spec)

	src.events <- key(evdev.KEY_A, 1)
	src.events <- key(evdev.KEY_A, 0)
	src.events <- key(evdev.KEY_A, 1) // within the window, dropped
	src.events <- key(evdev.KEY_Z, 1) // different key passes

	events := waitFor(t, w, 3)
	require.Len(t, events, 3)
	assert.Equal(t, evdev.EvCode(evdev.KEY_B), events[0].Code)
	assert.Equal(t, evdev.EvCode(evdev.KEY_B), events[1].Code)
	assert.Equal(t, evdev.EvCode(evdev.KEY_Z), events[2].Code)
}

func TestBouncekeysIgnoresGroupTrigger(t *testing.T) {
	spec := testSpec()
	spec.Bouncekeys = 500 * time.Millisecond
	s, src, w := startSession(t, spec)

	// rapid re-entry of the group: trigger presses are not debounced
	src.events <- key(evdev.KEY_LEFTALT, 1)
	src.events <- key(evdev.KEY_LEFTALT, 0)
	src.events <- key(evdev.KEY_LEFTALT, 1)
	src.events <- key(evdev.KEY_H, 1)

	events := waitFor(t, w, 1)
	assert.Equal(t, evdev.EvCode(evdev.KEY_LEFT), events[0].Code)
	assert.Equal(t, "nav", s.ActiveGroup())
}

func TestStopClosesSession(t *testing.T) {
	s, _, _ := startSession(t, testSpec())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestReadErrorEndsSession(t *testing.T) {
	s, src, _ := startSession(t, testSpec())

	// an unplugged device surfaces as a read error
	src.close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after read error")
	}
}

func TestTimerTasksStopWithSession(t *testing.T) {
	spec := testSpec()
	spec.Remappings[evdev.KEY_R] = []remap.Rule{{
		Code:     evdev.KEY_S,
		Behavior: remap.BehaviorRepeat,
		Rate:     5 * time.Millisecond,
	}}
	s, src, w := startSession(t, spec)

	src.events <- key(evdev.KEY_R, 1)
	waitFor(t, w, 2)

	s.Stop()
	n := len(w.nonSyn())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(w.nonSyn()), "repeat task outlived session")
}
