// Package registry tracks which configured devices currently have a
// live session, and re-registers them as devices come and go.
package registry

import (
	"context"
	"errors"
	"sync"

	"evremapd/internal/config"
	"evremapd/internal/device"
	"evremapd/internal/logging"
)

// Handle is the registry's view of a running device session.
type Handle interface {
	Path() string
	Label() string
	ActiveGroup() string
	Start(ctx context.Context)
	Stop()
	Done() <-chan struct{}
}

// Opener creates a session for a spec. Paths for which skip returns
// true are already claimed and must not be considered.
type Opener func(spec *config.DeviceSpec, skip func(path string) bool, log *logging.Logger) (Handle, error)

// DeviceStatus describes one registered device for status reporting.
type DeviceStatus struct {
	Device      string `json:"device"`
	Path        string `json:"path"`
	ActiveGroup string `json:"active_group,omitempty"`
}

// Registry owns the set of live sessions, keyed by input device path.
// A spec holds at most one session at a time.
type Registry struct {
	specs []*config.DeviceSpec
	open  Opener
	log   *logging.Logger

	mu       sync.Mutex
	sessions map[string]Handle
	bySpec   map[*config.DeviceSpec]bool
	closed   bool

	wg sync.WaitGroup
}

// New builds a registry over the configured device specs.
func New(specs []config.DeviceSpec, open Opener, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	r := &Registry{
		open:     open,
		log:      log,
		sessions: make(map[string]Handle),
		bySpec:   make(map[*config.DeviceSpec]bool),
	}
	for i := range specs {
		r.specs = append(r.specs, &specs[i])
	}
	return r
}

// Sync attempts to register every spec that has no live session.
// Specs whose device is not attached are left for the next Sync, which
// hotplug monitors trigger on device attachment. Returns the number of
// live sessions.
func (r *Registry) Sync(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return len(r.sessions)
	}

	for _, spec := range r.specs {
		if r.bySpec[spec] {
			continue
		}
		claimed := func(path string) bool {
			_, ok := r.sessions[path]
			return ok
		}
		h, err := r.open(spec, claimed, r.log)
		if err != nil {
			if errors.Is(err, device.ErrNotFound) {
				r.log.Debug("device not present", "device", spec.Label())
			} else {
				r.log.Warn("failed to register device", "device", spec.Label(), "error", err)
			}
			continue
		}
		r.sessions[h.Path()] = h
		r.bySpec[spec] = true
		h.Start(ctx)
		r.log.Info("registered device", "device", h.Label(), "path", h.Path())

		r.wg.Add(1)
		go r.reap(spec, h)
	}
	return len(r.sessions)
}

// reap waits for a session to end and releases its slot so a later
// Sync can register the spec again.
func (r *Registry) reap(spec *config.DeviceSpec, h Handle) {
	defer r.wg.Done()
	<-h.Done()

	r.mu.Lock()
	if r.sessions[h.Path()] == h {
		delete(r.sessions, h.Path())
	}
	delete(r.bySpec, spec)
	r.mu.Unlock()
	r.log.Info("unregistered device", "device", h.Label(), "path", h.Path())
}

// Status reports the currently registered devices.
func (r *Registry) Status() []DeviceStatus {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	out := make([]DeviceStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, DeviceStatus{
			Device:      h.Label(),
			Path:        h.Path(),
			ActiveGroup: h.ActiveGroup(),
		})
	}
	return out
}

// ConfiguredCount returns the number of configured device specs.
func (r *Registry) ConfiguredCount() int {
	return len(r.specs)
}

// Close stops every session and waits for their reapers.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	handles := make([]Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	r.wg.Wait()
}
