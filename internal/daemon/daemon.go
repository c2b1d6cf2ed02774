// Package daemon wires the configuration, registry, hotplug monitors,
// and control socket into a running evremapd instance.
package daemon

import (
	"context"
	"time"

	"evremapd/internal/config"
	"evremapd/internal/device"
	"evremapd/internal/ipc"
	"evremapd/internal/logging"
	"evremapd/internal/registry"
	"evremapd/internal/session"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Daemon is one running evremapd instance.
type Daemon struct {
	cfg       *config.Config
	log       *logging.Logger
	reg       *registry.Registry
	startedAt time.Time
}

// New builds a daemon from a validated configuration.
func New(cfg *config.Config, log *logging.Logger) *Daemon {
	if log == nil {
		log = logging.Default()
	}

	opener := func(spec *config.DeviceSpec, skip func(string) bool, lg *logging.Logger) (registry.Handle, error) {
		s, err := session.Open(spec, skip, lg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	return &Daemon{
		cfg: cfg,
		log: log,
		reg: registry.New(cfg.Devices, opener, log.WithComponent("registry")),
	}
}

// Run starts the control socket, registers configured devices, and
// blocks until ctx is canceled or a shutdown is requested over the
// control channel. Device sessions are stopped before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.startedAt = time.Now()

	srv := ipc.NewServer(d.cfg.SocketPath(), d.log)
	d.registerHandlers(srv, cancel)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	if n := d.reg.Sync(ctx); n == 0 {
		d.log.Warn("no configured devices detected at startup")
	}

	go d.watchHotplug(ctx)

	d.log.Info("daemon running", "version", Version,
		"configured_devices", d.reg.ConfiguredCount())

	<-ctx.Done()
	d.log.Info("shutting down")
	d.reg.Close()
	return nil
}

// watchHotplug re-syncs the registry on device attachment. The udev
// netlink socket is preferred; watching /dev/input is the fallback in
// restricted environments.
func (d *Daemon) watchHotplug(ctx context.Context) {
	notify := func() { d.reg.Sync(ctx) }

	udev := registry.NewUdevMonitor(d.log.WithComponent("hotplug"))
	err := udev.Run(ctx, notify)
	if err == nil || ctx.Err() != nil {
		return
	}
	d.log.Warn("udev monitor unavailable, watching /dev/input instead", "error", err)

	fsm := registry.NewFsnotifyMonitor("", d.log.WithComponent("hotplug"))
	if err := fsm.Run(ctx, notify); err != nil && ctx.Err() == nil {
		d.log.Error("hotplug monitoring disabled", "error", err)
	}
}

func (d *Daemon) registerHandlers(srv *ipc.Server, shutdown context.CancelFunc) {
	srv.HandleFunc(ipc.MsgPing, func(msg *ipc.Message) (*ipc.Message, error) {
		return ipc.NewMessage(ipc.MsgPong, msg.Header.RequestID, nil), nil
	})

	srv.HandleFunc(ipc.MsgStatusRequest, func(msg *ipc.Message) (*ipc.Message, error) {
		registered := d.reg.Status()
		devices := make([]ipc.DeviceSummary, 0, len(registered))
		for _, s := range registered {
			devices = append(devices, ipc.DeviceSummary{
				Device:      s.Device,
				Path:        s.Path,
				ActiveGroup: s.ActiveGroup,
			})
		}
		return ipc.NewResponse(ipc.MsgStatusResponse, msg.Header.RequestID, &ipc.StatusResponse{
			Version:           Version,
			StartedAt:         d.startedAt,
			Uptime:            time.Since(d.startedAt),
			ConfiguredDevices: d.reg.ConfiguredCount(),
			RegisteredDevices: devices,
		})
	})

	srv.HandleFunc(ipc.MsgListDevices, func(msg *ipc.Message) (*ipc.Message, error) {
		infos, err := device.Enumerate()
		if err != nil {
			return nil, err
		}
		devices := make([]ipc.DeviceInfo, 0, len(infos))
		for _, info := range infos {
			devices = append(devices, ipc.DeviceInfo{Path: info.Path, Name: info.Name, Phys: info.Phys})
		}
		return ipc.NewResponse(ipc.MsgListDevicesResp, msg.Header.RequestID, &ipc.ListDevicesResponse{
			Devices: devices,
		})
	})

	srv.HandleFunc(ipc.MsgShutdown, func(msg *ipc.Message) (*ipc.Message, error) {
		d.log.Info("shutdown requested over control socket")
		// let the acknowledgement flush before tearing the server down
		time.AfterFunc(100*time.Millisecond, shutdown)
		return ipc.NewResponse(ipc.MsgShutdownResp, msg.Header.RequestID, &ipc.ShutdownResponse{Success: true})
	})
}
