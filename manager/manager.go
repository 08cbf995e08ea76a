// Package manager is the collaborator-facing API of vmadm: it provisions VMs,
// drives their lifecycle through the state observer and answers info queries.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmadm/config"
	"github.com/projecteru2/vmadm/hypervisor"
	"github.com/projecteru2/vmadm/hypervisor/process"
	"github.com/projecteru2/vmadm/hypervisor/stub"
	"github.com/projecteru2/vmadm/images"
	"github.com/projecteru2/vmadm/lock"
	"github.com/projecteru2/vmadm/lock/flock"
	"github.com/projecteru2/vmadm/metrics"
	"github.com/projecteru2/vmadm/observer"
	"github.com/projecteru2/vmadm/registry"
	"github.com/projecteru2/vmadm/sysinfo"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/vnc"
)

const fallbackAdminIP = "127.0.0.1"

// Manager is safe for concurrent use, and by several processes sharing the
// same root directory.
type Manager struct {
	conf     *config.Config
	reg      *registry.Registry
	pool     *vnc.Pool
	obs      *observer.Observer
	launcher hypervisor.Launcher
	images   images.Images
	metrics  *metrics.Metrics
	adminIP  string
	workers  *ants.Pool
}

type options struct {
	launcher hypervisor.Launcher
	images   images.Images
	metrics  *metrics.Metrics
	adminIP  string
	check    vnc.HostChecker
}

// Option customizes New.
type Option func(*options)

// WithLauncher overrides the driver selected by conf.Hypervisor.Driver.
func WithLauncher(l hypervisor.Launcher) Option { return func(o *options) { o.launcher = l } }

// WithImages overrides the image catalog under conf.ImageDir.
func WithImages(i images.Images) Option { return func(o *options) { o.images = i } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithAdminIP fixes the console address instead of discovering it.
func WithAdminIP(ip string) Option { return func(o *options) { o.adminIP = ip } }

// WithHostChecker replaces the bind test run on candidate console ports.
func WithHostChecker(c vnc.HostChecker) Option { return func(o *options) { o.check = c } }

// New opens the registry under conf.RootDir and rebuilds the port pool from it.
func New(ctx context.Context, conf *config.Config, opts ...Option) (*Manager, error) {
	logger := log.WithFunc("manager.New")
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg, err := registry.Open(conf)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	if o.launcher == nil {
		switch conf.Hypervisor.Driver {
		case "stub":
			o.launcher = stub.New()
		default:
			o.launcher = process.New(conf)
		}
	}
	if o.images == nil {
		if o.images, err = images.New(conf); err != nil {
			return nil, fmt.Errorf("open image catalog: %w", err)
		}
	}
	if o.adminIP == "" {
		o.adminIP = adminIP(ctx, conf)
	}
	if o.check == nil {
		o.check = vnc.BindChecker(o.adminIP)
	}

	pool, err := vnc.NewPool(conf.VNC.PortMin, conf.VNC.PortMax, o.check)
	if err != nil {
		return nil, err
	}
	locks := func(id string) lock.Locker { return flock.New(conf.VMLockFile(id)) }
	obs := observer.New(reg, pool, o.launcher, locks, o.adminIP, o.metrics)
	if err := obs.Sync(ctx); err != nil {
		return nil, fmt.Errorf("sync port pool: %w", err)
	}

	workers, err := ants.NewPool(conf.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("create ants pool: %w", err)
	}

	logger.Infof(ctx, "manager initialized: driver %s, console %s, ports %d-%d, %d in use",
		o.launcher.Type(), o.adminIP, conf.VNC.PortMin, conf.VNC.PortMax, pool.InUse())
	return &Manager{
		conf:     conf,
		reg:      reg,
		pool:     pool,
		obs:      obs,
		launcher: o.launcher,
		images:   o.images,
		metrics:  o.metrics,
		adminIP:  o.adminIP,
		workers:  workers,
	}, nil
}

// adminIP picks the console address: the configured listen address, else the
// IPv4 address of the admin-tagged NIC, else loopback.
func adminIP(ctx context.Context, conf *config.Config) string {
	logger := log.WithFunc("manager.adminIP")
	if conf.VNC.ListenAddress != "" {
		return conf.VNC.ListenAddress
	}
	info, err := sysinfo.Collect(ctx, conf.NICTags, conf.AdminTag)
	if err == nil {
		var ip string
		if ip, err = info.AdminIP(conf.AdminTag); err == nil {
			return ip
		}
	}
	logger.Warnf(ctx, "no %s NIC address (%v), consoles listen on %s", conf.AdminTag, err, fallbackAdminIP)
	return fallbackAdminIP
}

// AdminIP is the address console sessions listen on.
func (m *Manager) AdminIP() string { return m.adminIP }

// Images returns the image catalog provisioning resolves disks against.
func (m *Manager) Images() images.Images { return m.images }

// Subscribe streams transition events of VM id, or of every VM when id is empty.
func (m *Manager) Subscribe(id string) (<-chan types.Event, func()) { return m.obs.Subscribe(id) }

// Watch runs the liveness loop until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	return m.obs.Watch(ctx, m.conf.WatchInterval())
}

// WaitForState blocks until the VM reaches state or timeout expires.
func (m *Manager) WaitForState(ctx context.Context, ref string, state types.VMState, timeout time.Duration) (types.VM, error) {
	id, err := m.reg.Resolve(ctx, ref)
	if err != nil {
		if state == types.VMStateDestroyed && isNotFound(err) {
			return types.VM{}, nil
		}
		return types.VM{}, types.WrapOp("wait", ref, err)
	}
	vm, err := m.obs.WaitFor(ctx, id, state, timeout)
	return vm, types.WrapOp("wait", id, err)
}

// Close releases the worker pool.
func (m *Manager) Close() {
	if m.workers != nil {
		m.workers.Release()
	}
}

func (m *Manager) vmLock(id string) lock.Locker { return flock.New(m.conf.VMLockFile(id)) }
