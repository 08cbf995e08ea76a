package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// MinConsolePort is the lowest console port: qemu display :0.
const MinConsolePort = 5900

// Config holds global vmadm configuration.
type Config struct {
	// RootDir is the base directory for persistent data (VM index, locks).
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// RunDir holds per-VM runtime files (PID, exit code, rendered definitions).
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	// LogDir holds per-VM hypervisor process logs.
	LogDir string `json:"log_dir" mapstructure:"log_dir"`
	// ImageDir is where boot images are looked up by UUID.
	// Defaults to {RootDir}/images.
	ImageDir string `json:"image_dir" mapstructure:"image_dir"`
	// PoolSize is the goroutine pool size for batch operations.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// StopTimeoutSeconds bounds a graceful hypervisor shutdown before SIGKILL.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`
	// WatchIntervalSeconds is the liveness polling interval of the state observer.
	WatchIntervalSeconds int `json:"watch_interval_seconds" mapstructure:"watch_interval_seconds"`

	// AdminTag is the NIC tag whose IPv4 address serves VNC consoles.
	AdminTag string `json:"admin_tag" mapstructure:"admin_tag"`
	// NICTags maps a NIC tag to the host interfaces carrying it.
	NICTags map[string][]string `json:"nic_tags" mapstructure:"nic_tags"`

	VNC        VNCConfig        `json:"vnc" mapstructure:"vnc"`
	Hypervisor HypervisorConfig `json:"hypervisor" mapstructure:"hypervisor"`
	API        APIConfig        `json:"api" mapstructure:"api"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// VNCConfig controls console port allocation and probing.
type VNCConfig struct {
	// PortMin and PortMax bound the dynamic allocation range (inclusive).
	PortMin int `json:"port_min" mapstructure:"port_min"`
	PortMax int `json:"port_max" mapstructure:"port_max"`
	// ListenAddress is the console bind address. Empty means the admin NIC's IPv4.
	ListenAddress string `json:"listen_address" mapstructure:"listen_address"`
	// ProbeTimeoutSeconds bounds a greeting probe.
	ProbeTimeoutSeconds int `json:"probe_timeout_seconds" mapstructure:"probe_timeout_seconds"`
	// LaunchTimeoutSeconds bounds the wait for a freshly launched console listener.
	LaunchTimeoutSeconds int `json:"launch_timeout_seconds" mapstructure:"launch_timeout_seconds"`
}

// HypervisorConfig selects the launch driver and binaries.
type HypervisorConfig struct {
	// Driver is "process" (exec bhyve/qemu) or "stub" (in-process RFB greeter).
	Driver       string `json:"driver" mapstructure:"driver"`
	BhyveBinary  string `json:"bhyve_binary" mapstructure:"bhyve_binary"`
	// BhyveBootrom is the UEFI firmware bhyve needs for a framebuffer device.
	BhyveBootrom string `json:"bhyve_bootrom" mapstructure:"bhyve_bootrom"`
	QemuBinary   string `json:"qemu_binary" mapstructure:"qemu_binary"`
}

// APIConfig configures the HTTP query interface.
type APIConfig struct {
	Listen string `json:"listen" mapstructure:"listen"`
	// Remote, when set, points the CLI at a running server instead of the local state.
	Remote string `json:"remote" mapstructure:"remote"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:              "/var/lib/vmadm",
		RunDir:               "/var/run/vmadm",
		LogDir:               "/var/log/vmadm",
		PoolSize:             runtime.NumCPU(),
		StopTimeoutSeconds:   30, //nolint:mnd
		WatchIntervalSeconds: 5,  //nolint:mnd
		AdminTag:             "admin",
		VNC: VNCConfig{
			PortMin:              49152, //nolint:mnd
			PortMax:              65535, //nolint:mnd
			ProbeTimeoutSeconds:  5,     //nolint:mnd
			LaunchTimeoutSeconds: 30,    //nolint:mnd
		},
		Hypervisor: HypervisorConfig{
			Driver:      "process",
			BhyveBinary:  "/usr/sbin/bhyve",
			BhyveBootrom: "/usr/share/bhyve/uefi-rom.bin",
			QemuBinary:   "qemu-system-x86_64",
		},
		API: APIConfig{Listen: "127.0.0.1:8089"},
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Normalize fills zero values left by a partial config file.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	if c.StopTimeoutSeconds <= 0 {
		c.StopTimeoutSeconds = d.StopTimeoutSeconds
	}
	if c.WatchIntervalSeconds <= 0 {
		c.WatchIntervalSeconds = d.WatchIntervalSeconds
	}
	if c.VNC.ProbeTimeoutSeconds <= 0 {
		c.VNC.ProbeTimeoutSeconds = d.VNC.ProbeTimeoutSeconds
	}
	if c.VNC.LaunchTimeoutSeconds <= 0 {
		c.VNC.LaunchTimeoutSeconds = d.VNC.LaunchTimeoutSeconds
	}
	if c.VNC.PortMin == 0 && c.VNC.PortMax == 0 {
		c.VNC.PortMin, c.VNC.PortMax = d.VNC.PortMin, d.VNC.PortMax
	}
	if c.AdminTag == "" {
		c.AdminTag = d.AdminTag
	}
	if c.Hypervisor.Driver == "" {
		c.Hypervisor.Driver = d.Hypervisor.Driver
	}
	if c.Hypervisor.BhyveBinary == "" {
		c.Hypervisor.BhyveBinary = d.Hypervisor.BhyveBinary
	}
	if c.Hypervisor.BhyveBootrom == "" {
		c.Hypervisor.BhyveBootrom = d.Hypervisor.BhyveBootrom
	}
	if c.Hypervisor.QemuBinary == "" {
		c.Hypervisor.QemuBinary = d.Hypervisor.QemuBinary
	}
	if c.ImageDir == "" {
		c.ImageDir = filepath.Join(c.RootDir, "images")
	}
}

// Validate rejects configurations the manager cannot run with.
func (c *Config) Validate() error {
	if c.RootDir == "" || c.RunDir == "" || c.LogDir == "" {
		return fmt.Errorf("root_dir, run_dir and log_dir are required")
	}
	if c.VNC.PortMin < 1 || c.VNC.PortMax > 65535 || c.VNC.PortMin > c.VNC.PortMax {
		return fmt.Errorf("invalid vnc port range %d-%d", c.VNC.PortMin, c.VNC.PortMax)
	}
	// kvm consoles are qemu -vnc displays, numbered from 5900.
	if c.VNC.PortMin < MinConsolePort {
		return fmt.Errorf("vnc port_min %d below %d", c.VNC.PortMin, MinConsolePort)
	}
	switch c.Hypervisor.Driver {
	case "process", "stub":
	default:
		return fmt.Errorf("unknown hypervisor driver %q", c.Hypervisor.Driver)
	}
	return nil
}

func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

func (c *Config) WatchInterval() time.Duration {
	return time.Duration(c.WatchIntervalSeconds) * time.Second
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.VNC.ProbeTimeoutSeconds) * time.Second
}

func (c *Config) LaunchTimeout() time.Duration {
	return time.Duration(c.VNC.LaunchTimeoutSeconds) * time.Second
}
