package config

import (
	"fmt"
	"path/filepath"

	"github.com/projecteru2/vmadm/utils"
)

// EnsureDirs creates all static directories. Per-VM directories are created
// on demand via EnsureVMDirs.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.DBDir(),
		c.LocksDir(),
		c.VMsRunDir(),
		c.VMsLogDir(),
	)
}

// EnsureVMDirs creates per-VM runtime and log directories.
func (c *Config) EnsureVMDirs(uuid string) error {
	return utils.EnsureDirs(
		c.VMRunDir(uuid),
		c.VMLogDir(uuid),
	)
}

func (c *Config) DisksDir() string { return filepath.Join(c.RootDir, "disks") }

// VMDiskDir holds the backing files of a VM's disks.
func (c *Config) VMDiskDir(uuid string) string { return filepath.Join(c.DisksDir(), uuid) }

func (c *Config) VMDiskFile(uuid string, index int) string {
	return filepath.Join(c.VMDiskDir(uuid), fmt.Sprintf("disk%d.img", index))
}

func (c *Config) DBDir() string    { return filepath.Join(c.RootDir, "db") }
func (c *Config) LocksDir() string { return filepath.Join(c.DBDir(), "locks") }

// IndexFile and IndexLock are the VM index store paths.
func (c *Config) IndexFile() string { return filepath.Join(c.DBDir(), "vms.json") }
func (c *Config) IndexLock() string { return filepath.Join(c.DBDir(), "vms.lock") }

// VMLockFile serializes long-running operations on one VM across processes.
func (c *Config) VMLockFile(uuid string) string {
	return filepath.Join(c.LocksDir(), uuid+".lock")
}

func (c *Config) VMsRunDir() string             { return filepath.Join(c.RunDir, "vms") }
func (c *Config) VMRunDir(uuid string) string   { return filepath.Join(c.VMsRunDir(), uuid) }
func (c *Config) VMPIDFile(uuid string) string  { return filepath.Join(c.VMRunDir(uuid), "hv.pid") }
func (c *Config) VMExitFile(uuid string) string { return filepath.Join(c.VMRunDir(uuid), "hv.exit") }

// VMDomainFile is the rendered libvirt domain definition of a kvm VM.
func (c *Config) VMDomainFile(uuid string) string {
	return filepath.Join(c.VMRunDir(uuid), "domain.xml")
}

func (c *Config) VMsLogDir() string           { return filepath.Join(c.LogDir, "vms") }
func (c *Config) VMLogDir(uuid string) string { return filepath.Join(c.VMsLogDir(), uuid) }
func (c *Config) VMProcessLog(uuid string) string {
	return filepath.Join(c.VMLogDir(uuid), "hv.log")
}

// ImageIndexFile and ImageIndexLock are the image catalog store paths.
func (c *Config) ImageIndexFile() string { return filepath.Join(c.ImageDir, "images.json") }
func (c *Config) ImageIndexLock() string { return filepath.Join(c.ImageDir, "images.lock") }
