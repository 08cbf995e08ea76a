package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/projecteru2/vmadm/api"
	"github.com/projecteru2/vmadm/config"
	"github.com/projecteru2/vmadm/manager"
	"github.com/projecteru2/vmadm/scenario"
	"github.com/projecteru2/vmadm/sysinfo"
	"github.com/projecteru2/vmadm/types"
)

// Backend is what VM commands drive: the local manager, or a server through
// api.Client when api.remote is configured.
type Backend interface {
	scenario.Client

	List(ctx context.Context, opts manager.ListOptions) ([]types.VM, error)
	Start(ctx context.Context, ref string) (types.VM, error)
	Stop(ctx context.Context, ref string) (types.VM, error)
	Reboot(ctx context.Context, ref string) (types.VM, error)
	Update(ctx context.Context, ref string, up types.UpdatePayload) (types.VM, error)
	CheckVNC(ctx context.Context, ref string) ([]byte, error)

	StartMany(ctx context.Context, refs []string) ([]string, error)
	StopMany(ctx context.Context, refs []string) ([]string, error)
	DeleteMany(ctx context.Context, refs []string, opts manager.DeleteOptions) ([]string, error)
}

var (
	_ Backend = (*manager.Manager)(nil)
	_ Backend = (*api.Client)(nil)
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitManager opens the local state.
func InitManager(ctx context.Context, conf *config.Config, opts ...manager.Option) (*manager.Manager, error) {
	m, err := manager.New(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("init manager: %w", err)
	}
	return m, nil
}

// InitBackend returns the remote client when api.remote is set, else the
// local manager. The returned func releases it.
func InitBackend(ctx context.Context, conf *config.Config) (Backend, func(), error) {
	if conf.API.Remote != "" {
		return api.NewClient(RemoteURL(conf.API.Remote), nil), func() {}, nil
	}
	m, err := InitManager(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	return m, m.Close, nil
}

// RemoteURL adds the http scheme to a bare host:port.
func RemoteURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}

// AdminIP reports where consoles of b listen.
func AdminIP(ctx context.Context, b Backend, conf *config.Config) (string, error) {
	switch b := b.(type) {
	case *manager.Manager:
		return b.AdminIP(), nil
	case *api.Client:
		if conf.VNC.ListenAddress != "" {
			return conf.VNC.ListenAddress, nil
		}
		info, err := b.Sysinfo(ctx)
		if err != nil {
			return "", err
		}
		return info.AdminIP(conf.AdminTag)
	default:
		return "", fmt.Errorf("unknown backend %T", b)
	}
}

// HostInfo collects sysinfo locally or asks the remote server.
func HostInfo(ctx context.Context, conf *config.Config) (*sysinfo.Sysinfo, error) {
	if conf.API.Remote != "" {
		return api.NewClient(RemoteURL(conf.API.Remote), nil).Sysinfo(ctx)
	}
	return sysinfo.Collect(ctx, conf.NICTags, conf.AdminTag)
}

// AddPayloadFlags registers the flags PayloadFromFlags reads.
func AddPayloadFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "JSON payload file (- for stdin); flags are ignored when set")
	cmd.Flags().String("alias", "", "VM alias")
	cmd.Flags().String("brand", string(types.BrandBhyve), "hypervisor brand (bhyve, kvm)")
	cmd.Flags().Int("cpu", 1, "vCPUs")
	cmd.Flags().String("memory", "1G", "memory size")
	cmd.Flags().StringSlice("disk", nil, "extra blank disk size, repeatable (e.g. 10G)")
	cmd.Flags().Int("vnc-port", 0, "static console port (0 = allocate, -1 = disable)")
	cmd.Flags().Bool("do-not-inventory", false, "hide the VM from list")
}

// PayloadFromFlags builds the create payload. image is the boot image UUID
// or name and may be empty when a payload file is given.
func PayloadFromFlags(cmd *cobra.Command, image string) (types.Payload, error) {
	var p types.Payload
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		return p, readPayload(cmd, file, &p)
	}
	if image == "" {
		return p, fmt.Errorf("IMAGE or --file is required")
	}

	alias, _ := cmd.Flags().GetString("alias")
	brand, _ := cmd.Flags().GetString("brand")
	cpu, _ := cmd.Flags().GetInt("cpu")
	memStr, _ := cmd.Flags().GetString("memory")
	disks, _ := cmd.Flags().GetStringSlice("disk")
	noInv, _ := cmd.Flags().GetBool("do-not-inventory")

	memBytes, err := units.RAMInBytes(memStr)
	if err != nil {
		return p, fmt.Errorf("invalid --memory %q: %w", memStr, err)
	}
	p = types.Payload{
		Alias:          alias,
		Brand:          types.Brand(brand),
		RAM:            memBytes >> 20, //nolint:mnd
		VCPUs:          cpu,
		Disks:          []types.Disk{{ImageUUID: image, Boot: true}},
		DoNotInventory: noInv,
	}
	for _, s := range disks {
		size, err := units.RAMInBytes(s)
		if err != nil {
			return p, fmt.Errorf("invalid --disk %q: %w", s, err)
		}
		p.Disks = append(p.Disks, types.Disk{Size: size >> 20}) //nolint:mnd
	}
	if cmd.Flags().Changed("vnc-port") {
		port, _ := cmd.Flags().GetInt("vnc-port")
		p.VNCPort = &port
	}
	return p, nil
}

func readPayload(cmd *cobra.Command, file string, p *types.Payload) error {
	var r io.Reader = cmd.InOrStdin()
	if file != "-" {
		f, err := os.Open(file) //nolint:gosec // operator supplied
		if err != nil {
			return fmt.Errorf("open payload: %w", err)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// PrintJSON writes v indented to stdout.
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Interactive reports whether stdout is a terminal; tables are printed for
// humans, JSON otherwise.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec
}

func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

// FormatMiB renders a MiB count the way list shows memory.
func FormatMiB(mib int64) string {
	return units.BytesSize(float64(mib << 20)) //nolint:mnd
}

// FormatTime renders t in local time, "-" for zero.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
