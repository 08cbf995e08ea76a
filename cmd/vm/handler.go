package vm

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/vmadm/cmd/core"
	"github.com/projecteru2/vmadm/manager"
	"github.com/projecteru2/vmadm/scenario"
	"github.com/projecteru2/vmadm/types"
)

const defaultWait = 30 * time.Second

type Handler struct {
	cmdcore.BaseHandler
}

// initBackend is the shared init for methods that drive VMs.
func (h Handler) initBackend(cmd *cobra.Command) (context.Context, cmdcore.Backend, func(), error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	b, done, err := cmdcore.InitBackend(ctx, conf)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, b, done, nil
}

// createVM is the shared logic for Create and Run.
func (h Handler) createVM(cmd *cobra.Command, args []string, autoboot func(*types.Payload)) error {
	var image string
	if len(args) > 0 {
		image = args[0]
	}
	p, err := cmdcore.PayloadFromFlags(cmd, image)
	if err != nil {
		return err
	}
	autoboot(&p)

	ctx, b, done, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	defer done()

	logger := log.WithFunc("cmd." + cmd.Name())
	vm, err := b.Create(ctx, p)
	if vm.UUID != "" {
		logger.Infof(ctx, "VM %s: %s", vm.UUID, vm.State)
	}
	if err != nil {
		return err
	}
	if vm.State == types.VMStateStopped {
		logger.Infof(ctx, "start with: vmadm vm start %s", vm.UUID)
	}
	return cmdcore.PrintJSON(vm)
}

func (h Handler) Create(cmd *cobra.Command, args []string) error {
	return h.createVM(cmd, args, func(p *types.Payload) {
		if cmd.Flags().Changed("autoboot") {
			p.Autoboot, _ = cmd.Flags().GetBool("autoboot")
		}
	})
}

func (h Handler) Run(cmd *cobra.Command, args []string) error {
	return h.createVM(cmd, args, func(p *types.Payload) { p.Autoboot = true })
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	ctx, b, done, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	defer done()
	return batchVMCmd(ctx, "start", "started", b.StartMany, args)
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, b, done, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	defer done()
	return batchVMCmd(ctx, "stop", "stopped", b.StopMany, args)
}

func (h Handler) Reboot(cmd *cobra.Command, args []string) error {
	ctx, b, done, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	defer done()
	vm, err := b.Reboot(ctx, args[0])
	if err != nil {
		return err
	}
	log.WithFunc("cmd.reboot").Infof(ctx, "rebooted: %s", vm.UUID)
	return nil
}

func (h Handler) Update(cmd *cobra.Command, args []string) error {
	var up types.UpdatePayload
	flags := cmd.Flags()
	if flags.Changed("alias") {
		alias, _ := flags.GetString("alias")
		up.Alias = &alias
	}
	if flags.Changed("autoboot") {
		autoboot, _ := flags.GetBool("autoboot")
		up.Autoboot = &autoboot
	}
	if flags.Changed("vnc-port") {
		port, _ := flags.GetInt("vnc-port")
		up.VNCPort = &port
	}

	ctx, b, done, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	defer done()
	vm, err := b.Update(ctx, args[0], up)
	if err != nil {
		return err
	}
	return cmdcore.PrintJSON(vm)
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, b, done, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	defer done()

	all, _ := cmd.Flags().GetBool("all")
	asJSON, _ := cmd.Flags().GetBool("json")
	vms, err := b.List(ctx, manager.ListOptions{All: all})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if asJSON || !cmdcore.Interactive() {
		return cmdcore.PrintJSON(vms)
	}
	if len(vms) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "UUID\tALIAS\tBRAND\tSTATE\tCPU\tMEMORY\tVNC\tCREATED")
	for _, vm := range vms {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			vm.UUID,
			orDash(vm.Alias),
			vm.Brand,
			vm.State,
			vm.VCPUs,
			cmdcore.FormatMiB(vm.RAM),
			vncColumn(vm),
			cmdcore.FormatTime(vm.CreatedAt),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, b, done, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	defer done()
	vm, err := b.Load(ctx, args[0])
	if err != nil {
		return err
	}
	return cmdcore.PrintJSON(vm)
}

func (h Handler) Info(cmd *cobra.Command, args []string) error {
	ctx, b, done, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	defer done()
	info, err := b.Info(ctx, args[0], args[1:]...)
	if err != nil {
		return err
	}
	return cmdcore.PrintJSON(info)
}

func (h Handler) Wait(cmd *cobra.Command, args []string) error {
	state, _ := cmd.Flags().GetString("state")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, b, done, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	defer done()
	vm, err := b.WaitForState(ctx, args[0], types.VMState(state), timeout)
	if err != nil {
		return err
	}
	log.WithFunc("cmd.wait").Infof(ctx, "VM %s is %s", args[0], state)
	if vm.UUID == "" {
		return nil
	}
	return cmdcore.PrintJSON(vm)
}

func (h Handler) CheckVNC(cmd *cobra.Command, args []string) error {
	ctx, b, done, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	defer done()
	greeting, err := b.CheckVNC(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", strings.TrimSpace(string(greeting)))
	return nil
}

// ConsoleCheck runs the console scenario and always deletes its VM.
func (h Handler) ConsoleCheck(cmd *cobra.Command, args []string) error {
	var image string
	if len(args) > 0 {
		image = args[0]
	}
	p, err := cmdcore.PayloadFromFlags(cmd, image)
	if err != nil {
		return err
	}
	p.Autoboot = true
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	b, done, err := cmdcore.InitBackend(ctx, conf)
	if err != nil {
		return err
	}
	defer done()
	adminIP, err := cmdcore.AdminIP(ctx, b, conf)
	if err != nil {
		return fmt.Errorf("console address: %w", err)
	}

	sc := &scenario.Context{
		AdminIP: adminIP,
		Timeout: timeout,
		PortMin: conf.VNC.PortMin,
		PortMax: conf.VNC.PortMax,
	}
	if err := scenario.Run(ctx, b, sc, scenario.ConsoleCheck(p)...); err != nil {
		return err
	}
	log.WithFunc("cmd.console-check").Infof(ctx, "console on %s:%d answered %q", adminIP, sc.Port, strings.TrimSpace(string(sc.Greeting)))
	return nil
}

// RM deletes VMs. DeleteMany is best-effort: the refs it reports were deleted
// even when others failed, so partial results are logged before the error.
func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, b, done, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	defer done()
	logger := log.WithFunc("cmd.rm")

	keep, _ := cmd.Flags().GetBool("keep-disks")
	deleted, err := b.DeleteMany(ctx, args, manager.DeleteOptions{KeepDisks: keep})
	for _, ref := range deleted {
		logger.Infof(ctx, "deleted VM: %s", ref)
	}
	if err != nil {
		return fmt.Errorf("rm: %w", err)
	}
	if len(deleted) == 0 {
		logger.Info(ctx, "no VMs deleted")
	}
	return nil
}

// Debug renders the launch plan. It reads local state only.
func (h Handler) Debug(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	m, err := cmdcore.InitManager(ctx, conf)
	if err != nil {
		return err
	}
	defer m.Close()

	plan, err := m.Plan(ctx, args[0])
	if err != nil {
		return err
	}
	if plan.VNCAddr != "" {
		fmt.Printf("# Console: %s\n", plan.VNCAddr)
	}
	fmt.Printf("%s", plan.Binary)
	for _, a := range plan.Args {
		fmt.Printf(" \\\n  %s", shellQuote(a))
	}
	fmt.Println()
	if plan.Domain != "" {
		fmt.Println()
		fmt.Println("# Domain XML")
		fmt.Println(plan.Domain)
	}
	return nil
}

func batchVMCmd(ctx context.Context, name, pastTense string, fn func(context.Context, []string) ([]string, error), refs []string) error {
	logger := log.WithFunc("cmd." + name)
	done, err := fn(ctx, refs)
	for _, id := range done {
		logger.Infof(ctx, "%s: %s", pastTense, id)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if len(done) == 0 {
		logger.Infof(ctx, "no VMs %s", strings.ToLower(pastTense))
	}
	return nil
}

func vncColumn(vm types.VM) string {
	switch {
	case vm.VNCDisabled():
		return "off"
	case vm.StaticVNCPort() > 0:
		return strconv.Itoa(vm.StaticVNCPort())
	default:
		return "auto"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'$\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
