package vm

import (
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/vmadm/cmd/core"
)

// Actions defines VM lifecycle operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	Run(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	Reboot(cmd *cobra.Command, args []string) error
	Update(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	Info(cmd *cobra.Command, args []string) error
	Wait(cmd *cobra.Command, args []string) error
	CheckVNC(cmd *cobra.Command, args []string) error
	ConsoleCheck(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
	Debug(cmd *cobra.Command, args []string) error
}

// Command builds the "vm" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage virtual machines",
	}

	createCmd := &cobra.Command{
		Use:   "create [flags] [IMAGE]",
		Short: "Provision a VM from an image",
		Args:  cobra.MaximumNArgs(1),
		RunE:  h.Create,
	}
	cmdcore.AddPayloadFlags(createCmd)
	createCmd.Flags().Bool("autoboot", false, "boot right after provisioning")

	runCmd := &cobra.Command{
		Use:   "run [flags] [IMAGE]",
		Short: "Provision and boot a VM from an image",
		Args:  cobra.MaximumNArgs(1),
		RunE:  h.Run,
	}
	cmdcore.AddPayloadFlags(runCmd)

	startCmd := &cobra.Command{
		Use:   "start VM [VM...]",
		Short: "Boot stopped VM(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Start,
	}

	stopCmd := &cobra.Command{
		Use:   "stop VM [VM...]",
		Short: "Stop running VM(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Stop,
	}

	rebootCmd := &cobra.Command{
		Use:   "reboot VM",
		Short: "Relaunch a running VM, keeping its console port",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Reboot,
	}

	updateCmd := &cobra.Command{
		Use:   "update [flags] VM",
		Short: "Change alias, autoboot or console port",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Update,
	}
	updateCmd.Flags().String("alias", "", "VM alias")
	updateCmd.Flags().Bool("autoboot", false, "boot with the host")
	updateCmd.Flags().Int("vnc-port", 0, "static console port (0 = allocate, -1 = disable)")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List VMs with state and console port",
		RunE:    h.List,
	}
	listCmd.Flags().BoolP("all", "a", false, "include do_not_inventory VMs")
	listCmd.Flags().Bool("json", false, "print JSON even on a terminal")

	inspectCmd := &cobra.Command{
		Use:   "inspect VM",
		Short: "Show the VM record (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	infoCmd := &cobra.Command{
		Use:   "info VM [TYPE...]",
		Short: "Query runtime info (vnc, status; default all)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Info,
	}

	waitCmd := &cobra.Command{
		Use:   "wait [flags] VM",
		Short: "Block until a VM reaches a state",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Wait,
	}
	waitCmd.Flags().String("state", "running", "target state")
	waitCmd.Flags().Duration("timeout", defaultWait, "give up after")

	checkCmd := &cobra.Command{
		Use:   "check-vnc VM",
		Short: "Probe a running VM's console for an RFB greeting",
		Args:  cobra.ExactArgs(1),
		RunE:  h.CheckVNC,
	}

	consoleCheckCmd := &cobra.Command{
		Use:   "console-check [flags] [IMAGE]",
		Short: "Provision a VM, verify its dynamic console, then delete it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  h.ConsoleCheck,
	}
	cmdcore.AddPayloadFlags(consoleCheckCmd)
	consoleCheckCmd.Flags().Duration("timeout", 0, "bound on each wait and probe (0 = default)")

	rmCmd := &cobra.Command{
		Use:   "rm [flags] VM [VM...]",
		Short: "Delete VM(s), stopping them first",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.RM,
	}
	rmCmd.Flags().Bool("keep-disks", false, "leave disk files in place")

	debugCmd := &cobra.Command{
		Use:   "debug VM",
		Short: "Print the hypervisor command a start would run (dry run)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Debug,
	}

	vmCmd.AddCommand(
		createCmd,
		runCmd,
		startCmd,
		stopCmd,
		rebootCmd,
		updateCmd,
		listCmd,
		inspectCmd,
		infoCmd,
		waitCmd,
		checkCmd,
		consoleCheckCmd,
		rmCmd,
		debugCmd,
	)
	return vmCmd
}
