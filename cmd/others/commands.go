package others

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Actions defines cross-cutting system operations.
type Actions interface {
	Serve(cmd *cobra.Command, args []string) error
	Sysinfo(cmd *cobra.Command, args []string) error
	GC(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
}

// Commands builds system command set (serve, sysinfo, gc, version, completion).
func Commands(h Actions) []*cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and watch VM processes",
		RunE:  h.Serve,
	}
	serveCmd.Flags().String("listen", "", "listen address (default: api.listen)")

	return []*cobra.Command{
		serveCmd,
		{
			Use:   "sysinfo",
			Short: "Describe the host: cores, memory, tagged NICs",
			RunE:  h.Sysinfo,
		},
		{
			Use:   "gc",
			Short: "Remove orphaned VM dirs, stale reservations and import leftovers",
			RunE:  h.GC,
		},
		{
			Use:   "version",
			Short: "Show version, git revision, and build timestamp",
			RunE:  h.Version,
		},
		{
			Use:       "completion [bash|zsh|fish|powershell]",
			Short:     "Generate shell completion script",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
			RunE: func(cmd *cobra.Command, args []string) error {
				root := cmd.Root()
				switch args[0] {
				case "bash":
					return root.GenBashCompletion(os.Stdout)
				case "zsh":
					return root.GenZshCompletion(os.Stdout)
				case "fish":
					return root.GenFishCompletion(os.Stdout, true)
				case "powershell":
					return root.GenPowerShellCompletionWithDesc(os.Stdout)
				default:
					return fmt.Errorf("unsupported shell: %s", args[0])
				}
			},
		},
	}
}
