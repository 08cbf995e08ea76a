package images

import "github.com/spf13/cobra"

// Actions organizes image-related subcommands by catalog semantics.
type Actions interface {
	Import(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Delete(cmd *cobra.Command, args []string) error
}

// Command builds the "image" parent command.
func Command(h Actions) *cobra.Command {
	imageCmd := &cobra.Command{
		Use:     "image",
		Aliases: []string{"images"},
		Short:   "Manage boot images",
	}

	importCmd := &cobra.Command{
		Use:   "import [flags] FILE",
		Short: "Copy a disk image into the catalog",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Import,
	}
	importCmd.Flags().String("name", "", "image name (default: file name)")
	importCmd.Flags().String("uuid", "", "image UUID (default: generated)")

	imageCmd.AddCommand(
		importCmd,
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List catalog images",
			RunE:    h.List,
		},
		&cobra.Command{
			Use:     "delete ID [ID...]",
			Aliases: []string{"rm"},
			Short:   "Delete catalog image(s)",
			Args:    cobra.MinimumNArgs(1),
			RunE:    h.Delete,
		},
	)
	return imageCmd
}
