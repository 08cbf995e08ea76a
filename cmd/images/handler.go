package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/vmadm/cmd/core"
	imagecatalog "github.com/projecteru2/vmadm/images"
	"github.com/projecteru2/vmadm/progress"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) initCatalog(cmd *cobra.Command) (context.Context, *imagecatalog.Catalog, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	c, err := imagecatalog.New(conf)
	if err != nil {
		return nil, nil, fmt.Errorf("init image catalog: %w", err)
	}
	return ctx, c, nil
}

func (h Handler) Import(cmd *cobra.Command, args []string) error {
	ctx, c, err := h.initCatalog(cmd)
	if err != nil {
		return err
	}
	src := args[0]
	name, _ := cmd.Flags().GetString("name")
	id, _ := cmd.Flags().GetString("uuid")
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	}

	logger := log.WithFunc("cmd.import")
	tracker := progress.NewTracker(func(e progress.Event) {
		switch e.Phase {
		case progress.PhaseCopy:
			if e.BytesTotal > 0 {
				pct := float64(e.BytesDone) / float64(e.BytesTotal) * 100 //nolint:mnd
				fmt.Printf("\r  %s / %s (%.1f%%)", cmdcore.FormatSize(e.BytesDone), cmdcore.FormatSize(e.BytesTotal), pct)
			} else {
				fmt.Printf("\r  %s copied", cmdcore.FormatSize(e.BytesDone))
			}
		case progress.PhaseCommit:
			fmt.Println()
			logger.Info(ctx, "committing...")
		case progress.PhaseDone:
			logger.Infof(ctx, "done: %s", e.Name)
		}
	})
	img, err := c.Import(ctx, src, id, name, tracker)
	if err != nil {
		return fmt.Errorf("import %s: %w", src, err)
	}
	logger.Infof(ctx, "imported %s as %s (%s)", src, img.ID, cmdcore.FormatSize(img.Size))
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, c, err := h.initCatalog(cmd)
	if err != nil {
		return err
	}
	imgs, err := c.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if !cmdcore.Interactive() {
		return cmdcore.PrintJSON(imgs)
	}
	if len(imgs) == 0 {
		fmt.Println("No images found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "UUID\tNAME\tDIGEST\tSIZE\tCREATED")
	for _, img := range imgs {
		digest := img.Digest
		if len(digest) > 19 {
			digest = digest[:19]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			img.ID,
			img.Name,
			digest,
			cmdcore.FormatSize(img.Size),
			cmdcore.FormatTime(img.CreatedAt),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Delete(cmd *cobra.Command, args []string) error {
	ctx, c, err := h.initCatalog(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.delete")
	deleted, err := c.Delete(ctx, args)
	for _, ref := range deleted {
		logger.Infof(ctx, "deleted: %s", ref)
	}
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if len(deleted) == 0 {
		logger.Infof(ctx, "no matching images found")
	}
	return nil
}
