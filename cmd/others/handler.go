package others

import (
	"fmt"
	"os"
	"sort"

	"github.com/projecteru2/core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/vmadm/api"
	cmdcore "github.com/projecteru2/vmadm/cmd/core"
	"github.com/projecteru2/vmadm/gc"
	"github.com/projecteru2/vmadm/manager"
	"github.com/projecteru2/vmadm/metrics"
	"github.com/projecteru2/vmadm/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

// gcRegistrar is implemented by every component owning collectable state.
type gcRegistrar interface {
	RegisterGC(*gc.Orchestrator)
}

// Serve runs the API server and the liveness watcher until the command
// context is cancelled or either of them fails.
func (h Handler) Serve(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	listen, _ := cmd.Flags().GetString("listen")
	if listen == "" {
		listen = conf.API.Listen
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := cmdcore.InitManager(ctx, conf, manager.WithMetrics(metrics.New(reg)))
	if err != nil {
		return err
	}
	defer m.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Watch(gctx) })
	g.Go(func() error { return api.New(m, conf, reg).Serve(gctx, listen) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.WithFunc("cmd.serve").Info(ctx, "stopped")
	return nil
}

func (h Handler) Sysinfo(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	info, err := cmdcore.HostInfo(ctx, conf)
	if err != nil {
		return fmt.Errorf("sysinfo: %w", err)
	}
	return info.Report(os.Stdout)
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	m, err := cmdcore.InitManager(ctx, conf)
	if err != nil {
		return err
	}
	defer m.Close()

	o := gc.New()
	m.RegisterGC(o)
	if c, ok := m.Images().(gcRegistrar); ok {
		c.RegisterGC(o)
	}
	collected, err := o.Run(ctx)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.gc")
	names := make([]string, 0, len(collected))
	for name := range collected {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		logger.Infof(ctx, "%s: %d collected", name, collected[name])
	}
	logger.Infof(ctx, "GC completed")
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
