// Package api serves the VM manager over HTTP: provisioning, lifecycle
// actions, info queries, host sysinfo and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/projecteru2/core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/projecteru2/vmadm/config"
	"github.com/projecteru2/vmadm/manager"
	"github.com/projecteru2/vmadm/sysinfo"
	"github.com/projecteru2/vmadm/types"
)

const (
	prefix          = "/api/v1"
	shutdownTimeout = 10 * time.Second
	maxWait         = 10 * time.Minute
)

// Server exposes a Manager.
type Server struct {
	m        *manager.Manager
	conf     *config.Config
	gatherer prometheus.Gatherer
}

// New creates a Server. gatherer backs /metrics; nil disables the route.
func New(m *manager.Manager, conf *config.Config, gatherer prometheus.Gatherer) *Server {
	return &Server{m: m, conf: conf, gatherer: gatherer}
}

// Engine builds the gin router.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group(prefix)
	{
		v1.GET("/sysinfo", s.hostInfo)

		vms := v1.Group("/vms")
		{
			vms.POST("", s.createVM)
			vms.GET("", s.listVMs)
			vms.GET("/:ref", s.loadVM)
			vms.PATCH("/:ref", s.updateVM)
			vms.DELETE("/:ref", s.deleteVM)
			vms.GET("/:ref/info", s.infoVM)
			vms.GET("/:ref/wait", s.waitVM)
			vms.GET("/:ref/vnc/check", s.checkVNC)
			vms.POST("/:ref/start", s.action(s.m.Start))
			vms.POST("/:ref/stop", s.action(s.m.Stop))
			vms.POST("/:ref/reboot", s.action(s.m.Reboot))
		}
	}
	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	logger := log.WithFunc("api.Serve")
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second, //nolint:mnd
	}
	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		stopped <- srv.Shutdown(sctx)
	}()
	logger.Infof(ctx, "listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return <-stopped
}

func accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	log.WithFunc("api.access").Debugf(c.Request.Context(), "%s %s %d %s",
		c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

func fail(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		log.WithFunc("api.fail").Warnf(c.Request.Context(), "%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	fail(c, fmt.Errorf("%w: %v", types.ErrInvalidSpec, err))
}

func (s *Server) createVM(c *gin.Context) {
	var p types.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, err)
		return
	}
	vm, err := s.m.Create(c.Request.Context(), p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, vm)
}

func (s *Server) listVMs(c *gin.Context) {
	all, _ := strconv.ParseBool(c.Query("all"))
	vms, err := s.m.List(c.Request.Context(), manager.ListOptions{All: all})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, vms)
}

func (s *Server) loadVM(c *gin.Context) {
	vm, err := s.m.Load(c.Request.Context(), c.Param("ref"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (s *Server) updateVM(c *gin.Context) {
	var up types.UpdatePayload
	if err := c.ShouldBindJSON(&up); err != nil {
		badRequest(c, err)
		return
	}
	vm, err := s.m.Update(c.Request.Context(), c.Param("ref"), up)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (s *Server) deleteVM(c *gin.Context) {
	keep, _ := strconv.ParseBool(c.Query("keep_disks"))
	if err := s.m.Delete(c.Request.Context(), c.Param("ref"), manager.DeleteOptions{KeepDisks: keep}); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) infoVM(c *gin.Context) {
	info, err := s.m.Info(c.Request.Context(), c.Param("ref"), c.QueryArray("types")...)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) waitVM(c *gin.Context) {
	state := types.VMState(c.Query("state"))
	if state == "" {
		badRequest(c, errors.New("state is required"))
		return
	}
	timeout := s.conf.LaunchTimeout()
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxWait {
			badRequest(c, fmt.Errorf("timeout %q", raw))
			return
		}
		timeout = d
	}
	vm, err := s.m.WaitForState(c.Request.Context(), c.Param("ref"), state, timeout)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

// CheckResult is the body of a successful console check.
type CheckResult struct {
	Greeting string `json:"greeting"`
}

func (s *Server) checkVNC(c *gin.Context) {
	greeting, err := s.m.CheckVNC(c.Request.Context(), c.Param("ref"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, CheckResult{Greeting: string(greeting)})
}

func (s *Server) action(fn func(context.Context, string) (types.VM, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		vm, err := fn(c.Request.Context(), c.Param("ref"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, vm)
	}
}

func (s *Server) hostInfo(c *gin.Context) {
	info, err := sysinfo.Collect(c.Request.Context(), s.conf.NICTags, s.conf.AdminTag)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
