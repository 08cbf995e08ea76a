package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmadm/config"
	"github.com/projecteru2/vmadm/hypervisor/stub"
	"github.com/projecteru2/vmadm/manager"
	"github.com/projecteru2/vmadm/metrics"
	"github.com/projecteru2/vmadm/scenario"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/vnc"
)

// Console ports used by this package's tests.
const (
	portMin = 43350
	portMax = 43399
)

var _ scenario.Client = (*Client)(nil)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fixture struct {
	srv    *httptest.Server
	client *Client
	m      *manager.Manager
	image  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	conf := config.DefaultConfig()
	conf.RootDir = filepath.Join(root, "lib")
	conf.RunDir = filepath.Join(root, "run")
	conf.LogDir = filepath.Join(root, "log")
	conf.VNC.PortMin, conf.VNC.PortMax = portMin, portMax
	conf.Hypervisor.Driver = "stub"
	conf.Normalize()

	reg := prometheus.NewRegistry()
	m, err := manager.New(ctx, conf,
		manager.WithLauncher(stub.New()),
		manager.WithAdminIP("127.0.0.1"),
		manager.WithMetrics(metrics.New(reg)))
	require.NoError(t, err)
	t.Cleanup(m.Close)

	src := filepath.Join(root, "centos.raw")
	require.NoError(t, os.WriteFile(src, []byte("bootable"), 0o600))
	img, err := m.Images().Import(ctx, src, "", "centos", nil)
	require.NoError(t, err)

	srv := httptest.NewServer(New(m, conf, reg).Engine())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, client: NewClient(srv.URL, srv.Client()), m: m, image: img.ID}
}

func (f *fixture) payload() types.Payload {
	return types.Payload{
		Brand:    types.BrandBhyve,
		RAM:      256,
		VCPUs:    1,
		Disks:    []types.Disk{{ImageUUID: f.image, Boot: true}},
		Autoboot: true,
	}
}

func TestConsoleScenarioOverHTTP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sc := &scenario.Context{AdminIP: f.m.AdminIP(), PortMin: portMin, PortMax: portMax, Timeout: 2 * time.Second}
	require.NoError(t, scenario.Run(ctx, f.client, sc, scenario.ConsoleCheck(f.payload())...))
	assert.Equal(t, vnc.Greeting, string(sc.Greeting[:3]))

	vms, err := f.client.List(ctx, manager.ListOptions{All: true})
	require.NoError(t, err)
	assert.Empty(t, vms)
}

func TestLifecycleOverHTTP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := f.payload()
	p.Autoboot = false
	p.Alias = "web01"
	vm, err := f.client.Create(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, vm.State)

	vm, err = f.client.Start(ctx, "web01")
	require.NoError(t, err)
	assert.Equal(t, types.VMStateRunning, vm.State)

	vm, err = f.client.WaitForState(ctx, vm.UUID, types.VMStateRunning, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateRunning, vm.State)

	info, err := f.client.Info(ctx, vm.UUID, types.InfoVNC, types.InfoStatus)
	require.NoError(t, err)
	require.NotNil(t, info.VNC.Port)
	port := *info.VNC.Port
	assert.Equal(t, types.VMStateRunning, info.Status.State)

	greeting, err := f.client.CheckVNC(ctx, vm.UUID)
	require.NoError(t, err)
	assert.Equal(t, vnc.ServerVersion, string(greeting))

	_, err = f.client.Reboot(ctx, vm.UUID)
	require.NoError(t, err)
	info, err = f.client.Info(ctx, vm.UUID, types.InfoVNC)
	require.NoError(t, err)
	assert.Equal(t, port, *info.VNC.Port)

	alias := "web02"
	vm, err = f.client.Update(ctx, vm.UUID, types.UpdatePayload{Alias: &alias})
	require.NoError(t, err)
	assert.Equal(t, alias, vm.Alias)

	vm, err = f.client.Stop(ctx, alias)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, vm.State)

	require.NoError(t, f.client.Delete(ctx, vm.UUID, manager.DeleteOptions{}))
	err = f.client.Delete(ctx, vm.UUID, manager.DeleteOptions{})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestErrorsKeepSentinels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.client.Load(ctx, "3f9e7c2a-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, types.ErrNotFound)
	var oe *types.OpError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "load", oe.Op)
	assert.Equal(t, "load VM 3f9e7c2a-0000-0000-0000-000000000000: VM not found", err.Error())

	p := f.payload()
	p.RAM = 0
	_, err = f.client.Create(ctx, p)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	_, err = f.client.WaitForState(ctx, "nope", "", time.Second)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	resp, err := http.Post(f.srv.URL+prefix+"/vms", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.client.Create(ctx, f.payload())
	require.NoError(t, err)

	for path, want := range map[string]string{
		"/healthz": `"status":"ok"`,
		"/metrics": `vmadm_vm_provisions_total{brand="bhyve",result="ok"} 1`,
	} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, string(body), want, path)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
		want   error
	}{
		{types.WrapOp("create", "u1", types.ErrPortRangeExhausted), http.StatusServiceUnavailable, "port_range_exhausted", types.ErrPortRangeExhausted},
		{types.WrapOp("create", "u1", types.ErrPortUnavailable), http.StatusConflict, "port_unavailable", types.ErrPortUnavailable},
		{types.WrapOp("wait", "u1", types.ErrTimeout), http.StatusGatewayTimeout, "timeout", types.ErrTimeout},
		{types.WrapOp("check", "u1", &types.ProtocolError{Addr: "127.0.0.1:5901"}), http.StatusBadGateway, "protocol_mismatch", types.ErrProtocolMismatch},
		{io.EOF, http.StatusInternalServerError, codeInternal, nil},
	}
	for _, tt := range tests {
		status, body := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, body.Code)

		got := decodeRoundTrip(t, status, body)
		assert.Equal(t, tt.err.Error(), got.Error())
		if tt.want != nil {
			assert.ErrorIs(t, got, tt.want)
		}
	}
}

func decodeRoundTrip(t *testing.T, status int, body ErrorBody) error {
	t.Helper()
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.JSON(status, body)
	resp := rec.Result()
	defer resp.Body.Close() //nolint:errcheck
	return decodeError(resp)
}
