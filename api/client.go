package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/projecteru2/vmadm/manager"
	"github.com/projecteru2/vmadm/sysinfo"
	"github.com/projecteru2/vmadm/types"
)

// Client calls a Server. Errors carry the same sentinels and OpError
// details the manager returned on the server side.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient creates a Client for the server at base (e.g. "http://127.0.0.1:8089").
// A nil hc uses http.DefaultClient.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), hc: hc}
}

func (c *Client) Create(ctx context.Context, p types.Payload) (types.VM, error) {
	var vm types.VM
	err := c.do(ctx, http.MethodPost, "/vms", nil, p, &vm)
	return vm, err
}

func (c *Client) Load(ctx context.Context, ref string) (types.VM, error) {
	var vm types.VM
	err := c.do(ctx, http.MethodGet, vmPath(ref), nil, nil, &vm)
	return vm, err
}

func (c *Client) List(ctx context.Context, opts manager.ListOptions) ([]types.VM, error) {
	var vms []types.VM
	q := url.Values{}
	if opts.All {
		q.Set("all", "true")
	}
	err := c.do(ctx, http.MethodGet, "/vms", q, nil, &vms)
	return vms, err
}

func (c *Client) Info(ctx context.Context, ref string, topics ...string) (*types.InfoResult, error) {
	q := url.Values{}
	if len(topics) > 0 {
		q.Set("types", strings.Join(topics, ","))
	}
	var info types.InfoResult
	if err := c.do(ctx, http.MethodGet, vmPath(ref)+"/info", q, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) WaitForState(ctx context.Context, ref string, state types.VMState, timeout time.Duration) (types.VM, error) {
	q := url.Values{"state": {string(state)}, "timeout": {timeout.String()}}
	var vm types.VM
	err := c.do(ctx, http.MethodGet, vmPath(ref)+"/wait", q, nil, &vm)
	return vm, err
}

func (c *Client) Start(ctx context.Context, ref string) (types.VM, error) {
	return c.action(ctx, ref, "start")
}

func (c *Client) Stop(ctx context.Context, ref string) (types.VM, error) {
	return c.action(ctx, ref, "stop")
}

func (c *Client) Reboot(ctx context.Context, ref string) (types.VM, error) {
	return c.action(ctx, ref, "reboot")
}

func (c *Client) Update(ctx context.Context, ref string, up types.UpdatePayload) (types.VM, error) {
	var vm types.VM
	err := c.do(ctx, http.MethodPatch, vmPath(ref), nil, up, &vm)
	return vm, err
}

func (c *Client) Delete(ctx context.Context, ref string, opts manager.DeleteOptions) error {
	q := url.Values{}
	if opts.KeepDisks {
		q.Set("keep_disks", strconv.FormatBool(true))
	}
	return c.do(ctx, http.MethodDelete, vmPath(ref), q, nil, nil)
}

// CheckVNC asks the server to probe the VM's console and returns the greeting.
func (c *Client) CheckVNC(ctx context.Context, ref string) ([]byte, error) {
	var res CheckResult
	if err := c.do(ctx, http.MethodGet, vmPath(ref)+"/vnc/check", nil, nil, &res); err != nil {
		return nil, err
	}
	return []byte(res.Greeting), nil
}

// Sysinfo fetches the server host's sysinfo document.
func (c *Client) Sysinfo(ctx context.Context) (*sysinfo.Sysinfo, error) {
	var info sysinfo.Sysinfo
	if err := c.do(ctx, http.MethodGet, "/sysinfo", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// StartMany, StopMany and DeleteMany mirror the manager's batch calls. Refs
// are handled one request at a time; the result lists the refs that
// succeeded, in order.
func (c *Client) StartMany(ctx context.Context, refs []string) ([]string, error) {
	return each(refs, func(ref string) error {
		_, err := c.Start(ctx, ref)
		return err
	})
}

func (c *Client) StopMany(ctx context.Context, refs []string) ([]string, error) {
	return each(refs, func(ref string) error {
		_, err := c.Stop(ctx, ref)
		return err
	})
}

func (c *Client) DeleteMany(ctx context.Context, refs []string, opts manager.DeleteOptions) ([]string, error) {
	return each(refs, func(ref string) error { return c.Delete(ctx, ref, opts) })
}

func each(refs []string, fn func(string) error) ([]string, error) {
	var (
		done []string
		errs []error
	)
	for _, ref := range refs {
		if err := fn(ref); err != nil {
			errs = append(errs, err)
			continue
		}
		done = append(done, ref)
	}
	return done, errors.Join(errs...)
}

func (c *Client) action(ctx context.Context, ref, verb string) (types.VM, error) {
	var vm types.VM
	err := c.do(ctx, http.MethodPost, vmPath(ref)+"/"+verb, nil, nil, &vm)
	return vm, err
}

func vmPath(ref string) string { return "/vms/" + url.PathEscape(ref) }

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.base + prefix + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeError rebuilds the server-side error: the sentinel named by the
// code, wrapped in an OpError when the server reported one.
func decodeError(resp *http.Response) error {
	var eb ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Code == "" {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	msg := eb.Error
	if eb.Op != "" {
		msg = strings.TrimPrefix(msg, (&types.OpError{Op: eb.Op, UUID: eb.UUID, Err: errors.New("")}).Error())
	}
	var err error = errors.New(msg)
	if s := sentinel(eb.Code); s != nil {
		err = &remoteError{msg: msg, sentinel: s}
	}
	if eb.Op != "" {
		return &types.OpError{Op: eb.Op, UUID: eb.UUID, Err: err}
	}
	return err
}

// remoteError prints the server's message and unwraps to the sentinel.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
