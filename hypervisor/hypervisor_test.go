package hypervisor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/projecteru2/vmadm/types"
)

func TestExitStatus(t *testing.T) {
	tests := []struct {
		brand types.Brand
		code  int
		want  ProcStatus
	}{
		{brand: types.BrandBhyve, code: 0, want: ProcReboot},
		{brand: types.BrandBhyve, code: 1, want: ProcPoweroff},
		{brand: types.BrandBhyve, code: 2, want: ProcPoweroff},
		{brand: types.BrandBhyve, code: 3, want: ProcCrashed},
		{brand: types.BrandBhyve, code: 137, want: ProcCrashed},
		{brand: types.BrandKVM, code: 0, want: ProcPoweroff},
		{brand: types.BrandKVM, code: 1, want: ProcCrashed},
		{brand: "lx", code: 0, want: ProcCrashed},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.brand, tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, ExitStatus(tt.brand, tt.code))
		})
	}
}

func TestSessionAddr(t *testing.T) {
	assert.Empty(t, SessionAddr(nil))
	assert.Equal(t, "10.0.0.1:5901", SessionAddr(&types.VNCSession{BindAddress: "10.0.0.1", Port: 5901}))
	assert.Equal(t, "[::1]:5901", SessionAddr(&types.VNCSession{BindAddress: "::1", Port: 5901}))
}
