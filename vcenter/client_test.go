package vcenter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/upstra/orchestrator/models"
)

func testControllerConfig() models.ControllerConfig {
	return models.ControllerConfig{Address: "vcenter.example.com", User: "admin", Password: "pw", Port: 443}
}

func TestConvertHostPowerState(t *testing.T) {
	assert.Equal(t, PoweredOn, convertHostPowerState(types.HostSystemPowerStatePoweredOn))
	assert.Equal(t, PoweredOff, convertHostPowerState(types.HostSystemPowerStatePoweredOff))
	assert.Equal(t, Suspended, convertHostPowerState(types.HostSystemPowerStateStandBy))
}

func TestConvertVMPowerState(t *testing.T) {
	assert.Equal(t, PoweredOn, convertVMPowerState(types.VirtualMachinePowerStatePoweredOn))
	assert.Equal(t, PoweredOff, convertVMPowerState(types.VirtualMachinePowerStatePoweredOff))
	assert.Equal(t, Suspended, convertVMPowerState(types.VirtualMachinePowerStateSuspended))
}

func TestClientErrorUnwrap(t *testing.T) {
	inner := assert.AnError
	ce := &ClientError{Kind: ErrNotFound, Op: "get_host", Err: inner}

	assert.ErrorIs(t, ce, inner)
	assert.Contains(t, ce.Error(), "get_host")
}

func TestRequireConnectedBeforeConnect(t *testing.T) {
	c := New(testControllerConfig())
	_, err := c.GetHost(nil, "host-1") //nolint:staticcheck // nil ctx ok, never reaches network
	assert.Error(t, err)
}
