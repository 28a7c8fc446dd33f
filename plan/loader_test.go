package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstra/orchestrator/vault"
)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New("test-master-key")
	require.NoError(t, err)
	return v
}

func writePlan(t *testing.T, v *vault.Vault, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func encryptOrFail(t *testing.T, v *vault.Vault, plaintext string) string {
	t.Helper()
	enc, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	return enc
}

func TestLoadValidPlan(t *testing.T) {
	v := testVault(t)
	ctrlPass := encryptOrFail(t, v, "vcenter-pass")
	bmcPass := encryptOrFail(t, v, "bmc-pass")
	destBmcPass := encryptOrFail(t, v, "dest-bmc-pass")

	body := `
controller:
  address: vcenter.example.com
  user: administrator@vsphere.local
  password: ` + ctrlPass + `
ups:
  shutdown_grace: 30
  restart_grace: 10
hosts:
  - host:
      name: esx-01
      managed_id: host-101
      bmc:
        address: 10.0.0.11
        user: admin
        password: ` + bmcPass + `
    destination:
      name: esx-02
      managed_id: host-102
      bmc:
        address: 10.0.0.12
        user: admin
        password: ` + destBmcPass + `
    vm_order: [vm-1, vm-2]
`
	path := writePlan(t, v, body)

	p, err := Load(path, v)
	require.NoError(t, err)

	assert.Equal(t, "vcenter.example.com", p.Controller.Address)
	assert.Equal(t, "vcenter-pass", p.Controller.Password)
	assert.Equal(t, 443, p.Controller.Port)
	assert.Equal(t, 30, p.Grace.ShutdownGraceSeconds)
	require.Len(t, p.Hosts, 1)
	assert.Equal(t, "host-101", p.Hosts[0].Host.ManagedID)
	assert.Equal(t, "bmc-pass", p.Hosts[0].Host.BMC.Password)
	require.NotNil(t, p.Hosts[0].Destination)
	assert.Equal(t, "host-102", p.Hosts[0].Destination.ManagedID)
	assert.Equal(t, []string{"vm-1", "vm-2"}, p.Hosts[0].VMOrder)
}

func TestLoadRejectsDestinationEqualsOrigin(t *testing.T) {
	v := testVault(t)
	ctrlPass := encryptOrFail(t, v, "vcenter-pass")
	bmcPass := encryptOrFail(t, v, "bmc-pass")

	body := `
controller:
  address: vcenter.example.com
  user: admin
  password: ` + ctrlPass + `
ups:
  shutdown_grace: 30
  restart_grace: 10
hosts:
  - host:
      name: esx-01
      managed_id: host-101
      bmc: {address: 10.0.0.11, user: admin, password: ` + bmcPass + `}
    destination:
      name: esx-01-again
      managed_id: host-101
      bmc: {address: 10.0.0.11, user: admin, password: ` + bmcPass + `}
    vm_order: [vm-1]
`
	path := writePlan(t, v, body)

	_, err := Load(path, v)
	require.Error(t, err)
	var invalid *ErrInvalidPlan
	assert.ErrorAs(t, err, &invalid)
}

func TestLoadRejectsMissingControllerPassword(t *testing.T) {
	v := testVault(t)
	body := `
controller:
  address: vcenter.example.com
  user: admin
ups:
  shutdown_grace: 1
  restart_grace: 1
hosts:
  - host:
      name: esx-01
      managed_id: host-101
      bmc: {address: a, user: b, password: c}
    vm_order: [vm-1]
`
	path := writePlan(t, v, body)

	_, err := Load(path, v)
	require.Error(t, err)
	var invalid *ErrInvalidPlan
	assert.ErrorAs(t, err, &invalid)
}

func TestLoadRejectsEmptyVMOrder(t *testing.T) {
	v := testVault(t)
	ctrlPass := encryptOrFail(t, v, "vcenter-pass")
	bmcPass := encryptOrFail(t, v, "bmc-pass")
	body := `
controller:
  address: vcenter.example.com
  user: admin
  password: ` + ctrlPass + `
ups:
  shutdown_grace: 1
  restart_grace: 1
hosts:
  - host:
      name: esx-01
      managed_id: host-101
      bmc: {address: a, user: b, password: ` + bmcPass + `}
    vm_order: []
`
	path := writePlan(t, v, body)

	_, err := Load(path, v)
	require.Error(t, err)
}
