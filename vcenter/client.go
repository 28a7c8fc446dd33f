// Package vcenter is the virtualization client: it discovers hosts and VMs
// under a controller and mutates their power state and placement. Grounded
// on the govmomi connection/discovery pattern used elsewhere in the
// reference corpus (session dial, find.Finder, property collector,
// container-view folder walk), adapted to the fixed operation set the
// shutdown/rollback engines require.
package vcenter

import (
	"context"
	"fmt"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/session/keepalive"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/upstra/orchestrator/models"
)

// ErrorKind classifies a client error into the small closed set the
// shutdown/rollback engines branch on.
type ErrorKind int

const (
	ErrGeneric ErrorKind = iota
	ErrNotFound
	ErrUnreachable
	ErrInvalidPowerState
	ErrBusy
	ErrPermissionDenied
	ErrInvalidCredentials
)

// ClientError wraps an underlying govmomi/soap error with its classified
// kind, so callers can branch on Kind without re-parsing fault strings.
type ClientError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("vcenter: %s: %v", e.Op, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

func classify(op string, err error) *ClientError {
	if err == nil {
		return nil
	}
	kind := ErrGeneric
	if soap.IsSoapFault(err) {
		switch soap.ToSoapFault(err).VimFault().(type) {
		case types.InvalidLogin:
			kind = ErrInvalidCredentials
		case types.NoPermission:
			kind = ErrPermissionDenied
		case types.InvalidState:
			kind = ErrInvalidPowerState
		case types.ManagedObjectNotFound:
			kind = ErrNotFound
		}
	}
	if _, ok := err.(*find.NotFoundError); ok {
		kind = ErrNotFound
	}
	if _, ok := err.(*find.MultipleFoundError); ok {
		kind = ErrGeneric
	}
	return &ClientError{Kind: kind, Op: op, Err: err}
}

// PowerState is the VM/host power state vocabulary the engines reason
// about, independent of govmomi's own enum type.
type PowerState string

const (
	PoweredOn  PowerState = "poweredOn"
	PoweredOff PowerState = "poweredOff"
	Suspended  PowerState = "suspended"
	Unknown    PowerState = "unknown"
)

// Host is the subset of host-system state the engines need.
type Host struct {
	ManagedID   string
	Name        string
	PowerState  PowerState
	ConnectionOK bool
	ref         types.ManagedObjectReference
}

// VM is the subset of virtual-machine state the engines need.
type VM struct {
	ManagedID  string
	Name       string
	PowerState PowerState
	HostRef    types.ManagedObjectReference
	ref        types.ManagedObjectReference
}

// Client connects to one virtualization controller and exposes the
// discovery/power/migrate operations the shutdown and rollback engines
// drive. Connect is idempotent until Close; Close releases the session.
type Client struct {
	cfg    models.ControllerConfig
	client *govmomi.Client
	cancel keepalive.ClientKeepAlive
}

// New constructs an unconnected Client for cfg.
func New(cfg models.ControllerConfig) *Client {
	return &Client{cfg: cfg}
}

// Connect dials the controller. Calling Connect again while already
// connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.client != nil {
		return nil
	}

	u, err := url.Parse(fmt.Sprintf("https://%s:%d/sdk", c.cfg.Address, c.cfg.Port))
	if err != nil {
		return fmt.Errorf("vcenter: failed to parse controller URL: %w", err)
	}
	u.User = url.UserPassword(c.cfg.User, c.cfg.Password)

	client, err := govmomi.NewClient(ctx, u, true)
	if err != nil {
		return classify("connect", err)
	}

	c.client = client
	c.cancel = keepalive.NewHandlerSOAP(client.Client, 5*time.Minute, client.Login)

	log.WithField("controller", c.cfg.Address).Info("connected to controller")
	return nil
}

// Close logs out and releases the session. Safe to call on an
// already-closed or never-connected Client.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.cancel != nil {
		c.cancel.Stop()
	}
	err := c.client.Logout(context.Background())
	c.client = nil
	return err
}

func (c *Client) requireConnected() error {
	if c.client == nil {
		return fmt.Errorf("vcenter: not connected")
	}
	return nil
}

// GetHost resolves a host directly by its controller-assigned managed
// id: a targeted property-collector lookup against the constructed
// reference, not a walk of the inventory tree (that's what ListAllHosts
// is for).
func (c *Client) GetHost(ctx context.Context, managedID string) (*Host, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	return c.describeHost(ctx, types.ManagedObjectReference{Type: "HostSystem", Value: managedID})
}

// GetVM resolves a VM directly by its controller-assigned managed id,
// the same targeted lookup as GetHost.
func (c *Client) GetVM(ctx context.Context, managedID string) (*VM, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	return c.describeVM(ctx, types.ManagedObjectReference{Type: "VirtualMachine", Value: managedID})
}

// ListAllHosts walks the full inventory tree (datacenters -> host folders
// -> recursive sub-folders) and returns every host leaf.
func (c *Client) ListAllHosts(ctx context.Context) ([]Host, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	refs, err := c.listHostRefs(ctx)
	if err != nil {
		return nil, err
	}

	hosts := make([]Host, 0, len(refs))
	for _, ref := range refs {
		h, err := c.describeHost(ctx, ref)
		if err != nil {
			continue
		}
		hosts = append(hosts, *h)
	}
	return hosts, nil
}

// ListAllVMs walks the full inventory tree and returns every VM leaf.
func (c *Client) ListAllVMs(ctx context.Context) ([]VM, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	refs, err := c.listVMRefs(ctx)
	if err != nil {
		return nil, err
	}

	vms := make([]VM, 0, len(refs))
	for _, ref := range refs {
		v, err := c.describeVM(ctx, ref)
		if err != nil {
			continue
		}
		vms = append(vms, *v)
	}
	return vms, nil
}

// listHostRefs recursively descends datacenter -> host folder -> sub-folders
// via a container view, matching the discovery behavior spec.md describes.
func (c *Client) listHostRefs(ctx context.Context) ([]types.ManagedObjectReference, error) {
	m := view.NewManager(c.client.Client)
	cv, err := m.CreateContainerView(ctx, c.client.ServiceContent.RootFolder, []string{"HostSystem"}, true)
	if err != nil {
		return nil, classify("list_hosts", err)
	}
	defer cv.Destroy(ctx)

	var hosts []mo.HostSystem
	if err := cv.Retrieve(ctx, []string{"HostSystem"}, []string{"name"}, &hosts); err != nil {
		return nil, classify("list_hosts", err)
	}

	refs := make([]types.ManagedObjectReference, 0, len(hosts))
	for _, h := range hosts {
		refs = append(refs, h.Reference())
	}
	return refs, nil
}

func (c *Client) listVMRefs(ctx context.Context) ([]types.ManagedObjectReference, error) {
	m := view.NewManager(c.client.Client)
	cv, err := m.CreateContainerView(ctx, c.client.ServiceContent.RootFolder, []string{"VirtualMachine"}, true)
	if err != nil {
		return nil, classify("list_vms", err)
	}
	defer cv.Destroy(ctx)

	var vms []mo.VirtualMachine
	if err := cv.Retrieve(ctx, []string{"VirtualMachine"}, []string{"name"}, &vms); err != nil {
		return nil, classify("list_vms", err)
	}

	refs := make([]types.ManagedObjectReference, 0, len(vms))
	for _, v := range vms {
		refs = append(refs, v.Reference())
	}
	return refs, nil
}

func (c *Client) describeHost(ctx context.Context, ref types.ManagedObjectReference) (*Host, error) {
	pc := property.DefaultCollector(c.client.Client)
	var h mo.HostSystem
	if err := pc.RetrieveOne(ctx, ref, []string{"name", "runtime.powerState", "runtime.connectionState"}, &h); err != nil {
		return nil, classify("describe_host", err)
	}

	return &Host{
		ManagedID:    ref.Value,
		Name:         h.Name,
		PowerState:   convertHostPowerState(h.Runtime.PowerState),
		ConnectionOK: h.Runtime.ConnectionState == types.HostSystemConnectionStateConnected,
		ref:          ref,
	}, nil
}

func (c *Client) describeVM(ctx context.Context, ref types.ManagedObjectReference) (*VM, error) {
	pc := property.DefaultCollector(c.client.Client)
	var v mo.VirtualMachine
	if err := pc.RetrieveOne(ctx, ref, []string{"name", "runtime.powerState", "runtime.host"}, &v); err != nil {
		return nil, classify("describe_vm", err)
	}

	vm := &VM{
		ManagedID:  ref.Value,
		Name:       v.Name,
		PowerState: convertVMPowerState(v.Runtime.PowerState),
		ref:        ref,
	}
	if v.Runtime.Host != nil {
		vm.HostRef = *v.Runtime.Host
	}
	return vm, nil
}

// VMStart powers a stopped VM on and waits for the underlying task to
// terminate before returning.
func (c *Client) VMStart(ctx context.Context, vm *VM) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if vm.PowerState == PoweredOn {
		return nil
	}

	obj := object.NewVirtualMachine(c.client.Client, vm.ref)
	task, err := obj.PowerOn(ctx)
	if err != nil {
		return classify("vm_start", err)
	}
	if err := task.Wait(ctx); err != nil {
		return classify("vm_start", err)
	}
	return nil
}

// VMStop stops a running VM and waits for the underlying task to
// terminate. Tries a graceful guest shutdown first when tools report OK,
// falling back to a hard power-off.
func (c *Client) VMStop(ctx context.Context, vm *VM) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if vm.PowerState == PoweredOff {
		return nil
	}

	obj := object.NewVirtualMachine(c.client.Client, vm.ref)

	var toolsOK mo.VirtualMachine
	pc := property.DefaultCollector(c.client.Client)
	_ = pc.RetrieveOne(ctx, vm.ref, []string{"guest.toolsStatus"}, &toolsOK)

	if toolsOK.Guest != nil && toolsOK.Guest.ToolsStatus == types.VirtualMachineToolsStatusToolsOk {
		if err := obj.ShutdownGuest(ctx); err == nil {
			if c.waitForPowerOff(ctx, vm.ref, 2*time.Minute) == nil {
				return nil
			}
		}
	}

	task, err := obj.PowerOff(ctx)
	if err != nil {
		return classify("vm_stop", err)
	}
	if err := task.Wait(ctx); err != nil {
		return classify("vm_stop", err)
	}
	return nil
}

func (c *Client) waitForPowerOff(ctx context.Context, ref types.ManagedObjectReference, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("vcenter: timed out waiting for power-off")
			}
			pc := property.DefaultCollector(c.client.Client)
			var v mo.VirtualMachine
			if err := pc.RetrieveOne(ctx, ref, []string{"runtime.powerState"}, &v); err != nil {
				continue
			}
			if v.Runtime.PowerState == types.VirtualMachinePowerStatePoweredOff {
				return nil
			}
		}
	}
}

// VMMigrate relocates a powered-off VM's registration onto targetHost and
// waits for the underlying task to terminate before returning.
func (c *Client) VMMigrate(ctx context.Context, vm *VM, targetHost *Host) error {
	if err := c.requireConnected(); err != nil {
		return err
	}

	obj := object.NewVirtualMachine(c.client.Client, vm.ref)
	hostRef := targetHost.ref

	spec := types.VirtualMachineRelocateSpec{
		Host: &hostRef,
	}

	task, err := obj.Relocate(ctx, spec, types.VirtualMachineMovePriorityDefaultPriority)
	if err != nil {
		return classify("vm_migrate", err)
	}
	if err := task.Wait(ctx); err != nil {
		return classify("vm_migrate", err)
	}
	return nil
}

func convertHostPowerState(s types.HostSystemPowerState) PowerState {
	switch s {
	case types.HostSystemPowerStatePoweredOn:
		return PoweredOn
	case types.HostSystemPowerStatePoweredOff:
		return PoweredOff
	case types.HostSystemPowerStateStandBy:
		return Suspended
	default:
		return Unknown
	}
}

func convertVMPowerState(s types.VirtualMachinePowerState) PowerState {
	switch s {
	case types.VirtualMachinePowerStatePoweredOn:
		return PoweredOn
	case types.VirtualMachinePowerStatePoweredOff:
		return PoweredOff
	case types.VirtualMachinePowerStateSuspended:
		return Suspended
	default:
		return Unknown
	}
}
