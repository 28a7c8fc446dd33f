// Package models holds the data types shared across the orchestrator: the
// plan document, host/VM descriptors, event payloads, and migration run state.
package models

import "time"

// ControllerConfig addresses the virtualization controller (vCenter) that
// owns every host named in a Plan.
type ControllerConfig struct {
	Address  string `yaml:"address" json:"address"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
	Port     int    `yaml:"port" json:"port"`
}

// GracePeriod carries the two wait durations the spec calls the "ups grace":
// how long to wait after a power failure before shutting down, and how long
// to wait between connectivity polls during rollback.
type GracePeriod struct {
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds" json:"shutdown_grace_seconds"`
	RestartGraceSeconds  int `yaml:"restart_grace_seconds" json:"restart_grace_seconds"`
}

func (g GracePeriod) ShutdownGrace() time.Duration {
	return time.Duration(g.ShutdownGraceSeconds) * time.Second
}

func (g GracePeriod) RestartGrace() time.Duration {
	return time.Duration(g.RestartGraceSeconds) * time.Second
}

// BMCCredentials authenticates against a host's out-of-band management
// controller. Password is cleartext once loaded into memory by the plan
// loader; on the wire (plan document, event metadata) it is ciphertext.
type BMCCredentials struct {
	Address  string `yaml:"address" json:"address"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
}

// HostDescriptor names one hypervisor host under the controller's management.
type HostDescriptor struct {
	DisplayName string         `yaml:"name" json:"display_name"`
	ManagedID   string         `yaml:"managed_id" json:"managed_id"`
	BMC         BMCCredentials `yaml:"bmc" json:"bmc"`
}

// HostPlan is the shutdown/migration recipe for one host: stop (and
// optionally migrate) every VM in vm_order, then power the host off.
type HostPlan struct {
	Host        HostDescriptor  `yaml:"host" json:"host"`
	Destination *HostDescriptor `yaml:"destination,omitempty" json:"destination,omitempty"`
	VMOrder     []string        `yaml:"vm_order" json:"vm_order"`
}

// Plan is the declarative input to the shutdown engine.
type Plan struct {
	Controller ControllerConfig `yaml:"controller" json:"controller"`
	Grace      GracePeriod      `yaml:"ups" json:"grace"`
	Hosts      []HostPlan       `yaml:"hosts" json:"hosts"`
}

// EventKind is the closed set of event payload shapes the event log can
// hold. Treated as a tagged union: dispatch on Kind, never on payload shape.
type EventKind string

const (
	EventVMStopped      EventKind = "VM_STOPPED"
	EventVMMigrated     EventKind = "VM_MIGRATED"
	EventVMStarted      EventKind = "VM_STARTED"
	EventServerStopped  EventKind = "SERVER_STOPPED"
	EventServerStarted  EventKind = "SERVER_STARTED"
	EventMigrationError EventKind = "MIGRATION_ERROR"
)

// RunStatus is the set of status markers written to the event log that
// bound the lifecycle of one MigrationRun.
type RunStatus string

const (
	StatusPowerFailure   RunStatus = "POWER_FAILURE"
	StatusStartMigration RunStatus = "START_MIGRATION"
	StatusEndMigration   RunStatus = "END_MIGRATION"
	StatusStartRollback  RunStatus = "START_ROLLBACK"
	StatusEndRollback    RunStatus = "END_ROLLBACK"
)

// EventPhase marks whether an event was recorded during the forward
// shutdown plan, the rollback replay, or is an advisory error.
type EventPhase string

const (
	PhaseForward  EventPhase = "forward"
	PhaseRollback EventPhase = "rollback"
	PhaseError    EventPhase = "error"
)

// Event is the unit of the durable, append-only log. Kind selects which
// payload fields are meaningful (see the constructors below).
type Event struct {
	Kind  EventKind  `json:"kind"`
	Phase EventPhase `json:"-"`

	VMID         string          `json:"vm_id,omitempty"`
	HostID       string          `json:"host_id,omitempty"`
	OriginHostID string          `json:"origin_host_id,omitempty"`
	BMC          *BMCCredentials `json:"bmc,omitempty"`

	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
}

// VMStopped records a successful VM stop; the inverse is starting vm on host.
func VMStopped(vmID, hostID string) Event {
	return Event{Kind: EventVMStopped, VMID: vmID, HostID: hostID}
}

// VMMigrated records a successful migration away from originHostID; the
// inverse is migrating vm back to originHostID.
func VMMigrated(vmID, originHostID string) Event {
	return Event{Kind: EventVMMigrated, VMID: vmID, OriginHostID: originHostID}
}

// VMStarted records a successful VM start on hostID; the inverse is
// stopping vm.
func VMStarted(vmID, hostID string) Event {
	return Event{Kind: EventVMStarted, VMID: vmID, HostID: hostID}
}

// ServerStopped records a successful BMC power-off of hostID; the inverse
// is a BMC power-on using the carried (encrypted-at-rest) credentials.
func ServerStopped(hostID string, bmc BMCCredentials) Event {
	return Event{Kind: EventServerStopped, HostID: hostID, BMC: &bmc}
}

// ServerStarted records a successful BMC power-on of hostID during
// rollback; it has no forward-phase inverse (rollback is terminal for a host).
func ServerStarted(hostID string) Event {
	return Event{Kind: EventServerStarted, HostID: hostID}
}

// MigrationErrorEvent records an advisory failure with no inverse.
func MigrationErrorEvent(title, message string) Event {
	return Event{Kind: EventMigrationError, Title: title, Message: message}
}

// MigrationRun is the process-wide state for one forward-then-rollback
// lifecycle, namespacing every event persisted during it.
type MigrationRun struct {
	ID     string
	Status RunStatus
}

// StoredEvent is an Event as read back from the log, carrying its ordering
// key and timestamp.
type StoredEvent struct {
	Event
	Sequence  int64
	CreatedAt time.Time
}
