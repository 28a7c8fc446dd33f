// Package plan parses a shutdown/migration plan document (YAML) into the
// validated models.Plan the shutdown and rollback engines consume,
// decrypting ciphertext password fields via the secret vault as it goes.
package plan

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/upstra/orchestrator/models"
	"github.com/upstra/orchestrator/vault"
)

// ErrInvalidPlan names any load-time validation failure: a missing
// non-optional field, or a violated plan invariant.
type ErrInvalidPlan struct {
	Reason string
}

func (e *ErrInvalidPlan) Error() string {
	return fmt.Sprintf("plan: invalid plan document: %s", e.Reason)
}

// rawDocument mirrors the YAML shape described in the external interfaces:
// controller/ups/hosts, with passwords still base64 ciphertext.
type rawDocument struct {
	Controller rawController `yaml:"controller"`
	UPS        rawGrace      `yaml:"ups"`
	Hosts      []rawHostPlan `yaml:"hosts"`
}

type rawController struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`
}

type rawGrace struct {
	ShutdownGrace int `yaml:"shutdown_grace"`
	RestartGrace  int `yaml:"restart_grace"`
}

type rawHostDescriptor struct {
	Name      string  `yaml:"name"`
	ManagedID string  `yaml:"managed_id"`
	BMC       rawBMC  `yaml:"bmc"`
}

type rawBMC struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type rawHostPlan struct {
	Host        rawHostDescriptor  `yaml:"host"`
	Destination *rawHostDescriptor `yaml:"destination"`
	VMOrder     []string           `yaml:"vm_order"`
}

// Load reads and parses the plan document at path, decrypting every
// password field through v, and validates the plan's invariants.
func Load(path string, v *vault.Vault) (*models.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: failed to read %s: %w", path, err)
	}

	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("plan: failed to parse YAML: %w", err)
	}

	return build(&doc, v)
}

func build(doc *rawDocument, v *vault.Vault) (*models.Plan, error) {
	if doc.Controller.Address == "" {
		return nil, &ErrInvalidPlan{Reason: "controller.address is required"}
	}
	if doc.Controller.User == "" {
		return nil, &ErrInvalidPlan{Reason: "controller.user is required"}
	}
	if doc.Controller.Password == "" {
		return nil, &ErrInvalidPlan{Reason: "controller.password is required"}
	}
	port := doc.Controller.Port
	if port == 0 {
		port = 443
	}

	controllerPassword, err := v.Decrypt(doc.Controller.Password)
	if err != nil {
		return nil, fmt.Errorf("plan: failed to decrypt controller password: %w", err)
	}

	if len(doc.Hosts) == 0 {
		return nil, &ErrInvalidPlan{Reason: "hosts must contain at least one entry"}
	}

	hostPlans := make([]models.HostPlan, 0, len(doc.Hosts))
	for i, rh := range doc.Hosts {
		hp, err := buildHostPlan(i, rh, v)
		if err != nil {
			return nil, err
		}
		hostPlans = append(hostPlans, *hp)
	}

	p := &models.Plan{
		Controller: models.ControllerConfig{
			Address:  doc.Controller.Address,
			User:     doc.Controller.User,
			Password: controllerPassword,
			Port:     port,
		},
		Grace: models.GracePeriod{
			ShutdownGraceSeconds: doc.UPS.ShutdownGrace,
			RestartGraceSeconds:  doc.UPS.RestartGrace,
		},
		Hosts: hostPlans,
	}

	log.WithFields(log.Fields{
		"hosts":                 len(p.Hosts),
		"shutdown_grace_seconds": p.Grace.ShutdownGraceSeconds,
		"restart_grace_seconds":  p.Grace.RestartGraceSeconds,
	}).Info("plan loaded")

	return p, nil
}

func buildHostPlan(index int, rh rawHostPlan, v *vault.Vault) (*models.HostPlan, error) {
	if rh.Host.ManagedID == "" {
		return nil, &ErrInvalidPlan{Reason: fmt.Sprintf("hosts[%d].host.managed_id is required", index)}
	}
	host, err := buildHostDescriptor(rh.Host, v, fmt.Sprintf("hosts[%d].host", index))
	if err != nil {
		return nil, err
	}

	var destination *models.HostDescriptor
	if rh.Destination != nil {
		dest, err := buildHostDescriptor(*rh.Destination, v, fmt.Sprintf("hosts[%d].destination", index))
		if err != nil {
			return nil, err
		}
		if dest.ManagedID == host.ManagedID {
			return nil, &ErrInvalidPlan{Reason: fmt.Sprintf("hosts[%d].destination.managed_id must differ from host.managed_id", index)}
		}
		destination = dest
	}

	if len(rh.VMOrder) == 0 {
		return nil, &ErrInvalidPlan{Reason: fmt.Sprintf("hosts[%d].vm_order must contain at least one VM", index)}
	}
	seen := make(map[string]bool, len(rh.VMOrder))
	for _, vmID := range rh.VMOrder {
		if vmID == "" {
			return nil, &ErrInvalidPlan{Reason: fmt.Sprintf("hosts[%d].vm_order contains an empty managed id", index)}
		}
		if seen[vmID] {
			return nil, &ErrInvalidPlan{Reason: fmt.Sprintf("hosts[%d].vm_order lists %s more than once", index, vmID)}
		}
		seen[vmID] = true
	}

	return &models.HostPlan{
		Host:        *host,
		Destination: destination,
		VMOrder:     rh.VMOrder,
	}, nil
}

func buildHostDescriptor(rh rawHostDescriptor, v *vault.Vault, field string) (*models.HostDescriptor, error) {
	if rh.Name == "" {
		return nil, &ErrInvalidPlan{Reason: field + ".name is required"}
	}
	if rh.ManagedID == "" {
		return nil, &ErrInvalidPlan{Reason: field + ".managed_id is required"}
	}
	if rh.BMC.Address == "" || rh.BMC.User == "" || rh.BMC.Password == "" {
		return nil, &ErrInvalidPlan{Reason: field + ".bmc requires address, user and password"}
	}

	password, err := v.Decrypt(rh.BMC.Password)
	if err != nil {
		return nil, fmt.Errorf("plan: failed to decrypt %s.bmc.password: %w", field, err)
	}

	return &models.HostDescriptor{
		DisplayName: rh.Name,
		ManagedID:   rh.ManagedID,
		BMC: models.BMCCredentials{
			Address:  rh.BMC.Address,
			User:     rh.BMC.User,
			Password: password,
		},
	}, nil
}
