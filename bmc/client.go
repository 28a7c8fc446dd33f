// Package bmc is the out-of-band power management client: a small
// HTTPS+Basic-auth REST client against a Redfish-style management
// controller (iLO and equivalents). Grounded on the plain net/http
// request/response shape used by the reference corpus's tunnel client and
// the exact Redfish call sequence of the original iLO integration this
// orchestrator replaces: discover the reset-action URI from
// /redfish/v1/Systems/1/, then POST a ResetType payload to it.
package bmc

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PowerState is the normalized result of GetPowerState.
type PowerState string

const (
	StateOn      PowerState = "ON"
	StateOff     PowerState = "OFF"
	StateUnknown PowerState = "UNKNOWN"
)

// Client talks to one host's BMC. GetPowerState must be called at least
// once before Start/Stop: it is the only call that discovers the
// reset-action URI those methods POST to.
type Client struct {
	address  string
	user     string
	password string
	http     *http.Client

	resetURI string
}

// New constructs a Client for the BMC at address using Basic auth.
// Certificate validation is off by default, matching the self-signed norm
// for on-prem management controllers.
func New(address, user, password string) *Client {
	return &Client{
		address:  address,
		user:     user,
		password: password,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed BMCs are the norm
			},
		},
	}
}

type systemResponse struct {
	PowerState string `json:"PowerState"`
	Actions    struct {
		Reset struct {
			Target string `json:"target"`
		} `json:"#ComputerSystem.Reset"`
	} `json:"Actions"`
}

// GetPowerState fetches /redfish/v1/Systems/1/, remembers the reset-action
// URI it advertises, and returns the normalized power state.
func (c *Client) GetPowerState() (PowerState, error) {
	url := fmt.Sprintf("https://%s/redfish/v1/Systems/1/", c.address)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return StateUnknown, fmt.Errorf("bmc: failed to build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return StateUnknown, fmt.Errorf("bmc: request to %s failed: %w", c.address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StateUnknown, fmt.Errorf("bmc: get power state returned status %d", resp.StatusCode)
	}

	var body systemResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StateUnknown, fmt.Errorf("bmc: failed to decode response: %w", err)
	}

	c.resetURI = body.Actions.Reset.Target

	switch strings.ToUpper(body.PowerState) {
	case "ON":
		return StateOn, nil
	case "OFF":
		return StateOff, nil
	default:
		return StateUnknown, nil
	}
}

// Start powers the host on (ResetType "On"). Fails if GetPowerState has
// not yet been called.
func (c *Client) Start() error {
	return c.resetPayload("On")
}

// Stop force-powers the host off (ResetType "ForceOff"). Fails if
// GetPowerState has not yet been called.
func (c *Client) Stop() error {
	return c.resetPayload("ForceOff")
}

func (c *Client) resetPayload(resetType string) error {
	if c.resetURI == "" {
		return fmt.Errorf("bmc: get_power_state must be called before start/stop")
	}

	payload, err := json.Marshal(map[string]string{"ResetType": resetType})
	if err != nil {
		return fmt.Errorf("bmc: failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("https://%s%s", c.address, c.resetURI)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bmc: failed to build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bmc: request to %s failed: %w", c.address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bmc: reset %s returned status %d", resetType, resp.StatusCode)
	}

	return nil
}
