// ABOUTME: Typed data payloads for each protocol message type
// ABOUTME: Commands are a tagged union keyed by command_type with one parameter variant set

package protocol

import "fmt"

// SystemInfo is the first message an agent sends after opening a session.
// It carries the identity material the server uses to resolve or create the
// host record.
type SystemInfo struct {
	Hostname         string   `json:"hostname"`
	FQDN             string   `json:"fqdn,omitempty"`
	Addresses        []string `json:"addresses,omitempty"`
	Platform         string   `json:"platform,omitempty"`
	Privileged       bool     `json:"privileged"`
	Shells           []string `json:"shells,omitempty"`
	AutoApproveToken string   `json:"auto_approve_token,omitempty"`
}

// Heartbeat refreshes session liveness. It may carry incidental state but
// must never overwrite admin-controlled fields.
type Heartbeat struct {
	Privileged *bool    `json:"privileged,omitempty"`
	Shells     []string `json:"shells,omitempty"`
}

// RegistrationSuccess is returned to an approved agent. It carries the
// long-lived bearer token the agent should present on subsequent messages.
type RegistrationSuccess struct {
	HostID     string `json:"host_id"`
	HostToken  string `json:"host_token"`
	CertPEM    string `json:"cert_pem,omitempty"`
	CertSerial string `json:"cert_serial,omitempty"`
}

// RegistrationPending is returned to an agent whose host record exists but
// has not been approved by an operator.
type RegistrationPending struct {
	HostID string `json:"host_id"`
}

// ErrorPayload is the data of an error frame.
type ErrorPayload struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
}

// Command types carried in Command.CommandType.
const (
	CommandChildCreate = "child_create"
	CommandChildDelete = "child_delete"
	CommandChildStop   = "child_stop"
	CommandChildStart  = "child_start"
	CommandReboot      = "reboot"
	CommandScriptRun   = "script_run"
)

// Command is an outbound server-to-agent instruction. Exactly one parameter
// variant matching CommandType is populated.
type Command struct {
	CommandType    string `json:"command_type"`
	CorrelationID  string `json:"correlation_id"`
	TimeoutSeconds int    `json:"timeout,omitempty"`

	ChildCreate *ChildCreateParams `json:"child_create,omitempty"`
	ChildDelete *ChildDeleteParams `json:"child_delete,omitempty"`
	ChildStop   *ChildControlParams `json:"child_stop,omitempty"`
	ChildStart  *ChildControlParams `json:"child_start,omitempty"`
	Reboot      *RebootParams      `json:"reboot,omitempty"`
	ScriptRun   *ScriptRunParams   `json:"script_run,omitempty"`
}

// Validate checks that the populated parameter variant matches CommandType.
func (c *Command) Validate() error {
	var ok bool
	switch c.CommandType {
	case CommandChildCreate:
		ok = c.ChildCreate != nil
	case CommandChildDelete:
		ok = c.ChildDelete != nil
	case CommandChildStop:
		ok = c.ChildStop != nil
	case CommandChildStart:
		ok = c.ChildStart != nil
	case CommandReboot:
		ok = c.Reboot != nil
	case CommandScriptRun:
		ok = c.ScriptRun != nil
	default:
		return fmt.Errorf("unknown command type %q", c.CommandType)
	}
	if !ok {
		return fmt.Errorf("command %q missing its parameter variant", c.CommandType)
	}
	return nil
}

// ChildCreateParams provisions a new virtual machine or container on the
// parent host. RootSecretHash is pre-hashed server-side; the raw secret
// never travels.
type ChildCreateParams struct {
	ChildName        string `json:"child_name"`
	ChildType        string `json:"child_type"`
	Distribution     string `json:"distribution"`
	Version          string `json:"version"`
	RootSecretHash   string `json:"root_secret_hash,omitempty"`
	AutoApproveToken string `json:"auto_approve_token,omitempty"`
	ServerURL        string `json:"server_url,omitempty"`
}

// ChildDeleteParams tears down a provisioned child. InstanceKey pins the
// command to the concrete instance that existed when the delete was issued,
// so a delayed delivery cannot tear down a newer instance reusing the name.
type ChildDeleteParams struct {
	ChildName   string `json:"child_name"`
	ChildType   string `json:"child_type"`
	InstanceKey string `json:"instance_key,omitempty"`
}

// ChildControlParams stops or starts an existing child.
type ChildControlParams struct {
	ChildName string `json:"child_name"`
	ChildType string `json:"child_type"`
}

// RebootParams triggers a parent host reboot.
type RebootParams struct {
	OrchestrationID string `json:"orchestration_id,omitempty"`
}

// ScriptRunParams executes a script on the host.
type ScriptRunParams struct {
	Interpreter string `json:"interpreter"`
	Body        string `json:"body"`
}

// Ack statuses.
const (
	AckOK     = "ok"
	AckFailed = "failed"
)

// Ack is the inbound acknowledgement of a delivered command. CorrelationID
// matches the Command that caused it.
type Ack struct {
	CorrelationID string `json:"correlation_id"`
	CommandType   string `json:"command_type"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

// Child progress states reported by the agent while provisioning.
const (
	ProgressCreating   = "creating"
	ProgressInstalling = "installing"
	ProgressRunning    = "running"
	ProgressStopped    = "stopped"
	ProgressError      = "error"
	ProgressRemoved    = "removed"
)

// ChildProgress is an inbound report on a child-host operation in flight.
type ChildProgress struct {
	CorrelationID string `json:"correlation_id"`
	ChildName     string `json:"child_name"`
	ChildType     string `json:"child_type"`
	Status        string `json:"status"`
	Step          string `json:"step,omitempty"`
	InstanceKey   string `json:"instance_key,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ScriptResult is the inbound result of a script_run command.
type ScriptResult struct {
	CorrelationID string `json:"correlation_id"`
	ExitCode      int    `json:"exit_code"`
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
}
