// Package protocol defines the NodeNexus wire protocol: a bidirectional
// stream of length-prefixed binary envelopes, each carrying a monotonic
// per-direction message id, a payload kind tag, and one payload from a
// closed set. Decode failures are fatal to the session — they are never
// recovered.
package protocol

import (
	"encoding/json"

	"github.com/nodenexus/nodenexus/pkg/config"
)

// Kind tags the payload variant carried by an envelope.
type Kind uint8

// Server → agent payload kinds.
const (
	KindServerHandshakeAck Kind = iota + 1
	KindUpdateConfigRequest
	KindCommandRequest
	KindBatchAgentCommandRequest
	KindBatchTerminateCommandRequest
	KindTriggerUpdateCheck
)

// Agent → server payload kinds.
const (
	KindAgentHandshake Kind = iota + 32
	KindHeartbeat
	KindPerformanceSnapshotBatch
	KindDockerInfoBatch
	KindUpdateConfigResponse
	KindCommandResponse
	KindBatchCommandOutputStream
	KindBatchCommandResult
	KindServiceMonitorResult
	KindGenericMetricsBatch
)

var kindNames = map[Kind]string{
	KindServerHandshakeAck:           "ServerHandshakeAck",
	KindUpdateConfigRequest:          "UpdateConfigRequest",
	KindCommandRequest:               "CommandRequest",
	KindBatchAgentCommandRequest:     "BatchAgentCommandRequest",
	KindBatchTerminateCommandRequest: "BatchTerminateCommandRequest",
	KindTriggerUpdateCheck:           "TriggerUpdateCheck",
	KindAgentHandshake:               "AgentHandshake",
	KindHeartbeat:                    "Heartbeat",
	KindPerformanceSnapshotBatch:     "PerformanceSnapshotBatch",
	KindDockerInfoBatch:              "DockerInfoBatch",
	KindUpdateConfigResponse:         "UpdateConfigResponse",
	KindCommandResponse:              "CommandResponse",
	KindBatchCommandOutputStream:     "BatchCommandOutputStream",
	KindBatchCommandResult:           "BatchCommandResult",
	KindServiceMonitorResult:         "ServiceMonitorResult",
	KindGenericMetricsBatch:          "GenericMetricsBatch",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// ServerBound reports whether the kind is valid on the agent → server direction.
func (k Kind) ServerBound() bool {
	return k >= KindAgentHandshake && k <= KindGenericMetricsBatch
}

// AgentBound reports whether the kind is valid on the server → agent direction.
func (k Kind) AgentBound() bool {
	return k >= KindServerHandshakeAck && k <= KindTriggerUpdateCheck
}

// AgentHandshake must be the first server-bound message of every session.
type AgentHandshake struct {
	HostID      int64  `json:"host_id"`
	AgentSecret string `json:"agent_secret"`

	// Handshake metadata recorded on the host row.
	AgentVersion  string `json:"agent_version,omitempty"`
	Hostname      string `json:"hostname,omitempty"`
	OS            string `json:"os,omitempty"`
	KernelVersion string `json:"kernel_version,omitempty"`
	CPUModel      string `json:"cpu_model,omitempty"`
	CPUCores      int    `json:"cpu_cores,omitempty"`
	MemoryTotal   uint64 `json:"memory_total,omitempty"`
	PublicIP      string `json:"public_ip,omitempty"`
	CountryCode   string `json:"country_code,omitempty"`
}

// ServerHandshakeAck is the mandatory first agent-bound message. On
// authentication failure the server closes the stream right after sending it.
type ServerHandshakeAck struct {
	AuthenticationSuccessful bool                `json:"authentication_successful"`
	ErrorMessage             string              `json:"error_message,omitempty"`
	InitialConfig            *config.AgentConfig `json:"initial_config,omitempty"`
}

// Heartbeat is an application-level liveness signal sent at the negotiated
// interval. The server refreshes last-seen on every inbound message, so the
// heartbeat only matters on otherwise quiet sessions.
type Heartbeat struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

// PerformanceSnapshot is one system metrics sample. All timestamps on the
// wire are unix milliseconds.
type PerformanceSnapshot struct {
	TimestampMs    int64   `json:"timestamp_ms"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsed        uint64  `json:"mem_used"`
	MemTotal       uint64  `json:"mem_total"`
	SwapUsed       uint64  `json:"swap_used"`
	SwapTotal      uint64  `json:"swap_total"`
	DiskIOReadBps  uint64  `json:"disk_io_read_bps"`
	DiskIOWriteBps uint64  `json:"disk_io_write_bps"`
	NetRxCum       uint64  `json:"net_rx_cum"`
	NetTxCum       uint64  `json:"net_tx_cum"`
	NetRxBps       uint64  `json:"net_rx_bps"`
	NetTxBps       uint64  `json:"net_tx_bps"`
	UptimeSeconds  uint64  `json:"uptime_seconds"`
	Processes      int     `json:"processes"`
	RunningProcs   int     `json:"running_procs"`
	TCPEstablished int     `json:"tcp_established"`
	DiskUsed       uint64  `json:"disk_used"`
	DiskTotal      uint64  `json:"disk_total"`
}

// PerformanceSnapshotBatch groups samples collected since the last send.
type PerformanceSnapshotBatch struct {
	Snapshots []PerformanceSnapshot `json:"snapshots"`
}

// UpdateConfigRequest pushes a new effective config to the agent. Each push
// carries a fresh version id; the agent echoes it back in the response so a
// late ack for a superseded version can be ignored.
type UpdateConfigRequest struct {
	ConfigVersionID string             `json:"config_version_id"`
	Config          config.AgentConfig `json:"config"`
}

// UpdateConfigResponse acknowledges a config push.
type UpdateConfigResponse struct {
	ConfigVersionID string `json:"config_version_id"`
	Success         bool   `json:"success"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// CommandRequest is a one-off shell command outside the batch machinery.
type CommandRequest struct {
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
}

// CommandResponse carries the result of a CommandRequest.
type CommandResponse struct {
	RequestID    string `json:"request_id"`
	Success      bool   `json:"success"`
	Output       string `json:"output,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// BatchAgentCommandRequest dispatches one child command of a batch to a host.
type BatchAgentCommandRequest struct {
	ChildCommandID   string `json:"child_command_id"`
	CommandType      string `json:"command_type"` // currently always "script"
	Content          string `json:"content"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// BatchTerminateCommandRequest asks the agent to kill a running child command.
type BatchTerminateCommandRequest struct {
	ChildCommandID string `json:"child_command_id"`
}

// StreamType labels a batch output chunk.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// BatchCommandOutputStream is one line (or chunk) of child command output.
type BatchCommandOutputStream struct {
	ChildCommandID string `json:"child_command_id"`
	StreamType     string `json:"stream_type"`
	Chunk          string `json:"chunk"`
	TimestampMs    int64  `json:"timestamp_ms"`
}

// Child command terminal statuses as reported by the agent.
const (
	ResultCompletedSuccessfully = "CompletedSuccessfully"
	ResultCompletedWithFailure  = "CompletedWithFailure"
	ResultTerminated            = "Terminated"
	ResultAgentError            = "AgentError"
)

// BatchCommandResult is the terminal message for one child command.
type BatchCommandResult struct {
	ChildCommandID string `json:"child_command_id"`
	Status         string `json:"status"`
	ExitCode       int    `json:"exit_code"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// ServiceMonitorResult is the outcome of one probe attempt.
type ServiceMonitorResult struct {
	MonitorID   int64  `json:"monitor_id"`
	AgentID     int64  `json:"agent_id"`
	IsUp        bool   `json:"is_up"`
	LatencyMs   int64  `json:"latency_ms"`
	Details     string `json:"details,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// DockerContainerInfo is a minimal container description. Container
// management is outside the core; the kind exists on the wire and the server
// accepts and counts it.
type DockerContainerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	Status string `json:"status"`
}

// DockerInfoBatch reports the containers visible to the agent.
type DockerInfoBatch struct {
	Containers []DockerContainerInfo `json:"containers"`
}

// GenericMetric is a free-form named gauge.
type GenericMetric struct {
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// GenericMetricsBatch groups generic metrics.
type GenericMetricsBatch struct {
	Metrics []GenericMetric `json:"metrics"`
}

// TriggerUpdateCheck asks the agent to check for a newer build. The
// self-update downloader is an external collaborator; the agent may ignore it.
type TriggerUpdateCheck struct{}

// payloadFor returns a zero value of the concrete payload type for a kind.
func payloadFor(k Kind) (any, bool) {
	switch k {
	case KindServerHandshakeAck:
		return &ServerHandshakeAck{}, true
	case KindUpdateConfigRequest:
		return &UpdateConfigRequest{}, true
	case KindCommandRequest:
		return &CommandRequest{}, true
	case KindBatchAgentCommandRequest:
		return &BatchAgentCommandRequest{}, true
	case KindBatchTerminateCommandRequest:
		return &BatchTerminateCommandRequest{}, true
	case KindTriggerUpdateCheck:
		return &TriggerUpdateCheck{}, true
	case KindAgentHandshake:
		return &AgentHandshake{}, true
	case KindHeartbeat:
		return &Heartbeat{}, true
	case KindPerformanceSnapshotBatch:
		return &PerformanceSnapshotBatch{}, true
	case KindDockerInfoBatch:
		return &DockerInfoBatch{}, true
	case KindUpdateConfigResponse:
		return &UpdateConfigResponse{}, true
	case KindCommandResponse:
		return &CommandResponse{}, true
	case KindBatchCommandOutputStream:
		return &BatchCommandOutputStream{}, true
	case KindBatchCommandResult:
		return &BatchCommandResult{}, true
	case KindServiceMonitorResult:
		return &ServiceMonitorResult{}, true
	case KindGenericMetricsBatch:
		return &GenericMetricsBatch{}, true
	}
	return nil, false
}

// kindOf maps a concrete payload back to its kind tag.
func kindOf(payload any) (Kind, bool) {
	switch payload.(type) {
	case *ServerHandshakeAck:
		return KindServerHandshakeAck, true
	case *UpdateConfigRequest:
		return KindUpdateConfigRequest, true
	case *CommandRequest:
		return KindCommandRequest, true
	case *BatchAgentCommandRequest:
		return KindBatchAgentCommandRequest, true
	case *BatchTerminateCommandRequest:
		return KindBatchTerminateCommandRequest, true
	case *TriggerUpdateCheck:
		return KindTriggerUpdateCheck, true
	case *AgentHandshake:
		return KindAgentHandshake, true
	case *Heartbeat:
		return KindHeartbeat, true
	case *PerformanceSnapshotBatch:
		return KindPerformanceSnapshotBatch, true
	case *DockerInfoBatch:
		return KindDockerInfoBatch, true
	case *UpdateConfigResponse:
		return KindUpdateConfigResponse, true
	case *CommandResponse:
		return KindCommandResponse, true
	case *BatchCommandOutputStream:
		return KindBatchCommandOutputStream, true
	case *BatchCommandResult:
		return KindBatchCommandResult, true
	case *ServiceMonitorResult:
		return KindServiceMonitorResult, true
	case *GenericMetricsBatch:
		return KindGenericMetricsBatch, true
	}
	return 0, false
}

// marshalPayload serializes a payload body.
func marshalPayload(payload any) ([]byte, error) {
	return json.Marshal(payload)
}
