package api

import (
	"github.com/nodenexus/nodenexus/pkg/config"
)

// CreateBatchCommandRequest is the body of POST /api/batch_commands.
type CreateBatchCommandRequest struct {
	ScriptContent    string  `json:"script_content"`
	WorkingDirectory string  `json:"working_directory"`
	ExecutionAlias   string  `json:"execution_alias"`
	TargetVPSIDs     []int64 `json:"target_vps_ids"`
}

// CreateVPSRequest is the body of POST /api/vps.
type CreateVPSRequest struct {
	Name string `json:"name"`
}

// ConfigOverrideRequest is the body of PUT /api/vps/:id/config-override.
// A null override clears the per-host override so the host falls back to
// the global default config.
type ConfigOverrideRequest struct {
	Override *config.AgentConfig `json:"override"`
}
