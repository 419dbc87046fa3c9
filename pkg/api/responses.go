package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/nodenexus/nodenexus/pkg/store"
)

// CreateBatchCommandResponse is returned by POST /api/batch_commands.
type CreateBatchCommandResponse struct {
	BatchCommandID uuid.UUID `json:"batch_command_id"`
}

// ChildTaskView is one per-host execution inside a batch detail response.
type ChildTaskView struct {
	ID               uuid.UUID  `json:"id"`
	VPSID            int64      `json:"vps_id"`
	Status           string     `json:"status"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	AgentStartedAt   *time.Time `json:"agent_started_at,omitempty"`
	AgentCompletedAt *time.Time `json:"agent_completed_at,omitempty"`
	LastOutputAt     *time.Time `json:"last_output_at,omitempty"`
}

// BatchDetailResponse is returned by GET /api/batch_commands/:id.
type BatchDetailResponse struct {
	ID               uuid.UUID       `json:"id"`
	UserID           int64           `json:"user_id"`
	Status           string          `json:"status"`
	CommandContent   string          `json:"command_content"`
	WorkingDirectory *string         `json:"working_directory,omitempty"`
	Alias            *string         `json:"alias,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Tasks            []ChildTaskView `json:"tasks"`
}

func buildBatchDetail(b *store.BatchCommand, children []*store.ChildCommand) BatchDetailResponse {
	resp := BatchDetailResponse{
		ID:               b.ID,
		UserID:           b.UserID,
		Status:           b.Status,
		CommandContent:   b.CommandContent,
		WorkingDirectory: b.WorkingDirectory,
		Alias:            b.Alias,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
		CompletedAt:      b.CompletedAt,
		Tasks:            make([]ChildTaskView, 0, len(children)),
	}
	for _, c := range children {
		resp.Tasks = append(resp.Tasks, ChildTaskView{
			ID:               c.ID,
			VPSID:            c.VPSID,
			Status:           c.Status,
			ExitCode:         c.ExitCode,
			ErrorMessage:     c.ErrorMessage,
			AgentStartedAt:   c.AgentStartedAt,
			AgentCompletedAt: c.AgentCompletedAt,
			LastOutputAt:     c.LastOutputAt,
		})
	}
	return resp
}

// CreateVPSResponse is returned by POST /api/vps. This is the only place
// the agent secret ever leaves the server: the operator needs it once to
// provision the agent's config file.
type CreateVPSResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	AgentSecret string `json:"agent_secret"`
}

// ConfigPushResponse is returned by the config-override and retry-config
// handlers. PushError is set when the override was saved but the push to
// the agent did not go through.
type ConfigPushResponse struct {
	VPSID     int64  `json:"vps_id"`
	Pushed    bool   `json:"pushed"`
	PushError string `json:"push_error,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}
