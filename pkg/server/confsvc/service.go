// Package confsvc resolves and pushes per-agent configuration. The effective
// config of a host is the global defaults deep-merged with the host's
// override, with its service-monitor task list computed from monitor
// assignments. Every push carries a fresh version id; only the latest
// pending version per host can be acked.
package confsvc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nodenexus/nodenexus/pkg/config"
	"github.com/nodenexus/nodenexus/pkg/protocol"
	"github.com/nodenexus/nodenexus/pkg/registry"
	"github.com/nodenexus/nodenexus/pkg/store"
)

// ErrAgentOffline is returned by Push when the host has no live session. The
// config is not queued; the next handshake delivers it instead.
var ErrAgentOffline = errors.New("confsvc: agent offline")

// Store is the persistence surface the service needs.
type Store interface {
	GlobalAgentConfig(ctx context.Context) (config.AgentConfig, error)
	GetVPS(ctx context.Context, id int64) (*store.VPS, error)
	MonitorsForVPS(ctx context.Context, vpsID int64) ([]*store.ServiceMonitor, error)
	SetConfigStatus(ctx context.Context, id int64, status string, pushErr string) error
}

// Service owns config resolution and push bookkeeping.
type Service struct {
	log   *slog.Logger
	store Store
	reg   *registry.Registry

	// pending maps host id to the version id of the latest un-acked push.
	// An ack for any other version is stale and ignored.
	mu      sync.Mutex
	pending map[int64]string
}

// NewService wires the config service.
func NewService(log *slog.Logger, st Store, reg *registry.Registry) *Service {
	return &Service{
		log:     log.With("component", "config_service"),
		store:   st,
		reg:     reg,
		pending: make(map[int64]string),
	}
}

// Resolve computes the effective config for a host: global defaults merged
// with the host override, monitor tasks replaced from assignments.
func (s *Service) Resolve(ctx context.Context, hostID int64) (config.AgentConfig, error) {
	global, err := s.store.GlobalAgentConfig(ctx)
	if err != nil {
		return config.AgentConfig{}, err
	}
	vps, err := s.store.GetVPS(ctx, hostID)
	if err != nil {
		return config.AgentConfig{}, err
	}
	merged, err := config.MergeAgentConfig(global, vps.ConfigOverride)
	if err != nil {
		return config.AgentConfig{}, err
	}

	monitors, err := s.store.MonitorsForVPS(ctx, hostID)
	if err != nil {
		return config.AgentConfig{}, err
	}
	merged.ServiceMonitorTasks = monitorTasks(monitors)
	merged.Normalize()
	return merged, nil
}

// Push resolves the host's config and sends it over the live session. The
// result lands on the host row asynchronously via HandleAck; Push itself only
// fails when the host is unknown, the agent is offline, or the send failed.
func (s *Service) Push(ctx context.Context, hostID int64) error {
	cfg, err := s.Resolve(ctx, hostID)
	if err != nil {
		return err
	}

	sink := s.reg.Lookup(hostID)
	if sink == nil {
		if err := s.store.SetConfigStatus(ctx, hostID, store.ConfigStatusPushFailed, "agent offline"); err != nil {
			s.log.Warn("recording offline push failure failed", "vps_id", hostID, "error", err)
		}
		return ErrAgentOffline
	}

	versionID := uuid.NewString()
	s.mu.Lock()
	s.pending[hostID] = versionID
	s.mu.Unlock()

	err = sink.Enqueue(ctx, &protocol.UpdateConfigRequest{
		ConfigVersionID: versionID,
		Config:          cfg,
	})
	if err != nil {
		s.clearPending(hostID, versionID)
		if serr := s.store.SetConfigStatus(ctx, hostID, store.ConfigStatusPushFailed, err.Error()); serr != nil {
			s.log.Warn("recording push failure failed", "vps_id", hostID, "error", serr)
		}
		return err
	}

	if err := s.store.SetConfigStatus(ctx, hostID, store.ConfigStatusPending, ""); err != nil {
		s.log.Warn("recording pending push failed", "vps_id", hostID, "error", err)
	}
	s.log.Info("config pushed", "vps_id", hostID, "config_version_id", versionID)
	return nil
}

// HandleAck processes an UpdateConfigResponse. Acks for anything but the
// latest pending version are dropped, so each push settles at most once.
func (s *Service) HandleAck(ctx context.Context, hostID int64, resp *protocol.UpdateConfigResponse) error {
	if !s.clearPending(hostID, resp.ConfigVersionID) {
		s.log.Debug("ignoring stale config ack",
			"vps_id", hostID, "config_version_id", resp.ConfigVersionID)
		return nil
	}

	if !resp.Success {
		s.log.Warn("agent rejected config",
			"vps_id", hostID, "error", resp.ErrorMessage)
		return s.store.SetConfigStatus(ctx, hostID, store.ConfigStatusFailed, resp.ErrorMessage)
	}

	// Keep the session's cached view in step with what the agent confirmed.
	if sess := s.reg.Session(hostID); sess != nil {
		cfg, err := s.Resolve(ctx, hostID)
		if err == nil {
			sess.SetConfig(cfg)
		}
	}
	return s.store.SetConfigStatus(ctx, hostID, store.ConfigStatusSynced, "")
}

// DropPending forgets any pending push for a host. Called on session
// teardown: an ack can no longer arrive.
func (s *Service) DropPending(hostID int64) {
	s.mu.Lock()
	delete(s.pending, hostID)
	s.mu.Unlock()
}

// clearPending removes the pending entry iff it matches versionID.
func (s *Service) clearPending(hostID int64, versionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[hostID] != versionID {
		return false
	}
	delete(s.pending, hostID)
	return true
}

// monitorTasks converts monitor rows into the task list pushed to an agent.
func monitorTasks(monitors []*store.ServiceMonitor) []config.ServiceMonitorTask {
	if len(monitors) == 0 {
		return nil
	}
	tasks := make([]config.ServiceMonitorTask, 0, len(monitors))
	for _, m := range monitors {
		task := config.ServiceMonitorTask{
			MonitorID:        m.ID,
			Name:             m.Name,
			MonitorType:      m.MonitorType,
			Target:           m.Target,
			FrequencySeconds: m.FrequencySeconds,
			TimeoutSeconds:   m.TimeoutSeconds,
		}
		if len(m.MonitorConfig) > 0 {
			if raw, err := json.Marshal(m.MonitorConfig); err == nil {
				task.MonitorConfig = raw
			}
		}
		tasks = append(tasks, task)
	}
	return tasks
}
