// Package config holds the configuration types shared between the NodeNexus
// server and agent: the effective per-host agent configuration that travels
// over the wire, the agent-side config file, and the server environment
// configuration.
package config

import (
	"encoding/json"
	"fmt"

	"dario.cat/mergo"
)

// Default intervals applied when neither the global defaults nor the per-host
// override set a value.
const (
	DefaultMetricsIntervalSeconds   = 10
	DefaultHeartbeatIntervalSeconds = 30
)

// ServiceMonitorTask is one probe assignment pushed to an agent. The agent
// runs the probe every FrequencySeconds with a per-attempt timeout.
type ServiceMonitorTask struct {
	MonitorID        int64           `json:"monitor_id" yaml:"monitor_id"`
	Name             string          `json:"name" yaml:"name"`
	MonitorType      string          `json:"monitor_type" yaml:"monitor_type"` // tcp | http | ping
	Target           string          `json:"target" yaml:"target"`
	FrequencySeconds int             `json:"frequency_seconds" yaml:"frequency_seconds"`
	TimeoutSeconds   int             `json:"timeout_seconds" yaml:"timeout_seconds"`
	MonitorConfig    json.RawMessage `json:"monitor_config,omitempty" yaml:"-"`
}

// AgentConfig is the effective configuration for one agent: the deep merge of
// the global defaults with the per-host override, plus the host's assigned
// service-monitor tasks.
type AgentConfig struct {
	MetricsIntervalSeconds   int             `json:"metrics_interval_seconds" yaml:"metrics_interval_seconds"`
	HeartbeatIntervalSeconds int             `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	DockerInfoEnabled        bool            `json:"docker_info_enabled" yaml:"docker_info_enabled"`
	LogLevel                 string          `json:"log_level" yaml:"log_level"`
	FeatureFlags             map[string]bool `json:"feature_flags,omitempty" yaml:"feature_flags"`

	// ServiceMonitorTasks is always replaced, never merged: it is computed
	// from the monitor assignments that include this host.
	ServiceMonitorTasks []ServiceMonitorTask `json:"service_monitor_tasks,omitempty" yaml:"-"`
}

// DefaultAgentConfig returns the built-in defaults used when the settings
// table has no global config yet.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MetricsIntervalSeconds:   DefaultMetricsIntervalSeconds,
		HeartbeatIntervalSeconds: DefaultHeartbeatIntervalSeconds,
		LogLevel:                 "info",
	}
}

// MergeAgentConfig deep-merges a per-host override onto the global defaults.
// Override fields left at their zero value (0 for ints, "" for strings) are
// treated as "not set" and do not shadow the global value. FeatureFlags is
// merged key-by-key with the override winning. ServiceMonitorTasks is NOT
// merged here; the resolver replaces it from monitor assignments afterwards.
func MergeAgentConfig(global AgentConfig, override *AgentConfig) (AgentConfig, error) {
	merged := global
	if override == nil {
		return merged, nil
	}

	// mergo skips zero-value source fields, which is exactly the override
	// semantics we want for scalars. Maps are handled explicitly below so
	// an override flag set to false still wins.
	ov := *override
	ov.FeatureFlags = nil
	ov.ServiceMonitorTasks = nil
	if err := mergo.Merge(&merged, ov, mergo.WithOverride); err != nil {
		return AgentConfig{}, fmt.Errorf("merging agent config: %w", err)
	}

	if len(override.FeatureFlags) > 0 {
		flags := make(map[string]bool, len(global.FeatureFlags)+len(override.FeatureFlags))
		for k, v := range global.FeatureFlags {
			flags[k] = v
		}
		for k, v := range override.FeatureFlags {
			flags[k] = v
		}
		merged.FeatureFlags = flags
	}

	merged.ServiceMonitorTasks = nil
	return merged, nil
}

// Normalize fills any remaining zero intervals with built-in defaults so the
// agent never runs with a zero ticker period.
func (c *AgentConfig) Normalize() {
	if c.MetricsIntervalSeconds <= 0 {
		c.MetricsIntervalSeconds = DefaultMetricsIntervalSeconds
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = DefaultHeartbeatIntervalSeconds
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
