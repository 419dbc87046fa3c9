package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeAgentConfigOverrideWins(t *testing.T) {
	global := DefaultAgentConfig()
	override := &AgentConfig{
		MetricsIntervalSeconds: 5,
		LogLevel:               "debug",
	}

	merged, err := MergeAgentConfig(global, override)
	require.NoError(t, err)
	assert.Equal(t, 5, merged.MetricsIntervalSeconds)
	assert.Equal(t, "debug", merged.LogLevel)
	// Fields the override left unset keep the global value.
	assert.Equal(t, DefaultHeartbeatIntervalSeconds, merged.HeartbeatIntervalSeconds)
}

func TestMergeAgentConfigZeroValuesDoNotShadow(t *testing.T) {
	global := AgentConfig{
		MetricsIntervalSeconds:   20,
		HeartbeatIntervalSeconds: 60,
		LogLevel:                 "warn",
	}

	merged, err := MergeAgentConfig(global, &AgentConfig{})
	require.NoError(t, err)
	assert.Equal(t, global, merged)
}

func TestMergeAgentConfigNilOverride(t *testing.T) {
	global := DefaultAgentConfig()
	merged, err := MergeAgentConfig(global, nil)
	require.NoError(t, err)
	assert.Equal(t, global, merged)
}

func TestMergeAgentConfigFeatureFlags(t *testing.T) {
	global := AgentConfig{
		FeatureFlags: map[string]bool{"a": true, "b": true},
	}
	override := &AgentConfig{
		// An explicit false must win over the global true.
		FeatureFlags: map[string]bool{"b": false, "c": true},
	}

	merged, err := MergeAgentConfig(global, override)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": false, "c": true}, merged.FeatureFlags)

	// The inputs are untouched.
	assert.Equal(t, map[string]bool{"a": true, "b": true}, global.FeatureFlags)
	assert.Equal(t, map[string]bool{"b": false, "c": true}, override.FeatureFlags)
}

func TestMergeAgentConfigDropsMonitorTasks(t *testing.T) {
	global := AgentConfig{
		ServiceMonitorTasks: []ServiceMonitorTask{{MonitorID: 1}},
	}
	override := &AgentConfig{
		ServiceMonitorTasks: []ServiceMonitorTask{{MonitorID: 2}},
	}

	merged, err := MergeAgentConfig(global, override)
	require.NoError(t, err)
	assert.Nil(t, merged.ServiceMonitorTasks, "tasks come from monitor assignments, not the merge")
}

func TestNormalizeFillsDefaults(t *testing.T) {
	var c AgentConfig
	c.Normalize()
	assert.Equal(t, DefaultMetricsIntervalSeconds, c.MetricsIntervalSeconds)
	assert.Equal(t, DefaultHeartbeatIntervalSeconds, c.HeartbeatIntervalSeconds)
	assert.Equal(t, "info", c.LogLevel)

	c = AgentConfig{MetricsIntervalSeconds: 7, HeartbeatIntervalSeconds: 13, LogLevel: "debug"}
	c.Normalize()
	assert.Equal(t, 7, c.MetricsIntervalSeconds)
	assert.Equal(t, 13, c.HeartbeatIntervalSeconds)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestAgentFileConfigValidate(t *testing.T) {
	valid := AgentFileConfig{
		ServerAddress: "grpcs://nexus.example.com:9000",
		VPSID:         1,
		AgentSecret:   "s3cret",
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*AgentFileConfig)
		wantErr string
	}{
		{"missing address", func(c *AgentFileConfig) { c.ServerAddress = "" }, "server_address is required"},
		{"bad scheme", func(c *AgentFileConfig) { c.ServerAddress = "http://nexus.example.com" }, "unsupported scheme"},
		{"missing vps id", func(c *AgentFileConfig) { c.VPSID = 0 }, "vps_id"},
		{"missing secret", func(c *AgentFileConfig) { c.AgentSecret = "" }, "agent_secret is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAgentFileConfigSchemes(t *testing.T) {
	for _, scheme := range []string{"grpc", "grpcs", "ws", "wss"} {
		c := AgentFileConfig{
			ServerAddress: scheme + "://nexus.example.com:9000",
			VPSID:         1,
			AgentSecret:   "s3cret",
		}
		assert.NoError(t, c.Validate(), scheme)
	}
}
