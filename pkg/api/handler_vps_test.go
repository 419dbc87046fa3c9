package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/config"
	"github.com/nodenexus/nodenexus/pkg/server/confsvc"
	"github.com/nodenexus/nodenexus/pkg/store"
)

func seedHost(e *apiEnv, id int64) *store.VPS {
	ip := "203.0.113.9"
	v := &store.VPS{ID: id, Name: "web-1", Status: store.VPSStatusOnline,
		AgentSecret: "s3cret", IPAddress: &ip, ConfigStatus: store.ConfigStatusSynced}
	e.store.hosts[id] = v
	return v
}

func TestCreateVPSReturnsSecretOnce(t *testing.T) {
	e := newAPIEnv(t)
	rec := e.do(http.MethodPost, "/api/vps", `{"name": "web-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CreateVPSResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "web-1", resp.Name)
	// 128-bit random secret, hex encoded.
	assert.Len(t, resp.AgentSecret, 32)
	assert.Equal(t, resp.AgentSecret, e.store.hosts[resp.ID].AgentSecret)
}

func TestListVPSOmitsAgentSecret(t *testing.T) {
	e := newAPIEnv(t)
	seedHost(e, 7)

	rec := e.do(http.MethodGet, "/api/vps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "web-1")
	assert.NotContains(t, rec.Body.String(), "s3cret")
}

func TestSetConfigOverridePushesAndReports(t *testing.T) {
	e := newAPIEnv(t)
	seedHost(e, 7)

	rec := e.do(http.MethodPut, "/api/vps/7/config-override",
		`{"override": {"metrics_interval_seconds": 5}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConfigPushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Pushed)
	assert.Equal(t, []int64{7}, e.conf.pushed)

	require.NotNil(t, e.store.overrides[7])
	assert.Equal(t, 5, e.store.overrides[7].MetricsIntervalSeconds)
}

func TestSetConfigOverrideNullClears(t *testing.T) {
	e := newAPIEnv(t)
	seedHost(e, 7)
	e.store.overrides[7] = &config.AgentConfig{MetricsIntervalSeconds: 5}

	rec := e.do(http.MethodPut, "/api/vps/7/config-override", `{"override": null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, e.store.overrides[7])
}

func TestSetConfigOverrideOfflineAgentStillSaves(t *testing.T) {
	e := newAPIEnv(t)
	seedHost(e, 7)
	e.conf.pushErr = confsvc.ErrAgentOffline

	rec := e.do(http.MethodPut, "/api/vps/7/config-override",
		`{"override": {"heartbeat_interval_seconds": 30}}`)
	require.Equal(t, http.StatusOK, rec.Code, "the override is saved even when the push fails")

	var resp ConfigPushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Pushed)
	assert.Equal(t, "agent not connected", resp.PushError)
	assert.NotNil(t, e.store.overrides[7])
}

func TestRetryConfigOfflineAgentConflicts(t *testing.T) {
	e := newAPIEnv(t)
	seedHost(e, 7)
	e.conf.pushErr = confsvc.ErrAgentOffline

	rec := e.do(http.MethodPost, "/api/vps/7/retry-config", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "agent not connected")
}

func TestPublicServersDesensitized(t *testing.T) {
	e := newAPIEnv(t)
	seedHost(e, 7)

	req := e.do(http.MethodGet, "/api/public/servers", "")
	require.Equal(t, http.StatusOK, req.Code)
	assert.Contains(t, req.Body.String(), "web-1")
	assert.NotContains(t, req.Body.String(), "203.0.113.9")
	assert.NotContains(t, req.Body.String(), "s3cret")
}

func TestHealthzDegradesWithDatabase(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	e.store.healthErr = assert.AnError
	rec = e.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
