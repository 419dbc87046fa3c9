package live

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/protocol"
	"github.com/nodenexus/nodenexus/pkg/store"
)

func strptr(s string) *string { return &s }

func TestBuildServerList(t *testing.T) {
	limit := int64(1 << 40)
	hosts := []*store.VPS{
		{
			ID:                1,
			Name:              "web-1",
			Status:            "online",
			IPAddress:         strptr("203.0.113.9"),
			Hostname:          strptr("web-1.internal"),
			CountryCode:       strptr("DE"),
			ConfigStatus:      "synced",
			TrafficLimitBytes: &limit,
			TrafficCycleRx:    100,
			TrafficCycleTx:    200,
		},
		{ID: 2, Name: "db-1", Status: "offline"},
	}
	latest := map[int64]*protocol.PerformanceSnapshot{
		1: {CPUPercent: 42},
	}

	list := BuildServerList(hosts, latest)
	require.Len(t, list.Servers, 2)

	web := list.Servers[0]
	assert.Equal(t, int64(1), web.ID)
	assert.Equal(t, "online", web.Status)
	assert.Equal(t, "203.0.113.9", *web.IPAddress)
	assert.Equal(t, int64(100), web.TrafficCycleRx)
	require.NotNil(t, web.LatestMetrics)
	assert.Equal(t, float64(42), web.LatestMetrics.CPUPercent)

	db := list.Servers[1]
	assert.Nil(t, db.LatestMetrics, "host without samples has no metrics")
	assert.Nil(t, db.IPAddress)
}

func TestBuildServerListNilSamples(t *testing.T) {
	list := BuildServerList([]*store.VPS{{ID: 1, Name: "web-1"}}, nil)
	require.Len(t, list.Servers, 1)
	assert.Nil(t, list.Servers[0].LatestMetrics)
}

func TestDesensitize(t *testing.T) {
	limit := int64(1 << 40)
	list := BuildServerList([]*store.VPS{{
		ID:                1,
		Name:              "web-1",
		Status:            "online",
		IPAddress:         strptr("203.0.113.9"),
		Hostname:          strptr("web-1.internal"),
		AgentVersion:      strptr("1.2.3"),
		CountryCode:       strptr("DE"),
		ConfigStatus:      "synced",
		TrafficLimitBytes: &limit,
		TrafficCycleRx:    100,
		TrafficCycleTx:    200,
	}}, map[int64]*protocol.PerformanceSnapshot{1: {CPUPercent: 42}})

	public := Desensitize(list)
	require.Len(t, public.Servers, 1)
	v := public.Servers[0]

	// Identity and health survive.
	assert.Equal(t, int64(1), v.ID)
	assert.Equal(t, "web-1", v.Name)
	assert.Equal(t, "online", v.Status)
	assert.Equal(t, "DE", *v.CountryCode)
	assert.NotNil(t, v.LatestMetrics)

	// Addresses and traffic numbers do not.
	assert.Nil(t, v.IPAddress)
	assert.Nil(t, v.Hostname)
	assert.Nil(t, v.AgentVersion)
	assert.Nil(t, v.TrafficLimitBytes)
	assert.Zero(t, v.TrafficCycleRx)
	assert.Zero(t, v.TrafficCycleTx)

	// The authenticated view is untouched.
	assert.NotNil(t, list.Servers[0].IPAddress)
}
