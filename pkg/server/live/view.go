package live

import (
	"github.com/nodenexus/nodenexus/pkg/protocol"
	"github.com/nodenexus/nodenexus/pkg/store"
)

// ServerView is one host as shown to authenticated dashboard clients. The
// agent secret never leaves the store.
type ServerView struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	IPAddress     *string `json:"ip_address,omitempty"`
	OSType        *string `json:"os_type,omitempty"`
	Hostname      *string `json:"hostname,omitempty"`
	AgentVersion  *string `json:"agent_version,omitempty"`
	CountryCode   *string `json:"country_code,omitempty"`
	ConfigStatus  string  `json:"config_status"`

	TrafficLimitBytes *int64 `json:"traffic_limit_bytes,omitempty"`
	TrafficCycleRx    int64  `json:"traffic_current_cycle_rx"`
	TrafficCycleTx    int64  `json:"traffic_current_cycle_tx"`

	LatestMetrics *protocol.PerformanceSnapshot `json:"latest_metrics,omitempty"`
}

// ServerListData is the payload of a full_server_list message.
type ServerListData struct {
	Servers []ServerView `json:"servers"`
}

// BuildServerList maps host rows plus their latest samples into the
// dashboard view.
func BuildServerList(hosts []*store.VPS, latest map[int64]*protocol.PerformanceSnapshot) ServerListData {
	views := make([]ServerView, 0, len(hosts))
	for _, v := range hosts {
		view := ServerView{
			ID:                v.ID,
			Name:              v.Name,
			Status:            v.Status,
			IPAddress:         v.IPAddress,
			OSType:            v.OSType,
			Hostname:          v.Hostname,
			AgentVersion:      v.AgentVersion,
			CountryCode:       v.CountryCode,
			ConfigStatus:      v.ConfigStatus,
			TrafficLimitBytes: v.TrafficLimitBytes,
			TrafficCycleRx:    v.TrafficCycleRx,
			TrafficCycleTx:    v.TrafficCycleTx,
		}
		if latest != nil {
			view.LatestMetrics = latest[v.ID]
		}
		views = append(views, view)
	}
	return ServerListData{Servers: views}
}

// Desensitize strips fields that must not reach unauthenticated viewers:
// addresses, hostnames, and exact traffic numbers.
func Desensitize(list ServerListData) ServerListData {
	out := ServerListData{Servers: make([]ServerView, len(list.Servers))}
	for i, v := range list.Servers {
		out.Servers[i] = ServerView{
			ID:            v.ID,
			Name:          v.Name,
			Status:        v.Status,
			OSType:        v.OSType,
			CountryCode:   v.CountryCode,
			ConfigStatus:  v.ConfigStatus,
			LatestMetrics: v.LatestMetrics,
		}
	}
	return out
}
