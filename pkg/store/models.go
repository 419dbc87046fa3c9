package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/nodenexus/nodenexus/pkg/config"
	"github.com/nodenexus/nodenexus/pkg/protocol"
)

// Host connection statuses.
const (
	VPSStatusPending   = "pending"
	VPSStatusOnline    = "online"
	VPSStatusOffline   = "offline"
	VPSStatusRebooting = "rebooting"
)

// Config push statuses recorded on the host row.
const (
	ConfigStatusUnknown    = "unknown"
	ConfigStatusPending    = "pending"
	ConfigStatusSynced     = "synced"
	ConfigStatusFailed     = "update_failed"
	ConfigStatusPushFailed = "update_push_failed"
)

// Batch command parent statuses.
const (
	BatchStatusPending             = "Pending"
	BatchStatusDispatching         = "Dispatching"
	BatchStatusExecuting           = "Executing"
	BatchStatusCompletedOK         = "CompletedSuccessfully"
	BatchStatusCompletedWithErrors = "CompletedWithErrors"
	BatchStatusTerminating         = "Terminating"
	BatchStatusTerminated          = "Terminated"
	BatchStatusFailedToDispatch    = "FailedToDispatch"
)

// Child command statuses. The terminal set is everything from
// ChildStatusCompletedOK on.
const (
	ChildStatusPending          = "Pending"
	ChildStatusSentToAgent      = "SentToAgent"
	ChildStatusAgentAccepted    = "AgentAccepted"
	ChildStatusExecuting        = "Executing"
	ChildStatusCompletedOK      = "CompletedSuccessfully"
	ChildStatusCompletedFailed  = "CompletedWithFailure"
	ChildStatusTerminating      = "Terminating"
	ChildStatusTerminated       = "Terminated"
	ChildStatusAgentUnreachable = "AgentUnreachable"
	ChildStatusTimedOut         = "TimedOut"
	ChildStatusAgentError       = "AgentError"
)

// childStatusRank orders child statuses for the non-regression guard: a
// child row never moves to a status with a lower rank, and never leaves a
// terminal status.
var childStatusRank = map[string]int{
	ChildStatusPending:          0,
	ChildStatusSentToAgent:      1,
	ChildStatusAgentAccepted:    2,
	ChildStatusExecuting:        3,
	ChildStatusTerminating:      4,
	ChildStatusCompletedOK:      5,
	ChildStatusCompletedFailed:  5,
	ChildStatusTerminated:       5,
	ChildStatusAgentUnreachable: 5,
	ChildStatusTimedOut:         5,
	ChildStatusAgentError:       5,
}

// ChildStatusTerminal reports whether a child status is final.
func ChildStatusTerminal(status string) bool {
	return childStatusRank[status] >= 5
}

// Traffic reset config types.
const (
	ResetTypeMonthlyDay = "monthly_day_of_month"
	ResetTypeFixedDays  = "fixed_days"
)

// Renewal cycles.
const (
	CycleMonthly      = "monthly"
	CycleQuarterly    = "quarterly"
	CycleSemiAnnually = "semi_annually"
	CycleAnnually     = "annually"
	CycleCustomDays   = "custom_days"
)

// VPS is one managed host row.
type VPS struct {
	ID            int64
	UserID        int64
	Name          string
	Status        string
	AgentSecret   string
	IPAddress     *string
	OSType        *string
	KernelVersion *string
	Hostname      *string
	CPUModel      *string
	CPUCores      *int
	MemoryTotal   *int64
	CountryCode   *string
	AgentVersion  *string

	ConfigOverride *config.AgentConfig
	ConfigStatus   string
	ConfigError    *string

	TrafficLimitBytes    *int64
	TrafficBillingRule   *string
	TrafficCycleRx       int64
	TrafficCycleTx       int64
	LastCumulativeRx     int64
	LastCumulativeTx     int64
	TrafficLastResetAt   *time.Time
	TrafficResetType     *string
	TrafficResetValue    *string
	NextTrafficResetAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PerformanceSample is one metrics row bound for performance_metrics.
type PerformanceSample struct {
	HostID   int64
	Time     time.Time
	Snapshot protocol.PerformanceSnapshot
}

// BatchCommand is a parent batch row.
type BatchCommand struct {
	ID               uuid.UUID
	UserID           int64
	Status           string
	CommandContent   string
	WorkingDirectory *string
	Alias            *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// ChildCommand is one per-host execution of a batch.
type ChildCommand struct {
	ID               uuid.UUID
	BatchCommandID   uuid.UUID
	VPSID            int64
	Status           string
	ExitCode         *int
	ErrorMessage     *string
	AgentStartedAt   *time.Time
	AgentCompletedAt *time.Time
	LastOutputAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ServiceMonitor is one probe definition.
type ServiceMonitor struct {
	ID               int64
	UserID           int64
	Name             string
	MonitorType      string
	Target           string
	FrequencySeconds int
	TimeoutSeconds   int
	MonitorConfig    map[string]any
	AssignmentType   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RenewalInfo is the renewal bookkeeping attached to a host.
type RenewalInfo struct {
	VPSID                   int64
	RenewalCycle            *string
	RenewalCycleCustomDays  *int
	RenewalPrice            *float64
	RenewalCurrency         *string
	NextRenewalDate         *time.Time
	LastRenewalDate         *time.Time
	AutoRenewEnabled        bool
	ReminderThresholdDays   *int
	ReminderActive          bool
	LastReminderGeneratedAt *time.Time
	UpdatedAt               time.Time
}
