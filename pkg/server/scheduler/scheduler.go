package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nodenexus/nodenexus/pkg/store"
)

// tickInterval is the loop cadence. Everything the scheduler does has
// minute-level granularity.
const tickInterval = time.Minute

// Store is the persistence surface the scheduler needs.
type Store interface {
	HostsDueTrafficReset(ctx context.Context, now time.Time) ([]*store.VPS, error)
	ApplyTrafficReset(ctx context.Context, vpsID int64, at time.Time, next *time.Time) error
	DueRenewals(ctx context.Context, now time.Time) ([]*store.RenewalInfo, error)
	AdvanceRenewal(ctx context.Context, vpsID int64, lastDate, nextDate time.Time) error
	RenewalsNeedingReminder(ctx context.Context, now time.Time) ([]*store.RenewalInfo, error)
	ActivateReminder(ctx context.Context, vpsID int64, at time.Time) error
}

// Scheduler owns the minute loop.
type Scheduler struct {
	log   *slog.Logger
	store Store

	// FleetChanged, when set, is called after any tick that mutated hosts
	// so the live server list refreshes.
	FleetChanged func(ctx context.Context)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a stopped scheduler.
func New(log *slog.Logger, st Store) *Scheduler {
	return &Scheduler{
		log:    log.With("component", "scheduler"),
		store:  st,
		stopCh: make(chan struct{}),
	}
}

// Start launches the loop. The first tick runs immediately so overdue work
// is not delayed by up to a minute after startup.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(context.Background(), time.Now())
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				s.Tick(context.Background(), now)
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Tick runs one pass of all scheduled work. Exported so tests and an admin
// trigger can run it with a controlled clock.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	now = now.UTC()
	mutated := s.resetTraffic(ctx, now)
	mutated = s.advanceRenewals(ctx, now) || mutated
	s.raiseReminders(ctx, now)
	if mutated && s.FleetChanged != nil {
		s.FleetChanged(ctx)
	}
}

// resetTraffic zeroes the traffic cycle of every host whose scheduled reset
// time passed, and schedules the following one.
func (s *Scheduler) resetTraffic(ctx context.Context, now time.Time) bool {
	hosts, err := s.store.HostsDueTrafficReset(ctx, now)
	if err != nil {
		s.log.Error("querying hosts due traffic reset failed", "error", err)
		return false
	}
	mutated := false
	for _, v := range hosts {
		resetType, value := "", ""
		if v.TrafficResetType != nil {
			resetType = *v.TrafficResetType
		}
		if v.TrafficResetValue != nil {
			value = *v.TrafficResetValue
		}
		// The cycle anchors on the scheduled boundary, not the tick time:
		// a tick that fires late must not drift every following reset.
		base := now
		if v.NextTrafficResetAt != nil {
			base = v.NextTrafficResetAt.UTC()
		}
		next, err := nextTrafficReset(base, resetType, value)
		if err != nil {
			// Bad config: reset once, then disable the schedule rather
			// than resetting on every tick.
			s.log.Error("invalid traffic reset config",
				"vps_id", v.ID, "reset_type", resetType, "value", value, "error", err)
		}
		if err := s.store.ApplyTrafficReset(ctx, v.ID, base, next); err != nil {
			s.log.Error("applying traffic reset failed", "vps_id", v.ID, "error", err)
			continue
		}
		mutated = true
		s.log.Info("traffic cycle reset",
			"vps_id", v.ID, "next_reset", next)
	}
	return mutated
}

// advanceRenewals moves every due auto-renew host one cycle forward. A host
// that is several cycles behind catches up in one pass so the next date is
// always in the future.
func (s *Scheduler) advanceRenewals(ctx context.Context, now time.Time) bool {
	due, err := s.store.DueRenewals(ctx, now)
	if err != nil {
		s.log.Error("querying due renewals failed", "error", err)
		return false
	}
	mutated := false
	for _, r := range due {
		if r.RenewalCycle == nil || r.NextRenewalDate == nil {
			continue
		}
		customDays := 0
		if r.RenewalCycleCustomDays != nil {
			customDays = *r.RenewalCycleCustomDays
		}
		last := *r.NextRenewalDate
		next := last
		for !next.After(now) {
			next, err = NextRenewalDate(next, *r.RenewalCycle, customDays)
			if err != nil {
				break
			}
		}
		if err != nil {
			s.log.Error("advancing renewal failed",
				"vps_id", r.VPSID, "cycle", *r.RenewalCycle, "error", err)
			continue
		}
		if err := s.store.AdvanceRenewal(ctx, r.VPSID, last, next); err != nil {
			s.log.Error("recording renewal failed", "vps_id", r.VPSID, "error", err)
			continue
		}
		mutated = true
		s.log.Info("renewal advanced",
			"vps_id", r.VPSID, "last_renewal", last, "next_renewal", next)
	}
	return mutated
}

// raiseReminders activates the reminder flag for renewals inside their
// reminder window.
func (s *Scheduler) raiseReminders(ctx context.Context, now time.Time) {
	pending, err := s.store.RenewalsNeedingReminder(ctx, now)
	if err != nil {
		s.log.Error("querying renewal reminders failed", "error", err)
		return
	}
	for _, r := range pending {
		if err := s.store.ActivateReminder(ctx, r.VPSID, now); err != nil {
			s.log.Error("activating reminder failed", "vps_id", r.VPSID, "error", err)
			continue
		}
		s.log.Info("renewal reminder raised",
			"vps_id", r.VPSID, "next_renewal", r.NextRenewalDate)
	}
}
