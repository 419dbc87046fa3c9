package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/store"
)

type trafficReset struct {
	vpsID int64
	at    time.Time
	next  *time.Time
}

type renewalAdvance struct {
	vpsID      int64
	last, next time.Time
}

type fakeStore struct {
	mu        sync.Mutex
	dueHosts  []*store.VPS
	dueRenew  []*store.RenewalInfo
	reminders []*store.RenewalInfo

	resets    []trafficReset
	advances  []renewalAdvance
	activated []int64
}

func (f *fakeStore) HostsDueTrafficReset(context.Context, time.Time) ([]*store.VPS, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dueHosts, nil
}

func (f *fakeStore) ApplyTrafficReset(_ context.Context, vpsID int64, at time.Time, next *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, trafficReset{vpsID: vpsID, at: at, next: next})
	return nil
}

func (f *fakeStore) DueRenewals(context.Context, time.Time) ([]*store.RenewalInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dueRenew, nil
}

func (f *fakeStore) AdvanceRenewal(_ context.Context, vpsID int64, lastDate, nextDate time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advances = append(f.advances, renewalAdvance{vpsID: vpsID, last: lastDate, next: nextDate})
	return nil
}

func (f *fakeStore) RenewalsNeedingReminder(context.Context, time.Time) ([]*store.RenewalInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reminders, nil
}

func (f *fakeStore) ActivateReminder(_ context.Context, vpsID int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, vpsID)
	return nil
}

type schedLog struct{ t *testing.T }

func (w schedLog) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeStore) {
	t.Helper()
	st := &fakeStore{}
	return New(slog.New(slog.NewTextHandler(schedLog{t}, nil)), st), st
}

func strPtr(s string) *string { return &s }

func TestTickResetsDueTraffic(t *testing.T) {
	s, st := newTestScheduler(t)
	st.dueHosts = []*store.VPS{{
		ID:                1,
		TrafficResetType:  strPtr(store.ResetTypeMonthlyDay),
		TrafficResetValue: strPtr("15"),
	}}

	now := time.Date(2024, time.March, 15, 0, 0, 1, 0, time.UTC)
	s.Tick(context.Background(), now)

	require.Len(t, st.resets, 1)
	assert.Equal(t, int64(1), st.resets[0].vpsID)
	require.NotNil(t, st.resets[0].next)
	assert.Equal(t, date(2024, time.April, 15), *st.resets[0].next)
}

func TestTickResetAnchorsOnScheduledBoundary(t *testing.T) {
	s, st := newTestScheduler(t)
	scheduled := time.Date(2025, time.January, 15, 1, 0, 0, 0, time.UTC)
	st.dueHosts = []*store.VPS{{
		ID:                 1,
		TrafficResetType:   strPtr(store.ResetTypeMonthlyDay),
		TrafficResetValue:  strPtr("day:15,time_offset_seconds:3600"),
		NextTrafficResetAt: &scheduled,
	}}

	// The tick fires one second late. The recorded reset time and the next
	// boundary both come from the schedule, so nothing drifts.
	s.Tick(context.Background(), scheduled.Add(time.Second))

	require.Len(t, st.resets, 1)
	assert.Equal(t, scheduled, st.resets[0].at)
	require.NotNil(t, st.resets[0].next)
	assert.Equal(t, time.Date(2025, time.February, 15, 1, 0, 0, 0, time.UTC), *st.resets[0].next)
}

func TestTickDisablesScheduleOnBadResetConfig(t *testing.T) {
	s, st := newTestScheduler(t)
	st.dueHosts = []*store.VPS{{
		ID:                1,
		TrafficResetType:  strPtr(store.ResetTypeMonthlyDay),
		TrafficResetValue: strPtr("not-a-day"),
	}}

	s.Tick(context.Background(), time.Now())

	// The counters still reset once, but no next reset is scheduled, so
	// the bad config cannot cause a reset every tick.
	require.Len(t, st.resets, 1)
	assert.Nil(t, st.resets[0].next)
}

func TestTickAdvancesDueRenewal(t *testing.T) {
	s, st := newTestScheduler(t)
	next := date(2024, time.January, 31)
	st.dueRenew = []*store.RenewalInfo{{
		VPSID:           5,
		RenewalCycle:    strPtr(store.CycleMonthly),
		NextRenewalDate: &next,
	}}

	s.Tick(context.Background(), date(2024, time.February, 1))

	require.Len(t, st.advances, 1)
	assert.Equal(t, int64(5), st.advances[0].vpsID)
	assert.Equal(t, date(2024, time.January, 31), st.advances[0].last)
	assert.Equal(t, date(2024, time.February, 29), st.advances[0].next)
}

func TestTickCatchesUpMissedCycles(t *testing.T) {
	s, st := newTestScheduler(t)
	next := date(2024, time.January, 15)
	st.dueRenew = []*store.RenewalInfo{{
		VPSID:           5,
		RenewalCycle:    strPtr(store.CycleMonthly),
		NextRenewalDate: &next,
	}}

	// Three months behind: one pass lands strictly in the future.
	s.Tick(context.Background(), date(2024, time.April, 20))

	require.Len(t, st.advances, 1)
	assert.Equal(t, date(2024, time.May, 15), st.advances[0].next)
}

func TestTickActivatesReminders(t *testing.T) {
	s, st := newTestScheduler(t)
	next := date(2024, time.March, 10)
	st.reminders = []*store.RenewalInfo{{VPSID: 9, NextRenewalDate: &next}}

	s.Tick(context.Background(), date(2024, time.March, 5))
	assert.Equal(t, []int64{9}, st.activated)
}

func TestTickSignalsFleetChange(t *testing.T) {
	s, st := newTestScheduler(t)
	st.dueHosts = []*store.VPS{{
		ID:                1,
		TrafficResetType:  strPtr(store.ResetTypeFixedDays),
		TrafficResetValue: strPtr("30"),
	}}
	changed := 0
	s.FleetChanged = func(context.Context) { changed++ }

	s.Tick(context.Background(), time.Now())
	assert.Equal(t, 1, changed)

	// Nothing due: no broadcast.
	st.dueHosts = nil
	s.Tick(context.Background(), time.Now())
	assert.Equal(t, 1, changed)
}
