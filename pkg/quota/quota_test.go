package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

type memStore struct {
	mu       sync.Mutex
	usage    map[string]monitor.UsageCounters
	created  int
	hashes   map[monitor.SignalType][]string
	total    int
	usageErr error
}

func newMemStore() *memStore {
	return &memStore{usage: make(map[string]monitor.UsageCounters)}
}

func (m *memStore) Usage(_ context.Context, userID, today string) (monitor.UsageCounters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usageErr != nil {
		return monitor.UsageCounters{}, m.usageErr
	}
	u := m.usage[userID]
	if u.LastReset != today {
		u = monitor.UsageCounters{UserID: userID, LastReset: today}
	}
	return u, nil
}

func (m *memStore) ConsumeUsage(_ context.Context, userID string, counter Counter, limit int, today string) (monitor.UsageCounters, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage[userID]
	if u.LastReset != today {
		u = monitor.UsageCounters{UserID: userID, LastReset: today}
	}
	field := &u.CrawlsToday
	if counter == CounterManualChecks {
		field = &u.ManualChecksToday
	}
	ok := limit < 0 || *field < limit
	if ok {
		*field++
	}
	m.usage[userID] = u
	return u, ok, nil
}

func (m *memStore) CountTargetsCreatedSince(context.Context, string, time.Time) (int, error) {
	return m.created, nil
}

func (m *memStore) SnapshotHashesSince(context.Context, string, string, time.Time) (map[monitor.SignalType][]string, error) {
	return m.hashes, nil
}

func (m *memStore) TotalCrawls(context.Context, string) (int, error) {
	return m.total, nil
}

var fixedNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func newGuardrail(store Store, expected int) *Guardrail {
	g := New(DefaultPlans(), store, expected)
	g.SetClock(func() time.Time { return fixedNow })
	return g
}

func TestManualCheckUpgradePrompt(t *testing.T) {
	store := newMemStore()
	store.usage["u-free"] = monitor.UsageCounters{ManualChecksToday: 1, LastReset: "2026-03-10"}
	store.usage["u-pro"] = monitor.UsageCounters{ManualChecksToday: 5, LastReset: "2026-03-10"}
	g := newGuardrail(store, 0)
	ctx := context.Background()

	d, err := g.CanManualCheck(ctx, monitor.User{ID: "u-free", PlanID: PlanFree})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.UpgradePrompt)
	assert.NotEmpty(t, d.Reason)

	d, err = g.CanManualCheck(ctx, monitor.User{ID: "u-pro", PlanID: PlanPro})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.UpgradePrompt)
	assert.Contains(t, d.Reason, "pro")
}

func TestCountersResetOnNewDay(t *testing.T) {
	store := newMemStore()
	store.usage["u1"] = monitor.UsageCounters{ManualChecksToday: 1, CrawlsToday: 5, LastReset: "2026-03-09"}
	g := newGuardrail(store, 0)
	user := monitor.User{ID: "u1", PlanID: PlanFree}

	d, err := g.CanManualCheck(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.ConsumeScheduledCrawl(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, store.usage["u1"].CrawlsToday)
	assert.Equal(t, "2026-03-10", store.usage["u1"].LastReset)
}

func TestConsumeStopsAtCap(t *testing.T) {
	store := newMemStore()
	g := newGuardrail(store, 0)
	user := monitor.User{ID: "u1", PlanID: PlanFree}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := g.ConsumeScheduledCrawl(ctx, user)
		require.NoError(t, err)
		require.True(t, d.Allowed, "crawl %d", i+1)
	}
	d, err := g.ConsumeScheduledCrawl(ctx, user)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.UpgradePrompt)
	assert.Equal(t, 5, store.usage["u1"].CrawlsToday)

	d, err = g.CanScheduledCrawl(ctx, user)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = g.ConsumeManualCheck(ctx, user)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "counters are independent")
}

func TestConsumeConcurrentNeverExceedsCap(t *testing.T) {
	store := newMemStore()
	g := newGuardrail(store, 0)
	user := monitor.User{ID: "u1", PlanID: PlanStarter}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.ConsumeScheduledCrawl(context.Background(), user)
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 40, allowed)
}

func TestCanAddTarget(t *testing.T) {
	g := newGuardrail(newMemStore(), 0)

	assert.True(t, g.CanAddTarget(monitor.User{PlanID: PlanFree}, 2).Allowed)

	d := g.CanAddTarget(monitor.User{PlanID: PlanFree}, 3)
	assert.False(t, d.Allowed)
	assert.True(t, d.UpgradePrompt)
	assert.Contains(t, d.Reason, "upgrade")

	d = g.CanAddTarget(monitor.User{PlanID: PlanPro}, 25)
	assert.False(t, d.Allowed)
	assert.False(t, d.UpgradePrompt)
	assert.Contains(t, d.Reason, "at most 25")

	d = g.CanAddTarget(monitor.User{PlanID: "legacy-gold"}, 3)
	assert.False(t, d.Allowed, "unknown plan resolves to free")
	assert.True(t, d.UpgradePrompt)
}

func TestPlansOverride(t *testing.T) {
	plans := NewPlans(map[string]monitor.Entitlements{
		PlanFree: {MaxTargets: 1, MaxContextsPerTarget: 1, DailyManualCheckCap: Unlimited, DailyCrawlCap: 2},
	})
	free := plans.Entitlements(PlanFree)
	assert.Equal(t, 1, free.MaxTargets)
	assert.Equal(t, PlanFree, free.PlanID)
	assert.Equal(t, 150, plans.Entitlements(PlanPro).DailyCrawlCap)
	assert.Equal(t, []string{PlanEnterprise, PlanFree, PlanPro, PlanStarter}, plans.IDs())

	g := New(plans, newMemStore(), 0)
	d, err := g.CanManualCheck(context.Background(), monitor.User{ID: "x", PlanID: PlanFree})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDefaultEntitlements(t *testing.T) {
	plans := DefaultPlans()
	free := plans.Entitlements(PlanFree)
	assert.False(t, free.CanGeoAware)
	assert.False(t, free.CanEnrich)
	assert.False(t, free.CanEvidenceCapture)

	starter := plans.Entitlements(PlanStarter)
	assert.True(t, starter.CanGeoAware)
	assert.True(t, starter.CanEnrich)
	assert.False(t, starter.CanEvidenceCapture)

	ent := plans.Entitlements(PlanEnterprise)
	assert.Equal(t, 100, ent.MaxTargets)
	assert.Equal(t, 5, ent.MaxContextsPerTarget)
	assert.True(t, plans.IsLowest(PlanFree))
	assert.False(t, plans.IsLowest(PlanStarter))
}

func TestDetectManualSpam(t *testing.T) {
	store := newMemStore()
	store.usage["u1"] = monitor.UsageCounters{ManualChecksToday: 3, LastReset: "2026-03-10"}
	g := newGuardrail(store, 0)

	res, err := g.DetectManualSpam(context.Background(), monitor.User{ID: "u1", PlanID: PlanStarter})
	require.NoError(t, err)
	require.True(t, res.Flagged)
	assert.Equal(t, monitor.ActionSoftBlock, res.Flag.Action)

	res, err = g.DetectManualSpam(context.Background(), monitor.User{ID: "u1", PlanID: PlanPro})
	require.NoError(t, err)
	assert.False(t, res.Flagged)
}

func TestDetectTargetHoarding(t *testing.T) {
	store := newMemStore()
	g := newGuardrail(store, 0)
	user := monitor.User{ID: "u1", PlanID: PlanPro}

	store.created = 10
	res, err := g.DetectTargetHoarding(context.Background(), user)
	require.NoError(t, err)
	assert.False(t, res.Flagged)

	store.created = 11
	res, err = g.DetectTargetHoarding(context.Background(), user)
	require.NoError(t, err)
	require.True(t, res.Flagged)
	assert.Equal(t, FlagTargetHoarding, res.Flag.Kind)
}

func TestDetectVolatileContext(t *testing.T) {
	tests := []struct {
		name   string
		hashes []string
		want   bool
	}{
		{"too few samples", []string{"a", "b", "c"}, false},
		{"stable", []string{"a", "a", "a", "a", "b"}, false},
		{"flapping", []string{"a", "b", "c", "a", "d"}, true},
		{"exactly at ratio", []string{"a", "b", "c", "a", "a"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			store.hashes = map[monitor.SignalType][]string{monitor.SignalPricing: tc.hashes}
			g := newGuardrail(store, 0)
			res, err := g.DetectVolatileContext(context.Background(), Pair{TargetID: "t", ContextID: "c"})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Flagged)
		})
	}
}

func TestCheckGlobalThrottle(t *testing.T) {
	assert.False(t, CheckGlobalThrottle(150, 100).Flagged)
	res := CheckGlobalThrottle(151, 100)
	require.True(t, res.Flagged)
	assert.Equal(t, monitor.ActionThrottle, res.Flag.Action)
	assert.False(t, CheckGlobalThrottle(1000, 0).Flagged)
}

func TestRunAllChecksReturnsOnlyFlagged(t *testing.T) {
	store := newMemStore()
	store.created = 12
	store.total = 10
	g := newGuardrail(store, 100)
	user := monitor.User{ID: "u1", PlanID: PlanPro}

	res, err := g.RunAllChecks(context.Background(), user, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, FlagTargetHoarding, res[0].Flag.Kind)

	store.created = 0
	res, err = g.RunAllChecks(context.Background(), user, &Pair{TargetID: "t", ContextID: "c"})
	require.NoError(t, err)
	assert.Empty(t, res)

	store.total = 500
	store.hashes = map[monitor.SignalType][]string{monitor.SignalBranding: {"1", "2", "3", "4"}}
	res, err = g.RunAllChecks(context.Background(), user, &Pair{TargetID: "t", ContextID: "c"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, FlagGlobalThrottle, res[0].Flag.Kind)
	assert.Equal(t, FlagVolatileContext, res[1].Flag.Kind)
}

func TestUsageErrorPropagates(t *testing.T) {
	store := newMemStore()
	store.usageErr = errors.New("db down")
	g := newGuardrail(store, 0)
	_, err := g.CanScheduledCrawl(context.Background(), monitor.User{ID: "u1"})
	assert.ErrorIs(t, err, store.usageErr)
}

func TestDeniedError(t *testing.T) {
	var err error = &DeniedError{Decision: Decision{Reason: "daily manual check limit"}}
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "daily manual check limit", err.Error())
}
