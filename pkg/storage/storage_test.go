package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
	"github.com/rivalwatch/rivalwatch/pkg/quota"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *DB, plan string) (monitor.User, monitor.Target, monitor.MonitoringContext) {
	t.Helper()
	ctx := context.Background()
	u, err := db.CreateUser(ctx, "Owner@Example.com", plan)
	require.NoError(t, err)
	tg, err := db.CreateTarget(ctx, monitor.Target{UserID: u.ID, Name: "Acme", URL: "https://acme.io/pricing", Domain: "acme.io"})
	require.NoError(t, err)
	mc, err := db.CreateContext(ctx, monitor.MonitoringContext{Key: "US", Name: "United States", IsDefault: true})
	require.NoError(t, err)
	return u, tg, mc
}

func TestUsersAndTargets(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u, tg, _ := seed(t, db, quota.PlanPro)

	got, err := db.GetUser(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, quota.PlanPro, got.PlanID)

	_, err = db.GetUser(ctx, "nobody")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = db.CreateTarget(ctx, monitor.Target{UserID: u.ID, Name: "Dup", URL: tg.URL, Domain: "acme.io"})
	assert.Error(t, err)

	n, err := db.CountActiveTargets(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.SetTargetStatus(ctx, tg.ID, monitor.StatusPaused))
	n, err = db.CountActiveTargets(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	active, err := db.ListActiveTargetsWithPlan(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, db.SetTargetStatus(ctx, tg.ID, monitor.StatusActive))
	active, err = db.ListActiveTargetsWithPlan(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, quota.PlanPro, active[0].PlanID)
	assert.Equal(t, "acme.io", active[0].Domain)

	since, err := db.CountTargetsCreatedSince(ctx, u.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, since)
	since, err = db.CountTargetsCreatedSince(ctx, u.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, since)

	assert.True(t, errors.Is(db.SetTargetStatus(ctx, "missing", monitor.StatusPaused), ErrNotFound))
}

func TestTargetFailureBookkeeping(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, tg, _ := seed(t, db, quota.PlanFree)

	for i := 1; i < 5; i++ {
		n, status, err := db.RecordTargetFailure(ctx, tg.ID, 5)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Equal(t, monitor.StatusActive, status)
	}
	n, status, err := db.RecordTargetFailure(ctx, tg.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, monitor.StatusError, status)

	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.MarkTargetChecked(ctx, tg.ID, at, monitor.MethodRichRender))
	got, err := db.GetTarget(ctx, tg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.Equal(t, monitor.StatusActive, got.Status)
	assert.Equal(t, monitor.MethodRichRender, got.ScraperHint)
	require.NotNil(t, got.LastCheckedAt)
	assert.True(t, at.Equal(*got.LastCheckedAt))

	// An empty hint keeps the stored one.
	require.NoError(t, db.MarkTargetChecked(ctx, tg.ID, at.Add(time.Hour), ""))
	got, err = db.GetTarget(ctx, tg.ID)
	require.NoError(t, err)
	assert.Equal(t, monitor.MethodRichRender, got.ScraperHint)
}

func TestContextsDefaultFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.CreateContext(ctx, monitor.MonitoringContext{Key: "us", IsDefault: true})
	require.NoError(t, err)
	_, err = db.CreateContext(ctx, monitor.MonitoringContext{Key: "de", Position: 2, RequiresRichRendering: true})
	require.NoError(t, err)
	_, err = db.CreateContext(ctx, monitor.MonitoringContext{Key: "gb", Position: 1, IsDefault: true})
	require.NoError(t, err)

	list, err := db.ListContexts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "gb", list[0].Key)
	assert.True(t, list[0].IsDefault)
	assert.Equal(t, "us", list[1].Key)
	assert.False(t, list[1].IsDefault)
	assert.Equal(t, "de", list[2].Key)

	de, err := db.GetContextByKey(ctx, "DE")
	require.NoError(t, err)
	assert.True(t, de.RequiresRichRendering)

	_, err = db.CreateContext(ctx, monitor.MonitoringContext{Key: "de"})
	assert.Error(t, err)
	_, err = db.GetContextByKey(ctx, "fr")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSnapshotsAndDiffs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, tg, mc := seed(t, db, quota.PlanPro)

	_, err := db.LatestSnapshot(ctx, tg.ID, mc.ID, monitor.SignalPricing)
	assert.True(t, errors.Is(err, ErrNotFound))

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var last monitor.Snapshot
	for i, hash := range []string{"a", "b", "b"} {
		last, err = db.InsertSnapshot(ctx, monitor.Snapshot{
			TargetID:    tg.ID,
			ContextID:   mc.ID,
			Signal:      monitor.SignalPricing,
			Method:      monitor.MethodLightweight,
			ContentHash: hash,
			Payload:     json.RawMessage(`{"currency":"USD"}`),
			CapturedAt:  base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	_, err = db.InsertSnapshot(ctx, monitor.Snapshot{TargetID: tg.ID, ContextID: mc.ID, Signal: monitor.SignalTechStack,
		Method: monitor.MethodLightweight, ContentHash: "t", CapturedAt: base})
	require.NoError(t, err)

	latest, err := db.LatestSnapshot(ctx, tg.ID, mc.ID, monitor.SignalPricing)
	require.NoError(t, err)
	assert.Equal(t, last.ID, latest.ID)
	assert.JSONEq(t, `{"currency":"USD"}`, string(latest.Payload))

	hashes, err := db.SnapshotHashesSince(ctx, tg.ID, mc.ID, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "b"}, hashes[monitor.SignalPricing])
	assert.Equal(t, []string{"t"}, hashes[monitor.SignalTechStack])

	_, ok, err := db.LastDiffAt(ctx, tg.ID, mc.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = db.InsertDiff(ctx, monitor.StoredDiff{TargetID: tg.ID, ContextID: mc.ID, ToSnapshotID: last.ID,
		Result: monitor.DiffResult{Signal: monitor.SignalPricing}})
	assert.Error(t, err, "empty diffs are not stored")

	when := base.Add(48 * time.Hour)
	_, err = db.InsertDiff(ctx, monitor.StoredDiff{
		TargetID:     tg.ID,
		ContextID:    mc.ID,
		ToSnapshotID: last.ID,
		CreatedAt:    when,
		Result: monitor.DiffResult{
			Signal:   monitor.SignalPricing,
			Severity: monitor.SeverityHigh,
			Summary:  "1 change",
			Changes:  []monitor.ChangeRecord{{Signal: monitor.SignalPricing, Field: "plans.Pro.price", Kind: "price_decrease", Severity: monitor.SeverityHigh}},
		},
	})
	require.NoError(t, err)

	at, ok, err := db.LastDiffAt(ctx, tg.ID, mc.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, when.Equal(at))

	diffs, err := db.ListDiffs(ctx, tg.ID, 10)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "plans.Pro.price", diffs[0].Result.Changes[0].Field)
	assert.Empty(t, diffs[0].FromSnapshotID)
}

func TestCreateTargetWithinLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u, tg, _ := seed(t, db, quota.PlanFree)

	_, err := db.CreateTargetWithinLimit(ctx, monitor.Target{UserID: u.ID, Name: "B", URL: "https://b.io", Domain: "b.io"}, 1)
	assert.True(t, errors.Is(err, ErrTargetLimit))

	// Paused targets do not count toward the cap.
	require.NoError(t, db.SetTargetStatus(ctx, tg.ID, monitor.StatusPaused))
	got, err := db.CreateTargetWithinLimit(ctx, monitor.Target{UserID: u.ID, Name: "B", URL: "https://b.io", Domain: "b.io"}, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)

	_, err = db.CreateTargetWithinLimit(ctx, monitor.Target{UserID: u.ID, Name: "C", URL: "https://c.io", Domain: "c.io"}, -1)
	require.NoError(t, err)

	n, err := db.CountActiveTargets(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSaveCheckIsAtomic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u, tg, mc := seed(t, db, quota.PlanPro)

	at := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	snap := monitor.Snapshot{ID: "s1", TargetID: tg.ID, ContextID: mc.ID, Signal: monitor.SignalPricing,
		Method: monitor.MethodRichRender, ContentHash: "h", Payload: json.RawMessage(`{}`), CapturedAt: at}
	change := monitor.ChangeRecord{Signal: monitor.SignalPricing, Field: "plans.Pro.price", Kind: "price_decrease", Severity: monitor.SeverityHigh}
	sd := monitor.StoredDiff{TargetID: tg.ID, ContextID: mc.ID, ToSnapshotID: "s1", CreatedAt: at,
		Result: monitor.DiffResult{Signal: monitor.SignalPricing, Severity: monitor.SeverityHigh, Changes: []monitor.ChangeRecord{change}}}
	a := monitor.Alert{ID: "a1", UserID: u.ID, TargetID: tg.ID, ContextID: mc.ID, Signal: monitor.SignalPricing,
		Severity: monitor.SeverityHigh, Title: "t", Description: "d", CreatedAt: at}

	// A duplicate alert id fails the last insert; nothing before it may stick.
	err := db.SaveCheck(ctx, monitor.CheckRecord{
		TargetID: tg.ID, CheckedAt: at, Hint: monitor.MethodRichRender,
		Snapshots: []monitor.Snapshot{snap}, Diffs: []monitor.StoredDiff{sd}, Alerts: []monitor.Alert{a, a},
	})
	require.Error(t, err)

	_, err = db.LatestSnapshot(ctx, tg.ID, mc.ID, monitor.SignalPricing)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, changed, err := db.LastDiffAt(ctx, tg.ID, mc.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	alerts, err := db.ListAlerts(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts)
	got, err := db.GetTarget(ctx, tg.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastCheckedAt)
	assert.Empty(t, got.ScraperHint)

	require.NoError(t, db.SaveCheck(ctx, monitor.CheckRecord{
		TargetID: tg.ID, CheckedAt: at, Hint: monitor.MethodRichRender,
		Snapshots: []monitor.Snapshot{snap}, Diffs: []monitor.StoredDiff{sd}, Alerts: []monitor.Alert{a},
	}))
	latest, err := db.LatestSnapshot(ctx, tg.ID, mc.ID, monitor.SignalPricing)
	require.NoError(t, err)
	assert.Equal(t, "s1", latest.ID)
	_, changed, err = db.LastDiffAt(ctx, tg.ID, mc.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	alerts, err = db.ListAlerts(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	got, err = db.GetTarget(ctx, tg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastCheckedAt)
	assert.Equal(t, monitor.MethodRichRender, got.ScraperHint)
}

func TestAlerts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u, tg, mc := seed(t, db, quota.PlanPro)

	for i, title := range []string{"older", "newer"} {
		require.NoError(t, db.InsertAlert(ctx, monitor.Alert{
			ID:          title,
			UserID:      u.ID,
			TargetID:    tg.ID,
			ContextID:   mc.ID,
			Signal:      monitor.SignalPricing,
			Severity:    monitor.SeverityHigh,
			Title:       title,
			Description: "d",
			Metadata:    monitor.AlertMetadata{Field: "plans.Pro.price", ExplanationSource: monitor.ExplanationCanned, LowTrust: i == 1},
			CreatedAt:   time.Date(2026, 3, 10, i, 0, 0, 0, time.UTC),
		}))
	}

	list, err := db.ListAlerts(ctx, AlertFilter{UserID: u.ID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].Title)
	assert.True(t, list[0].Metadata.LowTrust)

	require.NoError(t, db.MarkAlertRead(ctx, "newer"))
	unread, err := db.ListAlerts(ctx, AlertFilter{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "older", unread[0].Title)

	assert.True(t, errors.Is(db.MarkAlertRead(ctx, "missing"), ErrNotFound))

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, ContextStats{ContextKey: "us", Alerts: 2}, stats[0])
}

func TestConsumeUsageLazyReset(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u, _, _ := seed(t, db, quota.PlanFree)

	usage, err := db.Usage(ctx, u.ID, "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, monitor.UsageCounters{UserID: u.ID, LastReset: "2026-03-10"}, usage)

	usage, ok, err := db.ConsumeUsage(ctx, u.ID, quota.CounterManualChecks, 1, "2026-03-10")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, usage.ManualChecksToday)

	usage, ok, err = db.ConsumeUsage(ctx, u.ID, quota.CounterManualChecks, 1, "2026-03-10")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, usage.ManualChecksToday)

	_, ok, err = db.ConsumeUsage(ctx, u.ID, quota.CounterCrawls, 5, "2026-03-10")
	require.NoError(t, err)
	assert.True(t, ok)

	// A new day resets both counters before incrementing.
	usage, ok, err = db.ConsumeUsage(ctx, u.ID, quota.CounterManualChecks, 1, "2026-03-11")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, monitor.UsageCounters{UserID: u.ID, ManualChecksToday: 1, LastReset: "2026-03-11"}, usage)

	// Reads of a stale day see zero.
	stale, err := db.Usage(ctx, u.ID, "2026-03-12")
	require.NoError(t, err)
	assert.Equal(t, 0, stale.ManualChecksToday)

	_, ok, err = db.ConsumeUsage(ctx, u.ID, quota.CounterCrawls, quota.Unlimited, "2026-03-11")
	require.NoError(t, err)
	assert.True(t, ok)

	total, err := db.TotalCrawls(ctx, "2026-03-11")
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, _, err = db.ConsumeUsage(ctx, u.ID, quota.Counter("bogus; DROP TABLE users"), 1, "2026-03-11")
	assert.Error(t, err)
}

func TestConsumeUsageConcurrent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u, _, _ := seed(t, db, quota.PlanStarter)

	const workers, limit = 25, 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := db.ConsumeUsage(ctx, u.ID, quota.CounterCrawls, limit, "2026-03-10")
			if assert.NoError(t, err) && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, granted)
	usage, err := db.Usage(ctx, u.ID, "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, limit, usage.CrawlsToday)
}

func TestStoreSatisfiesGuardrail(t *testing.T) {
	var _ quota.Store = (*DB)(nil)
}
