package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalwatch/rivalwatch/pkg/alert"
	"github.com/rivalwatch/rivalwatch/pkg/extract"
	"github.com/rivalwatch/rivalwatch/pkg/monitor"
	"github.com/rivalwatch/rivalwatch/pkg/quota"
	"github.com/rivalwatch/rivalwatch/pkg/storage"
)

func f(v float64) *float64 { return &v }

type fakeStore struct {
	mu        sync.Mutex
	priors    map[monitor.SignalType]monitor.Snapshot
	loadErr   error
	saveErrs  []error // returned by successive SaveCheck calls
	snapshots []monitor.Snapshot
	diffs     []monitor.StoredDiff
	alerts    []monitor.Alert
	checked   []monitor.Method
}

func newFakeStore() *fakeStore {
	return &fakeStore{priors: map[monitor.SignalType]monitor.Snapshot{}}
}

func (s *fakeStore) LatestSnapshot(_ context.Context, _, _ string, sig monitor.SignalType) (monitor.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return monitor.Snapshot{}, s.loadErr
	}
	p, ok := s.priors[sig]
	if !ok {
		return monitor.Snapshot{}, storage.ErrNotFound
	}
	return p, nil
}

// SaveCheck stores the record as a unit. Saved snapshots become the priors
// of the next run, like the latest row of the real store.
func (s *fakeStore) SaveCheck(_ context.Context, rec monitor.CheckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saveErrs) > 0 {
		err := s.saveErrs[0]
		s.saveErrs = s.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	s.snapshots = append(s.snapshots, rec.Snapshots...)
	s.diffs = append(s.diffs, rec.Diffs...)
	s.alerts = append(s.alerts, rec.Alerts...)
	s.checked = append(s.checked, rec.Hint)
	for _, snap := range rec.Snapshots {
		s.priors[snap.Signal] = snap
	}
	return nil
}

func (s *fakeStore) prior(t *testing.T, sig monitor.SignalType, payload any) {
	t.Helper()
	raw, hash, err := extract.Encode(payload)
	require.NoError(t, err)
	s.priors[sig] = monitor.Snapshot{ID: "prior-" + string(sig), Signal: sig, Method: monitor.MethodLightweight, ContentHash: hash, Payload: raw}
}

type fakeExtractor struct {
	outcomes map[monitor.Method]extract.Outcome
	hasRich  bool
	calls    []extract.Request
	panics   bool
}

func (e *fakeExtractor) Extract(_ context.Context, req extract.Request) extract.Outcome {
	if e.panics {
		panic("renderer crashed")
	}
	e.calls = append(e.calls, req)
	out := e.outcomes[req.Method]
	out.Method = req.Method
	return out
}

func (e *fakeExtractor) HasRich() bool { return e.hasRich }

type fakeGuard struct {
	ent      monitor.Entitlements
	volatile bool
}

func (g fakeGuard) Entitlements(string) monitor.Entitlements { return g.ent }

func (g fakeGuard) DetectVolatileContext(context.Context, quota.Pair) (quota.FlagResult, error) {
	if !g.volatile {
		return quota.FlagResult{}, nil
	}
	return quota.FlagResult{Flagged: true, Flag: &monitor.AbuseFlag{Kind: quota.FlagVolatileContext, Action: monitor.ActionThrottle, Reason: "flapping"}}, nil
}

type fakeUploader struct {
	path  string
	err   error
	calls int
}

func (u *fakeUploader) Upload(context.Context, string, string, []byte) (string, error) {
	u.calls++
	return u.path, u.err
}

func success(content monitor.Content) extract.Outcome {
	return extract.Outcome{Success: true, Content: content, Body: "<html>$49</html>"}
}

func pricing(price float64) *monitor.PricingData {
	return &monitor.PricingData{Currency: "USD", Plans: []monitor.PricingPlan{{Name: "Pro", Price: f(price), Period: "month"}}}
}

var item = monitor.WorkItem{
	TargetID:   "t1",
	TargetURL:  "https://acme.io/pricing",
	TargetName: "Acme",
	UserID:     "u1",
	PlanID:     quota.PlanPro,
	Context:    monitor.MonitoringContext{ID: "c1", Key: "us", IsDefault: true},
}

func newTask(store *fakeStore, ex *fakeExtractor, guard fakeGuard, up Uploader) *Task {
	tk := New(Config{
		Store:     store,
		Extractor: ex,
		Evidence:  up,
		Alerts:    alert.NewEngine(nil, nil),
		Guard:     guard,
	})
	var n int
	tk.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return tk
}

func TestFirstRunIsBaseline(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExtractor{outcomes: map[monitor.Method]extract.Outcome{
		monitor.MethodLightweight: success(monitor.Content{Pricing: pricing(49), Tech: &monitor.TechData{}}),
	}}
	res := newTask(store, ex, fakeGuard{}, nil).Run(context.Background(), item)

	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, monitor.MethodLightweight, res.Method)
	assert.Len(t, res.SnapshotIDs, 2)
	assert.False(t, res.HasChanges)
	assert.Zero(t, res.AlertsCreated)
	assert.Empty(t, store.diffs)
	assert.Equal(t, []monitor.Method{""}, store.checked)
}

func TestPriceDropCreatesDiffAndAlert(t *testing.T) {
	store := newFakeStore()
	store.prior(t, monitor.SignalPricing, pricing(49))
	ex := &fakeExtractor{outcomes: map[monitor.Method]extract.Outcome{
		monitor.MethodLightweight: success(monitor.Content{Pricing: pricing(19)}),
	}}
	res := newTask(store, ex, fakeGuard{}, nil).Run(context.Background(), item)

	require.True(t, res.Success)
	assert.True(t, res.HasChanges)
	require.Len(t, store.diffs, 1)
	assert.Equal(t, "prior-pricing", store.diffs[0].FromSnapshotID)
	assert.Equal(t, res.SnapshotIDs[monitor.SignalPricing], store.diffs[0].ToSnapshotID)
	require.Len(t, store.alerts, 1)
	assert.Equal(t, 1, res.AlertsCreated)
	a := store.alerts[0]
	assert.Equal(t, monitor.SeverityHigh, a.Severity)
	assert.Equal(t, "u1", a.UserID)
	assert.Equal(t, monitor.ExplanationCanned, a.Metadata.ExplanationSource)
	assert.False(t, a.Metadata.LowTrust)
}

func TestUnchangedContentProducesNoDiff(t *testing.T) {
	store := newFakeStore()
	store.prior(t, monitor.SignalPricing, pricing(49))
	ex := &fakeExtractor{outcomes: map[monitor.Method]extract.Outcome{
		monitor.MethodLightweight: success(monitor.Content{Pricing: pricing(49)}),
	}}
	res := newTask(store, ex, fakeGuard{}, nil).Run(context.Background(), item)

	require.True(t, res.Success)
	assert.False(t, res.HasChanges)
	assert.Empty(t, store.diffs)
	assert.Empty(t, store.alerts)
}

func TestEscalationOnBlockedLightweight(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExtractor{
		hasRich: true,
		outcomes: map[monitor.Method]extract.Outcome{
			monitor.MethodLightweight: {Code: extract.CodeBlocked, Err: "HTTP 403"},
			monitor.MethodRichRender:  success(monitor.Content{Pricing: pricing(49)}),
		},
	}
	res := newTask(store, ex, fakeGuard{}, nil).Run(context.Background(), item)

	require.True(t, res.Success)
	assert.True(t, res.Escalated)
	assert.Equal(t, monitor.MethodRichRender, res.Method)
	require.Len(t, ex.calls, 2)
	assert.Equal(t, monitor.MethodRichRender, store.snapshots[0].Method)
	assert.Equal(t, []monitor.Method{monitor.MethodRichRender}, store.checked)
}

func TestEscalationOnSoftBlockBody(t *testing.T) {
	store := newFakeStore()
	blocked := success(monitor.Content{Tech: &monitor.TechData{}})
	blocked.Body = "<title>Just a moment...</title>"
	ex := &fakeExtractor{
		hasRich: true,
		outcomes: map[monitor.Method]extract.Outcome{
			monitor.MethodLightweight: blocked,
			monitor.MethodRichRender:  success(monitor.Content{Pricing: pricing(49)}),
		},
	}
	res := newTask(store, ex, fakeGuard{}, nil).Run(context.Background(), item)
	require.True(t, res.Success)
	assert.True(t, res.Escalated)
}

func TestRichContextSkipsLightweight(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExtractor{
		hasRich: true,
		outcomes: map[monitor.Method]extract.Outcome{
			monitor.MethodRichRender: success(monitor.Content{Pricing: pricing(49)}),
		},
	}
	rich := item
	rich.Context.RequiresRichRendering = true
	res := newTask(store, ex, fakeGuard{}, nil).Run(context.Background(), rich)

	require.True(t, res.Success)
	assert.False(t, res.Escalated, "a context that always renders is not an escalation")
	require.Len(t, ex.calls, 1)
	assert.Equal(t, monitor.MethodRichRender, ex.calls[0].Method)
	assert.Equal(t, []monitor.Method{""}, store.checked)
}

func TestExtractionFailureLeavesNoTrace(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExtractor{outcomes: map[monitor.Method]extract.Outcome{
		monitor.MethodLightweight: {Code: extract.CodeBlocked, Err: "HTTP 429"},
	}}
	res := newTask(store, ex, fakeGuard{}, nil).Run(context.Background(), item)

	assert.False(t, res.Success)
	assert.Equal(t, StateFailed, res.State)
	require.NotNil(t, res.Error)
	assert.Equal(t, extract.CodeBlocked, res.Error.Code)
	assert.Contains(t, res.Error.Message, "HTTP 429")
	assert.Empty(t, store.snapshots)
	assert.Empty(t, store.checked, "failures are bookkept by the caller")
}

func TestEvidenceGatedAndNonFatal(t *testing.T) {
	withEvidence := success(monitor.Content{Pricing: pricing(49)})
	withEvidence.Evidence = []byte("\x89PNG")

	tests := []struct {
		name      string
		entitled  bool
		uploader  *fakeUploader
		wantCalls int
		wantPath  string
		wantWarn  bool
	}{
		{"entitled", true, &fakeUploader{path: "evidence/x.png"}, 1, "evidence/x.png", false},
		{"not entitled", false, &fakeUploader{path: "evidence/x.png"}, 0, "", false},
		{"upload fails", true, &fakeUploader{err: errors.New("bucket gone")}, 1, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			ex := &fakeExtractor{outcomes: map[monitor.Method]extract.Outcome{monitor.MethodLightweight: withEvidence}}
			guard := fakeGuard{ent: monitor.Entitlements{CanEvidenceCapture: tc.entitled}}
			res := newTask(store, ex, guard, tc.uploader).Run(context.Background(), item)

			require.True(t, res.Success)
			assert.Equal(t, tc.entitled, ex.calls[0].WantEvidence)
			assert.Equal(t, tc.wantCalls, tc.uploader.calls)
			assert.Equal(t, tc.wantPath, res.EvidencePath)
			assert.Equal(t, tc.wantPath, store.snapshots[0].EvidencePath)
			assert.Equal(t, tc.wantWarn, len(res.Warnings) > 0)
		})
	}
}

func TestVolatileContextSuppressesLowSeverity(t *testing.T) {
	store := newFakeStore()
	store.prior(t, monitor.SignalPricing, pricing(49))
	store.prior(t, monitor.SignalTechStack, &monitor.TechData{Technologies: []monitor.Technology{}})
	ex := &fakeExtractor{outcomes: map[monitor.Method]extract.Outcome{
		monitor.MethodLightweight: success(monitor.Content{
			Pricing: pricing(19),
			Tech:    &monitor.TechData{Technologies: []monitor.Technology{{Name: "WordPress", Category: "cms"}}},
		}),
	}}
	res := newTask(store, ex, fakeGuard{volatile: true}, nil).Run(context.Background(), item)

	require.True(t, res.Success)
	assert.Len(t, res.Diffs, 2)
	assert.Equal(t, 1, res.Suppressed)
	require.Len(t, store.alerts, 1)
	assert.Equal(t, monitor.SignalPricing, store.alerts[0].Signal)
	assert.True(t, store.alerts[0].Metadata.LowTrust)
}

func TestFailedSaveLeavesNoTraceAndRetryAlerts(t *testing.T) {
	store := newFakeStore()
	store.prior(t, monitor.SignalPricing, pricing(49))
	store.saveErrs = []error{errors.New("database is locked")}
	ex := &fakeExtractor{outcomes: map[monitor.Method]extract.Outcome{
		monitor.MethodLightweight: success(monitor.Content{Pricing: pricing(19)}),
	}}
	r := NewRunner(newTask(store, ex, fakeGuard{}, nil), RunnerConfig{Backoff: -1}, nil)

	res := r.Run(context.Background(), item)

	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, res.HasChanges, "the retry diffs against the original prior")
	assert.Equal(t, 1, res.AlertsCreated)
	assert.Len(t, store.snapshots, 1)
	require.Len(t, store.diffs, 1)
	assert.Equal(t, "prior-pricing", store.diffs[0].FromSnapshotID)
	assert.Len(t, store.alerts, 1)
	assert.Len(t, store.checked, 1)
}

func TestStoreErrorFails(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("disk I/O error")
	ex := &fakeExtractor{}
	res := newTask(store, ex, fakeGuard{}, nil).Run(context.Background(), item)

	assert.False(t, res.Success)
	assert.Equal(t, extract.CodeUnknown, res.Error.Code)
	assert.Empty(t, ex.calls)
}

func TestPanicIsContained(t *testing.T) {
	store := newFakeStore()
	res := newTask(store, &fakeExtractor{panics: true}, fakeGuard{}, nil).Run(context.Background(), item)

	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, extract.CodeUnknown, res.Error.Code)
	assert.Contains(t, res.Error.Message, "renderer crashed")
}

func TestInvalidItem(t *testing.T) {
	res := newTask(newFakeStore(), &fakeExtractor{}, fakeGuard{}, nil).Run(context.Background(), monitor.WorkItem{TargetID: "t1"})
	assert.False(t, res.Success)
	assert.Equal(t, extract.CodeUnknown, res.Error.Code)
}
