// Package task checks one target under one monitoring context.
//
// A Task walks a fixed sequence of states:
//
//	Init → LoadPriorSnapshot → SelectStrategy → Extract → [CaptureEvidence] →
//	PersistSnapshot → Diff → [Decide → Enrich → PersistAlert]* →
//	UpdateTargetBookkeeping → Done
//
// Extraction failures and unexpected errors end in Failed. The task never
// retries and never panics across Run; retry, backoff and timeouts belong to
// the Runner.
//
// Snapshots, diffs and alerts are staged in memory and written together with
// the target bookkeeping in one transaction, so a failed run leaves no rows
// behind and a retry starts from the same prior snapshots.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rivalwatch/rivalwatch/pkg/alert"
	"github.com/rivalwatch/rivalwatch/pkg/diff"
	"github.com/rivalwatch/rivalwatch/pkg/extract"
	"github.com/rivalwatch/rivalwatch/pkg/monitor"
	"github.com/rivalwatch/rivalwatch/pkg/quota"
	"github.com/rivalwatch/rivalwatch/pkg/storage"
	"github.com/rivalwatch/rivalwatch/pkg/strategy"
)

// State is a step of the task state machine.
type State string

const (
	StateInit            State = "init"
	StateLoadPrior       State = "load_prior_snapshot"
	StateSelectStrategy  State = "select_strategy"
	StateExtract         State = "extract"
	StateCaptureEvidence State = "capture_evidence"
	StatePersistSnapshot State = "persist_snapshot"
	StateDiff            State = "diff"
	StateAlert           State = "alert"
	StateBookkeeping     State = "update_target_bookkeeping"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Logger abstracts logging so callers can use logrus or anything else with
// the same method set.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Store is the persistence the task reads and writes.
type Store interface {
	LatestSnapshot(ctx context.Context, targetID, contextID string, signal monitor.SignalType) (monitor.Snapshot, error)
	SaveCheck(ctx context.Context, rec monitor.CheckRecord) error
}

// Extractor fetches and parses a page.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) extract.Outcome
	HasRich() bool
}

// Uploader stores evidence blobs.
type Uploader interface {
	Upload(ctx context.Context, targetID, contextKey string, blob []byte) (string, error)
}

// AlertBuilder builds an alert for a decided change.
type AlertBuilder interface {
	Build(ctx context.Context, d monitor.AlertDecision, in alert.BuildInput) monitor.Alert
}

// Guard supplies plan entitlements and the volatility heuristic.
type Guard interface {
	Entitlements(planID string) monitor.Entitlements
	DetectVolatileContext(ctx context.Context, pair quota.Pair) (quota.FlagResult, error)
}

// Error is a typed task failure.
type Error struct {
	Code    extract.Code `json:"code"`
	Message string       `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Result is the structured outcome of one task run.
type Result struct {
	Success       bool
	State         State
	Method        monitor.Method
	Escalated     bool
	SnapshotIDs   map[monitor.SignalType]string
	HasChanges    bool
	Diffs         []monitor.DiffResult
	AlertsCreated int
	Suppressed    int
	EvidencePath  string
	Warnings      []string
	Attempts      int
	Error         *Error
}

// Failure builds a failed result.
func Failure(code extract.Code, format string, args ...interface{}) Result {
	return Result{State: StateFailed, Error: &Error{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Config wires a Task. Store, Extractor, Alerts and Guard are required.
type Config struct {
	Store     Store
	Extractor Extractor
	Evidence  Uploader // optional
	Alerts    AlertBuilder
	Guard     Guard
	Diffs     diff.Registry // defaults to diff.Default()
	Log       Logger        // optional; nil = no logging
}

// Task runs the per-item state machine.
type Task struct {
	cfg   Config
	log   Logger
	now   func() time.Time
	newID func() string
}

func New(cfg Config) *Task {
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}
	if cfg.Diffs == nil {
		cfg.Diffs = diff.Default()
	}
	return &Task{cfg: cfg, log: log, now: time.Now, newID: uuid.NewString}
}

// run carries the mutable state of one invocation.
type run struct {
	item   monitor.WorkItem
	ent    monitor.Entitlements
	priors map[monitor.SignalType]*monitor.Snapshot
	snaps  map[monitor.SignalType]monitor.Snapshot
	out    extract.Outcome
	rec    monitor.CheckRecord
	res    Result
}

// Run executes the state machine for one work item.
func (t *Task) Run(ctx context.Context, item monitor.WorkItem) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			t.log.Errorf("[task] %s/%s panicked: %v", item.TargetID, item.Context.Key, p)
			res = Failure(extract.CodeUnknown, "panic: %v", p)
		}
	}()

	r := &run{
		item: item,
		res:  Result{State: StateInit, SnapshotIDs: map[monitor.SignalType]string{}},
	}
	if err := t.init(r); err != nil {
		return t.fail(r, extract.CodeUnknown, err)
	}

	steps := []struct {
		state State
		fn    func(context.Context, *run) error
	}{
		{StateLoadPrior, t.loadPrior},
		{StateSelectStrategy, t.selectStrategy},
		{StateExtract, t.extract},
		{StateCaptureEvidence, t.captureEvidence},
		{StatePersistSnapshot, t.stageSnapshots},
		{StateDiff, t.diff},
		{StateAlert, t.alert},
		{StateBookkeeping, t.bookkeeping},
	}
	for _, step := range steps {
		r.res.State = step.state
		t.log.Debugf("[task] %s/%s: %s", item.TargetID, item.Context.Key, step.state)
		if err := step.fn(ctx, r); err != nil {
			var te *Error
			if errors.As(err, &te) {
				return t.fail(r, te.Code, errors.New(te.Message))
			}
			return t.fail(r, extract.Classify(err), err)
		}
	}

	r.res.State = StateDone
	r.res.Success = true
	return r.res
}

func (t *Task) fail(r *run, code extract.Code, err error) Result {
	t.log.Warnf("[task] %s/%s failed in %s: %s: %v", r.item.TargetID, r.item.Context.Key, r.res.State, code, err)
	r.res.Success = false
	r.res.Error = &Error{Code: code, Message: fmt.Sprintf("%s: %v", r.res.State, err)}
	r.res.State = StateFailed
	return r.res
}

func (t *Task) init(r *run) error {
	switch {
	case t.cfg.Store == nil || t.cfg.Extractor == nil || t.cfg.Alerts == nil || t.cfg.Guard == nil:
		return errors.New("task is not fully configured")
	case r.item.TargetID == "" || r.item.TargetURL == "":
		return errors.New("work item has no target")
	case r.item.Context.ID == "":
		return errors.New("work item has no monitoring context")
	}
	r.ent = t.cfg.Guard.Entitlements(r.item.PlanID)
	return nil
}

func (t *Task) loadPrior(ctx context.Context, r *run) error {
	r.priors = make(map[monitor.SignalType]*monitor.Snapshot, len(monitor.AllSignals))
	for _, sig := range monitor.AllSignals {
		s, err := t.cfg.Store.LatestSnapshot(ctx, r.item.TargetID, r.item.Context.ID, sig)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load prior %s snapshot: %w", sig, err)
		}
		r.priors[sig] = &s
	}
	return nil
}

// strategyPrior is the prior capture the strategy selector looks at.
func (r *run) strategyPrior() *monitor.Snapshot {
	for _, sig := range monitor.AllSignals {
		if p := r.priors[sig]; p != nil {
			return p
		}
	}
	return nil
}

func (t *Task) selectStrategy(_ context.Context, r *run) error {
	r.res.Method = strategy.Select(r.item.Context, r.strategyPrior(), r.item.ScraperHint)
	return nil
}

func (t *Task) extract(ctx context.Context, r *run) error {
	req := extract.Request{
		URL:          r.item.TargetURL,
		Context:      r.item.Context,
		Method:       r.res.Method,
		WantEvidence: r.ent.CanEvidenceCapture,
	}
	out := t.cfg.Extractor.Extract(ctx, req)

	if req.Method == monitor.MethodLightweight {
		escalate, reason := false, ""
		switch {
		case !out.Success && (out.Code == extract.CodeBlocked || out.Code == extract.CodeEmpty):
			escalate, reason = true, fmt.Sprintf("lightweight fetch failed with %s", out.Code)
		case out.Success:
			escalate, reason = strategy.NeedsEscalation(r.item.Context, out.Body, out.Content)
		}
		if escalate && t.cfg.Extractor.HasRich() {
			t.log.Infof("[task] %s/%s: escalating to rich render: %s", r.item.TargetID, r.item.Context.Key, reason)
			req.Method = monitor.MethodRichRender
			out = t.cfg.Extractor.Extract(ctx, req)
			r.res.Escalated = true
		} else if escalate && out.Success {
			r.res.Warnings = append(r.res.Warnings, "escalation wanted but no rich renderer: "+reason)
		}
	}

	r.res.Method = req.Method
	r.res.Warnings = append(r.res.Warnings, out.Warnings...)
	if !out.Success {
		return &Error{Code: out.Code, Message: out.Err}
	}
	r.out = out
	return nil
}

func (t *Task) captureEvidence(ctx context.Context, r *run) error {
	if !r.ent.CanEvidenceCapture {
		return nil
	}
	if r.out.EvidenceErr != nil {
		t.log.Warnf("[task] %s/%s: evidence capture failed: %v", r.item.TargetID, r.item.Context.Key, r.out.EvidenceErr)
		r.res.Warnings = append(r.res.Warnings, "evidence capture failed")
		return nil
	}
	if len(r.out.Evidence) == 0 || t.cfg.Evidence == nil {
		return nil
	}
	path, err := t.cfg.Evidence.Upload(ctx, r.item.TargetID, r.item.Context.Key, r.out.Evidence)
	if err != nil {
		t.log.Warnf("[task] %s/%s: evidence upload failed: %v", r.item.TargetID, r.item.Context.Key, err)
		r.res.Warnings = append(r.res.Warnings, "evidence upload failed")
		return nil
	}
	r.res.EvidencePath = path
	return nil
}

func (t *Task) stageSnapshots(_ context.Context, r *run) error {
	captured := t.now().UTC()
	r.rec = monitor.CheckRecord{TargetID: r.item.TargetID, CheckedAt: captured}
	r.snaps = make(map[monitor.SignalType]monitor.Snapshot)
	for _, sig := range monitor.AllSignals {
		payload := r.out.Content.Payload(sig)
		if payload == nil {
			continue
		}
		raw, hash, err := extract.Encode(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", sig, err)
		}
		s := monitor.Snapshot{
			ID:           t.newID(),
			TargetID:     r.item.TargetID,
			ContextID:    r.item.Context.ID,
			Signal:       sig,
			Method:       r.res.Method,
			ContentHash:  hash,
			Payload:      raw,
			EvidencePath: r.res.EvidencePath,
			CapturedAt:   captured,
		}
		r.rec.Snapshots = append(r.rec.Snapshots, s)
		r.res.SnapshotIDs[sig] = s.ID
		r.snaps[sig] = s
	}
	return nil
}

func (t *Task) diff(_ context.Context, r *run) error {
	for _, sig := range monitor.AllSignals {
		cur, ok := r.snaps[sig]
		if !ok {
			continue
		}
		comparer, ok := t.cfg.Diffs[sig]
		if !ok {
			continue
		}
		prior := r.priors[sig]
		res, err := comparer.CompareSnapshots(prior, cur)
		if err != nil {
			return err
		}
		if !res.HasChanges() {
			continue
		}
		from := ""
		if prior != nil {
			from = prior.ID
		}
		r.rec.Diffs = append(r.rec.Diffs, monitor.StoredDiff{
			ID:             t.newID(),
			TargetID:       r.item.TargetID,
			ContextID:      r.item.Context.ID,
			FromSnapshotID: from,
			ToSnapshotID:   cur.ID,
			Result:         res,
			CreatedAt:      r.rec.CheckedAt,
		})
		r.res.Diffs = append(r.res.Diffs, res)
	}
	r.res.HasChanges = len(r.res.Diffs) > 0
	return nil
}

func (t *Task) alert(ctx context.Context, r *run) error {
	if !r.res.HasChanges {
		return nil
	}

	pair := quota.Pair{TargetID: r.item.TargetID, ContextID: r.item.Context.ID}
	volatile := false
	if flag, err := t.cfg.Guard.DetectVolatileContext(ctx, pair); err != nil {
		t.log.Warnf("[task] %s/%s: volatility check failed: %v", r.item.TargetID, r.item.Context.Key, err)
	} else if flag.Flagged {
		volatile = true
		t.log.Infof("[task] %s/%s: volatile context, alerts are low trust: %s", r.item.TargetID, r.item.Context.Key, flag.Flag.Reason)
	}

	in := alert.BuildInput{
		Target: monitor.Target{
			ID:     r.item.TargetID,
			UserID: r.item.UserID,
			Name:   r.item.TargetName,
			URL:    r.item.TargetURL,
		},
		Context:      r.item.Context,
		Entitlements: r.ent,
		LowTrust:     volatile,
	}
	for _, d := range r.res.Diffs {
		for _, change := range d.Changes {
			decision := alert.Decide(change)
			if !decision.ShouldAlert {
				continue
			}
			if volatile && decision.Severity == monitor.SeverityLow {
				r.res.Suppressed++
				continue
			}
			r.rec.Alerts = append(r.rec.Alerts, t.cfg.Alerts.Build(ctx, decision, in))
			r.res.AlertsCreated++
		}
	}
	return nil
}

// bookkeeping commits everything staged by the earlier steps.
func (t *Task) bookkeeping(ctx context.Context, r *run) error {
	if r.res.Escalated {
		r.rec.Hint = monitor.MethodRichRender
	}
	if err := t.cfg.Store.SaveCheck(ctx, r.rec); err != nil {
		return fmt.Errorf("save check: %w", err)
	}
	return nil
}
