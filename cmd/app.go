package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/rivalwatch/rivalwatch/internal/utils"
	"github.com/rivalwatch/rivalwatch/pkg/ai"
	"github.com/rivalwatch/rivalwatch/pkg/alert"
	"github.com/rivalwatch/rivalwatch/pkg/evidence"
	"github.com/rivalwatch/rivalwatch/pkg/extract"
	"github.com/rivalwatch/rivalwatch/pkg/monitor"
	"github.com/rivalwatch/rivalwatch/pkg/quota"
	"github.com/rivalwatch/rivalwatch/pkg/scheduler"
	"github.com/rivalwatch/rivalwatch/pkg/storage"
	"github.com/rivalwatch/rivalwatch/pkg/task"
)

// openDB opens the configured database, creating its directory if needed.
func openDB() (*storage.DB, string, error) {
	dbPath, err := utils.GetAbsDBPath(viper.GetString("db.path"))
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, "", fmt.Errorf("could not create database directory: %w", err)
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, "", fmt.Errorf("could not open database %s: %w", dbPath, err)
	}
	return db, dbPath, nil
}

// loadPlans reads the plan table from the plans.* keys.
func loadPlans() (*quota.Plans, error) {
	overrides := map[string]monitor.Entitlements{}
	if err := viper.UnmarshalKey("plans", &overrides); err != nil {
		return nil, fmt.Errorf("invalid plans configuration: %w", err)
	}
	return quota.NewPlans(overrides), nil
}

func newGuardrail(db *storage.DB) (*quota.Guardrail, error) {
	plans, err := loadPlans()
	if err != nil {
		return nil, err
	}
	return quota.New(plans, db, viper.GetInt("guard.expected_daily_volume")), nil
}

// engine is the fully wired check pipeline.
type engine struct {
	guard     *quota.Guardrail
	scheduler *scheduler.Scheduler
	closers   []func()
}

func (e *engine) Close() {
	for _, c := range e.closers {
		c()
	}
}

// newEngine wires extraction, evidence, enrichment, the task, its runner and
// the scheduler from configuration. Optional collaborators that are not
// configured are left out.
func newEngine(db *storage.DB, onItemDone func(monitor.WorkItem, task.Result)) (*engine, error) {
	guard, err := newGuardrail(db)
	if err != nil {
		return nil, err
	}
	e := &engine{guard: guard}

	light, err := extract.NewHTTPFetcher(extract.FetchConfig{
		Proxy:     viper.GetString("fetch.proxy"),
		RetryMax:  viper.GetInt("fetch.retry_max"),
		UserAgent: viper.GetString("fetch.user_agent"),
	})
	if err != nil {
		return nil, err
	}

	var (
		rich    extract.Fetcher
		screens extract.Screenshotter
		perf    extract.Prober
	)
	if endpoint := viper.GetString("render.endpoint"); endpoint != "" {
		rc, err := extract.NewRenderClient(extract.RenderConfig{
			Endpoint: endpoint,
			Token:    viper.GetString("render.token"),
			PoolSize: viper.GetInt("render.pool_size"),
		})
		if err != nil {
			return nil, err
		}
		rich, screens = rc, rc
		e.closers = append(e.closers, rc.Close)
	} else {
		utils.Log.Info("No render.endpoint configured: rich rendering and evidence capture are disabled.")
	}
	if viper.GetString("performance.endpoint") != "" || viper.GetString("performance.api_key") != "" {
		perf = extract.NewPerformanceProbe(extract.PerformanceConfig{
			Endpoint: viper.GetString("performance.endpoint"),
			APIKey:   viper.GetString("performance.api_key"),
		})
	}
	extractor := extract.NewService(light, rich, screens, perf)

	var uploader task.Uploader
	if endpoint := viper.GetString("evidence.endpoint"); endpoint != "" {
		up, err := evidence.NewMinioUploader(evidence.Config{
			Endpoint:  endpoint,
			AccessKey: viper.GetString("evidence.access_key"),
			SecretKey: viper.GetString("evidence.secret_key"),
			Bucket:    viper.GetString("evidence.bucket"),
			UseSSL:    viper.GetBool("evidence.use_ssl"),
			Region:    viper.GetString("evidence.region"),
		})
		if err != nil {
			return nil, err
		}
		uploader = up
	}

	var explainer alert.Explainer
	if key := viper.GetString("ai.api_key"); key != "" {
		ex, err := ai.NewExplainer(ai.Config{
			Provider:       viper.GetString("ai.provider"),
			APIKey:         key,
			Model:          viper.GetString("ai.model"),
			Endpoint:       viper.GetString("ai.endpoint"),
			MaxConcurrency: viper.GetInt("ai.max_concurrency"),
		})
		if err != nil {
			return nil, err
		}
		explainer = ex
	} else {
		utils.Log.Debug("No ai.api_key configured: alerts use canned explanations.")
	}

	t := task.New(task.Config{
		Store:     db,
		Extractor: extractor,
		Evidence:  uploader,
		Alerts:    alert.NewEngine(explainer, utils.Log),
		Guard:     guard,
		Log:       utils.Log,
	})
	runner := task.NewRunner(t, task.RunnerConfig{
		MaxAttempts: viper.GetInt("runner.max_attempts"),
		Backoff:     viper.GetDuration("runner.backoff"),
		Timeout:     viper.GetDuration("runner.timeout"),
		Grace:       viper.GetDuration("runner.grace"),
	}, utils.Log)

	e.scheduler = scheduler.New(scheduler.Config{
		Store:            db,
		Guard:            guard,
		Runner:           runner,
		MaxChecks:        viper.GetInt("scheduler.max_checks"),
		ItemDelay:        viper.GetDuration("scheduler.item_delay"),
		Concurrency:      viper.GetInt("scheduler.concurrency"),
		FailureThreshold: viper.GetInt("scheduler.failure_threshold"),
		Log:              utils.Log,
		OnItemDone:       onItemDone,
	})
	return e, nil
}

// printItem streams one finished item to stdout.
func printItem(item monitor.WorkItem, res task.Result) {
	if !res.Success {
		code := extract.CodeUnknown
		msg := ""
		if res.Error != nil {
			code, msg = res.Error.Code, res.Error.Message
		}
		fmt.Printf("✗ %s [%s] %s: %s\n", item.TargetName, item.Context.Key, code, msg)
		return
	}
	status := "no changes"
	if res.HasChanges {
		status = fmt.Sprintf("%d signal(s) changed, %d alert(s)", len(res.Diffs), res.AlertsCreated)
	}
	fmt.Printf("✓ %s [%s] via %s: %s\n", item.TargetName, item.Context.Key, res.Method, status)
}
