package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rivalwatch/rivalwatch/internal/utils"
	"github.com/rivalwatch/rivalwatch/pkg/scheduler"
)

// runCmd implements: rivalwatch run
//
//	--once            Run a single scheduled cycle and exit
//	--cron string     Override schedule.cron
//	--quiet           Do not print per-item results
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled monitoring cycle (daemon, or once with --once)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unknown command: '%s'. See 'rivalwatch run --help'", args[0])
		}
		once, _ := cmd.Flags().GetBool("once")
		quiet, _ := cmd.Flags().GetBool("quiet")
		spec, _ := cmd.Flags().GetString("cron")
		if spec == "" {
			spec = viper.GetString("schedule.cron")
		}

		db, dbPath, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		onDone := printItem
		if quiet {
			onDone = nil
		}
		eng, err := newEngine(db, onDone)
		if err != nil {
			return err
		}
		defer eng.Close()

		lock, err := utils.NewRunLock(dbPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if once {
			return runCycle(ctx, lock, eng.scheduler)
		}

		cronLog := cronLogger{utils.Log}
		c := cron.New(cron.WithLogger(cronLog), cron.WithChain(runChain(cronLog)...))
		if _, err := c.AddFunc(spec, func() {
			if err := runCycle(ctx, lock, eng.scheduler); err != nil {
				utils.Log.Errorf("Scheduled run failed: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
		c.Start()
		utils.Log.Infof("Scheduler started with schedule %q, next run at %s", spec, c.Entries()[0].Next.Format("2006-01-02 15:04 MST"))

		<-ctx.Done()
		utils.Log.Info("Shutting down, waiting for the current run to finish...")
		<-c.Stop().Done()
		return nil
	},
}

// runCycle runs one scheduled cycle under the cross-process run lock.
func runCycle(ctx context.Context, lock *utils.RunLock, s *scheduler.Scheduler) error {
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, utils.ErrRunInProgress) {
			utils.Log.Warn("Skipping run: another rivalwatch run holds the lock.")
			return nil
		}
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			utils.Log.Warnf("Could not release run lock: %v", err)
		}
	}()

	stats, err := s.Run(ctx)
	if errors.Is(err, scheduler.ErrNothingToDo) {
		utils.Log.Info("Nothing to do: add targets and monitoring contexts first.")
		return nil
	}
	printStats(stats)
	return err
}

func printStats(s scheduler.Stats) {
	fmt.Printf("queued=%d processed=%d with_changes=%d with_alerts=%d errors=%d skipped=%d decayed=%d",
		s.Queued, s.Processed, s.WithChanges, s.WithAlerts, s.Errors, s.Skipped, s.Decayed)
	if s.Capped {
		fmt.Print(" (safety cap reached)")
	}
	if s.Throttled {
		fmt.Print(" (throttled)")
	}
	fmt.Println()
}

// runChain recovers panicking runs and skips a run while the previous one
// is still going.
func runChain(l cron.Logger) []cron.JobWrapper {
	return []cron.JobWrapper{cron.Recover(l), cron.SkipIfStillRunning(l)}
}

type cronPrinter interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// cronLogger routes cron's messages to logrus. Routine scheduler chatter
// goes to debug.
type cronLogger struct {
	log cronPrinter
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		l.log.Warnf("[cron] previous run still in progress, skipping this one")
		return
	}
	l.log.Debugf("[cron] %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorf("[cron] %s: %v %v", msg, err, keysAndValues)
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("once", false, "Run a single cycle and exit")
	runCmd.Flags().String("cron", "", "Cron schedule (default from schedule.cron)")
	runCmd.Flags().Bool("quiet", false, "Do not print per-item results")
}
