package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rivalwatch/rivalwatch/internal/utils"
	"github.com/rivalwatch/rivalwatch/pkg/quota"
	"github.com/rivalwatch/rivalwatch/pkg/scheduler"
	"github.com/rivalwatch/rivalwatch/pkg/task"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

const (
	LOGO = `        _            _                 _       _     
   _ __(_)_   ____ _| |_      ____ _| |_ ___| |__  
  | '__| \ \ / / _' | \ \ /\ / / _' | __/ __| '_ \ 
  | |  | |\ V / (_| | |\ V  V / (_| | || (__| | | |
  |_|  |_| \_/ \__,_|_| \_/\_/ \__,_|\__\___|_| |_|

`
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rivalwatch",
	Short: "Competitor change monitoring from your command line.",
	Long: LOGO + `rivalwatch watches competitor websites for pricing, tech stack, branding and
performance changes, and raises alerts when something meaningful moves.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rivalwatch.yaml)")

	// Global flags
	rootCmd.PersistentFlags().String("dbpath", "", "Path to SQLite DB file (default: ~/.config/rivalwatch/rivalwatch.sqlite)")
	rootCmd.PersistentFlags().StringP("proxy", "", "", "HTTP Proxy for lightweight fetches (Example: http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")

	_ = viper.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("dbpath"))
	_ = viper.BindPFlag("fetch.proxy", rootCmd.PersistentFlags().Lookup("proxy"))
}

// setDefaults registers every configuration key so a fresh config file
// documents all of them.
func setDefaults() {
	viper.SetDefault("db.path", "")
	viper.SetDefault("schedule.cron", "0 6 * * *")

	viper.SetDefault("scheduler.max_checks", scheduler.DefaultMaxChecks)
	viper.SetDefault("scheduler.item_delay", scheduler.DefaultItemDelay.String())
	viper.SetDefault("scheduler.concurrency", scheduler.DefaultConcurrency)
	viper.SetDefault("scheduler.failure_threshold", scheduler.DefaultFailureThreshold)

	viper.SetDefault("runner.max_attempts", task.DefaultMaxAttempts)
	viper.SetDefault("runner.backoff", task.DefaultBackoff.String())
	viper.SetDefault("runner.timeout", task.DefaultTimeout.String())
	viper.SetDefault("runner.grace", task.DefaultGrace.String())

	viper.SetDefault("fetch.proxy", "")
	viper.SetDefault("fetch.retry_max", 2)
	viper.SetDefault("fetch.user_agent", "")

	viper.SetDefault("render.endpoint", "")
	viper.SetDefault("render.token", "")
	viper.SetDefault("render.pool_size", 2)

	viper.SetDefault("performance.endpoint", "")
	viper.SetDefault("performance.api_key", "")

	viper.SetDefault("ai.provider", "openai")
	viper.SetDefault("ai.api_key", "")
	viper.SetDefault("ai.model", "")
	viper.SetDefault("ai.endpoint", "")
	viper.SetDefault("ai.max_concurrency", 2)

	viper.SetDefault("evidence.endpoint", "")
	viper.SetDefault("evidence.access_key", "")
	viper.SetDefault("evidence.secret_key", "")
	viper.SetDefault("evidence.bucket", "rivalwatch-evidence")
	viper.SetDefault("evidence.use_ssl", true)
	viper.SetDefault("evidence.region", "")

	viper.SetDefault("guard.expected_daily_volume", 0)

	for id, ent := range quota.Defaults() {
		prefix := "plans." + id + "."
		viper.SetDefault(prefix+"max_targets", ent.MaxTargets)
		viper.SetDefault(prefix+"max_contexts_per_target", ent.MaxContextsPerTarget)
		viper.SetDefault(prefix+"daily_manual_check_cap", ent.DailyManualCheckCap)
		viper.SetDefault(prefix+"daily_crawl_cap", ent.DailyCrawlCap)
		viper.SetDefault(prefix+"can_geo_aware", ent.CanGeoAware)
		viper.SetDefault(prefix+"can_evidence_capture", ent.CanEvidenceCapture)
		viper.SetDefault(prefix+"can_enrich", ent.CanEnrich)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".rivalwatch")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("rivalwatch")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := home + "/.rivalwatch.yaml"
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s", err)
			}
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	utils.SetLogLevel(levelString)
}
