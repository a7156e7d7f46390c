// Package cmd implements the worldmind CLI: submit, resume, watch, inspect,
// task, and doctor commands over the mission execution core.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/worldmind/worldmind/internal/config"
	"github.com/worldmind/worldmind/internal/logging"
)

// CLI exit codes.
const (
	ExitOK                  = 0
	ExitPlanningFailure     = 2
	ExitDispatchInfraError  = 3
	ExitQualityGateEscalate = 4
	ExitDeploymentEscalate  = 5
	ExitInternalError       = 70
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	appVersion string
	appCommit  string
	appDate    string

	cfg    *config.Config
	logger *logging.Logger
)

// exitError carries a specific CLI exit code up to Execute.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

var rootCmd = &cobra.Command{
	Use:   "worldmind",
	Short: "Agentic coding missions: plan, execute, evaluate, deploy",
	Long: `worldmind accepts a natural-language development request and drives it
through a checkpointed mission graph: classification, planning, parallel
task waves in sandboxed workers, a test+review quality gate, and optional
Cloud Foundry deployment.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return ExitInternalError
	}
	return ExitOK
}

// SetVersion injects build-time version info.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .worldmind/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (auto, text, json)")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() error {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	loaded, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg = loaded

	logger = logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	return nil
}
