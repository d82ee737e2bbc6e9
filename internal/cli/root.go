// Package cli implements the shmutex command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"shmutex/internal/config"
	"shmutex/internal/storage"
	"shmutex/internal/workload"
	logx "shmutex/pkg/logx"
)

// env is shared by all subcommands of one root command.
type env struct {
	logLevel string
	logFile  string

	logs *logx.Service
	log  logx.Logger
}

// NewRootCmd creates the root cobra command for the shmutex CLI.
func NewRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:   "shmutex",
		Short: "Drive workloads through a shared/exclusive lock scheduler",
		Long: `shmutex runs jobs described in a workload file through a cooperative
readers/writer scheduler and reports admission order, concurrency and failures.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			e.logs, e.log = logx.New(e.logxConfig(nil))
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logs != nil {
				_ = e.logs.Close()
			}
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides the config file")
	root.PersistentFlags().StringVar(&e.logFile, "log-file", "", "Also write JSON logs to this file")

	root.AddCommand(
		newRunCmd(e),
		newWatchCmd(e),
		newValidateCmd(e),
	)
	return root
}

// logxConfig merges the config file's logging section with the flags.
func (e *env) logxConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{Level: "info", Console: true}
	if cfg != nil {
		lc = cfg.LogxConfig()
	}
	if e.logLevel != "" {
		lc.Level = e.logLevel
	}
	if e.logFile != "" {
		lc.File = logx.FileConfig{Enabled: true, Path: e.logFile}
	}
	return lc
}

// applyLogging switches the running logger to cfg's settings.
func (e *env) applyLogging(cfg *config.Config) {
	if e.logs != nil {
		e.logs.Apply(e.logxConfig(cfg))
	}
}

// load reads, validates and compiles the config at path.
func (e *env) load(ctx context.Context, path string) (*config.Manager, *config.Config, error) {
	m := config.NewManager(path)
	m.SetLogger(e.log.With(logx.String("comp", "config")))
	m.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		_, err := workload.Compile(cfg.Workload)
		return err
	})
	cfg, err := m.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}
	return m, cfg, nil
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	if cfg.Storage == nil {
		return nil, nil
	}
	busy, err := cfg.Storage.BusyTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log)
}

func addConfigFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVarP(dst, "config", "c", "./workload.yaml", "Path to the workload config (JSON or YAML)")
}
