package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"shmutex/internal/workload"
	logx "shmutex/pkg/logx"
)

func newRunCmd(e *env) *cobra.Command {
	var (
		cfgPath string
		strict  bool
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the one-shot jobs of a workload once and print a report",
		Long: `Submits every job of the workload (honoring "after" delays), waits for all of
them to settle and prints the admission order and counters.

Exits non-zero if mutual exclusion was ever violated, and with --strict also
when any job failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := e.load(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			e.applyLogging(cfg)

			st, err := openStore(cfg, e.log)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			opts := []workload.Option{workload.WithLogger(e.log)}
			if st != nil {
				defer st.Close()
				opts = append(opts, workload.WithStore(st))
			}

			r, err := workload.NewRunner(cfg.Workload, opts...)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			rep, err := r.Run(ctx)
			if err != nil {
				e.log.Warn("run interrupted", logx.Err(err))
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), rep)
			}

			switch {
			case rep.Violations > 0:
				return fmt.Errorf("mutual exclusion violated %d times", rep.Violations)
			case err != nil:
				return err
			case strict && rep.Failed > 0:
				return fmt.Errorf("%d of %d jobs failed", rep.Failed, rep.Jobs)
			}
			return nil
		},
	}
	addConfigFlag(cmd, &cfgPath)
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when any job fails")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0 = no limit)")
	return cmd
}

func printReport(w io.Writer, rep workload.Report) {
	fmt.Fprintf(w, "workload %s (run %s)\n", rep.Name, rep.RunID)
	fmt.Fprintf(w, "  jobs:       %s (%s failed)\n", humanize.Comma(int64(rep.Jobs)), humanize.Comma(int64(rep.Failed)))
	fmt.Fprintf(w, "  max shared: %d\n", rep.MaxShared)
	fmt.Fprintf(w, "  bypassed:   %s\n", humanize.Comma(int64(rep.Snapshot.Bypassed)))
	fmt.Fprintf(w, "  violations: %d\n", rep.Violations)
	fmt.Fprintf(w, "  elapsed:    %s\n", rep.Elapsed.Round(time.Millisecond))
	if rep.TraceErrors > 0 {
		fmt.Fprintf(w, "  trace errors: %d\n", rep.TraceErrors)
	}
	if len(rep.Started) > 0 {
		fmt.Fprintf(w, "  order:      %s\n", strings.Join(rep.Started, " "))
	}
}
