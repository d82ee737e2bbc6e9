package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd(e *env) *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a workload config without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := e.load(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			scheduled := 0
			for _, j := range cfg.Workload.Jobs {
				if j.Schedule != "" {
					scheduled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d jobs (%d scheduled)\n", len(cfg.Workload.Jobs), scheduled)
			return nil
		},
	}
	addConfigFlag(cmd, &cfgPath)
	return cmd
}
