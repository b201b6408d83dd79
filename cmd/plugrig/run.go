package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/workflow"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		dataJSON string
		plugins  []string
	)
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			wf, err := workflow.LoadDefinition(args[0])
			if err != nil {
				return err
			}

			var initial map[string]any
			if dataJSON != "" {
				if err := json.Unmarshal([]byte(dataJSON), &initial); err != nil {
					return fault.Wrap(fault.InvalidParameters, err, "parsing --data")
				}
			}

			rt, err := newRuntime(flags, cfg)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			if err := rt.loadArtifacts(cmd.Context(), plugins); err != nil {
				return err
			}

			ec, execErr := rt.orch.Execute(cmd.Context(), wf, initial)
			if ec != nil {
				printExecution(cmd, ec)
			}
			return execErr
		},
	}
	cmd.Flags().StringVar(&dataJSON, "data", "", "initial workflow data as JSON")
	cmd.Flags().StringSliceVar(&plugins, "plugin", nil, "additional plugin artifacts to load")
	return cmd
}

func printExecution(cmd *cobra.Command, ec *workflow.ExecutionContext) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "execution %s: %s (%.0f%%)\n", ec.ExecutionID, ec.State, ec.Progress())
	for id, st := range ec.StepStates {
		line := fmt.Sprintf("  %s: %s", id, st.Status)
		if st.Error != "" {
			line += " (" + st.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
	if ec.FinalResult != nil {
		if raw, err := json.Marshal(ec.FinalResult); err == nil {
			fmt.Fprintf(out, "result: %s\n", raw)
		}
	}
}
