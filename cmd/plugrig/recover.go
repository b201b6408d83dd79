package main

import (
	"github.com/spf13/cobra"

	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/state"
	"github.com/plugrig/plugrig/internal/workflow"
)

func newRecoverCmd(flags *rootFlags) *cobra.Command {
	var (
		strategyName string
		checkpointID string
		workflowPath string
		plugins      []string
	)
	cmd := &cobra.Command{
		Use:   "recover <execution-id>",
		Short: "Restore an interrupted execution from its checkpoints",
		Long:  "Restore an interrupted execution from its checkpoints. With --workflow the restored execution is resumed immediately; otherwise the restored context is printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := parseStrategy(strategyName)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rt, err := newRuntime(flags, cfg)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			recovery := state.NewRecovery(rt.store, state.WithRecoveryBus(rt.bus))
			ec, err := recovery.Recover(cmd.Context(), args[0], state.RecoveryOptions{
				Strategy:     strategy,
				CheckpointID: checkpointID,
			})
			if err != nil {
				return err
			}

			if workflowPath == "" {
				printExecution(cmd, ec)
				return nil
			}

			wf, err := workflow.LoadDefinition(workflowPath)
			if err != nil {
				return err
			}
			if err := rt.loadArtifacts(cmd.Context(), plugins); err != nil {
				return err
			}
			resumed, resumeErr := rt.orch.Resume(cmd.Context(), wf, ec)
			if resumed != nil {
				printExecution(cmd, resumed)
			}
			return resumeErr
		},
	}
	cmd.Flags().StringVar(&strategyName, "strategy", "best", "recovery strategy: latest, specific, best, or restart")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "checkpoint id for the specific strategy")
	cmd.Flags().StringVar(&workflowPath, "workflow", "", "workflow definition to resume with")
	cmd.Flags().StringSliceVar(&plugins, "plugin", nil, "plugin artifacts to load before resuming")
	return cmd
}

func parseStrategy(name string) (state.Strategy, error) {
	switch name {
	case "latest":
		return state.RestoreFromLatest, nil
	case "specific":
		return state.RestoreFromSpecific, nil
	case "best":
		return state.RestoreFromBest, nil
	case "restart":
		return state.RestartFromBeginning, nil
	default:
		return state.RestoreFromBest, fault.New(fault.InvalidParameters, "unknown recovery strategy %q", name)
	}
}
