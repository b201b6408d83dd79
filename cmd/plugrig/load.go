package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLoadCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "load <artifact>...",
		Short: "Load and initialize plugin artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rt, err := newRuntime(flags, cfg)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			if err := rt.loadArtifacts(cmd.Context(), args); err != nil {
				return err
			}
			for _, inst := range rt.manager.Instances() {
				desc := inst.Descriptor()
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) [%s]\n",
					desc.ID, desc.Version.String(), inst.LoaderName(), inst.State())
			}
			return nil
		},
	}
}
