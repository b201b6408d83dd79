package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plugrig/plugrig/internal/plugin"
)

func newInspectCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <artifact>",
		Short: "Load an artifact and print its descriptor without initializing it",
		Args:  cobra.ExactArgs(1),
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

			inst, err := rt.manager.Load(cmd.Context(), args[0], plugin.DefaultLoadOptions())
			if err != nil {
				return err
			}

			desc := inst.Descriptor()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:           %s\n", desc.ID)
			fmt.Fprintf(out, "name:         %s\n", desc.Name)
			fmt.Fprintf(out, "version:      %s\n", desc.Version.String())
			if desc.Author != "" {
				fmt.Fprintf(out, "author:       %s\n", desc.Author)
			}
			if desc.Description != "" {
				fmt.Fprintf(out, "description:  %s\n", desc.Description)
			}
			fmt.Fprintf(out, "capabilities: %s\n", desc.Capabilities)
			fmt.Fprintf(out, "priority:     %s\n", desc.Priority)
			if len(desc.Requires) > 0 {
				fmt.Fprintf(out, "requires:     %s\n", strings.Join(desc.Requires, ", "))
			}
			if len(desc.Optional) > 0 {
				fmt.Fprintf(out, "optional:     %s\n", strings.Join(desc.Optional, ", "))
			}
			if cmds := inst.Plugin().AvailableCommands(); len(cmds) > 0 {
				fmt.Fprintf(out, "commands:     %s\n", strings.Join(cmds, ", "))
			}
			return nil
		},
	}
}
