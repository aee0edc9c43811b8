package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsdeck/opsdeck/internal/library"
)

func init() {
	rootCmd.AddCommand(libraryCmd)
	libraryCmd.AddCommand(libraryListCmd)
	libraryCmd.AddCommand(libraryShowCmd)
}

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Browse sequence definitions",
	Long:  "Browse builtin and user-provided sequence definitions.",
}

var libraryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, errs := library.LoadAll()
		for _, err := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
		if len(defs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No definitions found.")
			return nil
		}

		rows := make([][]string, 0, len(defs))
		for _, def := range defs {
			rows = append(rows, []string{
				def.Name,
				fmt.Sprintf("%d", len(def.Steps)),
				def.Source,
				def.Description,
			})
		}
		return writeTable(cmd.OutOrStdout(), []string{"NAME", "STEPS", "SOURCE", "DESCRIPTION"}, rows)
	},
}

var libraryShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a definition and its variables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := library.FindDefinition(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Name:        %s\n", def.Name)
		fmt.Fprintf(out, "Source:      %s\n", def.Source)
		if def.Description != "" {
			fmt.Fprintf(out, "Description: %s\n", def.Description)
		}

		if len(def.Variables) > 0 {
			fmt.Fprintf(out, "\nVariables:\n")
			for _, v := range def.Variables {
				req := ""
				if v.Required {
					req = " (required)"
				}
				if v.Default != "" {
					req = fmt.Sprintf(" (default %q)", v.Default)
				}
				fmt.Fprintf(out, "  %s%s  %s\n", v.Name, req, v.Description)
			}
		}

		fmt.Fprintf(out, "\nSteps (%d):\n", len(def.Steps))
		for i, step := range def.Steps {
			delay := step.Delay
			if delay == "" {
				delay = "0s"
			}
			fmt.Fprintf(out, "  %d. [%s] +%s\n", i+1, step.Kind, delay)
			for _, branch := range step.Branches {
				fmt.Fprintf(out, "     branch: %s (%d steps)\n", branch.Condition, len(branch.Steps))
			}
		}
		return nil
	},
}
