package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomlang/loom/internal/program"
)

var validateCmd = &cobra.Command{
	Use:   "validate <program.yaml>",
	Short: "Validate a program document without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prog, schedules, err := program.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d flows, %d records, %d schedules)\n",
			args[0], len(prog.FlowNames()), len(prog.Records()), len(schedules))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
