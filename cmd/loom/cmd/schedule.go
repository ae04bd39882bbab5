package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomlang/loom/internal/engine"
	"github.com/loomlang/loom/internal/program"
	"github.com/loomlang/loom/internal/scheduler"
	"github.com/loomlang/loom/internal/secrets"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <program.yaml>",
	Short: "Run the program's schedules until interrupted",
	Long: `Schedule loads a program document and runs its declared schedules:
each entry's flow is started whenever its cron expression fires. The
process runs until it receives SIGINT or SIGTERM.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prog, schedules, err := program.Load(args[0])
		if err != nil {
			return err
		}
		if len(schedules) == 0 {
			return fmt.Errorf("%s declares no schedules", args[0])
		}

		vault, err := openVault()
		if err != nil {
			return err
		}

		eng, err := buildEngine(prog, vault)
		if err != nil {
			return err
		}

		sched, err := scheduler.New(&vaultRunner{eng: eng, vault: vault}, schedules, newLogger())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := sched.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return sched.Stop()
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

// vaultRunner injects the process vault into every scheduled run's execution
// context.
type vaultRunner struct {
	eng   *engine.Engine
	vault secrets.Vault
}

func (r *vaultRunner) RunFlow(ctx context.Context, flowName string, ec engine.ExecutionContext) (*engine.FlowRunResult, error) {
	ec.Secrets = r.vault
	return r.eng.RunFlow(ctx, flowName, ec)
}
