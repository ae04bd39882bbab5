package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loomlang/loom/internal/engine"
	"github.com/loomlang/loom/internal/program"
	"github.com/loomlang/loom/internal/providers"
	"github.com/loomlang/loom/internal/records"
	"github.com/loomlang/loom/internal/secrets"
	"github.com/loomlang/loom/pkg/ir"
)

var (
	runStateFlags  []string
	runDBPath      string
	runTimeout     time.Duration
	runStepTimeout time.Duration
	runMaxParallel int
	runRetries     int
	runModel       string
)

var runCmd = &cobra.Command{
	Use:   "run <program.yaml> <flow>",
	Short: "Run a flow from a program document",
	Long: `Run loads a program document, validates it, and executes the named
flow to completion. The run result - final state, per-step outcomes, and
any unrecovered errors - is printed as JSON on stdout.

Initial state is seeded with --state key=value flags; values are parsed
as YAML scalars, so numbers and booleans keep their types.`,
	Args: cobra.ExactArgs(2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runStateFlags, "state", nil, "initial state entry, key=value (repeatable)")
	runCmd.Flags().StringVar(&runDBPath, "db", "", "libsql database path for record storage (default: in-memory)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "overall run timeout (default: none)")
	runCmd.Flags().DurationVar(&runStepTimeout, "step-timeout", 0, "default per-attempt timeout for ai/agent/tool calls")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "bound on concurrent loop iterations")
	runCmd.Flags().IntVar(&runRetries, "retries", 0, "max attempts for ai/agent/tool calls")
	runCmd.Flags().StringVar(&runModel, "agent-model", "gpt-4o-mini", "model used for agent steps")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	programPath, flowName := args[0], args[1]

	prog, _, err := program.Load(programPath)
	if err != nil {
		return err
	}

	vars, err := parseStateFlags(runStateFlags)
	if err != nil {
		return err
	}

	vault, err := openVault()
	if err != nil {
		return err
	}

	eng, err := buildEngine(prog, vault)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	result, err := eng.RunFlow(ctx, flowName, engine.ExecutionContext{Vars: vars, Secrets: vault})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}

	if len(result.Errors) > 0 {
		return fmt.Errorf("flow %q failed: %s", flowName, result.Errors[0].Error())
	}
	return nil
}

// parseStateFlags turns repeated key=value flags into the initial durable
// state. Values go through the YAML scalar parser so "3", "true", and
// "hello" keep their natural types.
func parseStateFlags(flags []string) (map[string]any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(flags))
	for _, flag := range flags {
		key, raw, ok := strings.Cut(flag, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --state entry %q, expected key=value", flag)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		vars[key] = value
	}
	return vars, nil
}

// buildEngine assembles an engine from the loaded program plus the process
// environment: OPENAI_API_KEY (and optional OPENAI_BASE_URL) for ai and agent
// steps, --db for durable record storage. With a vault open, a missing
// OPENAI_API_KEY falls back to the vault's openai_api_key entry.
func buildEngine(prog *ir.Program, vault secrets.Vault) (*engine.Engine, error) {
	opts := engine.Options{
		Program:     prog,
		Tools:       providers.NewToolRegistry(),
		Logger:      newLogger(),
		StepTimeout: runStepTimeout,
		MaxParallel: runMaxParallel,
	}
	if runRetries > 0 {
		opts.Retry = engine.RetryPolicy{
			MaxAttempts: runRetries,
			Delay:       "100ms",
			Backoff:     "exponential",
			MaxDelay:    "5s",
			Jitter:      true,
		}
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" && vault != nil {
		if value, err := vault.Resolve(context.Background(), "openai_api_key"); err == nil {
			apiKey = string(value)
		}
	}
	if apiKey != "" {
		caller := providers.NewOpenAICaller(apiKey, runModel, os.Getenv("OPENAI_BASE_URL"))
		opts.AI = caller
		opts.Agents = providers.NewLLMAgentRunner(caller, runModel)
	}

	if runDBPath != "" {
		store, err := records.NewLibSQLFrameStore(runDBPath, prog.Records())
		if err != nil {
			return nil, err
		}
		if err := seedFrames(store, prog); err != nil {
			return nil, err
		}
		opts.Frames = store
	}

	return engine.New(opts)
}

// seedFrames loads the program's declared seed rows into empty frames. Frames
// that already hold rows are left alone so re-runs against the same database
// keep their data.
func seedFrames(store records.FrameStore, prog *ir.Program) error {
	ctx := context.Background()
	for name := range prog.Records() {
		seed := prog.SeedRows(name)
		if len(seed) == 0 {
			continue
		}
		n, err := store.Count(ctx, name)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		for _, row := range seed {
			if err := store.Insert(ctx, name, row); err != nil {
				return fmt.Errorf("seed %s: %w", name, err)
			}
		}
	}
	return nil
}
