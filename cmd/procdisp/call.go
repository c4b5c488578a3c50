package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	procdisp "github.com/procdisp/golang"
)

var (
	callPreFork int
	callRepeat  int
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <function> [params]",
	Short: "Dispatch a function call to the configured module",
	Long: `Dispatch a function call to the module described by the config file.

Params are JSON (or YAML). The reply values are printed as JSON, one line
per call.`,
	Example: `  # one call on a transient worker
  procdisp call --config pool.yaml sort '{"array": [2, 4, 1, 3]}'

  # pre-fork two workers and spread ten calls over them
  procdisp call --config pool.yaml --prefork 2 --repeat 10 sort '{"array": [2, 1]}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().IntVarP(&callPreFork, "prefork", "p", -1, "workers to pre-fork (overrides the config)")
	callCmd.Flags().IntVarP(&callRepeat, "repeat", "n", 1, "number of calls to dispatch")
	callCmd.Flags().DurationVarP(&callTimeout, "timeout", "t", 0, "give up waiting after this long")
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := procdisp.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if !debug && !quiet {
		if err := procdisp.SetLogLevel(cfg.LogLevel); err != nil {
			return err
		}
	}
	if cfg.Module.Path == "" {
		return fmt.Errorf("module.path is required: the worker executable to run")
	}
	if callPreFork >= 0 {
		cfg.PreFork = callPreFork
	}

	var params any
	if len(args) > 1 {
		if params, err = parseParams(args[1]); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	d := procdisp.NewDispatcher(cfg.Module, cfg.Options()...)
	defer func() {
		if err := d.Stop(context.Background(), true); err != nil {
			procdisp.Log.WithError(err).Warn("Failed to stop pool")
		}
	}()

	if cfg.PreFork > 0 {
		if err := d.PreFork(ctx, cfg.PreFork); err != nil {
			return err
		}
	}

	for i := 0; i < callRepeat; i++ {
		reply, err := d.Dispatch(ctx, args[0], params).Wait(ctx)
		if err != nil {
			return err
		}
		if err := printReply(cmd.OutOrStdout(), reply); err != nil {
			return err
		}
	}
	return nil
}

// parseParams accepts JSON or YAML, JSON being a subset of YAML.
func parseParams(s string) (any, error) {
	var params any
	if err := yaml.Unmarshal([]byte(s), &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return params, nil
}

func printReply(w io.Writer, reply *procdisp.Reply) error {
	values, err := reply.Interfaces()
	if err != nil {
		return err
	}
	var out any = values
	if len(values) == 1 {
		out = values[0]
	}
	data, err := json.Marshal(jsonSafe(out))
	if err != nil {
		return fmt.Errorf("failed to print reply: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// jsonSafe converts msgpack maps with non-string keys into string-keyed maps.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = jsonSafe(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = jsonSafe(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = jsonSafe(e)
		}
		return t
	}
	return v
}
