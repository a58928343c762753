package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	runtimesvc "github.com/fairhopeweb/guijs/app/guijs/runtime"
	"github.com/fairhopeweb/guijs/app/guijs/tui"
	"github.com/fairhopeweb/guijs/framework"
)

func newStartCmd(o *options) *cobra.Command {
	var (
		plain  bool
		update string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Bootstrap the toolchain and launch guijs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !plain {
				feed := tui.NewFeed(0)
				runOpts := runtimesvc.Options{Sinks: []framework.Telemetry{feed}}
				return runWithRuntime(cmd, o, runOpts, func(ctx context.Context, rt *runtimesvc.Runtime) error {
					feed.Attach(rt.Bus)
					// Quitting the splash screen stops the service too.
					ctx, cancel := context.WithCancel(ctx)
					defer cancel()
					err := tui.Run(ctx, rt, feed)
					cancel()
					waitShutdown(ctx, rt)
					return err
				})
			}
			decision, err := parseUpdatePolicy(update)
			if err != nil {
				return err
			}
			runOpts := runtimesvc.Options{Console: stderrOf(cmd)}
			return runWithRuntime(cmd, o, runOpts, func(ctx context.Context, rt *runtimesvc.Runtime) error {
				return runPlain(ctx, cmd, rt, decision)
			})
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Log to the terminal instead of showing the splash screen")
	cmd.Flags().StringVar(&update, "update", "skip", "Answer to an available update in --plain mode (update, skip)")
	return cmd
}

func parseUpdatePolicy(raw string) (runtimesvc.Command, error) {
	switch raw {
	case "update", "always":
		return runtimesvc.CommandUpdate, nil
	case "skip", "never", "":
		return runtimesvc.CommandSkipUpdate, nil
	default:
		return 0, fmt.Errorf("unknown update policy %q", raw)
	}
}

// runPlain answers the update question automatically and blocks until the
// bootstrap ends or the service is running and the user interrupts.
func runPlain(ctx context.Context, cmd *cobra.Command, rt *runtimesvc.Runtime, decision runtimesvc.Command) error {
	rt.Bus.Subscribe(runtimesvc.ChannelState, func(payload string) {
		event, err := runtimesvc.DecodeStateEvent(payload)
		if err != nil {
			return
		}
		switch event.Name {
		case runtimesvc.NotifyUpdateAvailable:
			rt.Controller.Dispatch(decision)
		case runtimesvc.NotifyServiceReady:
			fmt.Fprintf(cmd.OutOrStdout(), "guijs is running at %s\n", event.Payload)
		}
	})
	if err := rt.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		waitShutdown(ctx, rt)
		return nil
	case <-rt.Controller.Done():
	}
	switch rt.Controller.State() {
	case runtimesvc.StateServiceRunning:
		<-ctx.Done()
		waitShutdown(ctx, rt)
		return nil
	case runtimesvc.StateToolchainMissing:
		return fmt.Errorf("node.js not found on PATH")
	case runtimesvc.StateToolchainIncompatible:
		if n, ok := rt.Controller.LastNotification(); ok {
			return fmt.Errorf("node.js version too old (local|required: %s)", n.Payload)
		}
		return fmt.Errorf("node.js version too old")
	default:
		return fmt.Errorf("bootstrap failed: %w", rt.Controller.Err())
	}
}

// waitShutdown lets background tasks finish once the context is cancelled.
func waitShutdown(ctx context.Context, rt *runtimesvc.Runtime) {
	if ctx.Err() == nil {
		return
	}
	if err := rt.Controller.Wait(); err != nil {
		rt.Logger.Warn().Err(err).Msg("background task error")
	}
}
