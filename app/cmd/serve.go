package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	runtimesvc "github.com/fairhopeweb/guijs/app/guijs/runtime"
	"github.com/fairhopeweb/guijs/server"
)

type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return nil }

func newServeCmd(o *options) *cobra.Command {
	var (
		addr     string
		useStdio bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bootstrap headless and drive a webview shell over JSON-RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				o.cfg.BridgeAddr = addr
			}
			runOpts := runtimesvc.Options{Console: stderrOf(cmd)}
			return runWithRuntime(cmd, o, runOpts, func(ctx context.Context, rt *runtimesvc.Runtime) error {
				bridge := server.NewBridge(rt.Bus, rt.Controller, rt.Logger.With().Str("component", "bridge").Logger())
				if err := rt.Start(ctx); err != nil {
					return err
				}
				var err error
				if useStdio {
					err = bridge.ServeStream(ctx, stdio{Reader: os.Stdin, Writer: os.Stdout})
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "guijs bridge listening on ws://%s/rpc\n", o.cfg.BridgeAddr)
					err = bridge.ServeContext(ctx, o.cfg.BridgeAddr)
				}
				waitShutdown(ctx, rt)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address for the websocket bridge (default from config)")
	cmd.Flags().BoolVar(&useStdio, "stdio", false, "Speak JSON-RPC over stdin/stdout instead of a websocket")
	return cmd
}
