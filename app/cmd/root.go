package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	runtimesvc "github.com/fairhopeweb/guijs/app/guijs/runtime"
)

// Version is stamped at build time.
var Version = "dev"

// options carries the persistent flags and the config they produce.
type options struct {
	cfgFile  string
	registry string
	logLevel string
	journal  string

	cfg runtimesvc.Config
}

// Execute is the entry point for the CLI.
func Execute(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd wires the cobra tree. Running it without a subcommand is the same
// as `guijs start`.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	start := newStartCmd(opts)
	root := &cobra.Command{
		Use:           "guijs",
		Short:         "Launcher for the guijs development UI",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		RunE: start.RunE,
	}
	root.Flags().AddFlagSet(start.Flags())
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "Path to config file (.yaml or .toml)")
	root.PersistentFlags().StringVar(&opts.registry, "registry", "", "Registry URL of the version marker manifest")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.journal, "journal", "", "Path to the bootstrap journal database")

	root.AddCommand(
		start,
		newServeCmd(opts),
		newCheckCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// load reads the config file, applies flag overrides and normalizes.
func (o *options) load(cmd *cobra.Command) error {
	o.cfg = runtimesvc.DefaultConfig()
	path := o.cfgFile
	if path == "" {
		path = runtimesvc.DefaultConfigPath()
	}
	if err := runtimesvc.LoadConfigFile(path, &o.cfg); err != nil {
		if o.cfgFile != "" || !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("registry") {
		o.cfg.RegistryURL = o.registry
	}
	if flags.Changed("log-level") {
		o.cfg.LogLevel = o.logLevel
	}
	if flags.Changed("journal") {
		o.cfg.JournalPath = o.journal
	}
	return o.cfg.Normalize()
}

// configPath is where `config init` writes and `config show` reads.
func (o *options) configPath() string {
	if o.cfgFile != "" {
		return o.cfgFile
	}
	return runtimesvc.DefaultConfigPath()
}

func runWithRuntime(cmd *cobra.Command, o *options, runOpts runtimesvc.Options, fn func(context.Context, *runtimesvc.Runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if runOpts.Version == "" {
		runOpts.Version = Version
	}
	rt, err := runtimesvc.New(ctx, o.cfg, runOpts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// stderrOf keeps logs off stdout, which commands use for their output.
func stderrOf(cmd *cobra.Command) io.Writer {
	return cmd.ErrOrStderr()
}
