package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	runtimesvc "github.com/fairhopeweb/guijs/app/guijs/runtime"
)

func newCheckCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the toolchain and compare installed packages with the manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			runOpts := runtimesvc.Options{Console: stderrOf(cmd)}
			return runWithRuntime(cmd, o, runOpts, func(ctx context.Context, rt *runtimesvc.Runtime) error {
				report, err := rt.Check(ctx)
				if err != nil {
					return err
				}
				return printReport(cmd, report)
			})
		},
	}
}

func printReport(cmd *cobra.Command, report runtimesvc.CheckReport) error {
	out := cmd.OutOrStdout()
	if !report.Runtime.Present {
		fmt.Fprintln(out, "node: not found on PATH")
		return nil
	}
	fmt.Fprintf(out, "node: %s (%s)\n", report.Runtime.Version, report.Runtime.Path)
	if report.Manifest == nil {
		return nil
	}
	verdict := "ok"
	if !report.Compatible {
		verdict = "too old"
	}
	fmt.Fprintf(out, "required: >= %s (%s)\n", report.Manifest.MinRuntimeVersion(), verdict)
	if len(report.Statuses) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tREQUIRED\tINSTALLED\tSTATUS")
	for _, s := range report.Statuses {
		installed := s.InstalledVersion
		if !s.Installed {
			installed = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.RequiredSpec, installed, s.Classification)
	}
	return w.Flush()
}
