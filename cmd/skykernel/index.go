package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/collab"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/sandbox"
)

var indexCheck bool

// indexCmd lists a module directory the way the host would index it
var indexCmd = &cobra.Command{
	Use:   "index <dir>",
	Short: "List the modules in a directory and their IDs",
	Long: `Walk a module directory and print the content-addressed ID of every
module file, exactly as 'serve --module-dir' would index it. With --check,
each module's code is also evaluated in a throwaway sandbox.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexCheck, "check", false, "Evaluate each module in a sandbox")
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	src := module.NewDirSource(args[0], collab.DefaultHasher())
	ids, err := src.Scan(ctx)
	if err != nil {
		return err
	}

	sbCfg := sandbox.FromConfig(config.LoadOrDefault().Sandbox)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	var failed int
	for _, id := range ids {
		path, _ := src.Path(id)
		status := ""
		if indexCheck {
			status = "ok"
			code, err := src.Fetch(ctx, id)
			if err == nil {
				_, err = sandbox.Eval(ctx, sbCfg, code)
			}
			if err != nil {
				status = err.Error()
				failed++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, path, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d modules failed to evaluate", failed, len(ids))
	}
	return nil
}
