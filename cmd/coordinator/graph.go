package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <tasks.yaml>",
		Short: "Analyze a task graph file",
		Long:  `Print the topological order, dependency cycles and critical path of a task graph.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := readTaskFile(args[0])
			if err != nil {
				return err
			}
			return describeGraph(cmd.OutOrStdout(), specs)
		},
	}
}

func describeGraph(w io.Writer, specs []taskSpec) error {
	g, err := buildGraph(specs)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "tasks: %d\n", g.Len())

	if cycles := g.DetectCycles(); len(cycles) > 0 {
		fmt.Fprintln(w, "cycles:")
		for _, c := range cycles {
			fmt.Fprintf(w, "  %s\n", strings.Join(c, " -> "))
		}
		return fmt.Errorf("task graph has %d cycle(s)", len(cycles))
	}

	fmt.Fprintln(w, "order:")
	for i, id := range g.TopologicalSort() {
		fmt.Fprintf(w, "  %d. %s\n", i+1, id)
	}
	if cp := g.FindCriticalPath(); cp != nil {
		fmt.Fprintf(w, "critical path (%d): %s\n", len(cp.Path), strings.Join(cp.Path, " -> "))
	}
	return nil
}
