package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/habitat-sh/hab-auto-build/internal/graph"
	"github.com/habitat-sh/hab-auto-build/internal/ui"
)

var changesCmd = &cobra.Command{
	Use:   "changes [selection...]",
	Short: "Print the change journal for selected plans without building",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := computePlan(rootCtx, args, false)
		if err != nil {
			return err
		}

		any := false
		for n := 0; n < state.graph.NodeCount(); n++ {
			if !state.plan.Selected[graph.NodeID(n)] {
				continue
			}
			entry := state.entries[graph.NodeID(n)]
			id := state.graph.Node(graph.NodeID(n)).ID.String()
			if entry == nil || !entry.Dirty() {
				if explain {
					fmt.Println(ui.RenderMuted(ui.IconSkip + " " + id))
				}
				continue
			}
			any = true
			fmt.Println(ui.RenderWarnIcon() + " " + id)
			if explain {
				fmt.Println(explainReasons(entry))
			} else {
				for _, r := range entry.Reasons {
					fmt.Println("  " + ui.TreeLast + string(r.Kind))
				}
			}
		}
		if !any {
			fmt.Println(ui.RenderPass("no changes"))
		}
		return nil
	},
}
