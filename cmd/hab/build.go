package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/habitat-sh/hab-auto-build/internal/executor"
	"github.com/habitat-sh/hab-auto-build/internal/graph"
	"github.com/habitat-sh/hab-auto-build/internal/rules"
	"github.com/habitat-sh/hab-auto-build/internal/ui"
)

var buildCmd = &cobra.Command{
	Use:   "build [selection...]",
	Short: "Rebuild every dirty plan matching selection (or every dirty plan if omitted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseCheckLevel(checkLevel)
		if err != nil {
			return err
		}

		state, err := computePlan(rootCtx, args, true)
		if err != nil {
			return err
		}

		if len(state.plan.Order) == 0 {
			fmt.Println(ui.RenderPass("nothing to build"))
			return nil
		}

		for _, n := range state.plan.Order {
			rec := state.graph.Node(n)
			line := rec.ID.String()
			if explain {
				line += explainReasons(state.entries[n])
			}
			fmt.Println(ui.RenderMuted("plan: ") + line)
		}

		if dryRun {
			fmt.Printf("%d plan(s) would be built\n", len(state.plan.Order))
			return nil
		}

		mtimeSrc, err := mtimeSourceFor(mtimeSource)
		if err != nil {
			return err
		}

		engine := rules.New(level)
		exec := executor.New(executor.Options{
			Jobs:          jobs,
			BuilderBinary: builderBinary,
			RepoRoot:      repoRoot,
			Target:        target,
			OriginKeys:    originKeys,
			Check:         engine.CheckBuild,
			Mtime:         mtimeSrc,
		}, state.graph, st)

		results, err := exec.Run(rootCtx, state.plan.Order)
		if err != nil {
			return fmt.Errorf("running build: %w", err)
		}

		return printBuildSummary(state, results)
	},
}

// printBuildSummary renders one line per plan grouped by terminal status
// and returns errBuildFailed if any plan did not reach StatusBuilt, so
// main() maps the invocation to exit code 3.
func printBuildSummary(state *planState, results map[graph.NodeID]*executor.Result) error {
	var built, failed, skipped []string
	for _, n := range state.plan.Order {
		res := results[n]
		id := state.graph.Node(n).ID.String()
		switch res.Status {
		case executor.StatusBuilt:
			built = append(built, id)
		case executor.StatusFailed:
			failed = append(failed, fmt.Sprintf("%s: %v", id, res.Err))
		case executor.StatusSkipped:
			skipped = append(skipped, fmt.Sprintf("%s: %v", id, res.Err))
		}
	}

	fmt.Println(ui.RenderSeparator())
	fmt.Printf("%s %d built\n", ui.RenderPassIcon(), len(built))
	if len(failed) > 0 {
		fmt.Printf("%s %d failed\n", ui.RenderFailIcon(), len(failed))
		for _, l := range failed {
			fmt.Println("  " + ui.RenderFail(l))
		}
	}
	if len(skipped) > 0 {
		fmt.Printf("%s %d skipped\n", ui.RenderSkipIcon(), len(skipped))
		for _, l := range skipped {
			fmt.Println("  " + ui.RenderMuted(l))
		}
	}

	if len(failed) > 0 || len(skipped) > 0 {
		return errBuildFailed
	}
	return nil
}
