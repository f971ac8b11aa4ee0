package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/habitat-sh/hab-auto-build/internal/changes"
	"github.com/habitat-sh/hab-auto-build/internal/graph"
	"github.com/habitat-sh/hab-auto-build/internal/ui"
)

var removeCmd = &cobra.Command{
	Use:   "remove <plan>...",
	Short: "Clear a plan's dirty reasons, refusing if one of its own dependencies is still dirty",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadOverridesDoc()
		if err != nil {
			return err
		}
		tentative := doc
		for _, raw := range args {
			tentative.Remove = addToSet(tentative.Remove, raw)
			tentative.Add = removeFromSet(tentative.Add, raw)
		}

		records, err := discover(rootCtx)
		if err != nil {
			return err
		}
		g, err := graph.Build(records)
		if err != nil {
			return err
		}
		src, err := mtimeSourceFor(mtimeSource)
		if err != nil {
			return err
		}
		if _, err := changes.Compute(rootCtx, st, g, src, overridesToKeys(tentative)); err != nil {
			var blocked *changes.CannotRemoveDirtyError
			if errors.As(err, &blocked) {
				return blocked
			}
			return err
		}

		if err := saveOverridesDoc(tentative); err != nil {
			return fmt.Errorf("saving overrides: %w", err)
		}
		for _, raw := range args {
			fmt.Println(ui.RenderPassIcon() + " " + raw + " removed")
		}
		return nil
	},
}
