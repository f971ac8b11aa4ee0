package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/habitat-sh/hab-auto-build/internal/ui"
)

var addCmd = &cobra.Command{
	Use:   "add <plan>...",
	Short: "Mark plans as ManuallyAdded so the next build rebuilds them regardless of source state",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadOverridesDoc()
		if err != nil {
			return err
		}
		for _, raw := range args {
			doc.Add = addToSet(doc.Add, raw)
			doc.Remove = removeFromSet(doc.Remove, raw)
		}
		if err := saveOverridesDoc(doc); err != nil {
			return fmt.Errorf("saving overrides: %w", err)
		}
		for _, raw := range args {
			fmt.Println(ui.RenderPassIcon() + " " + raw + " marked ManuallyAdded")
		}
		return nil
	},
}
