package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/habitat-sh/hab-auto-build/internal/changes"
	"github.com/habitat-sh/hab-auto-build/internal/ident"
	"github.com/habitat-sh/hab-auto-build/internal/ui"
)

var gitSyncCmd = &cobra.Command{
	Use:   "git-sync",
	Short: "Rewrite every tracked file's mtime to its last commit time and record it as the new alternate_mtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := discover(rootCtx)
		if err != nil {
			return err
		}

		for _, rec := range records {
			if rec.Unusable {
				continue
			}
			ignoreMatcher, err := ident.LoadIgnoreFile(rec.ContextPath + "/.gitignore")
			if err != nil {
				return fmt.Errorf("loading ignore file for %s: %w", rec.ID, err)
			}
			files, err := ident.ListFiles(rec.ContextPath, ignoreMatcher)
			if err != nil {
				return fmt.Errorf("listing files for %s: %w", rec.ID, err)
			}

			synced, err := changes.Sync(rootCtx, repoRoot, rec.ContextPath, files)
			if err != nil {
				return fmt.Errorf("git-sync for %s: %w", rec.ID, err)
			}
			if err := st.SyncMtimes(rootCtx, rec.ContextPath, synced); err != nil {
				return fmt.Errorf("recording synced mtimes for %s: %w", rec.ID, err)
			}
			fmt.Println(ui.RenderPassIcon() + " " + rec.ID.String() + fmt.Sprintf(" (%d files)", len(synced)))
		}
		return nil
	},
}
