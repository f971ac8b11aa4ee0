package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/habitat-sh/hab-auto-build/internal/planconfig"
	"github.com/habitat-sh/hab-auto-build/internal/rules"
	"github.com/habitat-sh/hab-auto-build/internal/scanner"
	"github.com/habitat-sh/hab-auto-build/internal/ui"
)

var checkCmd = &cobra.Command{
	Use:   "check [selection...]",
	Short: "Run the rule engine against selected plans without building",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseCheckLevel(checkLevel)
		if err != nil {
			return err
		}

		records, err := discover(rootCtx)
		if err != nil {
			return err
		}

		anyFatal := false
		for _, rec := range records {
			if rec.Unusable {
				continue
			}
			if !selectionMatches(args, rec.ID.String()) {
				continue
			}

			doc, err := planconfig.Load(filepath.Join(rec.ContextPath, planconfig.FileName))
			if err != nil {
				return fmt.Errorf("loading plan config for %s: %w", rec.ID, err)
			}
			findings := rules.CheckSource(rec, doc)

			artifactDir := filepath.Join(rec.ContextPath, "results")
			if info, statErr := os.Stat(artifactDir); statErr == nil && info.IsDir() {
				artifactFindings, err := rules.CheckArtifact(rec, artifactDir, nil, doc)
				if err != nil {
					return fmt.Errorf("checking artifact for %s: %w", rec.ID, err)
				}
				findings = append(findings, artifactFindings...)
			}

			if len(findings) == 0 {
				if explain {
					fmt.Println(ui.RenderPassIcon() + " " + rec.ID.String())
				}
				continue
			}

			fatal := rules.Gate(findings, level)
			icon := ui.RenderWarnIcon()
			if fatal {
				icon = ui.RenderFailIcon()
				anyFatal = true
			}
			fmt.Println(icon + " " + rec.ID.String())
			for _, f := range findings {
				fmt.Println("  " + ui.TreeLast + f.String())
			}
		}

		if anyFatal {
			return errBuildFailed
		}
		return nil
	},
}

// selectionMatches reports whether identifier matches any glob in
// patterns, or matches everything when patterns is empty — the same
// semantics planner.Build applies to the dirty-set selection.
func selectionMatches(patterns []string, identifier string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if scanner.MatchGlob(pat, identifier) {
			return true
		}
	}
	return false
}
