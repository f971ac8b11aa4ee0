package rules

import (
	"debug/elf"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/habitat-sh/hab-auto-build/internal/planconfig"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

// binary is one ELF executable or shared object found under an artifact
// directory, with the handful of dynamic-section entries the checks below
// need.
type binary struct {
	path    string // relative to the artifact directory
	needed  []string
	rpath   []string
	runpath []string
}

// scanELFBinaries walks artifactDir and parses every file with the
// executable bit set (or a .so in its name) as ELF, skipping anything
// that doesn't start with the ELF magic. A file with the executable bit
// set that fails to parse as ELF is itself a broken-elf finding, not
// silently skipped.
func scanELFBinaries(artifactDir string) ([]binary, []Finding, error) {
	var bins []binary
	var findings []Finding

	err := filepath.WalkDir(artifactDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		looksExecutable := info.Mode()&0o111 != 0
		looksShared := strings.Contains(d.Name(), ".so")
		if !looksExecutable && !looksShared {
			return nil
		}

		rel, relErr := filepath.Rel(artifactDir, path)
		if relErr != nil {
			return relErr
		}

		f, openErr := elf.Open(path)
		if openErr != nil {
			if looksExecutable {
				findings = append(findings, Finding{
					Rule:    "broken-elf",
					Message: fmt.Sprintf("file has the executable bit set but is not readable as ELF: %v", openErr),
					Path:    rel,
				})
			}
			return nil
		}
		defer f.Close()

		b := binary{path: filepath.ToSlash(rel)}
		if needed, err := f.DynString(elf.DT_NEEDED); err == nil {
			b.needed = needed
		}
		if rpath, err := f.DynString(elf.DT_RPATH); err == nil {
			b.rpath = splitColonList(rpath)
		}
		if runpath, err := f.DynString(elf.DT_RUNPATH); err == nil {
			b.runpath = splitColonList(runpath)
		}
		bins = append(bins, b)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].path < bins[j].path })
	return bins, findings, nil
}

func splitColonList(entries []string) []string {
	var out []string
	for _, e := range entries {
		for _, part := range strings.Split(e, ":") {
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// CheckArtifact runs every artifact check (unused-dependency,
// missing-runtime-dependency, broken-elf, empty-package, plus the
// script-interpreter and package-layout checks) against the built output
// directory, resolving RPATH/RUNPATH and NEEDED entries
// against depArtifacts, the resolved dependency identifier to artifact
// directory map the executor passed alongside the build.
func CheckArtifact(rec *types.PlanRecord, artifactDir string, depArtifacts map[string]string, doc *planconfig.Document) ([]Finding, error) {
	fp := rec.SourceFingerprint.String()
	var findings []Finding

	bins, parseFindings, err := scanELFBinaries(artifactDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact directory %s does not exist", artifactDir)
		}
		return nil, err
	}
	findings = append(findings, applyLevel(parseFindings, doc, fp)...)

	findings = append(findings, checkBrokenELF(bins, depArtifacts, doc, fp)...)
	findings = append(findings, checkMissingRuntimeDependency(bins, depArtifacts, doc, fp)...)
	findings = append(findings, checkUnusedDependency(rec, bins, depArtifacts, doc, fp)...)
	findings = append(findings, checkEmptyPackage(artifactDir, doc, fp)...)

	scriptFindings, err := CheckScriptInterpreters(artifactDir, depArtifacts, doc, fp)
	if err != nil {
		return nil, err
	}
	findings = append(findings, scriptFindings...)

	layoutFindings, err := CheckPackageLayout(rec, artifactDir, depArtifacts, doc)
	if err != nil {
		return nil, err
	}
	findings = append(findings, layoutFindings...)

	return findings, nil
}

// applyLevel stamps every finding's Rule-specific resolved level onto
// findings that were built with Rule set but Level left zero, and drops
// any that resolve to LevelOff.
func applyLevel(findings []Finding, doc *planconfig.Document, fp string) []Finding {
	var out []Finding
	for _, f := range findings {
		lvl := resolveLevel(doc, f.Rule, fp)
		if lvl == planconfig.LevelOff {
			continue
		}
		f.Level = lvl
		out = append(out, f)
	}
	return out
}

// checkBrokenELF flags a DT_RPATH or DT_RUNPATH entry that does not
// resolve under any of the build's resolved dependency artifact
// directories, per spec.md §4.9's consolidated broken-elf definition.
func checkBrokenELF(bins []binary, depArtifacts map[string]string, doc *planconfig.Document, fp string) []Finding {
	lvl := resolveLevel(doc, "broken-elf", fp)
	if lvl == planconfig.LevelOff {
		return nil
	}
	depRoots := artifactRoots(depArtifacts)

	var findings []Finding
	for _, b := range bins {
		for _, entry := range append(append([]string{}, b.rpath...), b.runpath...) {
			if entry == "" || strings.HasPrefix(entry, "$ORIGIN") {
				continue
			}
			if !underAnyRoot(entry, depRoots) {
				findings = append(findings, Finding{
					Rule:    "broken-elf",
					Level:   lvl,
					Message: "RPATH/RUNPATH entry does not resolve under any resolved dependency's artifact directory: " + entry,
					Path:    b.path,
				})
			}
		}
	}
	return findings
}

// checkMissingRuntimeDependency flags a DT_NEEDED entry with no declared
// runtime dependency providing a library of that name anywhere under the
// resolved dependency artifact set.
func checkMissingRuntimeDependency(bins []binary, depArtifacts map[string]string, doc *planconfig.Document, fp string) []Finding {
	lvl := resolveLevel(doc, "missing-runtime-dependency", fp)
	if lvl == planconfig.LevelOff {
		return nil
	}
	provided := providedLibraries(depArtifacts)

	var findings []Finding
	for _, b := range bins {
		for _, lib := range b.needed {
			if !provided[lib] {
				findings = append(findings, Finding{
					Rule:    "missing-runtime-dependency",
					Level:   lvl,
					Message: "NEEDED library has no corresponding declared runtime dependency: " + lib,
					Path:    b.path,
				})
			}
		}
	}
	return findings
}

// checkUnusedDependency flags a declared runtime dependency whose
// artifact directory's libraries are never referenced by any NEEDED
// entry in the built artifact, honoring the ignored_packages override
// parameter for plans that intentionally keep an unreferenced runtime
// dep (e.g. a plugin loaded with dlopen).
func checkUnusedDependency(rec *types.PlanRecord, bins []binary, depArtifacts map[string]string, doc *planconfig.Document, fp string) []Finding {
	lvl := resolveLevel(doc, "unused-dependency", fp)
	if lvl == planconfig.LevelOff {
		return nil
	}
	ignored := make(map[string]bool)
	if doc != nil {
		for _, pkg := range doc.IgnoredPackagesFor("unused-dependency", fp) {
			ignored[pkg] = true
		}
	}

	needed := make(map[string]bool)
	for _, b := range bins {
		for _, lib := range b.needed {
			needed[lib] = true
		}
	}

	var findings []Finding
	for _, dep := range rec.Deps {
		if !dep.Resolved || ignored[dep.Ident.String()] {
			continue
		}
		root, ok := depArtifacts[dep.Ident.String()]
		if !ok {
			continue
		}
		if !artifactProvidesAnyNeeded(root, needed) {
			findings = append(findings, Finding{
				Rule:    "unused-dependency",
				Level:   lvl,
				Message: "declared runtime dependency's libraries are never referenced by a NEEDED entry in the built artifact",
				Path:    dep.Ident.String(),
			})
		}
	}
	return findings
}

// checkEmptyPackage flags an artifact directory containing no files
// outside the bookkeeping metadata HAB itself writes.
func checkEmptyPackage(artifactDir string, doc *planconfig.Document, fp string) []Finding {
	lvl := resolveLevel(doc, "empty-package", fp)
	if lvl == planconfig.LevelOff {
		return nil
	}

	hasContent := false
	_ = filepath.WalkDir(artifactDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !bookkeepingFiles[d.Name()] {
			hasContent = true
		}
		return nil
	})
	if hasContent {
		return nil
	}
	return []Finding{{
		Rule:    "empty-package",
		Level:   lvl,
		Message: "built artifact contains no files outside bookkeeping metadata",
		Path:    artifactDir,
	}}
}

// bookkeepingFiles are the basenames HAB itself writes into a built
// artifact's directory and that never count toward empty-package.
var bookkeepingFiles = map[string]bool{
	"MANIFEST":      true,
	"IDENT":         true,
	"TARGET":        true,
	"BUILD_DEPS":    true,
	"RUNTIME_DEPS":  true,
	"RUNTIME_PATH":  true,
	"INTERPRETERS":  true,
}

func artifactRoots(depArtifacts map[string]string) []string {
	roots := make([]string, 0, len(depArtifacts))
	for _, root := range depArtifacts {
		roots = append(roots, filepath.Clean(root))
	}
	return roots
}

func underAnyRoot(entry string, roots []string) bool {
	clean := filepath.Clean(entry)
	for _, root := range roots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// providedLibraries walks every resolved dependency's artifact directory
// and collects the basenames of every file that looks like a shared
// library, keyed for direct lookup against a NEEDED entry.
func providedLibraries(depArtifacts map[string]string) map[string]bool {
	libs := make(map[string]bool)
	for _, root := range depArtifacts {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if strings.Contains(d.Name(), ".so") {
				libs[d.Name()] = true
			}
			return nil
		})
	}
	return libs
}

func artifactProvidesAnyNeeded(root string, needed map[string]bool) bool {
	found := false
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || found {
			return nil
		}
		if needed[d.Name()] {
			found = true
		}
		return nil
	})
	return found
}
