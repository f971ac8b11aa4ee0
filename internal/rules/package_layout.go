package rules

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/habitat-sh/hab-auto-build/internal/ident"
	"github.com/habitat-sh/hab-auto-build/internal/planconfig"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

// CheckPackageLayout runs the package-layout artifact checks recovered
// from check/artifact/package.rs beyond unused-dependency:
// bad-runtime-path-entry, missing-runtime-path-entry-dependency,
// missing-dependency-artifact, duplicate-dependency,
// empty-top-level-directory, broken-link, duplicate-runtime-binary.
func CheckPackageLayout(rec *types.PlanRecord, artifactDir string, depArtifacts map[string]string, doc *planconfig.Document) ([]Finding, error) {
	fp := rec.SourceFingerprint.String()
	var findings []Finding

	rtFindings, err := checkRuntimePathEntries(rec, artifactDir, doc, fp)
	if err != nil {
		return nil, err
	}
	findings = append(findings, rtFindings...)

	findings = append(findings, checkMissingDependencyArtifact(rec, depArtifacts, doc, fp)...)
	findings = append(findings, checkDuplicateDependency(rec, doc, fp)...)

	emptyFindings, err := checkEmptyTopLevelDirectories(artifactDir, doc, fp)
	if err != nil {
		return nil, err
	}
	findings = append(findings, emptyFindings...)

	brokenFindings, err := checkBrokenLinks(artifactDir, doc, fp)
	if err != nil {
		return nil, err
	}
	findings = append(findings, brokenFindings...)

	findings = append(findings, checkDuplicateRuntimeBinary(rec, depArtifacts, doc, fp)...)

	return findings, nil
}

// checkRuntimePathEntries reads the artifact's RUNTIME_PATH bookkeeping
// file (a colon-joined list of directories this package prepends to
// PATH at run time) and flags an entry that resolves outside any
// habitat package at all, or into a package that is not one of this
// plan's declared runtime dependencies.
func checkRuntimePathEntries(rec *types.PlanRecord, artifactDir string, doc *planconfig.Document, fp string) ([]Finding, error) {
	data, err := os.ReadFile(filepath.Join(artifactDir, "RUNTIME_PATH")) // #nosec G304 - fixed basename under this build's own artifact directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	declared := map[ident.Key]bool{rec.Key(): true}
	for _, d := range rec.Deps {
		if d.Resolved {
			declared[d.Ident.Key()] = true
		}
	}

	var findings []Finding
	for _, entry := range strings.FieldsFunc(string(data), func(r rune) bool { return r == ':' || r == '\n' }) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, ok := packageIdentForPath(entry)
		if !ok {
			if lvl := resolveLevel(doc, "bad-runtime-path-entry", fp); lvl != planconfig.LevelOff {
				findings = append(findings, Finding{
					Rule:    "bad-runtime-path-entry",
					Level:   lvl,
					Message: "runtime path entry does not belong to a habitat package: " + entry,
					Path:    entry,
				})
			}
			continue
		}
		if !declared[key] {
			if lvl := resolveLevel(doc, "missing-runtime-path-entry-dependency", fp); lvl != planconfig.LevelOff {
				findings = append(findings, Finding{
					Rule:    "missing-runtime-path-entry-dependency",
					Level:   lvl,
					Message: fmt.Sprintf("runtime path entry %s belongs to %s/%s, which is not a runtime dependency of this package", entry, key.Origin, key.Name),
					Path:    entry,
				})
			}
		}
	}
	return findings, nil
}

// checkMissingDependencyArtifact flags a declared runtime dependency
// with no resolved artifact directory the executor could hand to this
// check, or whose directory has since disappeared from the store.
func checkMissingDependencyArtifact(rec *types.PlanRecord, depArtifacts map[string]string, doc *planconfig.Document, fp string) []Finding {
	lvl := resolveLevel(doc, "missing-dependency-artifact", fp)
	if lvl == planconfig.LevelOff {
		return nil
	}
	var findings []Finding
	for _, dep := range rec.Deps {
		if !dep.Resolved {
			continue
		}
		root, ok := depArtifacts[dep.Ident.String()]
		missing := !ok
		if ok {
			if info, err := os.Stat(root); err != nil || !info.IsDir() {
				missing = true
			}
		}
		if missing {
			findings = append(findings, Finding{
				Rule:    "missing-dependency-artifact",
				Level:   lvl,
				Message: "could not find an artifact for dependency required by this package: " + dep.Ident.String(),
				Path:    dep.Ident.String(),
			})
		}
	}
	return findings
}

// checkDuplicateDependency flags a package declared as both a runtime
// dep and a build_dep, which the original implementation treats as an
// authoring mistake rather than a legitimate double declaration.
func checkDuplicateDependency(rec *types.PlanRecord, doc *planconfig.Document, fp string) []Finding {
	lvl := resolveLevel(doc, "duplicate-dependency", fp)
	if lvl == planconfig.LevelOff {
		return nil
	}
	buildDeps := make(map[ident.Key]bool, len(rec.BuildDeps))
	for _, d := range rec.BuildDeps {
		if d.Resolved {
			buildDeps[d.Ident.Key()] = true
		}
	}

	seen := make(map[ident.Key]bool)
	var findings []Finding
	for _, d := range rec.Deps {
		if !d.Resolved || seen[d.Ident.Key()] || !buildDeps[d.Ident.Key()] {
			continue
		}
		seen[d.Ident.Key()] = true
		findings = append(findings, Finding{
			Rule:    "duplicate-dependency",
			Level:   lvl,
			Message: "declared as both a runtime dependency and a build dependency: " + d.Ident.String(),
			Path:    d.Ident.String(),
		})
	}
	return findings
}

// checkEmptyTopLevelDirectories flags a directory directly under the
// artifact root (bin, lib, etc.) that contains no files at any depth,
// usually a leftover from a build step that stages a directory it never
// populates.
func checkEmptyTopLevelDirectories(artifactDir string, doc *planconfig.Document, fp string) ([]Finding, error) {
	lvl := resolveLevel(doc, "empty-top-level-directory", fp)
	if lvl == planconfig.LevelOff {
		return nil, nil
	}

	entries, err := os.ReadDir(artifactDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var findings []Finding
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		hasFile := false
		top := filepath.Join(artifactDir, e.Name())
		walkErr := filepath.WalkDir(top, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			hasFile = true
			return nil
		})
		if walkErr != nil {
			return nil, walkErr
		}
		if !hasFile {
			findings = append(findings, Finding{
				Rule:    "empty-top-level-directory",
				Level:   lvl,
				Message: "top level directory contains no files: " + e.Name(),
				Path:    e.Name(),
			})
		}
	}
	return findings, nil
}

// checkBrokenLinks flags a symlink under the artifact whose target does
// not exist, resolving a relative target against the link's own
// directory the way the filesystem would.
func checkBrokenLinks(artifactDir string, doc *planconfig.Document, fp string) ([]Finding, error) {
	lvl := resolveLevel(doc, "broken-link", fp)
	if lvl == planconfig.LevelOff {
		return nil, nil
	}

	var findings []Finding
	err := filepath.WalkDir(artifactDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		target, readErr := os.Readlink(path)
		if readErr != nil {
			return nil
		}
		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(path), target)
		}
		if _, statErr := os.Stat(resolved); statErr != nil {
			rel, relErr := filepath.Rel(artifactDir, path)
			if relErr != nil {
				rel = path
			}
			findings = append(findings, Finding{
				Rule:    "broken-link",
				Level:   lvl,
				Message: "symlink target does not exist: " + target,
				Path:    filepath.ToSlash(rel),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}

// checkDuplicateRuntimeBinary flags a binary basename available in more
// than one declared runtime dependency's bin directory, in the
// dependency declaration order: the first dependency to provide a name
// is the primary; every later provider of the same name is a duplicate,
// since only one of them will actually be found on PATH.
func checkDuplicateRuntimeBinary(rec *types.PlanRecord, depArtifacts map[string]string, doc *planconfig.Document, fp string) []Finding {
	lvl := resolveLevel(doc, "duplicate-runtime-binary", fp)
	if lvl == planconfig.LevelOff {
		return nil
	}

	seen := make(map[string]string) // basename -> first path providing it
	var findings []Finding
	for _, dep := range rec.Deps {
		if !dep.Resolved {
			continue
		}
		root, ok := depArtifacts[dep.Ident.String()]
		if !ok {
			continue
		}
		binDir := filepath.Join(root, "bin")
		entries, err := os.ReadDir(binDir)
		if err != nil {
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			path := filepath.Join(binDir, name)
			if primary, exists := seen[name]; exists {
				findings = append(findings, Finding{
					Rule:    "duplicate-runtime-binary",
					Level:   lvl,
					Message: fmt.Sprintf("binary %s is also provided at %s, it was first found at %s", name, path, primary),
					Path:    path,
				})
				continue
			}
			seen[name] = path
		}
	}
	return findings
}
