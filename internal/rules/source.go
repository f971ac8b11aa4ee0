package rules

import (
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/licensecheck"

	"github.com/habitat-sh/hab-auto-build/internal/planconfig"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

// recognizedSourceSchemes are the URL schemes HAB's extractor knows how to
// fetch a plan's upstream archive through.
var recognizedSourceSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"git":   true,
}

// licenseTextGlobs are the basenames this check treats as candidate
// license text files, checked directly under a plan's context directory.
var licenseTextGlobs = []string{
	"LICENSE", "LICENSE.txt", "LICENSE.md",
	"COPYING", "COPYING.txt",
	"LICENSE-APACHE", "LICENSE-MIT",
}

// minLicenseConfidence is the similarity threshold below which a declared
// license's text is treated as not found, per spec.md §4.9.
const minLicenseConfidence = 0.8

// CheckSource runs every source check (missing-license, license-not-found,
// unknown-source-scheme, suspicious-patch) against rec, applying doc's
// per-plan overrides. Findings resolved to LevelOff are omitted.
func CheckSource(rec *types.PlanRecord, doc *planconfig.Document) []Finding {
	fp := rec.SourceFingerprint.String()
	var findings []Finding

	findings = append(findings, checkMissingLicense(rec, doc, fp)...)
	findings = append(findings, checkLicenseNotFound(rec, doc, fp)...)
	findings = append(findings, checkUnknownSourceScheme(rec, doc, fp)...)
	findings = append(findings, checkSuspiciousPatch(rec, doc, fp)...)

	return findings
}

func checkMissingLicense(rec *types.PlanRecord, doc *planconfig.Document, fp string) []Finding {
	if len(rec.Licenses) > 0 {
		return nil
	}
	lvl := resolveLevel(doc, "missing-license", fp)
	if lvl == planconfig.LevelOff {
		return nil
	}
	return []Finding{{
		Rule:    "missing-license",
		Level:   lvl,
		Message: "plan declares no licenses",
		Path:    rec.ContextPath,
	}}
}

func checkLicenseNotFound(rec *types.PlanRecord, doc *planconfig.Document, fp string) []Finding {
	if len(rec.Licenses) == 0 {
		return nil
	}
	lvl := resolveLevel(doc, "license-not-found", fp)
	if lvl == planconfig.LevelOff {
		return nil
	}

	texts := readLicenseTexts(rec.ContextPath)
	detected := detectedLicenses(texts)

	var findings []Finding
	for _, declared := range rec.Licenses {
		if !detected[declared] {
			findings = append(findings, Finding{
				Rule:    "license-not-found",
				Level:   lvl,
				Message: "declared license " + declared + " has no matching license text in the plan's context",
				Path:    rec.ContextPath,
			})
		}
	}
	return findings
}

// readLicenseTexts reads every candidate license file directly under
// contextPath that exists, keyed by its basename.
func readLicenseTexts(contextPath string) map[string][]byte {
	out := make(map[string][]byte)
	for _, name := range licenseTextGlobs {
		path := filepath.Join(contextPath, name)
		data, err := os.ReadFile(path) // #nosec G304 - fixed basenames under a discovered plan context
		if err != nil {
			continue
		}
		out[name] = data
	}
	return out
}

// detectedLicenses scans every license text found against the vendored
// SPDX corpus and returns the set of SPDX identifiers matched in any file
// whose overall scan coverage meets minLicenseConfidence — a file that is
// mostly boilerplate around a license grant still counts, but one where
// the license text is a small fragment of a much larger document does
// not.
func detectedLicenses(texts map[string][]byte) map[string]bool {
	detected := make(map[string]bool)
	for _, data := range texts {
		cov := licensecheck.Scan(data)
		if cov.Percent/100 < minLicenseConfidence {
			continue
		}
		for _, m := range cov.Match {
			detected[m.ID] = true
		}
	}
	return detected
}

func checkUnknownSourceScheme(rec *types.PlanRecord, doc *planconfig.Document, fp string) []Finding {
	if rec.Source.URL == "" {
		return nil // native plans with no upstream archive have no scheme to check
	}
	u, err := url.Parse(rec.Source.URL)
	if err != nil || !recognizedSourceSchemes[strings.ToLower(u.Scheme)] {
		lvl := resolveLevel(doc, "unknown-source-scheme", fp)
		if lvl == planconfig.LevelOff {
			return nil
		}
		return []Finding{{
			Rule:    "unknown-source-scheme",
			Level:   lvl,
			Message: "source URL scheme is not one of http, https, git: " + rec.Source.URL,
			Path:    rec.ContextPath,
		}}
	}
	return nil
}

// checkSuspiciousPatch flags any *.patch file under the plan's context
// whose unified-diff headers name a path that escapes the context
// directory once the conventional a/ or b/ prefix is stripped.
func checkSuspiciousPatch(rec *types.PlanRecord, doc *planconfig.Document, fp string) []Finding {
	matches, err := filepath.Glob(filepath.Join(rec.ContextPath, "*.patch"))
	if err != nil || len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)

	lvl := resolveLevel(doc, "suspicious-patch", fp)
	if lvl == planconfig.LevelOff {
		return nil
	}

	var findings []Finding
	for _, patchPath := range matches {
		data, err := os.ReadFile(patchPath) // #nosec G304 - path comes from a glob under a discovered plan context
		if err != nil {
			continue
		}
		for _, target := range diffTargets(string(data)) {
			if escapesContext(target) {
				findings = append(findings, Finding{
					Rule:    "suspicious-patch",
					Level:   lvl,
					Message: "patch touches a path outside the plan's context: " + target,
					Path:    patchPath,
				})
			}
		}
	}
	return findings
}

// diffTargets extracts every path named in a unified diff's "--- " / "+++ "
// headers, with the conventional a/ or b/ prefix stripped.
func diffTargets(diff string) []string {
	var targets []string
	for _, line := range strings.Split(diff, "\n") {
		var rest string
		switch {
		case strings.HasPrefix(line, "--- "):
			rest = line[4:]
		case strings.HasPrefix(line, "+++ "):
			rest = line[4:]
		default:
			continue
		}
		rest = strings.SplitN(rest, "\t", 2)[0]
		rest = strings.TrimSpace(rest)
		if rest == "/dev/null" || rest == "" {
			continue
		}
		if len(rest) > 2 && (rest[:2] == "a/" || rest[:2] == "b/") {
			rest = rest[2:]
		}
		targets = append(targets, rest)
	}
	return targets
}

// escapesContext reports whether a diff-header path, once cleaned,
// resolves outside the directory it is relative to.
func escapesContext(target string) bool {
	clean := filepath.Clean(target)
	return strings.HasPrefix(clean, "..") || filepath.IsAbs(clean)
}
