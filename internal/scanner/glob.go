package scanner

import "strings"

// MatchGlob reports whether path (slash-separated, relative to a repo root)
// matches pattern, where "**" means "any number of path segments" and "*"
// matches within a single segment, mirroring the canonical glob semantics
// spec.md §4.3 calls for.
//
// The standard library's path/filepath.Match has no "**" concept, and no
// example repo in this codebase's corpus imports a doublestar-glob library,
// so this is a small hand-rolled matcher rather than a dependency: the
// alternative from the corpus would be sabhiram/go-gitignore, whose syntax
// is gitignore-specific and a poor fit for absolute ignored_packages /
// native_packages glob patterns (see DESIGN.md).
func MatchGlob(pattern, path string) bool {
	patSegs := strings.Split(pattern, "/")
	pathSegs := strings.Split(path, "/")
	return matchSegs(patSegs, pathSegs)
}

func matchSegs(pat, path []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(path); i++ {
				if matchSegs(pat[1:], path[i:]) {
					return true
				}
			}
			return false
		}
		if len(path) == 0 {
			return false
		}
		if !matchSegment(pat[0], path[0]) {
			return false
		}
		pat = pat[1:]
		path = path[1:]
	}
	return len(path) == 0
}

// matchSegment implements '*' and '?' within one path segment.
func matchSegment(pat, s string) bool {
	// Standard '*'/'?' glob matching via dynamic programming, scoped to a
	// single path segment (no '/' is ever present here).
	m, n := len(pat), len(s)
	dp := make([][]bool, m+1)
	for i := range dp {
		dp[i] = make([]bool, n+1)
	}
	dp[0][0] = true
	for i := 1; i <= m; i++ {
		if pat[i-1] == '*' {
			dp[i][0] = dp[i-1][0]
		}
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			switch pat[i-1] {
			case '*':
				dp[i][j] = dp[i-1][j] || dp[i][j-1]
			case '?':
				dp[i][j] = dp[i-1][j-1]
			default:
				dp[i][j] = dp[i-1][j-1] && pat[i-1] == s[j-1]
			}
		}
	}
	return dp[m][n]
}
