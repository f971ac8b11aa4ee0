package ident

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/sabhiram/go-gitignore"
	"github.com/zeebo/blake3"
)

// Digest is a BLAKE3-256 content digest, held as its raw 32 bytes.
type Digest [32]byte

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range d {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// ParseDigest decodes the lowercase hex form String produces back into a
// Digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	n, err := hex.Decode(d[:], []byte(s))
	if err != nil {
		return Digest{}, err
	}
	if n != len(d) {
		return Digest{}, fmt.Errorf("ident: digest %q decodes to %d bytes, want %d", s, n, len(d))
	}
	return d, nil
}

// ignoreMatcher is the subset of gitignore.GitIgnore this package depends
// on, narrowed so callers can pass either a real parsed ignore file or a
// no-op matcher without importing go-gitignore themselves.
type ignoreMatcher interface {
	MatchesPath(path string) bool
}

type noopMatcher struct{}

func (noopMatcher) MatchesPath(string) bool { return false }

// NoIgnore is an ignoreMatcher that never excludes a path.
var NoIgnore ignoreMatcher = noopMatcher{}

// LoadIgnoreFile parses a .gitignore-style file at path. A missing file is
// treated as "nothing ignored" rather than an error.
func LoadIgnoreFile(path string) (ignoreMatcher, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NoIgnore, nil
	}
	m, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SourceFingerprint computes a BLAKE3 digest over an ordered traversal of
// contextDir: every regular file and symlink, sorted lexicographically by
// path relative to contextDir, honoring ignoreMatcher. For each entry the
// digest absorbs a length-prefixed relative path, the file mode, and either
// the file's content (regular files) or the symlink's target string
// (symlinks, not the resolved content). The result is independent of
// filesystem walk order and of the host's directory-entry ordering.
func SourceFingerprint(contextDir string, ignoreMatcher ignoreMatcher) (Digest, error) {
	if ignoreMatcher == nil {
		ignoreMatcher = NoIgnore
	}

	entries, err := walkEntries(contextDir, ignoreMatcher)
	if err != nil {
		return Digest{}, err
	}

	h := blake3.New()
	for _, e := range entries {
		writeLengthPrefixed(h, []byte(e.relPath))
		writeUint32(h, uint32(e.mode))
		if e.isLink {
			target, err := os.Readlink(e.absPath)
			if err != nil {
				return Digest{}, err
			}
			writeLengthPrefixed(h, []byte(target))
			continue
		}
		if err := hashFileContent(h, e.absPath); err != nil {
			return Digest{}, err
		}
	}

	var out Digest
	copy(out[:], h.Sum(nil))
	return out, nil
}

func hashFileContent(w io.Writer, path string) error {
	f, err := os.Open(path) // #nosec G304 - path comes from a directory walk the caller controls
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

type walkEntry struct {
	relPath string
	absPath string
	mode    fs.FileMode
	isLink  bool
}

func walkEntries(contextDir string, ignoreMatcher ignoreMatcher) ([]walkEntry, error) {
	var entries []walkEntry
	err := filepath.WalkDir(contextDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(contextDir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		slashRel := filepath.ToSlash(rel)
		if ignoreMatcher.MatchesPath(slashRel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, walkEntry{
			relPath: slashRel,
			absPath: path,
			mode:    info.Mode(),
			isLink:  info.Mode()&os.ModeSymlink != 0,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })
	return entries, nil
}

// ListFiles returns every regular file and symlink under contextDir,
// relative to it, sorted lexicographically and honoring ignoreMatcher —
// the same traversal SourceFingerprint hashes, exposed for callers (the
// change journal) that need the file list itself rather than a digest
// over it.
func ListFiles(contextDir string, ignoreMatcher ignoreMatcher) ([]string, error) {
	if ignoreMatcher == nil {
		ignoreMatcher = NoIgnore
	}
	entries, err := walkEntries(contextDir, ignoreMatcher)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.relPath
	}
	return out, nil
}

func writeLengthPrefixed(w io.Writer, b []byte) {
	writeUint32(w, uint32(len(b)))
	_, _ = w.Write(b)
}

func writeUint32(w io.Writer, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, _ = w.Write(buf[:])
}

// HashStrings computes a BLAKE3 digest over a length-prefixed
// concatenation of strs in the order given — callers that need an
// order-independent result should sort strs first.
func HashStrings(strs []string) Digest {
	h := blake3.New()
	for _, s := range strs {
		writeLengthPrefixed(h, []byte(s))
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// ResolvedDep pairs an identifier with the digest of the artifact that
// satisfies it, as recorded by the last successful build of that
// dependency.
type ResolvedDep struct {
	Ident  Ident  `json:"ident"`
	Digest Digest `json:"digest"`
}

// ArtifactFingerprint computes a BLAKE3 digest over the canonical JSON
// encoding of {ident, sorted resolved_dep_hashes, env_digest}. Sorting the
// resolved deps makes the result independent of dependency resolution
// order.
func ArtifactFingerprint(planIdent Ident, resolvedDeps []ResolvedDep, envDigest Digest) (Digest, error) {
	sorted := make([]ResolvedDep, len(resolvedDeps))
	copy(sorted, resolvedDeps)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Ident.String() < sorted[j].Ident.String()
	})

	payload := struct {
		Ident        string   `json:"ident"`
		ResolvedDeps []string `json:"resolved_deps"`
		EnvDigest    string   `json:"env_digest"`
	}{
		Ident:     planIdent.String(),
		EnvDigest: envDigest.String(),
	}
	for _, d := range sorted {
		payload.ResolvedDeps = append(payload.ResolvedDeps, d.Ident.String()+"="+d.Digest.String())
	}

	canon, err := json.Marshal(payload)
	if err != nil {
		return Digest{}, err
	}

	h := blake3.New()
	_, _ = h.Write(canon)
	var out Digest
	copy(out[:], h.Sum(nil))
	return out, nil
}
