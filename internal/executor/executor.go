// Package executor dispatches the dirty set (C7's output) to the
// external builder binary, bounded by a bounded-parallel scheduler that
// promotes a plan to "ready" only once every dependency inside the dirty
// set has finished building successfully.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/habitat-sh/hab-auto-build/internal/graph"
	"github.com/habitat-sh/hab-auto-build/internal/ident"
	"github.com/habitat-sh/hab-auto-build/internal/store"
	"github.com/habitat-sh/hab-auto-build/internal/telemetry"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

// Status is the terminal state of one plan's build attempt.
type Status string

const (
	StatusBuilt   Status = "built"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of attempting to build (or skip) one plan.
type Result struct {
	Node     graph.NodeID
	Status   Status
	Err      error
	Duration time.Duration
	Output   string // captured stdout+stderr in full; a failure's Err quotes only its last 20 lines
}

// MtimeSource supplies the "current" timestamp for a file, mirroring
// changes.MtimeSource so the executor can record the same alternate_mtime
// C5 will later compare against, without importing internal/changes just
// for this one method.
type MtimeSource interface {
	CurrentTimestamp(ctx context.Context, contextPath, filePath string) (time.Time, error)
}

// PostBuildCheck runs the rule engine (C9) over a freshly built artifact.
// depArtifacts maps each resolved dependency identifier to the artifact
// directory it last built into, letting the rule engine validate RPATH/
// RUNPATH entries and NEEDED libraries against the actual resolved
// dependency set. fatal reports whether the finding(s) should be treated
// as a build failure under the active check_level gate.
type PostBuildCheck func(ctx context.Context, rec *types.PlanRecord, artifactDir string, depArtifacts map[string]string) (fatal bool, err error)

// Options configures one executor run.
type Options struct {
	// Jobs bounds build parallelism. Defaults to the number of detected
	// cores when <= 0.
	Jobs int

	// BuilderBinary is the external builder HAB shells out to for every
	// plan (e.g. hab-studio, or a CI-local stub in tests). It is invoked
	// as `BuilderBinary <plan_context> <repo_root> <target>`.
	BuilderBinary string

	// RepoRoot and Target are the second and third positional arguments
	// passed to the builder. They are not set in its environment.
	RepoRoot string
	Target   string

	// OriginKeys, when set, is forwarded as HAB_ORIGIN_KEYS — grounded in
	// the original implementation's own invocation of the Habitat studio
	// builder, which requires a signing key to be present in the
	// environment it execs into.
	OriginKeys string

	// GraceTimeout is how long an in-flight subprocess is given to exit
	// after a graceful-termination signal before it is killed outright.
	GraceTimeout time.Duration

	// Check runs the rule engine over a successful build's artifact. Nil
	// skips the gate entirely (useful for tests exercising scheduling
	// alone).
	Check PostBuildCheck

	// Mtime resolves the "current" timestamp recorded for each of a
	// plan's files after a successful build, so the next change-journal
	// computation sees a plan it just built as clean. Defaults to a
	// filesystem-mtime comparator when nil.
	Mtime MtimeSource
}

// Executor runs one dirty-set build to completion.
type Executor struct {
	opts  Options
	g     *graph.Graph
	st    store.Store
	tracer trace.Tracer
}

// New constructs an Executor bound to a graph and persistent store. st is
// used both to resolve dependency artifact paths (for plans not rebuilt
// in this invocation) and to commit each successful build.
func New(opts Options, g *graph.Graph, st store.Store) *Executor {
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.NumCPU()
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = 30 * time.Second
	}
	if opts.Mtime == nil {
		opts.Mtime = filesystemMtimeSource{}
	}
	return &Executor{opts: opts, g: g, st: st, tracer: telemetry.Tracer("")}
}

// filesystemMtimeSource is the executor's default MtimeSource: a file's
// current timestamp is its on-disk modification time, matching
// changes.FilesystemSource for callers that never configure `-m git`.
type filesystemMtimeSource struct{}

func (filesystemMtimeSource) CurrentTimestamp(_ context.Context, contextPath, filePath string) (time.Time, error) {
	info, err := os.Stat(filepath.Join(contextPath, filePath))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Run drives every node in order (already topologically sorted by C7) to
// completion, honoring in-dirty-set dependency ordering: a node is only
// dispatched once every dependency that is itself part of order has
// reached StatusBuilt. A dependency's failure (or its own skip)
// transitively skips every reverse-dependent in order, which is never
// attempted.
func (e *Executor) Run(ctx context.Context, order []graph.NodeID) (map[graph.NodeID]*Result, error) {
	inOrder := make(map[graph.NodeID]bool, len(order))
	for _, n := range order {
		inOrder[n] = true
	}

	feedback := make(map[graph.Edge]bool, len(e.g.FeedbackEdges))
	for _, edge := range e.g.FeedbackEdges {
		feedback[edge] = true
	}

	var mu sync.Mutex
	results := make(map[graph.NodeID]*Result, len(order))
	remaining := make(map[graph.NodeID]int, len(order))
	for _, n := range order {
		count := 0
		for _, edge := range e.g.OutEdges(n) {
			if inOrder[edge.To] && !feedback[edge] {
				count++
			}
		}
		remaining[n] = count
	}

	ready := make(chan graph.NodeID, len(order))
	var readyCount int
	for _, n := range order {
		if remaining[n] == 0 {
			ready <- n
			readyCount++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Jobs)

	// dispatched counts every node that has passed through the ready
	// channel, whether it ends up actually built or pre-marked skipped —
	// both paths are funneled through `ready` so this counter alone
	// decides when every node in order has reached a terminal result.
	var dispatched int
	for dispatched < len(order) {
		select {
		case <-gctx.Done():
			return results, drainSkipped(order, results, gctx.Err())
		case n := <-ready:
			dispatched++
			node := n
			g.Go(func() error {
				mu.Lock()
				precomputed := results[node]
				mu.Unlock()

				res := precomputed
				if res == nil {
					res = e.runOne(gctx, node)
				}

				mu.Lock()
				results[node] = res
				var promoted []graph.NodeID
				for _, edge := range e.g.InEdges(node) {
					dependent := edge.From
					if !inOrder[dependent] || results[dependent] != nil || feedback[edge] {
						continue
					}
					if res.Status != StatusBuilt {
						promoted = append(promoted, markSkipped(e.g, dependent, inOrder, results, node)...)
						continue
					}
					remaining[dependent]--
					if remaining[dependent] == 0 {
						promoted = append(promoted, dependent)
					}
				}
				mu.Unlock()

				for _, p := range promoted {
					select {
					case ready <- p:
					case <-gctx.Done():
					}
				}
				return nil
			})
		}
	}

	_ = g.Wait()
	return results, nil
}

// runOne invokes the builder for a single plan inside an OTel span,
// feeding its elapsed time to build_times via CommitBuild on success.
func (e *Executor) runOne(ctx context.Context, n graph.NodeID) *Result {
	rec := e.g.Node(n)
	ctx, span := e.tracer.Start(ctx, "executor.build",
		trace.WithAttributes(attribute.String("hab.plan", rec.ID.String())),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	start := time.Now()
	res := &Result{Node: n}

	depArtifacts, resolvedDeps, err := e.resolveDepArtifacts(ctx, rec)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	out, envDigest, err := e.invokeBuilder(ctx, rec, depArtifacts)
	res.Output = out
	res.Duration = time.Since(start)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	artifactDir := filepath.Join(rec.ContextPath, "results")
	if e.opts.Check != nil {
		fatal, checkErr := e.opts.Check(ctx, rec, artifactDir, depArtifacts)
		if checkErr != nil {
			res.Status, res.Err = StatusFailed, checkErr
			span.RecordError(checkErr)
			span.SetStatus(codes.Error, checkErr.Error())
			return res
		}
		if fatal {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("rule engine rejected artifact for %s", rec.ID)
			span.SetStatus(codes.Error, res.Err.Error())
			return res
		}
	}

	artifactHash, err := ident.ArtifactFingerprint(rec.ID, resolvedDeps, envDigest)
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("computing artifact fingerprint: %w", err)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return res
	}

	files, err := e.currentFileModifications(ctx, rec)
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("recording file modifications: %w", err)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return res
	}

	if err := e.st.CommitBuild(ctx, store.PlanCommit{
		PlanIdentifier: rec.ID.String(),
		BuildIdent:     rec.ID.String(),
		DurationSec:    res.Duration.Seconds(),
		Files:          files,
		Artifact: store.ArtifactContext{
			Hash:       artifactHash.String(),
			Identifier: rec.ID.String(),
			BuiltAt:    start,
			Outputs:    []string{artifactDir},
			DepsUsed:   depHashList(resolvedDeps),
			EnvDigest:  envDigest.String(),
		},
		Source: store.SourceContext{
			Identifier:        rec.ID.String(),
			SourceFingerprint: rec.SourceFingerprint.String(),
		},
	}); err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("committing build: %w", err)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return res
	}

	res.Status = StatusBuilt
	return res
}

// currentFileModifications lists every file under rec's context (honoring
// its ignore file, same as C5's own traversal) and records its current
// mtime as seen by the active MtimeSource. Writing these into the same
// commit that records the artifact is what makes a build idempotent
// (P3): without it, C5 would recompute SourceModified against the stale
// mtimes recorded before this build on every subsequent invocation.
func (e *Executor) currentFileModifications(ctx context.Context, rec *types.PlanRecord) ([]store.FileModification, error) {
	ignoreMatcher, err := ident.LoadIgnoreFile(rec.ContextPath + "/.gitignore")
	if err != nil {
		return nil, err
	}
	files, err := ident.ListFiles(rec.ContextPath, ignoreMatcher)
	if err != nil {
		return nil, err
	}

	out := make([]store.FileModification, 0, len(files))
	for _, f := range files {
		current, err := e.opts.Mtime.CurrentTimestamp(ctx, rec.ContextPath, f)
		if err != nil {
			return nil, fmt.Errorf("reading current timestamp for %s: %w", f, err)
		}
		info, err := os.Stat(filepath.Join(rec.ContextPath, f))
		if err != nil {
			return nil, err
		}
		out = append(out, store.FileModification{
			PlanContextPath: rec.ContextPath,
			FilePath:        f,
			RealMtime:       info.ModTime(),
			AlternateMtime:  current,
		})
	}
	return out, nil
}

// resolveDepArtifacts looks up the artifact path and content hash
// recorded for each of rec's resolved runtime/build dependencies. The
// path map populates the builder's dependency-path environment variable
// and feeds the rule engine's RPATH/RUNPATH checks; the resolved-digest
// list feeds this build's own artifact fingerprint and its DepsUsed
// record, which C5 compares against a dependency's current hash to
// detect DependencyRebuilt.
func (e *Executor) resolveDepArtifacts(ctx context.Context, rec *types.PlanRecord) (map[string]string, []ident.ResolvedDep, error) {
	paths := make(map[string]string)
	var resolved []ident.ResolvedDep
	all := append(append([]types.DepRef{}, rec.Deps...), rec.BuildDeps...)
	if rec.ScaffoldingDep != nil {
		all = append(all, *rec.ScaffoldingDep)
	}
	for _, dep := range all {
		if !dep.Resolved {
			continue
		}
		artifact, err := e.st.LatestArtifactContext(ctx, dep.Ident.String())
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("resolving artifact for dependency %s: %w", dep.Ident, err)
		}
		if len(artifact.Outputs) > 0 {
			paths[dep.Ident.String()] = artifact.Outputs[0]
		}
		if artifact.Hash != "" {
			digest, err := ident.ParseDigest(artifact.Hash)
			if err != nil {
				return nil, nil, fmt.Errorf("parsing artifact hash for dependency %s: %w", dep.Ident, err)
			}
			resolved = append(resolved, ident.ResolvedDep{Ident: dep.Ident, Digest: digest})
		}
	}
	return paths, resolved, nil
}

// invokeBuilder runs the configured external builder binary with
// (plan_context, repo_root, target) and an environment exposing resolved
// dependency-artifact paths, streaming stdout/stderr while also
// capturing them for post-mortem (spec.md §4.8). A grace-terminate then
// kill sequence is honored on cancellation (§5). The returned digest
// hashes the exact build-affecting environment this invocation exposed
// to the builder, feeding the artifact's env_digest and its fingerprint.
func (e *Executor) invokeBuilder(ctx context.Context, rec *types.PlanRecord, depArtifacts map[string]string) (string, ident.Digest, error) {
	buildEnv := []string{
		"HAB_LICENSE=accept-no-persist",
		"HAB_DEP_ARTIFACT_PATHS=" + joinDepArtifacts(depArtifacts),
	}
	if e.opts.OriginKeys != "" {
		buildEnv = append(buildEnv, "HAB_ORIGIN_KEYS="+e.opts.OriginKeys)
	}
	envDigest := hashEnv(buildEnv)

	cmd := exec.CommandContext(ctx, e.opts.BuilderBinary, rec.ContextPath, e.opts.RepoRoot, e.opts.Target)
	cmd.Env = append(os.Environ(), buildEnv...)

	var buf bytes.Buffer
	w := io.MultiWriter(os.Stdout, &buf)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = e.opts.GraceTimeout
	cmd.Cancel = func() error {
		return cmd.Process.Signal(gracefulSignal())
	}

	err := cmd.Run()
	if err != nil {
		return buf.String(), envDigest, fmt.Errorf("builder for %s: %w: %s", rec.ID, err, lastLines(buf.String(), 20))
	}
	return buf.String(), envDigest, nil
}

// hashEnv computes a BLAKE3 digest over the sorted build-affecting
// environment variables exposed to the builder, so two builds with
// identical sources and dependencies but a different resolved
// environment (e.g. a different HAB_ORIGIN_KEYS) fingerprint
// differently.
func hashEnv(vars []string) ident.Digest {
	sorted := append([]string{}, vars...)
	sort.Strings(sorted)
	return ident.HashStrings(sorted)
}

func joinDepArtifacts(paths map[string]string) string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+paths[k])
	}
	return strings.Join(parts, ":")
}

// depHashList renders resolved as a sorted "identifier=hash" list, the
// form C5's DependencyRebuilt detection compares against a dependency's
// current artifact hash.
func depHashList(resolved []ident.ResolvedDep) []string {
	out := make([]string, len(resolved))
	for i, d := range resolved {
		out[i] = d.Ident.String() + "=" + d.Digest.String()
	}
	sort.Strings(out)
	return out
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// markSkipped marks dep and every node that transitively depends on it
// (restricted to inOrder) as Skipped{upstream}, without attempting them,
// and returns every node newly marked so the caller can route them
// through the same ready-channel accounting as a normally built node.
func markSkipped(g *graph.Graph, dep graph.NodeID, inOrder map[graph.NodeID]bool, results map[graph.NodeID]*Result, upstream graph.NodeID) []graph.NodeID {
	if results[dep] != nil {
		return nil
	}
	upstreamRec := g.Node(upstream)
	results[dep] = &Result{
		Node:   dep,
		Status: StatusSkipped,
		Err:    fmt.Errorf("skipped: upstream dependency %s failed", upstreamRec.ID),
	}
	marked := []graph.NodeID{dep}
	for _, edge := range g.InEdges(dep) {
		if inOrder[edge.From] {
			marked = append(marked, markSkipped(g, edge.From, inOrder, results, dep)...)
		}
	}
	return marked
}

// drainSkipped fills in a Skipped result (reason: invocation cancelled)
// for every node in order that never got a terminal result, used when
// the run is aborted by context cancellation.
func drainSkipped(order []graph.NodeID, results map[graph.NodeID]*Result, cause error) error {
	for _, n := range order {
		if results[n] == nil {
			results[n] = &Result{Node: n, Status: StatusSkipped, Err: fmt.Errorf("skipped: %w", cause)}
		}
	}
	return cause
}
