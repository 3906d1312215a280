// Package pipeline orchestrates the analysis chain: embed every post,
// project the embeddings to 10D and 2D, then cluster the 10D projection.
// Stages run strictly in sequence with no retry and no partial commit; a
// failure at any stage leaves the caller's state untouched.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/postscope/postscope/internal/state"
)

// ErrInsufficientData is returned when the dataset is too small to project.
// The neighbor bound min(15, N-1) must be at least 2.
var ErrInsufficientData = errors.New("not enough data points to create a map")

const (
	defaultNeighbors = 15
	min2DDist        = 0.1
	embedBatchSize   = 10
	yieldEveryEpochs = 10
)

// Stage identifies where a run currently is.
type Stage int

const (
	StageIdle Stage = iota
	StageEmbedding
	StageReducing10D
	StageReducing2D
	StageClustering
	StageReady
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageEmbedding:
		return "embedding"
	case StageReducing10D:
		return "reducing-10d"
	case StageReducing2D:
		return "reducing-2d"
	case StageClustering:
		return "clustering"
	case StageReady:
		return "ready"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is a coarse report emitted between units of work.
type Progress struct {
	Stage     Stage
	Completed int
	Total     int
}

// ProgressFunc receives progress reports. May be nil.
type ProgressFunc func(Progress)

// Embedder turns texts into embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ReducerConfig parameterizes one dimensionality reducer.
type ReducerConfig struct {
	Components int
	Neighbors  int
	MinDist    float64
}

// Reducer is a fit-then-step dimensionality reducer. InitializeFit returns
// the epoch count; the caller drives Step that many times, then reads the
// projection with Embedding. SetEmbedding installs a precomputed projection
// so Transform works without re-fitting.
type Reducer interface {
	InitializeFit(data [][]float32) (epochs int, err error)
	Step()
	Embedding() [][]float64
	SetEmbedding(data [][]float64)
	Transform(vectors [][]float32) ([][]float64, error)
}

// ReducerFactory builds a reducer. Both reducers of a run receive the same
// RNG instance.
type ReducerFactory func(cfg ReducerConfig, rng *RNG) Reducer

// Clusterer assigns an integer label per point, state.NoiseLabel for points
// belonging to no cluster.
type Clusterer interface {
	Cluster(points [][]float64, minClusterSize int) ([]int, error)
}

// Result is the output of a full analysis run.
type Result struct {
	Embeddings [][]float32
	Data10D    [][]float64
	Data2D     [][]float64
	Labels     []int
}

// lastQuerySlot is the implicit cache slot cleared by an empty query.
const lastQuerySlot = "__last_query__"

// Orchestrator drives the analysis chain for one session. Not safe for
// concurrent use; the session layer serializes calls.
type Orchestrator struct {
	embedder   Embedder
	newReducer ReducerFactory
	clusterer  Clusterer
	log        *zap.Logger

	stage       Stage
	reducer2D   Reducer
	queryCoords map[string][]float64
}

// New builds an Orchestrator. A nil logger disables logging.
func New(embedder Embedder, factory ReducerFactory, clusterer Clusterer, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		embedder:    embedder,
		newReducer:  factory,
		clusterer:   clusterer,
		log:         log,
		stage:       StageIdle,
		queryCoords: make(map[string][]float64),
	}
}

// Stage reports where the last run got to.
func (o *Orchestrator) Stage() Stage {
	return o.stage
}

// RunFullAnalysis executes the whole chain over the given items: embedding
// in small batches, a 10D fit, a 2D fit, then clustering the 10D projection
// at the default minimum cluster size. One seeded RNG is shared across both
// fits. Long stages yield cooperatively and honor ctx between units of work.
func (o *Orchestrator) RunFullAnalysis(ctx context.Context, items []state.Item, onProgress ProgressFunc) (*Result, error) {
	o.queryCoords = make(map[string][]float64)
	o.reducer2D = nil

	neighbors := neighborBound(len(items))
	if neighbors < 2 {
		o.stage = StageFailed
		return nil, fmt.Errorf("%w: %d items", ErrInsufficientData, len(items))
	}

	o.stage = StageEmbedding
	embeddings, err := o.embedAll(ctx, items, onProgress)
	if err != nil {
		o.stage = StageFailed
		return nil, fmt.Errorf("embedding: %w", err)
	}

	rng := NewRNG(AnalysisSeed)

	o.stage = StageReducing10D
	reducer10 := o.newReducer(ReducerConfig{Components: 10, Neighbors: neighbors}, rng)
	if err := o.fit(ctx, reducer10, embeddings, StageReducing10D, onProgress); err != nil {
		o.stage = StageFailed
		return nil, fmt.Errorf("10d reduction: %w", err)
	}
	data10D := reducer10.Embedding()

	o.stage = StageReducing2D
	reducer2 := o.newReducer(ReducerConfig{Components: 2, Neighbors: neighbors, MinDist: min2DDist}, rng)
	if err := o.fit(ctx, reducer2, embeddings, StageReducing2D, onProgress); err != nil {
		o.stage = StageFailed
		return nil, fmt.Errorf("2d reduction: %w", err)
	}
	data2D := reducer2.Embedding()

	o.stage = StageClustering
	report(onProgress, Progress{Stage: StageClustering})
	labels, err := clusterInWorker(ctx, o.clusterer, data10D, state.DefaultMinClusterSize)
	if err != nil {
		o.stage = StageFailed
		return nil, fmt.Errorf("clustering: %w", err)
	}

	o.reducer2D = reducer2
	o.stage = StageReady
	o.log.Info("analysis complete",
		zap.Int("items", len(items)),
		zap.Int("clusters", countClusters(labels)))
	return &Result{Embeddings: embeddings, Data10D: data10D, Data2D: data2D, Labels: labels}, nil
}

// RunClustering re-clusters an existing 10D projection under a new minimum
// cluster size. Much cheaper than a full run; embeddings and projections
// are reused as-is.
func (o *Orchestrator) RunClustering(ctx context.Context, data10D [][]float64, minClusterSize int) ([]int, error) {
	if len(data10D) == 0 {
		return nil, errors.New("no 10d data available for clustering")
	}
	labels, err := clusterInWorker(ctx, o.clusterer, data10D, minClusterSize)
	if err != nil {
		return nil, fmt.Errorf("clustering: %w", err)
	}
	return labels, nil
}

// Rehydrate rebuilds the 2D reducer from saved state so TransformQuery works
// on a restored session. The fit is deterministic (fixed seed, same
// embeddings), so replaying the epoch loop reproduces the original transform
// basis exactly; the saved projections are then installed verbatim so the
// restored coordinates never drift from what was persisted.
func (o *Orchestrator) Rehydrate(embeddings [][]float32, data10D, data2D [][]float64) error {
	if len(embeddings) == 0 {
		return errors.New("cannot rehydrate without embeddings")
	}
	if len(data10D) == 0 || len(data2D) == 0 {
		return errors.New("cannot rehydrate without precomputed projections")
	}
	neighbors := neighborBound(len(embeddings))
	if neighbors < 2 {
		return fmt.Errorf("%w: %d items", ErrInsufficientData, len(embeddings))
	}

	// Same RNG and same reducer order as RunFullAnalysis, or the replayed
	// fits diverge from the originals.
	rng := NewRNG(AnalysisSeed)

	reducer10 := o.newReducer(ReducerConfig{Components: 10, Neighbors: neighbors}, rng)
	if err := refit(reducer10, embeddings); err != nil {
		return fmt.Errorf("rehydrate 10d: %w", err)
	}
	reducer10.SetEmbedding(data10D)

	reducer2 := o.newReducer(ReducerConfig{Components: 2, Neighbors: neighbors, MinDist: min2DDist}, rng)
	if err := refit(reducer2, embeddings); err != nil {
		return fmt.Errorf("rehydrate 2d: %w", err)
	}
	reducer2.SetEmbedding(data2D)

	o.reducer2D = reducer2
	o.stage = StageReady
	return nil
}

// TransformQuery maps arbitrary query text into the session's 2D space.
// Text matching an existing item exactly short-circuits to that item's
// coordinates. Results are memoized per session by exact text. Empty text
// clears the implicit current-query slot and returns nil coordinates.
func (o *Orchestrator) TransformQuery(ctx context.Context, text string, items []state.Item, data2D [][]float64) ([]float64, error) {
	if text == "" {
		delete(o.queryCoords, lastQuerySlot)
		return nil, nil
	}
	if o.reducer2D == nil {
		return nil, errors.New("pipeline not ready for transform")
	}

	for i := range items {
		if items[i].Content == text && i < len(data2D) {
			return data2D[i], nil
		}
	}

	if coords, ok := o.queryCoords[text]; ok {
		return coords, nil
	}

	vecs, err := o.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	projected, err := o.reducer2D.Transform(vecs)
	if err != nil {
		return nil, fmt.Errorf("transform query: %w", err)
	}
	if len(projected) == 0 {
		return nil, errors.New("transform produced no coordinates")
	}

	coords := projected[0]
	o.queryCoords[text] = coords
	return coords, nil
}

// embedAll embeds item contents in small batches, reporting progress and
// checking ctx between batches.
func (o *Orchestrator) embedAll(ctx context.Context, items []state.Item, onProgress ProgressFunc) ([][]float32, error) {
	texts := make([]string, len(items))
	for i := range items {
		texts[i] = items[i].Content
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := o.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch at %d: %w", start, err)
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("batch at %d: got %d vectors for %d texts", start, len(batch), end-start)
		}
		out = append(out, batch...)
		report(onProgress, Progress{Stage: StageEmbedding, Completed: end, Total: len(texts)})
		runtime.Gosched()
	}
	return out, nil
}

// fit runs a reducer's full epoch loop, yielding and reporting every few
// epochs so a long fit stays responsive to ctx.
func (o *Orchestrator) fit(ctx context.Context, r Reducer, embeddings [][]float32, stage Stage, onProgress ProgressFunc) error {
	epochs, err := r.InitializeFit(embeddings)
	if err != nil {
		return err
	}
	for i := 0; i < epochs; i++ {
		r.Step()
		if i%yieldEveryEpochs == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			report(onProgress, Progress{Stage: stage, Completed: i, Total: epochs})
			runtime.Gosched()
		}
	}
	report(onProgress, Progress{Stage: stage, Completed: epochs, Total: epochs})
	return nil
}

// refit replays a reducer's fit without progress reporting or cancellation.
// Used by Rehydrate, where the work is the same deterministic loop as the
// original run.
func refit(r Reducer, embeddings [][]float32) error {
	epochs, err := r.InitializeFit(embeddings)
	if err != nil {
		return err
	}
	for i := 0; i < epochs; i++ {
		r.Step()
	}
	return nil
}

func neighborBound(n int) int {
	if n-1 < defaultNeighbors {
		return n - 1
	}
	return defaultNeighbors
}

func report(f ProgressFunc, p Progress) {
	if f != nil {
		f(p)
	}
}

func countClusters(labels []int) int {
	seen := make(map[int]struct{})
	for _, l := range labels {
		if l != state.NoiseLabel {
			seen[l] = struct{}{}
		}
	}
	return len(seen)
}
