// Package reduce implements the dimensionality reducer driven by the
// analysis pipeline: an incremental principal-component projection whose
// fit is split into steps so the caller can interleave progress reporting
// and cancellation checks. Principal directions are found by power
// iteration with deflation; the shared session RNG seeds the starting
// vectors, so a fixed seed gives a fixed projection.
package reduce

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/postscope/postscope/internal/pipeline"
)

const itersPerComponent = 30

// PCA satisfies the pipeline's fit-then-step reducer contract.
type PCA struct {
	cfg pipeline.ReducerConfig
	rng *pipeline.RNG

	centered *mat.Dense
	// work is the deflating copy consumed by the component search; centered
	// stays pristine for the final projection.
	work *mat.Dense
	mean []float64
	dims int

	// Power-iteration cursor: which component is being refined and the
	// current estimate of its direction.
	components *mat.Dense
	current    int
	iter       int
	direction  *mat.VecDense

	embedding [][]float64
}

// New builds a PCA reducer for the pipeline's ReducerFactory slot.
func New(cfg pipeline.ReducerConfig, rng *pipeline.RNG) pipeline.Reducer {
	return &PCA{cfg: cfg, rng: rng}
}

// InitializeFit centers the data and prepares the component search. The
// returned epoch count is the total number of Step calls needed to refine
// every requested component.
func (p *PCA) InitializeFit(data [][]float32) (int, error) {
	n := len(data)
	if n < 2 {
		return 0, fmt.Errorf("need at least 2 points, got %d", n)
	}
	p.dims = len(data[0])
	if p.dims == 0 {
		return 0, errors.New("zero-dimensional input")
	}
	if p.cfg.Components <= 0 || p.cfg.Components > p.dims {
		return 0, fmt.Errorf("cannot extract %d components from %d dims", p.cfg.Components, p.dims)
	}

	p.mean = make([]float64, p.dims)
	for _, row := range data {
		if len(row) != p.dims {
			return 0, fmt.Errorf("ragged input: row has %d dims, want %d", len(row), p.dims)
		}
		for j, v := range row {
			p.mean[j] += float64(v)
		}
	}
	for j := range p.mean {
		p.mean[j] /= float64(n)
	}

	p.centered = mat.NewDense(n, p.dims, nil)
	for i, row := range data {
		for j, v := range row {
			p.centered.Set(i, j, float64(v)-p.mean[j])
		}
	}
	p.work = mat.DenseCopyOf(p.centered)

	p.components = mat.NewDense(p.cfg.Components, p.dims, nil)
	p.current = 0
	p.iter = 0
	p.direction = p.randomUnit()
	p.embedding = nil

	return p.cfg.Components * itersPerComponent, nil
}

// Step advances the power iteration by one multiply-and-normalize round.
// Calling Step more times than the epoch count is harmless.
func (p *PCA) Step() {
	if p.work == nil || p.current >= p.cfg.Components {
		return
	}

	// v <- C^T C v, renormalized.
	n, _ := p.work.Dims()
	tmp := mat.NewVecDense(n, nil)
	tmp.MulVec(p.work, p.direction)
	next := mat.NewVecDense(p.dims, nil)
	next.MulVec(p.work.T(), tmp)
	if norm := mat.Norm(next, 2); norm > 0 {
		next.ScaleVec(1/norm, next)
		p.direction = next
	}

	p.iter++
	if p.iter < itersPerComponent {
		return
	}

	p.components.SetRow(p.current, vecData(p.direction))
	p.deflate()
	p.current++
	p.iter = 0
	if p.current < p.cfg.Components {
		p.direction = p.randomUnit()
	}
}

// deflate removes the finished component from the centered data so the next
// power iteration converges to an orthogonal direction.
func (p *PCA) deflate() {
	n, _ := p.work.Dims()
	scores := mat.NewVecDense(n, nil)
	scores.MulVec(p.work, p.direction)
	var outer mat.Dense
	outer.Outer(1, scores, p.direction)
	p.work.Sub(p.work, &outer)
}

// Embedding returns the fitted projection, computing it on first use.
func (p *PCA) Embedding() [][]float64 {
	if p.embedding != nil {
		return p.embedding
	}
	if p.centered == nil {
		return nil
	}
	n, _ := p.centered.Dims()
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = p.project(p.centeredRow(i))
	}
	p.embedding = out
	return out
}

// SetEmbedding installs a precomputed projection so restored sessions serve
// the persisted coordinates verbatim. Transform still projects against the
// fitted component basis, so callers must run the fit loop first.
func (p *PCA) SetEmbedding(data [][]float64) {
	p.embedding = data
}

// Transform projects new vectors into the fitted space.
func (p *PCA) Transform(vectors [][]float32) ([][]float64, error) {
	if p.components == nil {
		return nil, errors.New("reducer not fitted")
	}
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		if len(v) != p.dims {
			return nil, fmt.Errorf("vector %d has %d dims, want %d", i, len(v), p.dims)
		}
		centered := make([]float64, p.dims)
		for j, x := range v {
			centered[j] = float64(x) - p.mean[j]
		}
		out[i] = p.project(centered)
	}
	return out, nil
}

func (p *PCA) project(centered []float64) []float64 {
	out := make([]float64, p.cfg.Components)
	for c := 0; c < p.cfg.Components; c++ {
		row := p.components.RawRowView(c)
		sum := 0.0
		for j := range centered {
			sum += centered[j] * row[j]
		}
		out[c] = sum
	}
	return out
}

func (p *PCA) centeredRow(i int) []float64 {
	row := make([]float64, p.dims)
	for j := 0; j < p.dims; j++ {
		row[j] = p.centered.At(i, j)
	}
	return row
}

func (p *PCA) randomUnit() *mat.VecDense {
	v := mat.NewVecDense(p.dims, nil)
	for j := 0; j < p.dims; j++ {
		v.SetVec(j, p.rng.Float64()-0.5)
	}
	if norm := mat.Norm(v, 2); norm > 0 {
		v.ScaleVec(1/norm, v)
	}
	return v
}

func vecData(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
