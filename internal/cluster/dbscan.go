// Package cluster implements the density clusterer consumed by the analysis
// pipeline: DBSCAN over euclidean distance with a minimum-cluster-size
// filter on top. The reach radius is estimated from the data itself, so the
// only tunable exposed to the user is the minimum cluster size. Points the
// algorithm cannot place get the noise label -1; real cluster labels are
// compacted to 0..k-1 in order of first appearance.
package cluster

import (
	"errors"
	"math"
	"sort"

	"github.com/postscope/postscope/internal/state"
)

// DBSCAN satisfies the pipeline's Clusterer contract.
type DBSCAN struct{}

// New returns a DBSCAN clusterer.
func New() *DBSCAN {
	return &DBSCAN{}
}

// Cluster labels each point, -1 for noise. minClusterSize bounds both the
// core-point density and the smallest surviving cluster: groups below the
// bound dissolve into noise.
func (*DBSCAN) Cluster(points [][]float64, minClusterSize int) ([]int, error) {
	n := len(points)
	if n == 0 {
		return nil, errors.New("no points to cluster")
	}
	if minClusterSize < 2 {
		minClusterSize = 2
	}

	minPts := minClusterSize
	if minPts > n {
		minPts = n
	}
	eps := estimateEps(points, minPts)

	labels := runDBSCAN(points, eps, minPts)
	dissolveSmallClusters(labels, minClusterSize)
	compactLabels(labels)
	return labels, nil
}

const undefined = math.MinInt

func runDBSCAN(points [][]float64, eps float64, minPts int) []int {
	n := len(points)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = undefined
	}

	clusterID := -1
	for i := 0; i < n; i++ {
		if labels[i] != undefined {
			continue
		}

		neighbors := rangeQuery(points, i, eps)
		if len(neighbors) < minPts {
			labels[i] = state.NoiseLabel
			continue
		}

		clusterID++
		labels[i] = clusterID

		seed := make([]int, 0, len(neighbors))
		for _, j := range neighbors {
			if j != i {
				seed = append(seed, j)
			}
		}

		for len(seed) > 0 {
			q := seed[0]
			seed = seed[1:]

			if labels[q] == state.NoiseLabel {
				labels[q] = clusterID
			}
			if labels[q] != undefined {
				continue
			}
			labels[q] = clusterID

			qNeighbors := rangeQuery(points, q, eps)
			if len(qNeighbors) >= minPts {
				seed = append(seed, qNeighbors...)
			}
		}
	}
	return labels
}

func rangeQuery(points [][]float64, idx int, eps float64) []int {
	var result []int
	q := points[idx]
	for i, p := range points {
		if euclidean(q, p) <= eps {
			result = append(result, i)
		}
	}
	return result
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// estimateEps picks the reach radius as the median of each point's distance
// to its (minPts-1)-th nearest neighbor. Dense datasets get a tight radius,
// sparse ones a wide one.
func estimateEps(points [][]float64, minPts int) float64 {
	n := len(points)
	k := minPts - 1
	if k < 1 {
		k = 1
	}
	if k >= n {
		k = n - 1
	}
	if k < 1 {
		return 0
	}

	kDists := make([]float64, 0, n)
	dists := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			dists[j] = euclidean(points[i], points[j])
		}
		sort.Float64s(dists)
		kDists = append(kDists, dists[k])
	}
	sort.Float64s(kDists)

	eps := kDists[len(kDists)/2]
	if eps == 0 {
		// Degenerate data with coincident points; any positive radius works.
		eps = 1e-9
	}
	return eps
}

// dissolveSmallClusters reassigns members of undersized clusters to noise.
func dissolveSmallClusters(labels []int, minClusterSize int) {
	counts := make(map[int]int)
	for _, l := range labels {
		if l != state.NoiseLabel {
			counts[l]++
		}
	}
	for i, l := range labels {
		if l != state.NoiseLabel && counts[l] < minClusterSize {
			labels[i] = state.NoiseLabel
		}
	}
}

// compactLabels renumbers surviving clusters to 0..k-1 in order of first
// appearance.
func compactLabels(labels []int) {
	next := 0
	remap := make(map[int]int)
	for i, l := range labels {
		if l == state.NoiseLabel {
			continue
		}
		id, ok := remap[l]
		if !ok {
			id = next
			remap[l] = id
			next++
		}
		labels[i] = id
	}
}
