package pipeline

import "context"

// Clustering runs in a one-shot worker goroutine with pure message passing:
// one request in, one response out, then the goroutine exits. The worker
// shares no mutable state with the caller, so an abandoned run (caller gave
// up on ctx) can finish in the background and be garbage collected without
// coordination.

type clusterRequest struct {
	points         [][]float64
	minClusterSize int
}

type clusterResponse struct {
	labels []int
	err    error
}

func clusterInWorker(ctx context.Context, c Clusterer, points [][]float64, minClusterSize int) ([]int, error) {
	requests := make(chan clusterRequest, 1)
	responses := make(chan clusterResponse, 1)

	go func() {
		req := <-requests
		labels, err := c.Cluster(req.points, req.minClusterSize)
		responses <- clusterResponse{labels: labels, err: err}
	}()

	requests <- clusterRequest{points: points, minClusterSize: minClusterSize}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-responses:
		return resp.labels, resp.err
	}
}
