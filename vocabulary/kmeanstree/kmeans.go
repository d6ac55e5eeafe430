package kmeanstree

import (
	"context"
	"math/rand"

	"github.com/muesli/clusters"

	"go.viam.com/objectretrieval/utils"
)

// seedCenters picks k initial centers among the members with k-means++.
func seedCenters(rng *rand.Rand, features []clusters.Coordinates, members []int, k int) clusters.Clusters {
	centers := make(clusters.Clusters, 0, k)
	first := features[members[rng.Intn(len(members))]]
	centers = append(centers, clusters.Cluster{Center: copyCoordinates(first)})

	dists := make([]float64, len(members))
	for i, m := range members {
		dists[i] = features[m].Distance(first)
	}
	for len(centers) < k {
		total := 0.
		for _, d := range dists {
			total += d
		}
		pick := 0
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range dists {
				target -= d
				if target <= 0 {
					pick = i
					break
				}
				pick = i
			}
		} else {
			pick = rng.Intn(len(members))
		}
		next := features[members[pick]]
		centers = append(centers, clusters.Cluster{Center: copyCoordinates(next)})
		for i, m := range members {
			if d := features[m].Distance(next); d < dists[i] {
				dists[i] = d
			}
		}
	}
	return centers
}

func copyCoordinates(c clusters.Coordinates) clusters.Coordinates {
	return append(clusters.Coordinates(nil), c...)
}

// assign sets assignment[i] to the nearest center of members[i] and reports whether any
// assignment changed. Ties go to the lowest center.
func assign(features []clusters.Coordinates, members []int, centers clusters.Clusters, assignment []int) bool {
	changed := make([]bool, len(members))
	//nolint:errcheck
	utils.ParallelForEach(context.Background(), len(members), func(i int) {
		c := centers.Nearest(features[members[i]])
		if c != assignment[i] {
			assignment[i] = c
			changed[i] = true
		}
	})
	for _, ch := range changed {
		if ch {
			return true
		}
	}
	return false
}

// kmeans clusters the members into k groups and returns the centers and, per member, the
// index of its nearest final center.
func kmeans(rng *rand.Rand, features []clusters.Coordinates, members []int, k, maxIterations int) (clusters.Clusters, []int) {
	centers := seedCenters(rng, features, members, k)
	assignment := make([]int, len(members))
	for i := range assignment {
		assignment[i] = -1
	}
	assign(features, members, centers, assignment)
	for iter := 0; iter < maxIterations; iter++ {
		centers.Reset()
		for i, m := range members {
			centers[assignment[i]].Append(features[m])
		}
		// empty clusters keep their previous center
		centers.Recenter()
		if !assign(features, members, centers, assignment) {
			break
		}
	}
	centers.Reset()
	return centers, assignment
}
