package convex

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
	"go.viam.com/objectretrieval/utils"
	"go.viam.com/objectretrieval/vision/segmentation/graph"
)

// colorModel is a gaussian over hue in degrees and saturation.
type colorModel struct {
	mean [2]float64
	cov  *mat.SymDense
	size int
}

func hueSaturations(cloud pointcloud.PointCloud) [][2]float64 {
	hs := make([][2]float64, 0, cloud.Size())
	cloud.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		h, s := d.HueSaturation()
		hs = append(hs, [2]float64{h, s})
		return true
	})
	return hs
}

// covarianceAround returns the covariance of samples around mean, normalized by n.
func covarianceAround(samples [][2]float64, mean [2]float64, n int) *mat.SymDense {
	cov := mat.NewSymDense(2, nil)
	if n == 0 {
		return cov
	}
	var c00, c01, c11 float64
	for _, x := range samples {
		d0, d1 := x[0]-mean[0], x[1]-mean[1]
		c00 += d0 * d0
		c01 += d0 * d1
		c11 += d1 * d1
	}
	cov.SetSym(0, 0, c00/float64(n))
	cov.SetSym(0, 1, c01/float64(n))
	cov.SetSym(1, 1, c11/float64(n))
	return cov
}

func newColorModel(samples [][2]float64) *colorModel {
	m := &colorModel{size: len(samples)}
	for _, x := range samples {
		m.mean[0] += x[0]
		m.mean[1] += x[1]
	}
	if m.size > 0 {
		m.mean[0] /= float64(m.size)
		m.mean[1] /= float64(m.size)
	}
	m.cov = covarianceAround(samples, m.mean, m.size)
	return m
}

// klDivergence is KL(p || q) between two 2-D gaussians. The result is NaN or infinite
// when either covariance is singular.
func klDivergence(p, q *colorModel) float64 {
	detP, detQ := mat.Det(p.cov), mat.Det(q.cov)
	if detP <= 0 || detQ <= 0 {
		return math.NaN()
	}
	var inv mat.Dense
	if err := inv.Inverse(q.cov); err != nil {
		return math.NaN()
	}
	var prod mat.Dense
	prod.Mul(&inv, p.cov)
	diff := mat.NewVecDense(2, []float64{q.mean[0] - p.mean[0], q.mean[1] - p.mean[1]})
	mahalanobis := mat.Inner(diff, &inv, diff)
	return 0.5 * (math.Log(detQ) - math.Log(detP) - 2 + mat.Trace(&prod) + mahalanobis)
}

// A ColorRefiner lowers edge weights between color-dissimilar supervoxels and splits the
// partitions again.
type ColorRefiner struct {
	cfg         ColorConfig
	partitioner *Partitioner
	logger      logging.Logger
}

// NewColorRefiner returns a refiner that re-splits with the given partitioner.
func NewColorRefiner(cfg ColorConfig, partitioner *Partitioner, logger logging.Logger) (*ColorRefiner, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "color config error")
	}
	if partitioner == nil {
		return nil, errors.New("color refiner needs a partitioner")
	}
	return &ColorRefiner{cfg: cfg, partitioner: partitioner, logger: logger}, nil
}

// Split reweights the edges of every partition with at least the minimum model size and
// re-splits it. Vertex names index voxelClouds. Smaller partitions are passed through.
// The input partitions are not modified.
func (cr *ColorRefiner) Split(partitions []*graph.Graph, voxelClouds []pointcloud.PointCloud) ([]*graph.Graph, error) {
	models := make(map[int]*colorModel)
	samples := make(map[int][][2]float64)
	modelFor := func(name int) (*colorModel, error) {
		if m, ok := models[name]; ok {
			return m, nil
		}
		if name < 0 || name >= len(voxelClouds) {
			return nil, errors.Errorf("vertex %d has no voxel cloud (%d clouds)", name, len(voxelClouds))
		}
		hs := hueSaturations(voxelClouds[name])
		samples[name] = hs
		models[name] = newColorModel(hs)
		return models[name], nil
	}

	var out []*graph.Graph
	for _, part := range partitions {
		if part.NumVertices() < cr.cfg.MinModelSize {
			out = append(out, part)
			continue
		}
		names := part.Names()
		svModels := make([]*colorModel, len(names))
		for i, name := range names {
			m, err := modelFor(name)
			if err != nil {
				return nil, err
			}
			svModels[i] = m
		}
		whole := partitionModel(svModels, names, samples)

		reweighted := part.Copy()
		skipped := 0
		for _, e := range part.Edges() {
			u, v := svModels[e.U], svModels[e.V]
			dist := klDivergence(u, v) / math.Min(klDivergence(whole, v), klDivergence(whole, u))
			if !utils.IsFinite(dist) {
				skipped++
				continue
			}
			//nolint:errcheck
			reweighted.SetWeight(e.U, e.V, e.Weight-cr.cfg.Weight*dist)
		}
		split := cr.partitioner.RecursiveSplit(reweighted)
		cr.logger.Debugw("color refined partition", "vertices", part.NumVertices(), "skipped_edges", skipped, "parts", len(split))
		out = append(out, split...)
	}
	return out, nil
}

// partitionModel combines supervoxel models: the mean is weighted by supervoxel size and
// the covariance is pooled over all member samples around that mean.
func partitionModel(models []*colorModel, names []int, samples map[int][][2]float64) *colorModel {
	whole := &colorModel{}
	for _, m := range models {
		whole.mean[0] += float64(m.size) * m.mean[0]
		whole.mean[1] += float64(m.size) * m.mean[1]
		whole.size += m.size
	}
	if whole.size > 0 {
		whole.mean[0] /= float64(whole.size)
		whole.mean[1] /= float64(whole.size)
	}
	var pooled [][2]float64
	for _, name := range names {
		pooled = append(pooled, samples[name]...)
	}
	whole.cov = covarianceAround(pooled, whole.mean, whole.size)
	return whole
}
