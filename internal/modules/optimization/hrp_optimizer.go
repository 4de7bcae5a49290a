package optimization

import (
	"fmt"
	"math"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/pkg/formulas"
)

// Linkage selects the cluster distance of the HRP dendrogram.
type Linkage string

const (
	LinkageSingle   Linkage = "single"
	LinkageComplete Linkage = "complete"
	LinkageAverage  Linkage = "average"
)

// HRPOptimizer performs Hierarchical Risk Parity allocation. Expected returns
// are ignored; weights depend on the covariance only.
type HRPOptimizer struct {
	linkage Linkage
}

var _ domain.Optimizer = (*HRPOptimizer)(nil)

// NewHRPOptimizer creates a new HRP optimizer; an empty linkage means single.
func NewHRPOptimizer(linkage Linkage) (*HRPOptimizer, error) {
	switch linkage {
	case "":
		linkage = LinkageSingle
	case LinkageSingle, LinkageComplete, LinkageAverage:
	default:
		return nil, fmt.Errorf("unknown HRP linkage %q", linkage)
	}
	return &HRPOptimizer{linkage: linkage}, nil
}

type clusterNode struct {
	left    *clusterNode
	right   *clusterNode
	leaves  []int
	minLeaf int
}

// Optimize runs the full HRP procedure:
// 1) correlation from covariance
// 2) distance d_ij = sqrt(2 * (1 - ρ_ij))
// 3) agglomerative clustering with deterministic tie-break
// 4) quasi-diagonal leaf order
// 5) recursive bisection with inverse-variance cluster variances
//
// A degenerate covariance (zero or negative variance) yields an empty map.
func (hrp *HRPOptimizer) Optimize(
	universe []string,
	_ map[string]float64,
	covariance [][]float64,
	_ map[string]float64,
) (map[string]float64, error) {
	if err := validateInputs(universe, nil, covariance, false); err != nil {
		return nil, err
	}
	switch len(universe) {
	case 0:
		return map[string]float64{}, nil
	case 1:
		if covariance[0][0] <= 0 {
			return map[string]float64{}, nil
		}
		return map[string]float64{universe[0]: 1.0}, nil
	}

	corr, err := formulas.CorrelationMatrixFromCovariance(covariance)
	if err != nil {
		return map[string]float64{}, nil
	}
	dist := formulas.CorrelationToDistance(corr)

	root := hrp.buildDendrogram(dist)
	order := quasiDiagonalOrder(root)
	if len(order) != len(universe) {
		return nil, fmt.Errorf("invalid HRP order length %d", len(order))
	}

	weights := make([]float64, len(universe))
	for i := range weights {
		weights[i] = 1.0
	}
	recursiveBisection(weights, covariance, order)

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return map[string]float64{}, nil
	}
	result := make(map[string]float64, len(universe))
	for i, sym := range universe {
		result[sym] = weights[i] / sum
	}
	return result, nil
}

func (hrp *HRPOptimizer) buildDendrogram(dist [][]float64) *clusterNode {
	n := len(dist)
	clusters := make([]*clusterNode, 0, n)
	for i := 0; i < n; i++ {
		clusters = append(clusters, &clusterNode{leaves: []int{i}, minLeaf: i})
	}

	for len(clusters) > 1 {
		bestI, bestJ := 0, 1
		bestD := hrp.clusterDistance(dist, clusters[0], clusters[1])
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				d := hrp.clusterDistance(dist, clusters[i], clusters[j])
				if d < bestD || (d == bestD && pairLess(clusters[i], clusters[j], clusters[bestI], clusters[bestJ])) {
					bestD, bestI, bestJ = d, i, j
				}
			}
		}

		left, right := clusters[bestI], clusters[bestJ]
		if right.minLeaf < left.minLeaf {
			left, right = right, left
		}
		merged := &clusterNode{
			left:    left,
			right:   right,
			leaves:  append(append([]int{}, left.leaves...), right.leaves...),
			minLeaf: left.minLeaf,
		}

		next := make([]*clusterNode, 0, len(clusters)-1)
		for k, c := range clusters {
			if k != bestI && k != bestJ {
				next = append(next, c)
			}
		}
		clusters = append(next, merged)
	}
	return clusters[0]
}

// pairLess orders cluster pairs by their (smaller, larger) minimum leaves.
func pairLess(a1, b1, a2, b2 *clusterNode) bool {
	x1, y1 := a1.minLeaf, b1.minLeaf
	if y1 < x1 {
		x1, y1 = y1, x1
	}
	x2, y2 := a2.minLeaf, b2.minLeaf
	if y2 < x2 {
		x2, y2 = y2, x2
	}
	if x1 != x2 {
		return x1 < x2
	}
	return y1 < y2
}

func (hrp *HRPOptimizer) clusterDistance(dist [][]float64, a, b *clusterNode) float64 {
	switch hrp.linkage {
	case LinkageComplete:
		worst := math.Inf(-1)
		for _, i := range a.leaves {
			for _, j := range b.leaves {
				worst = math.Max(worst, dist[i][j])
			}
		}
		return worst
	case LinkageAverage:
		sum := 0.0
		for _, i := range a.leaves {
			for _, j := range b.leaves {
				sum += dist[i][j]
			}
		}
		return sum / float64(len(a.leaves)*len(b.leaves))
	default:
		best := math.Inf(1)
		for _, i := range a.leaves {
			for _, j := range b.leaves {
				best = math.Min(best, dist[i][j])
			}
		}
		return best
	}
}

func quasiDiagonalOrder(node *clusterNode) []int {
	if node == nil {
		return nil
	}
	if node.left == nil && node.right == nil {
		return []int{node.leaves[0]}
	}
	return append(quasiDiagonalOrder(node.left), quasiDiagonalOrder(node.right)...)
}

func recursiveBisection(weights []float64, cov [][]float64, order []int) {
	if len(order) <= 1 {
		return
	}
	split := len(order) / 2
	left, right := order[:split], order[split:]

	vLeft := clusterVariance(cov, left)
	vRight := clusterVariance(cov, right)
	alpha := 0.5
	if vLeft+vRight > 0 {
		alpha = 1.0 - vLeft/(vLeft+vRight)
	}
	alpha = math.Max(0.0, math.Min(1.0, alpha))

	for _, idx := range left {
		weights[idx] *= alpha
	}
	for _, idx := range right {
		weights[idx] *= 1.0 - alpha
	}
	recursiveBisection(weights, cov, left)
	recursiveBisection(weights, cov, right)
}

// clusterVariance is w'Σw of the cluster's inverse-variance portfolio.
func clusterVariance(cov [][]float64, idxs []int) float64 {
	if len(idxs) == 1 {
		return math.Max(cov[idxs[0]][idxs[0]], 0.0)
	}
	const eps = 1e-12
	inv := make([]float64, len(idxs))
	sumInv := 0.0
	for k, i := range idxs {
		inv[k] = 1.0 / math.Max(cov[i][i], eps)
		sumInv += inv[k]
	}
	for k := range inv {
		inv[k] /= sumInv
	}
	variance := 0.0
	for a, i := range idxs {
		for b, j := range idxs {
			variance += inv[a] * cov[i][j] * inv[b]
		}
	}
	return math.Max(variance, 0.0)
}
