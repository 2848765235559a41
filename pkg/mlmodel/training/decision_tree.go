package training

import (
	"cmp"
	"fmt"
	"math"
	"math/rand"
	"slices"
)

// leafFeature marks a node with no split
const leafFeature = -1

// TreeNode is one node of a regression tree. Nodes are stored flat and
// reference their children by index into DecisionTreeRegressor.Nodes.
type TreeNode struct {
	Feature   int     `json:"feature"`             // Column index, -1 for leaves
	Threshold float64 `json:"threshold,omitempty"` // Samples with x <= threshold go left
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Value     float64 `json:"value"`   // Mean target of the training samples reaching this node
	Samples   int     `json:"samples"` // Number of training samples reaching this node
}

// IsLeaf reports whether the node has no children
func (n TreeNode) IsLeaf() bool {
	return n.Feature == leafFeature
}

// TreeParams holds the growth limits shared by every tree in a forest
type TreeParams struct {
	MaxDepth        int `json:"max_depth"`         // 0 means unlimited
	MinSamplesSplit int `json:"min_samples_split"` // Minimum samples needed to split a node
	MinSamplesLeaf  int `json:"min_samples_leaf"`  // Minimum samples on each side of a split
	MaxFeatures     int `json:"max_features"`      // Candidate columns per split, 0 means all
}

func (p TreeParams) withDefaults() TreeParams {
	if p.MinSamplesSplit < 2 {
		p.MinSamplesSplit = 2
	}
	if p.MinSamplesLeaf < 1 {
		p.MinSamplesLeaf = 1
	}
	return p
}

// DecisionTreeRegressor is a CART regression tree grown by variance reduction
type DecisionTreeRegressor struct {
	Nodes       []TreeNode `json:"nodes"`
	NumFeatures int        `json:"num_features"`
	Importances []float64  `json:"importances,omitempty"` // Total squared-error reduction per column

	params TreeParams
	rng    *rand.Rand
	cols   [][]float64
	y      []float64
}

// NewDecisionTreeRegressor creates an unfitted tree. rng drives column
// sampling when MaxFeatures is set.
func NewDecisionTreeRegressor(params TreeParams, rng *rand.Rand) *DecisionTreeRegressor {
	return &DecisionTreeRegressor{params: params.withDefaults(), rng: rng}
}

// fit grows the tree on the samples named by indices. cols is column-major
// and may be shared read-only between trees. indices may repeat.
func (t *DecisionTreeRegressor) fit(cols [][]float64, y []float64, indices []int) error {
	if len(indices) == 0 {
		return fmt.Errorf("no training samples")
	}
	t.cols, t.y = cols, y
	t.NumFeatures = len(cols)
	t.Nodes = t.Nodes[:0]
	t.Importances = make([]float64, len(cols))

	t.grow(slices.Clone(indices), 0)

	t.cols, t.y = nil, nil
	return nil
}

// grow appends the subtree for indices and returns its root index
func (t *DecisionTreeRegressor) grow(indices []int, depth int) int {
	n := len(indices)
	sum, sumSq := 0.0, 0.0
	for _, i := range indices {
		sum += t.y[i]
		sumSq += t.y[i] * t.y[i]
	}

	id := len(t.Nodes)
	t.Nodes = append(t.Nodes, TreeNode{Feature: leafFeature, Value: sum / float64(n), Samples: n})

	if t.params.MaxDepth > 0 && depth >= t.params.MaxDepth {
		return id
	}
	if n < t.params.MinSamplesSplit || n < 2*t.params.MinSamplesLeaf {
		return id
	}
	parentSSE := sumSq - sum*sum/float64(n)
	if parentSSE <= 1e-12 {
		return id
	}

	feature, threshold, gain, ok := t.bestSplit(indices, sum)
	if !ok {
		return id
	}

	left := make([]int, 0, n)
	right := make([]int, 0, n)
	for _, i := range indices {
		if t.cols[feature][i] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return id
	}

	t.Importances[feature] += gain
	l := t.grow(left, depth+1)
	r := t.grow(right, depth+1)
	t.Nodes[id].Feature = feature
	t.Nodes[id].Threshold = threshold
	t.Nodes[id].Left = l
	t.Nodes[id].Right = r
	return id
}

// bestSplit scans every candidate column in sorted order and returns the
// split with the largest squared-error reduction. Ties keep the earlier column.
func (t *DecisionTreeRegressor) bestSplit(indices []int, sum float64) (int, float64, float64, bool) {
	n := len(indices)
	minLeaf := t.params.MinSamplesLeaf
	parentScore := sum * sum / float64(n)

	bestFeature, bestThreshold := -1, 0.0
	bestScore := parentScore + 1e-12

	sorted := make([]int, n)
	for _, f := range t.candidateFeatures() {
		x := t.cols[f]
		copy(sorted, indices)
		slices.SortFunc(sorted, func(a, b int) int {
			if c := cmp.Compare(x[a], x[b]); c != 0 {
				return c
			}
			return cmp.Compare(a, b)
		})
		if x[sorted[0]] == x[sorted[n-1]] {
			continue
		}

		leftSum := 0.0
		for k := 0; k < n-1; k++ {
			leftSum += t.y[sorted[k]]
			if x[sorted[k]] == x[sorted[k+1]] {
				continue
			}
			leftN := k + 1
			rightN := n - leftN
			if leftN < minLeaf || rightN < minLeaf {
				continue
			}
			rightSum := sum - leftSum
			score := leftSum*leftSum/float64(leftN) + rightSum*rightSum/float64(rightN)
			if score > bestScore {
				bestScore = score
				bestFeature = f
				bestThreshold = (x[sorted[k]] + x[sorted[k+1]]) / 2
			}
		}
	}

	if bestFeature < 0 {
		return 0, 0, 0, false
	}
	return bestFeature, bestThreshold, bestScore - parentScore, true
}

func (t *DecisionTreeRegressor) candidateFeatures() []int {
	p := len(t.cols)
	k := t.params.MaxFeatures
	if k <= 0 || k >= p || t.rng == nil {
		all := make([]int, p)
		for i := range all {
			all[i] = i
		}
		return all
	}
	picked := t.rng.Perm(p)[:k]
	slices.Sort(picked)
	return picked
}

// leaf returns the index of the leaf x falls into
func (t *DecisionTreeRegressor) leaf(x []float64) int {
	id := 0
	for !t.Nodes[id].IsLeaf() {
		node := t.Nodes[id]
		if x[node.Feature] <= node.Threshold {
			id = node.Left
		} else {
			id = node.Right
		}
	}
	return id
}

// Predict returns the value of the leaf x falls into
func (t *DecisionTreeRegressor) Predict(x []float64) (float64, error) {
	if len(t.Nodes) == 0 {
		return 0, fmt.Errorf("tree not trained")
	}
	if len(x) != t.NumFeatures {
		return 0, fmt.Errorf("expected %d features, got %d", t.NumFeatures, len(x))
	}
	return t.Nodes[t.leaf(x)].Value, nil
}

// Path returns the node indices visited from the root to x's leaf
func (t *DecisionTreeRegressor) Path(x []float64) []int {
	path := []int{0}
	id := 0
	for !t.Nodes[id].IsLeaf() {
		node := t.Nodes[id]
		if x[node.Feature] <= node.Threshold {
			id = node.Left
		} else {
			id = node.Right
		}
		path = append(path, id)
	}
	return path
}

// Depth returns the length of the longest root-to-leaf path
func (t *DecisionTreeRegressor) Depth() int {
	if len(t.Nodes) == 0 {
		return 0
	}
	var walk func(id int) int
	walk = func(id int) int {
		node := t.Nodes[id]
		if node.IsLeaf() {
			return 0
		}
		return 1 + max(walk(node.Left), walk(node.Right))
	}
	return walk(0)
}

// Validate checks the structural integrity of a decoded tree
func (t *DecisionTreeRegressor) Validate() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("tree has no nodes")
	}
	for i, node := range t.Nodes {
		if math.IsNaN(node.Value) || math.IsInf(node.Value, 0) {
			return fmt.Errorf("node %d has non-finite value", i)
		}
		if node.IsLeaf() {
			continue
		}
		if node.Feature < 0 || node.Feature >= t.NumFeatures {
			return fmt.Errorf("node %d splits on column %d of %d", i, node.Feature, t.NumFeatures)
		}
		if node.Left <= i || node.Right <= i || node.Left >= len(t.Nodes) || node.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children", i)
		}
	}
	return nil
}
