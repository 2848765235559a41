package training

import (
	"fmt"
)

// Explainer attributes a forest prediction to its encoded input columns.
// Implementations must return a base value and one contribution per column
// such that base + sum(contributions) equals the forest prediction.
type Explainer interface {
	Explain(forest *RandomForestRegressor, x []float64) (float64, []float64, error)
}

// PathExplainer walks each tree's decision path and credits the change in node
// value at every split to the column the split tests. The base value is the
// forest's mean root value.
type PathExplainer struct{}

// Explain implements Explainer
func (PathExplainer) Explain(forest *RandomForestRegressor, x []float64) (float64, []float64, error) {
	if len(forest.Trees) == 0 {
		return 0, nil, fmt.Errorf("model not trained")
	}
	if len(x) != forest.NumFeatures {
		return 0, nil, fmt.Errorf("expected %d features, got %d", forest.NumFeatures, len(x))
	}

	contributions := make([]float64, forest.NumFeatures)
	base := 0.0
	for _, tree := range forest.Trees {
		path := tree.Path(x)
		base += tree.Nodes[0].Value
		for k := 1; k < len(path); k++ {
			parent := tree.Nodes[path[k-1]]
			contributions[parent.Feature] += tree.Nodes[path[k]].Value - parent.Value
		}
	}

	scale := 1 / float64(len(forest.Trees))
	for j := range contributions {
		contributions[j] *= scale
	}
	return base * scale, contributions, nil
}
