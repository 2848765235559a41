package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// RandomForestRegressor averages an ensemble of regression trees, each grown
// on a bootstrap sample of the training rows
type RandomForestRegressor struct {
	Trees       []*DecisionTreeRegressor `json:"trees"`
	NumTrees    int                      `json:"num_trees"`
	RandomSeed  int64                    `json:"random_seed"`
	Params      TreeParams               `json:"params"`
	NumFeatures int                      `json:"num_features"`

	// Workers bounds concurrent tree construction. 0 uses GOMAXPROCS.
	Workers int `json:"-"`
}

// NewRandomForestRegressor creates an unfitted forest
func NewRandomForestRegressor(numTrees int, seed int64, params TreeParams) *RandomForestRegressor {
	if numTrees <= 0 {
		numTrees = 100
	}
	return &RandomForestRegressor{
		NumTrees:   numTrees,
		RandomSeed: seed,
		Params:     params.withDefaults(),
	}
}

// Fit grows NumTrees trees in parallel. Each tree gets its own seed drawn in
// order from RandomSeed, so the fitted forest depends only on the inputs and
// the seed, never on scheduling.
func (rf *RandomForestRegressor) Fit(ctx context.Context, X *mat.Dense, y []float64) error {
	n, p := X.Dims()
	if n == 0 || p == 0 {
		return fmt.Errorf("cannot fit forest on empty matrix")
	}
	if len(y) != n {
		return fmt.Errorf("got %d targets for %d rows", len(y), n)
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("target %d is not finite", i)
		}
	}

	cols := make([][]float64, p)
	for j := range cols {
		cols[j] = mat.Col(nil, j, X)
	}

	master := rand.New(rand.NewSource(rf.RandomSeed))
	seeds := make([]int64, rf.NumTrees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	workers := rf.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	trees := make([]*DecisionTreeRegressor, rf.NumTrees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(seeds[i]))
			sample := make([]int, n)
			for k := range sample {
				sample[k] = rng.Intn(n)
			}
			tree := NewDecisionTreeRegressor(rf.Params, rng)
			if err := tree.fit(cols, y, sample); err != nil {
				return fmt.Errorf("tree %d: %w", i, err)
			}
			trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rf.Trees = trees
	rf.NumFeatures = p
	return nil
}

// PredictRow averages the trees' predictions for one encoded row
func (rf *RandomForestRegressor) PredictRow(x []float64) (float64, error) {
	if len(rf.Trees) == 0 {
		return 0, fmt.Errorf("model not trained")
	}
	if len(x) != rf.NumFeatures {
		return 0, fmt.Errorf("expected %d features, got %d", rf.NumFeatures, len(x))
	}
	sum := 0.0
	for _, tree := range rf.Trees {
		sum += tree.Nodes[tree.leaf(x)].Value
	}
	return sum / float64(len(rf.Trees)), nil
}

// Predict returns one prediction per row of X
func (rf *RandomForestRegressor) Predict(X *mat.Dense) ([]float64, error) {
	n, _ := X.Dims()
	out := make([]float64, n)
	for i := range out {
		v, err := rf.PredictRow(X.RawRowView(i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// PredictWithInterval returns the forest mean with a 95% band derived from
// the spread of individual tree predictions
func (rf *RandomForestRegressor) PredictWithInterval(x []float64) (value, lower, upper float64, err error) {
	value, err = rf.PredictRow(x)
	if err != nil {
		return 0, 0, 0, err
	}
	preds := make([]float64, len(rf.Trees))
	for i, tree := range rf.Trees {
		preds[i] = tree.Nodes[tree.leaf(x)].Value
	}
	_, variance := stat.PopMeanVariance(preds, nil)
	std := math.Sqrt(variance)
	return value, value - 1.96*std, value + 1.96*std, nil
}

// FeatureImportance returns normalised impurity-decrease importance per column
func (rf *RandomForestRegressor) FeatureImportance() []float64 {
	out := make([]float64, rf.NumFeatures)
	for _, tree := range rf.Trees {
		total := 0.0
		for _, v := range tree.Importances {
			total += v
		}
		if total == 0 {
			continue
		}
		for j, v := range tree.Importances {
			if j < len(out) {
				out[j] += v / total
			}
		}
	}
	if len(rf.Trees) > 0 {
		for j := range out {
			out[j] /= float64(len(rf.Trees))
		}
	}
	return out
}

// Validate checks a decoded forest before it is used for prediction
func (rf *RandomForestRegressor) Validate() error {
	if len(rf.Trees) == 0 {
		return fmt.Errorf("forest has no trees")
	}
	if rf.NumFeatures <= 0 {
		return fmt.Errorf("forest has no input columns")
	}
	for i, tree := range rf.Trees {
		if tree == nil {
			return fmt.Errorf("tree %d is missing", i)
		}
		if tree.NumFeatures != rf.NumFeatures {
			return fmt.Errorf("tree %d expects %d columns, forest has %d", i, tree.NumFeatures, rf.NumFeatures)
		}
		if err := tree.Validate(); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}
