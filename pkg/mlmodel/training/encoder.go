package training

import (
	"fmt"
	"slices"
	"sync"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/models"
	"gonum.org/v1/gonum/mat"
)

// Vocabulary is the set of category values seen for one field during fitting
type Vocabulary struct {
	Field  string   `json:"field"`
	Values []string `json:"values"` // Sorted
}

// OneHotEncoder expands categorical fields into indicator columns and passes
// numeric fields through unchanged. Category values not seen at fit time
// encode as all zeros.
type OneHotEncoder struct {
	Categorical  []string     `json:"categorical"`
	Numeric      []string     `json:"numeric"`
	Vocabularies []Vocabulary `json:"vocabularies"`

	once    sync.Once
	lookup  []map[string]int
	offsets []int
	width   int
}

// NewOneHotEncoder creates an unfitted encoder over the contract's fields
func NewOneHotEncoder(contract *features.Contract) *OneHotEncoder {
	return &OneHotEncoder{
		Categorical: contract.Categorical(),
		Numeric:     contract.Numeric(),
	}
}

// Fit learns the vocabulary of every categorical field
func (e *OneHotEncoder) Fit(rows []models.FeatureRow) error {
	if len(rows) == 0 {
		return fmt.Errorf("cannot fit encoder on empty data")
	}

	vocabs := make([]Vocabulary, len(e.Categorical))
	for i, field := range e.Categorical {
		seen := make(map[string]struct{})
		for _, row := range rows {
			v, err := features.CategoricalValue(row, field)
			if err != nil {
				return err
			}
			seen[v] = struct{}{}
		}
		values := make([]string, 0, len(seen))
		for v := range seen {
			values = append(values, v)
		}
		slices.Sort(values)
		vocabs[i] = Vocabulary{Field: field, Values: values}
	}

	e.Vocabularies = vocabs
	e.once = sync.Once{}
	return nil
}

// Fitted reports whether the encoder has a vocabulary for every categorical field
func (e *OneHotEncoder) Fitted() bool {
	return len(e.Vocabularies) == len(e.Categorical)
}

func (e *OneHotEncoder) prepare() {
	e.once.Do(func() {
		e.lookup = make([]map[string]int, len(e.Vocabularies))
		e.offsets = make([]int, len(e.Vocabularies))
		offset := 0
		for i, vocab := range e.Vocabularies {
			e.offsets[i] = offset
			e.lookup[i] = make(map[string]int, len(vocab.Values))
			for j, v := range vocab.Values {
				e.lookup[i][v] = j
			}
			offset += len(vocab.Values)
		}
		e.width = offset + len(e.Numeric)
	})
}

// Width returns the number of encoded columns
func (e *OneHotEncoder) Width() int {
	e.prepare()
	return e.width
}

// FeatureNames returns one name per encoded column, "<field>=<value>" for
// indicator columns and the field name for numeric columns
func (e *OneHotEncoder) FeatureNames() []string {
	e.prepare()
	names := make([]string, 0, e.width)
	for _, vocab := range e.Vocabularies {
		for _, v := range vocab.Values {
			names = append(names, vocab.Field+"="+v)
		}
	}
	return append(names, e.Numeric...)
}

// SourceField returns the contracted field an encoded column was derived from
func (e *OneHotEncoder) SourceField(column int) string {
	e.prepare()
	for i := len(e.offsets) - 1; i >= 0; i-- {
		if column >= e.offsets[i] && column < e.offsets[i]+len(e.Vocabularies[i].Values) {
			return e.Vocabularies[i].Field
		}
	}
	numeric := column - (e.width - len(e.Numeric))
	if numeric >= 0 && numeric < len(e.Numeric) {
		return e.Numeric[numeric]
	}
	return ""
}

// Transform encodes rows into a dense matrix with one row per input row
func (e *OneHotEncoder) Transform(rows []models.FeatureRow) (*mat.Dense, error) {
	if !e.Fitted() {
		return nil, fmt.Errorf("encoder is not fitted")
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to encode")
	}
	e.prepare()

	data := make([]float64, len(rows)*e.width)
	for r, row := range rows {
		if err := e.encodeInto(row, data[r*e.width:(r+1)*e.width]); err != nil {
			return nil, err
		}
	}
	return mat.NewDense(len(rows), e.width, data), nil
}

// TransformOne encodes a single row
func (e *OneHotEncoder) TransformOne(row models.FeatureRow) ([]float64, error) {
	if !e.Fitted() {
		return nil, fmt.Errorf("encoder is not fitted")
	}
	e.prepare()
	out := make([]float64, e.width)
	if err := e.encodeInto(row, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *OneHotEncoder) encodeInto(row models.FeatureRow, out []float64) error {
	for i, field := range e.Categorical {
		v, err := features.CategoricalValue(row, field)
		if err != nil {
			return err
		}
		if j, ok := e.lookup[i][v]; ok {
			out[e.offsets[i]+j] = 1
		}
	}
	base := e.width - len(e.Numeric)
	for i, field := range e.Numeric {
		v, err := features.NumericValue(row, field)
		if err != nil {
			return err
		}
		out[base+i] = v
	}
	return nil
}
