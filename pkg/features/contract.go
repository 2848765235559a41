// Package features defines the feature contract shared by training and
// inference, and the calendar transform that derives date features.
package features

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/storecast/unitsforecast/pkg/models"
)

// Kind is the type class of a contracted field
type Kind string

const (
	KindCategorical Kind = "categorical"
	KindNumeric     Kind = "numeric"
)

// ErrSchema is matched by every feature schema violation
var ErrSchema = errors.New("feature schema error")

// SchemaError reports a row or artifact that does not satisfy the contract
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("feature schema error: %s", e.Reason)
	}
	return fmt.Sprintf("feature schema error: field %q: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrSchema) hold for any *SchemaError
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

// Field is one contracted input column
type Field struct {
	Name string `yaml:"name" json:"name"`
	Kind Kind   `yaml:"kind" json:"kind"`
}

// Contract is the fixed, ordered set of model inputs
type Contract struct {
	Version int     `yaml:"version"`
	Target  string  `yaml:"target"`
	Spec    []Field `yaml:"fields"`

	index map[string]Kind
}

//go:embed contract.yaml
var contractYAML []byte

var defaultContract = mustParse(contractYAML)

// Default returns the contract compiled into the binary
func Default() *Contract {
	return defaultContract
}

// Parse decodes a contract definition and checks it is well formed
func Parse(data []byte) (*Contract, error) {
	var c Contract
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse feature contract: %w", err)
	}
	if len(c.Spec) == 0 {
		return nil, fmt.Errorf("feature contract has no fields")
	}
	c.index = make(map[string]Kind, len(c.Spec))
	for _, f := range c.Spec {
		if f.Name == "" {
			return nil, fmt.Errorf("feature contract has a field with no name")
		}
		if f.Kind != KindCategorical && f.Kind != KindNumeric {
			return nil, fmt.Errorf("field %q has invalid kind %q", f.Name, f.Kind)
		}
		if _, dup := c.index[f.Name]; dup {
			return nil, fmt.Errorf("field %q declared twice", f.Name)
		}
		c.index[f.Name] = f.Kind
	}
	return &c, nil
}

// WithTarget returns a copy of the contract predicting target instead
func (c *Contract) WithTarget(target string) *Contract {
	if target == "" || target == c.Target {
		return c
	}
	clone := *c
	clone.Target = target
	return &clone
}

func mustParse(data []byte) *Contract {
	c, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return c
}

// Fields returns every field name in declared order
func (c *Contract) Fields() []string {
	names := make([]string, len(c.Spec))
	for i, f := range c.Spec {
		names[i] = f.Name
	}
	return names
}

// Categorical returns the categorical field names in declared order
func (c *Contract) Categorical() []string {
	return c.byKind(KindCategorical)
}

// Numeric returns the numeric field names in declared order
func (c *Contract) Numeric() []string {
	return c.byKind(KindNumeric)
}

func (c *Contract) byKind(kind Kind) []string {
	var names []string
	for _, f := range c.Spec {
		if f.Kind == kind {
			names = append(names, f.Name)
		}
	}
	return names
}

// Kind returns the kind of a field and whether it is contracted
func (c *Contract) Kind(name string) (Kind, bool) {
	k, ok := c.index[name]
	return k, ok
}

// Validate checks that a row carries every contracted field with the right type.
// Extra fields are ignored.
func (c *Contract) Validate(row models.FeatureRow) error {
	for _, f := range c.Spec {
		switch f.Kind {
		case KindCategorical:
			if _, err := CategoricalValue(row, f.Name); err != nil {
				return err
			}
		case KindNumeric:
			if _, err := NumericValue(row, f.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// CategoricalValue extracts a categorical field as a string
func CategoricalValue(row models.FeatureRow, name string) (string, error) {
	v, ok := row[name]
	if !ok || v == nil {
		return "", &SchemaError{Field: name, Reason: "missing"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &SchemaError{Field: name, Reason: fmt.Sprintf("expected string, got %T", v)}
	}
	if s == "" {
		return "", &SchemaError{Field: name, Reason: "empty"}
	}
	return s, nil
}

// NumericValue extracts a numeric field as a float64
func NumericValue(row models.FeatureRow, name string) (float64, error) {
	v, ok := row[name]
	if !ok || v == nil {
		return 0, &SchemaError{Field: name, Reason: "missing"}
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, &SchemaError{Field: name, Reason: fmt.Sprintf("expected number, got %T", v)}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &SchemaError{Field: name, Reason: "not a finite number"}
	}
	return f, nil
}

// Check compares a persisted field list and categorical partition with this contract
func (c *Contract) Check(fields, categorical []string) error {
	if !slices.Equal(fields, c.Fields()) {
		return &SchemaError{Reason: fmt.Sprintf("artifact fields %v do not match contract fields %v", fields, c.Fields())}
	}
	if !slices.Equal(categorical, c.Categorical()) {
		return &SchemaError{Reason: fmt.Sprintf("artifact categorical fields %v do not match contract %v", categorical, c.Categorical())}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
