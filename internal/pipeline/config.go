package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/grid-select/internal/core/model"
	"github.com/mohammed-shakir/grid-select/internal/selection"
)

// Config lists the optional selection keys. Whatever is present is applied;
// rule order never changes the result.
type Config struct {
	Thinning        *ThinningConfig `yaml:"thinning,omitempty" json:"thinning,omitempty"`
	Area            *AreaConfig     `yaml:"area,omitempty" json:"area,omitempty"`
	MaskFromDataset *MaskConfig     `yaml:"maskfromdataset,omitempty" json:"maskfromdataset,omitempty"`
	TrimEdge        *TrimConfig     `yaml:"trimedge,omitempty" json:"trimedge,omitempty"`
}

// ThinningConfig accepts `thinning: 4` or `thinning: {n: 4, method: every-nth}`.
type ThinningConfig struct {
	N      int    `yaml:"n" json:"n"`
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
}

func (t *ThinningConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&t.N)
	}
	type plain ThinningConfig
	return node.Decode((*plain)(t))
}

// AreaConfig holds exactly one of a literal box, the name of a dataset whose
// extent is used, or an H3 cell.
//
//	area: [north, west, south, east]
//	area: lsm
//	area: {cell: 8a1fb46622dffff}
type AreaConfig struct {
	Box     *model.BoundingBox `yaml:"box,omitempty" json:"box,omitempty"`
	Dataset string             `yaml:"dataset,omitempty" json:"dataset,omitempty"`
	Cell    string             `yaml:"cell,omitempty" json:"cell,omitempty"`
}

func (a *AreaConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		a.Dataset = node.Value
		return nil
	case yaml.SequenceNode:
		var v []float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		if len(v) != 4 {
			return fmt.Errorf("%w: area needs [north, west, south, east], got %d values", selection.ErrInvalidParameter, len(v))
		}
		a.Box = &model.BoundingBox{North: v[0], West: v[1], South: v[2], East: v[3]}
		return nil
	case yaml.MappingNode:
		var m struct {
			Box     *model.BoundingBox `yaml:"box"`
			Dataset string             `yaml:"dataset"`
			Cell    string             `yaml:"cell"`
			North   *float64           `yaml:"north"`
			West    *float64           `yaml:"west"`
			South   *float64           `yaml:"south"`
			East    *float64           `yaml:"east"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		a.Box, a.Dataset, a.Cell = m.Box, m.Dataset, m.Cell
		if m.North != nil || m.West != nil || m.South != nil || m.East != nil {
			if m.North == nil || m.West == nil || m.South == nil || m.East == nil {
				return fmt.Errorf("%w: area box needs north, west, south and east", selection.ErrInvalidParameter)
			}
			a.Box = &model.BoundingBox{North: *m.North, West: *m.West, South: *m.South, East: *m.East}
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported area form", selection.ErrInvalidParameter)
	}
}

func (a AreaConfig) validate() error {
	n := 0
	if a.Box != nil {
		n++
	}
	if a.Dataset != "" {
		n++
	}
	if a.Cell != "" {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: area needs exactly one of box, dataset or cell", selection.ErrInvalidParameter)
	}
	return nil
}

func (a AreaConfig) describe() string {
	switch {
	case a.Box != nil:
		return fmt.Sprintf("area(%s)", a.Box)
	case a.Dataset != "":
		return fmt.Sprintf("area(dataset=%s)", a.Dataset)
	default:
		return fmt.Sprintf("area(cell=%s)", a.Cell)
	}
}

type MaskConfig struct {
	Dataset   string  `yaml:"dataset" json:"dataset"`
	FieldName string  `yaml:"field_name" json:"field_name"`
	Op        string  `yaml:"op,omitempty" json:"op,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Tolerance float64 `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
}

func (m MaskConfig) predicate() selection.Predicate {
	return selection.Predicate{Op: m.Op, Threshold: m.Threshold}
}

// TrimConfig accepts `trimedge: 3` or `trimedge: [lower0, upper0, lower1, upper1]`.
type TrimConfig struct {
	Spec model.TrimSpec `yaml:"-" json:"spec"`
}

func (t *TrimConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var m int
		if err := node.Decode(&m); err != nil {
			return err
		}
		t.Spec = model.UniformTrim(m)
		return nil
	case yaml.SequenceNode:
		var v []int
		if err := node.Decode(&v); err != nil {
			return err
		}
		if len(v) != 4 {
			return fmt.Errorf("%w: trimedge needs 1 or 4 margins, got %d", selection.ErrInvalidParameter, len(v))
		}
		t.Spec = model.TrimSpec{Lower0: v[0], Upper0: v[1], Lower1: v[2], Upper1: v[3]}
		return nil
	default:
		return fmt.Errorf("%w: unsupported trimedge form", selection.ErrInvalidParameter)
	}
}

func (t TrimConfig) MarshalYAML() (any, error) {
	s := t.Spec
	return []int{s.Lower0, s.Upper0, s.Lower1, s.Upper1}, nil
}

// ParseConfig decodes YAML and rejects unknown keys.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(err, selection.ErrInvalidParameter) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("%w: %w", selection.ErrInvalidParameter, err)
	}
	return cfg, nil
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := ParseConfig(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Fingerprint describes the configured selection, one stage per rule in
// the fixed rule order. Equal fingerprints select the same points from the
// same inputs.
func (c Config) Fingerprint() string {
	var parts []string
	if c.Thinning != nil {
		parts = append(parts, selection.Thinning{N: c.Thinning.N, Method: c.Thinning.Method}.String())
	}
	if c.Area != nil {
		parts = append(parts, c.Area.describe())
	}
	if m := c.MaskFromDataset; m != nil {
		r := selection.MaskFromDataset{DatasetName: m.Dataset, Field: m.FieldName, Predicate: m.predicate()}
		s := r.String()
		if m.Tolerance > 0 {
			s += fmt.Sprintf("[tol=%g]", m.Tolerance)
		}
		parts = append(parts, s)
	}
	if c.TrimEdge != nil {
		parts = append(parts, selection.TrimEdge{Spec: c.TrimEdge.Spec}.String())
	}
	if len(parts) == 0 {
		return "identity"
	}
	return strings.Join(parts, ";")
}

// auxiliary dataset names referenced by the configuration
func (c Config) references() []string {
	var out []string
	if c.Area != nil && c.Area.Dataset != "" {
		out = append(out, c.Area.Dataset)
	}
	if c.MaskFromDataset != nil && c.MaskFromDataset.Dataset != "" {
		out = append(out, c.MaskFromDataset.Dataset)
	}
	return out
}
