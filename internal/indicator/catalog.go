// Package indicator holds the indicator-of-compromise catalog and the
// evaluators that turn normalized telemetry into findings.
package indicator

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/idrisk/internal/mitre"
)

// ID is a catalog indicator identifier.
type ID string

// The closed set of indicator identifiers.
const (
	UR01 ID = "UR-01"
	UR02 ID = "UR-02"
	UR03 ID = "UR-03"
	UR04 ID = "UR-04"
	UR05 ID = "UR-05"
	UR06 ID = "UR-06"
	UR07 ID = "UR-07"
	UR08 ID = "UR-08"
	UR09 ID = "UR-09"

	SR01 ID = "SR-01"
	SR02 ID = "SR-02"
	SR03 ID = "SR-03"
	SR04 ID = "SR-04"
	SR05 ID = "SR-05"
	SR06 ID = "SR-06"
	SR07 ID = "SR-07"
	SR08 ID = "SR-08"
	SR09 ID = "SR-09"
	SR10 ID = "SR-10"
	SR11 ID = "SR-11"
	SR12 ID = "SR-12"
	SR13 ID = "SR-13"
	SR14 ID = "SR-14"
	SR15 ID = "SR-15"
)

// Family groups indicators by the entity they are evaluated against.
type Family string

const (
	UserRisk   Family = "user_risk"
	SignInRisk Family = "signin_risk"
)

// Family returns the family implied by the id prefix.
func (id ID) Family() (Family, bool) {
	switch {
	case strings.HasPrefix(string(id), "UR-"):
		return UserRisk, true
	case strings.HasPrefix(string(id), "SR-"):
		return SignInRisk, true
	default:
		return "", false
	}
}

// ScalingMode controls how occurrences affect points.
type ScalingMode string

const (
	ScalingFixed         ScalingMode = "fixed"
	ScalingPerOccurrence ScalingMode = "per_occurrence"
)

// Scaling is the documented points rule of one indicator. Cap bounds the
// number of occurrences counted; 0 is uncapped.
type Scaling struct {
	Mode ScalingMode `yaml:"mode" json:"mode"`
	Cap  int         `yaml:"cap,omitempty" json:"cap,omitempty"`
}

// Definition is an immutable catalog entry.
type Definition struct {
	ID          ID       `yaml:"id" json:"id"`
	Family      Family   `yaml:"family" json:"family"`
	BasePoints  int      `yaml:"points" json:"points"`
	Description string   `yaml:"description" json:"description"`
	Scaling     Scaling  `yaml:"scaling,omitempty" json:"scaling"`
	MITRE       []string `yaml:"mitre,omitempty" json:"mitre,omitempty"`
	Remediation string   `yaml:"remediation,omitempty" json:"remediation,omitempty"`
}

// PointsFor returns the points a triggered finding with the given number of
// occurrences carries.
func (d Definition) PointsFor(occurrences int) int {
	if d.Scaling.Mode != ScalingPerOccurrence || occurrences <= 1 {
		return d.BasePoints
	}
	if d.Scaling.Cap > 0 && occurrences > d.Scaling.Cap {
		occurrences = d.Scaling.Cap
	}
	return d.BasePoints * occurrences
}

// Common errors.
var (
	ErrUnknownIndicator   = errors.New("unknown indicator id")
	ErrDuplicateIndicator = errors.New("duplicate indicator id")
	ErrFamilyMismatch     = errors.New("indicator family mismatch")
	ErrInvalidScaling     = errors.New("invalid indicator scaling")
	ErrUnknownTechnique   = errors.New("unknown MITRE technique")
	ErrNoEvaluator        = errors.New("no evaluator for indicator")
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog is a versioned, validated set of definitions.
type Catalog struct {
	Version             string
	AllowNegativeTotals bool
	defs                map[ID]Definition
	order               []ID
}

type catalogFile struct {
	Version             string       `yaml:"version"`
	AllowNegativeTotals bool         `yaml:"allow_negative_totals"`
	Indicators          []Definition `yaml:"indicators"`
}

// NewCatalog validates definitions and builds a catalog.
func NewCatalog(version string, allowNegative bool, defs []Definition) (*Catalog, error) {
	attack := mitre.NewAttackFramework()
	c := &Catalog{
		Version:             version,
		AllowNegativeTotals: allowNegative,
		defs:                make(map[ID]Definition, len(defs)),
	}
	for _, d := range defs {
		fam, ok := d.ID.Family()
		if !ok || !knownIDs[d.ID] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIndicator, d.ID)
		}
		if _, dup := c.defs[d.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIndicator, d.ID)
		}
		if d.Family == "" {
			d.Family = fam
		}
		if d.Family != fam {
			return nil, fmt.Errorf("%w: %s declared %s", ErrFamilyMismatch, d.ID, d.Family)
		}
		switch d.Scaling.Mode {
		case "":
			d.Scaling.Mode = ScalingFixed
		case ScalingFixed, ScalingPerOccurrence:
		default:
			return nil, fmt.Errorf("%w: %s mode %q", ErrInvalidScaling, d.ID, d.Scaling.Mode)
		}
		if d.Scaling.Cap < 0 {
			return nil, fmt.Errorf("%w: %s cap %d", ErrInvalidScaling, d.ID, d.Scaling.Cap)
		}
		if err := attack.Validate(d.MITRE); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnknownTechnique, d.ID, err)
		}
		d.MITRE = append([]string(nil), d.MITRE...)
		c.defs[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	return c, nil
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if f.Version == "" {
		return nil, errors.New("catalog version is required")
	}
	return NewCatalog(f.Version, f.AllowNegativeTotals, f.Indicators)
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// DefaultCatalogYAML returns the built-in catalog source.
func DefaultCatalogYAML() []byte {
	return append([]byte(nil), defaultCatalogYAML...)
}

// Get returns the definition for id.
func (c *Catalog) Get(id ID) (Definition, bool) {
	d, ok := c.defs[id]
	return d, ok
}

// Definitions returns every definition sorted by id.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.defs[id])
	}
	return out
}

// Family returns the definitions of one family sorted by id.
func (c *Catalog) Family(f Family) []Definition {
	var out []Definition
	for _, id := range c.order {
		if d := c.defs[id]; d.Family == f {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	return len(c.order)
}

var knownIDs = map[ID]bool{
	UR01: true, UR02: true, UR03: true, UR04: true, UR05: true, UR06: true, UR07: true, UR08: true, UR09: true,
	SR01: true, SR02: true, SR03: true, SR04: true, SR05: true, SR06: true, SR07: true, SR08: true,
	SR09: true, SR10: true, SR11: true, SR12: true, SR13: true, SR14: true, SR15: true,
}
