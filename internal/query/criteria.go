package query

import (
	"encoding/json"
	"fmt"
)

// Facet is a named filter dimension of the catalog screen.
type Facet int

// Facets in encode order. New facets are appended before facetCount.
const (
	FacetCategory Facet = iota
	FacetBrand
	FacetSearch

	facetCount
)

var facetNames = [facetCount]string{
	FacetCategory: "category",
	FacetBrand:    "brand",
	FacetSearch:   "search",
}

// String returns the wire name of the facet.
func (f Facet) String() string {
	if f < 0 || f >= facetCount {
		return fmt.Sprintf("facet(%d)", int(f))
	}
	return facetNames[f]
}

// Facets returns all recognized facets in encode order.
func Facets() []Facet {
	out := make([]Facet, facetCount)
	for i := range out {
		out[i] = Facet(i)
	}
	return out
}

// ParseFacet looks up a facet by its wire name.
func ParseFacet(name string) (Facet, bool) {
	for i, n := range facetNames {
		if n == name {
			return Facet(i), true
		}
	}
	return 0, false
}

// Criteria is an immutable filter snapshot. An empty value means the facet is
// not constrained. Criteria values are comparable with ==.
type Criteria struct {
	values [facetCount]string
}

// NewCriteria builds criteria from a facet map, dropping empty values.
func NewCriteria(values map[Facet]string) Criteria {
	var c Criteria
	for f, v := range values {
		if f >= 0 && f < facetCount {
			c.values[f] = v
		}
	}
	return c
}

// Get returns the value of f and whether it is set.
func (c Criteria) Get(f Facet) (string, bool) {
	if f < 0 || f >= facetCount {
		return "", false
	}
	v := c.values[f]
	return v, v != ""
}

// With returns a copy of c with f set to v. An empty v unsets f.
func (c Criteria) With(f Facet, v string) Criteria {
	if f >= 0 && f < facetCount {
		c.values[f] = v
	}
	return c
}

// Without returns a copy of c with f unset.
func (c Criteria) Without(f Facet) Criteria {
	return c.With(f, "")
}

// IsZero reports whether no facet is set.
func (c Criteria) IsZero() bool {
	return c == Criteria{}
}

// Equal reports structural equality, absence included.
func (c Criteria) Equal(other Criteria) bool {
	return c == other
}

// Merge applies a partial edit and returns the full replacement snapshot.
func (c Criteria) Merge(p Patch) Criteria {
	for f, v := range p {
		c = c.With(f, v)
	}
	return c
}

// Map returns the set facets keyed by wire name.
func (c Criteria) Map() map[string]string {
	out := make(map[string]string, facetCount)
	for i, v := range c.values {
		if v != "" {
			out[facetNames[i]] = v
		}
	}
	return out
}

// MarshalJSON encodes only the set facets.
func (c Criteria) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

// UnmarshalJSON accepts an object of facet name to string value. Unknown
// names are ignored.
func (c *Criteria) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode criteria: %w", err)
	}
	var out Criteria
	for name, v := range raw {
		if f, ok := ParseFacet(name); ok {
			out.values[f] = v
		}
	}
	*c = out
	return nil
}

// String renders the criteria in encoded form. Used in logs.
func (c Criteria) String() string {
	return Encode(c)
}

// Patch is a partial edit. A present key with an empty value clears that
// facet; absent keys are left untouched.
type Patch map[Facet]string
