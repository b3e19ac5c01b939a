// Package index implements the Cargo sparse registry index wire format:
// newline-delimited compact JSON, one object per crate version, plus the
// directory-bucketing path scheme used to locate per-crate index files.
package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pulp/pulp-rust/internal/model"
)

var validate = validator.New()

// Entry is one line of a crate's index file. Field order matters: the
// sparse protocol emits keys in exactly this order, with features2 and
// rust_version present only when set.
type Entry struct {
	Name        string              `json:"name" validate:"required"`
	Vers        string              `json:"vers" validate:"required"`
	Deps        []Dependency        `json:"deps" validate:"dive"`
	Cksum       string              `json:"cksum" validate:"required"`
	Features    map[string][]string `json:"features"`
	Yanked      bool                `json:"yanked"`
	Links       *string             `json:"links"`
	V           int                 `json:"v"`
	Features2   map[string][]string `json:"features2,omitempty"`
	RustVersion string              `json:"rust_version,omitempty"`
}

// Dependency is one entry of an index line's deps array.
type Dependency struct {
	Name            string   `json:"name" validate:"required"`
	Req             string   `json:"req" validate:"required"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          *string  `json:"target"`
	Kind            string   `json:"kind" validate:"oneof=normal dev build"`
	Registry        *string  `json:"registry"`
	Package         *string  `json:"package"`
}

// BucketPath returns the index file path for a crate name under the sparse
// protocol's directory scheme: 1/, 2/, 3/<first-char>/ and
// <first-two>/<next-two>/ for longer names.
func BucketPath(name string) string {
	n := strings.ToLower(name)
	switch len(n) {
	case 0:
		return ""
	case 1:
		return "1/" + n
	case 2:
		return "2/" + n
	case 3:
		return "3/" + n[:1] + "/" + n
	default:
		return n[:2] + "/" + n[2:4] + "/" + n
	}
}

// CrateNameFromPath extracts the crate name from a request path. The name is
// the final segment, case-folded to lowercase; the bucket prefixes are
// routing sugar and are not validated against the name.
func CrateNameFromPath(p string) string {
	return strings.ToLower(path.Base(strings.TrimSuffix(p, "/")))
}

// Render serializes crate versions into the newline-delimited index body.
// The caller supplies versions already ordered; stored dependency order is
// preserved and no formatting transforms are applied.
func Render(versions []model.CrateVersion) ([]byte, error) {
	lines := make([][]byte, 0, len(versions))
	for i := range versions {
		line, err := json.Marshal(FromModel(&versions[i]))
		if err != nil {
			return nil, fmt.Errorf("failed to encode index entry for %s %s: %w",
				versions[i].Name, versions[i].Vers, err)
		}
		lines = append(lines, line)
	}
	return bytes.Join(lines, []byte("\n")), nil
}

// ParseLine decodes and validates one index line as fetched from an
// upstream registry. A missing dependency kind defaults to normal.
func ParseLine(line []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("failed to parse index line: %w", err)
	}
	if e.V == 0 {
		e.V = 1
	}
	for i := range e.Deps {
		if e.Deps[i].Kind == "" {
			e.Deps[i].Kind = string(model.KindNormal)
		}
	}
	if err := validate.Struct(&e); err != nil {
		return nil, fmt.Errorf("invalid index entry for %q: %w", e.Name, err)
	}
	return &e, nil
}

// FromModel converts a stored crate version into its wire entry, normalizing
// nil collections so required keys serialize as [] and {}.
func FromModel(cv *model.CrateVersion) *Entry {
	e := &Entry{
		Name:        cv.Name,
		Vers:        cv.Vers,
		Deps:        make([]Dependency, 0, len(cv.Dependencies)),
		Cksum:       cv.Cksum,
		Features:    cv.Features,
		Yanked:      cv.Yanked,
		Links:       cv.Links,
		V:           cv.V,
		Features2:   cv.Features2,
		RustVersion: cv.RustVersion,
	}
	if e.Features == nil {
		e.Features = map[string][]string{}
	}
	for _, d := range cv.Dependencies {
		features := d.Features
		if features == nil {
			features = []string{}
		}
		e.Deps = append(e.Deps, Dependency{
			Name:            d.Name,
			Req:             d.Req,
			Features:        features,
			Optional:        d.Optional,
			DefaultFeatures: d.DefaultFeatures,
			Target:          d.Target,
			Kind:            string(d.Kind),
			Registry:        d.Registry,
			Package:         d.Package,
		})
	}
	return e
}

// ToModel converts a parsed entry into a crate version record for the given
// tenant domain, assigning dependency ordinals in declared order.
func (e *Entry) ToModel(domain string) model.CrateVersion {
	cv := model.CrateVersion{
		Domain:       domain,
		Name:         strings.ToLower(e.Name),
		Vers:         e.Vers,
		Cksum:        e.Cksum,
		Yanked:       e.Yanked,
		Features:     e.Features,
		Features2:    e.Features2,
		Links:        e.Links,
		RustVersion:  e.RustVersion,
		V:            e.V,
		RelativePath: model.CratePath(strings.ToLower(e.Name), e.Vers),
	}
	if cv.Features == nil {
		cv.Features = map[string][]string{}
	}
	for i, d := range e.Deps {
		cv.Dependencies = append(cv.Dependencies, model.CrateDependency{
			Ordinal:         i,
			Name:            d.Name,
			Req:             d.Req,
			Features:        d.Features,
			Optional:        d.Optional,
			DefaultFeatures: d.DefaultFeatures,
			Target:          d.Target,
			Kind:            model.DependencyKind(d.Kind),
			Registry:        d.Registry,
			Package:         d.Package,
		})
	}
	return cv
}

// SortByVers orders versions by ascending raw version string. The upstream
// index documents this byte-wise ordering rather than semver precedence
// ("10.0.0" sorts before "9.0.0"); it is kept as-is for protocol fidelity.
func SortByVers(versions []model.CrateVersion) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Vers < versions[j].Vers
	})
}
