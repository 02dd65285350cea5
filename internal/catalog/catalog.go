// Package catalog loads signal-weight catalogs written in CUE and keeps the
// active catalog current while the file changes on disk.
//
// A catalog file looks like:
//
//	version: "2024-06"
//	signals: {
//		payment_failed: {baseWeight: 0.35, decayDays: 30, additive: true, maxOccurrences: 3}
//		...
//	}
//
// Files are checked against the embedded #Catalog schema and then against
// churn.Catalog.Validate before they are accepted.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/mbd888/churnrisk/internal/churn"
)

//go:embed schema.cue
var schemaSource []byte

//go:embed default.cue
var defaultSource []byte

type signalEntry struct {
	BaseWeight     float64 `json:"baseWeight"`
	DecayDays      int     `json:"decayDays"`
	Additive       bool    `json:"additive"`
	MaxOccurrences int     `json:"maxOccurrences"`
	Category       string  `json:"category"`
}

type catalogFile struct {
	Version string                 `json:"version"`
	Signals map[string]signalEntry `json:"signals"`
}

// Default returns the embedded catalog. It matches churn.DefaultCatalog.
func Default() (*churn.Catalog, error) {
	return Parse(defaultSource, "default.cue")
}

// Load reads and parses the catalog at path.
func Load(path string) (*churn.Catalog, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, path)
}

// Parse compiles a CUE catalog, unifies it with the schema and converts it
// to a churn.Catalog.
func Parse(data []byte, filename string) (*churn.Catalog, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %s", filename, details(err))
	}

	unified := schema.LookupPath(cue.ParsePath("#Catalog")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate %s: %s", filename, details(err))
	}

	var f catalogFile
	if err := unified.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode %s: %s", filename, details(err))
	}

	cat := &churn.Catalog{
		Version: f.Version,
		Weights: make(map[churn.SignalType]churn.SignalWeight, len(f.Signals)),
	}
	for name, e := range f.Signals {
		t, err := churn.ParseSignalType(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		cat.Weights[t] = churn.SignalWeight{
			Type:           t,
			BaseWeight:     e.BaseWeight,
			DecayDays:      e.DecayDays,
			Additive:       e.Additive,
			MaxOccurrences: e.MaxOccurrences,
			Category:       e.Category,
		}
	}
	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return cat, nil
}

func details(err error) string {
	return cueerrors.Details(err, nil)
}
