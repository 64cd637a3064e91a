// Package derivation implements the minimal build-recipe entity of
// spec.md §3.6: the scheduler's input, not its product. An evaluator
// that produces derivations from source expressions is out of scope;
// this package only models the recipe shape the scheduler consumes.
//
// Grounded on the teacher's manifest entity family (manifest/manifest.go
// in the original tree): a typed, versioned record consumed by storage
// rather than produced by it.
package derivation

import (
	"encoding/json"
	"io"

	"github.com/buildstore/buildstore/internal/storepath"
)

// Output names one declared build output: its symbolic name (usually
// "out") and, once known, its store path.
type Output struct {
	Name string
	Path storepath.Path
}

// Derivation is a build recipe: a builder invocation plus its declared
// inputs and outputs.
type Derivation struct {
	Name     string
	Platform string
	Builder  string
	Args     []string
	Env      map[string]string

	// Outputs this derivation promises to produce.
	Outputs []Output

	// InputDerivations are other derivations whose outputs feed this
	// build; InputSources are plain store paths (already-valid sources).
	InputDerivations []storepath.Path
	InputSources     []storepath.Path
}

// InputClosureRoots returns every store path this derivation depends on
// directly — the scheduler's starting point for recursively
// normalizing/realizing inputs (spec.md §4.4.1's "inputs-normalized").
func (d Derivation) InputClosureRoots() []storepath.Path {
	out := make([]storepath.Path, 0, len(d.InputDerivations)+len(d.InputSources))
	out = append(out, d.InputDerivations...)
	out = append(out, d.InputSources...)
	return out
}

// OutputPaths returns the store paths this derivation declares,
// in Outputs order.
func (d Derivation) OutputPaths() []storepath.Path {
	out := make([]storepath.Path, len(d.Outputs))
	for i, o := range d.Outputs {
		out[i] = o.Path
	}
	return out
}

// wireOutput and wireDerivation are the on-disk JSON encodings of
// Output/Derivation: store paths serialize as their full path strings
// (store dir included) rather than the Path struct's fields directly.
// Read parses them against its storeDir argument, so a drv file reads
// back only under the store directory it was written for.
type wireOutput struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

type wireDerivation struct {
	Name             string            `json:"name"`
	Platform         string            `json:"platform"`
	Builder          string            `json:"builder"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Outputs          []wireOutput      `json:"outputs"`
	InputDerivations []string          `json:"inputDrvs,omitempty"`
	InputSources     []string          `json:"inputSrcs,omitempty"`
}

// Write serializes d as the JSON document stored at a derivation's
// store path. The evaluator that produces derivations from source
// expressions is out of scope (see package doc); this is the minimal
// wire form the scheduler needs to round-trip a Derivation through the
// store.
func Write(w io.Writer, d Derivation) error {
	wire := wireDerivation{
		Name: d.Name, Platform: d.Platform, Builder: d.Builder,
		Args: d.Args, Env: d.Env,
	}
	for _, o := range d.Outputs {
		wire.Outputs = append(wire.Outputs, wireOutput{Name: o.Name, Path: o.Path.String()})
	}
	for _, p := range d.InputDerivations {
		wire.InputDerivations = append(wire.InputDerivations, p.String())
	}
	for _, p := range d.InputSources {
		wire.InputSources = append(wire.InputSources, p.String())
	}
	return json.NewEncoder(w).Encode(wire)
}

// Read parses a derivation document previously written by Write,
// resolving embedded store paths against storeDir.
func Read(r io.Reader, storeDir string) (Derivation, error) {
	var wire wireDerivation
	if err := json.NewDecoder(r).Decode(&wire); err != nil {
		return Derivation{}, err
	}
	d := Derivation{
		Name: wire.Name, Platform: wire.Platform, Builder: wire.Builder,
		Args: wire.Args, Env: wire.Env,
	}
	for _, o := range wire.Outputs {
		out := Output{Name: o.Name}
		if o.Path != "" {
			p, err := storepath.Parse(storeDir, o.Path)
			if err != nil {
				return Derivation{}, err
			}
			out.Path = p
		}
		d.Outputs = append(d.Outputs, out)
	}
	for _, s := range wire.InputDerivations {
		p, err := storepath.Parse(storeDir, s)
		if err != nil {
			return Derivation{}, err
		}
		d.InputDerivations = append(d.InputDerivations, p)
	}
	for _, s := range wire.InputSources {
		p, err := storepath.Parse(storeDir, s)
		if err != nil {
			return Derivation{}, err
		}
		d.InputSources = append(d.InputSources, p)
	}
	return d, nil
}
