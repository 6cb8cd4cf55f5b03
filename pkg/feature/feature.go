// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package feature implements the group:name registry (spec.md §4.9) that
// the CLI dispatches every command, builder, and retriever through,
// whether built-in or plugin-supplied.
package feature

import (
	"sort"
	"strings"
	"sync"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
)

// Kind is the category of a registered feature.
type Kind string

const (
	KindCommand   Kind = "command"
	KindBuilder   Kind = "builder"
	KindRetriever Kind = "retriever"
)

// Entry is one registered feature (spec.md §3's Feature entry).
type Entry struct {
	Group  string
	Name   string
	Kind   Kind
	Target any
	Origin string // "builtin" or a plugin id
}

// QualifiedName returns "group:name".
func (e Entry) QualifiedName() string { return e.Group + ":" + e.Name }

// Registry maps group:name -> Entry, with bare-name disambiguation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry // qualified_name -> Entry
	byName  map[string][]string // name -> sorted qualified_names
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		entries: map[string]Entry{},
		byName:  map[string][]string{},
	}
}

// Register adds entry, failing with an Input error if group/name contains
// ':', or with a Collision error if its qualified_name is already registered.
func (r *Registry) Register(entry Entry) error {
	if strings.Contains(entry.Group, ":") || strings.Contains(entry.Name, ":") {
		return cpmerrors.NewInputError(
			"Invalid feature name",
			"group and name may not contain ':'",
			"Rename the feature without a colon",
			nil,
		)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	qn := entry.QualifiedName()
	if _, exists := r.entries[qn]; exists {
		return cpmerrors.NewCollisionError(
			"Feature already registered",
			"'"+qn+"' is already registered",
			"Use a different group or name, or check for a duplicate plugin",
			nil,
		)
	}
	r.entries[qn] = entry
	names := append(append([]string{}, r.byName[entry.Name]...), qn)
	sort.Strings(names)
	r.byName[entry.Name] = names
	return nil
}

// Unregister removes entry by its qualified_name, used to roll back a
// plugin's partially-registered features on load failure.
func (r *Registry) Unregister(qualifiedName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[qualifiedName]
	if !ok {
		return
	}
	delete(r.entries, qualifiedName)
	names := r.byName[entry.Name]
	out := names[:0]
	for _, n := range names {
		if n != qualifiedName {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		delete(r.byName, entry.Name)
	} else {
		r.byName[entry.Name] = out
	}
}

// AmbiguousError reports a bare-name lookup matching more than one entry.
type AmbiguousError struct {
	Name       string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return "ambiguous feature name '" + e.Name + "': candidates " + strings.Join(e.Candidates, ", ")
}

// Resolve looks up input, which may be "group:name" (exact match required)
// or a bare "name" (NotFound if zero matches, *AmbiguousError if more than
// one, by spec.md §4.9).
func (r *Registry) Resolve(input string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.Contains(input, ":") {
		entry, ok := r.entries[input]
		if !ok {
			return Entry{}, notFound(input)
		}
		return entry, nil
	}

	candidates := r.byName[input]
	switch len(candidates) {
	case 0:
		return Entry{}, notFound(input)
	case 1:
		return r.entries[candidates[0]], nil
	default:
		sorted := append([]string{}, candidates...)
		sort.Strings(sorted)
		return Entry{}, cpmerrors.NewCollisionError(
			"Ambiguous feature name",
			"'"+input+"' matches multiple features: "+strings.Join(sorted, ", "),
			"Use the qualified 'group:name' form",
			&AmbiguousError{Name: input, Candidates: sorted},
		)
	}
}

func notFound(input string) error {
	return cpmerrors.NewResolutionError(
		"Feature not found",
		"No feature matches '"+input+"'",
		"Run 'cpm plugin list' to see available features",
		nil,
	)
}

// DisplayNames returns, for every registered entry, its simple name when
// that name is unique across the registry and its qualified name otherwise.
func (r *Registry) DisplayNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for qn, entry := range r.entries {
		if len(r.byName[entry.Name]) == 1 {
			out = append(out, entry.Name)
		} else {
			out = append(out, qn)
		}
	}
	sort.Strings(out)
	return out
}

// List returns every registered entry, sorted by qualified name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName() < out[j].QualifiedName() })
	return out
}
