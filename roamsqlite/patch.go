// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"encoding/json"
	"fmt"
)

// Patch is an explicit set of field assignments. Unlike a plain map consulted
// for non-nil values, a Patch distinguishes "field not set" from "field set
// to its zero value", so clearing a string field to "" is representable.
type Patch struct {
	values map[string]any
}

// NewPatch returns an empty patch.
func NewPatch() *Patch {
	return &Patch{values: make(map[string]any)}
}

// PatchFromMap builds a patch where every map key counts as explicitly set.
func PatchFromMap(fields map[string]any) *Patch {
	p := NewPatch()
	for k, v := range fields {
		p.values[k] = v
	}
	return p
}

// Set records an assignment and returns the patch for chaining.
func (p *Patch) Set(key string, value any) *Patch {
	p.values[key] = value
	return p
}

// Get returns the assigned value and whether the key is set.
func (p *Patch) Get(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Has reports whether the key is explicitly set.
func (p *Patch) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Len returns the number of assigned fields.
func (p *Patch) Len() int {
	if p == nil {
		return 0
	}
	return len(p.values)
}

// Keys returns the assigned field names.
func (p *Patch) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	return keys
}

// Fields returns a copy of the assignments.
func (p *Patch) Fields() map[string]any {
	if p == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// MergeNewer overlays newer assignments on top of this patch
// (last-write-wins, used for queued new values).
func (p *Patch) MergeNewer(newer *Patch) {
	if newer == nil {
		return
	}
	for k, v := range newer.values {
		p.values[k] = v
	}
}

// MergeMissing adds assignments from other only for keys this patch does not
// carry yet (first-write-wins, used for original-value snapshots).
func (p *Patch) MergeMissing(other *Patch) {
	if other == nil {
		return
	}
	for k, v := range other.values {
		if _, ok := p.values[k]; !ok {
			p.values[k] = v
		}
	}
}

// MarshalJSON serializes the assignments as a JSON object.
func (p *Patch) MarshalJSON() ([]byte, error) {
	if p == nil || p.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.values)
}

// UnmarshalJSON restores assignments from a JSON object.
func (p *Patch) UnmarshalJSON(data []byte) error {
	values := make(map[string]any)
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to unmarshal patch: %w", err)
	}
	p.values = values
	return nil
}

// encodePatch serializes a patch for storage; nil encodes as SQL NULL.
func encodePatch(p *Patch) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}
	return string(data), nil
}

// decodePatch restores a stored patch; SQL NULL decodes as nil.
func decodePatch(raw []byte) (*Patch, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	p := NewPatch()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}
	return p, nil
}
