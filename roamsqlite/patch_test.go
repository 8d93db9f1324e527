// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPatchDistinguishesUnsetFromZero(t *testing.T) {
	p := NewPatch().Set("name", "").Set("rating", 0)

	v, ok := p.Get("name")
	require.True(t, ok)
	require.Equal(t, "", v)

	require.True(t, p.Has("rating"))
	require.False(t, p.Has("notes"))
	require.Equal(t, 2, p.Len())
}

func TestPatchMergeNewerLastWriteWins(t *testing.T) {
	first := NewPatch().Set("name", "Old Town").Set("rating", 3)
	second := NewPatch().Set("name", "Old Town Square")

	first.MergeNewer(second)

	v, _ := first.Get("name")
	require.Equal(t, "Old Town Square", v)
	v, _ = first.Get("rating")
	require.Equal(t, 3, v)
}

func TestPatchMergeMissingFirstWriteWins(t *testing.T) {
	snapshot := NewPatch().Set("name", "A")
	later := NewPatch().Set("name", "B").Set("rating", 5)

	snapshot.MergeMissing(later)

	v, _ := snapshot.Get("name")
	require.Equal(t, "A", v)
	v, _ = snapshot.Get("rating")
	require.Equal(t, 5, v)
}

func TestPatchNilSafety(t *testing.T) {
	var p *Patch
	require.Equal(t, 0, p.Len())
	require.Empty(t, p.Fields())

	base := NewPatch().Set("k", "v")
	base.MergeNewer(nil)
	base.MergeMissing(nil)
	require.Equal(t, 1, base.Len())
}

func TestPatchFieldsReturnsCopy(t *testing.T) {
	p := NewPatch().Set("name", "Tallinn")
	fields := p.Fields()
	fields["name"] = "mutated"

	v, _ := p.Get("name")
	require.Equal(t, "Tallinn", v)
}

func TestEncodeDecodePatchRoundTrip(t *testing.T) {
	p := NewPatch().Set("name", "Harbor Walk").Set("distance_km", 4.2)

	encoded, err := encodePatch(p)
	require.NoError(t, err)

	decoded, err := decodePatch([]byte(encoded.(string)))
	require.NoError(t, err)
	v, ok := decoded.Get("name")
	require.True(t, ok)
	require.Equal(t, "Harbor Walk", v)
	v, _ = decoded.Get("distance_km")
	require.Equal(t, 4.2, v)
}

func TestEncodeDecodePatchNil(t *testing.T) {
	encoded, err := encodePatch(nil)
	require.NoError(t, err)
	require.Nil(t, encoded)

	decoded, err := decodePatch(nil)
	require.NoError(t, err)
	require.Nil(t, decoded)
}
