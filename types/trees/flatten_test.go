/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package trees

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	tree := testTree()
	leaves, def := Flatten(tree)
	require.Equal(t, []int{2, 1, 3, 4, 5}, leaves)
	require.Equal(t, 5, def.NumLeaves())
	require.Equal(t, "{a: {bias: *, kernel: *}, b: [*, *], c: *}", def.String())

	rebuilt := Unflatten(def, leaves)
	require.True(t, Equal(tree, rebuilt, func(a, b int) bool { return a == b }))

	require.Panics(t, func() { Unflatten(def, leaves[:3]) })
}

func TestFlattenEmptyContainers(t *testing.T) {
	tree := NewMap[int]().
		Set("empty", NewMap[int]()).
		Set("list", NewList[int]())
	leaves, def := Flatten(tree)
	require.Empty(t, leaves)
	require.Equal(t, 0, def.NumLeaves())

	// Empty containers survive the round-trip.
	rebuilt := Unflatten[int](def, nil)
	require.Equal(t, KindMap, rebuilt.Get("empty").Kind())
	require.Equal(t, KindList, rebuilt.Get("list").Kind())
	require.Equal(t, 0, rebuilt.NumLeaves())
}

func TestTreeDefEqual(t *testing.T) {
	_, defA := Flatten(testTree())
	_, defB := Flatten(testTree())
	require.True(t, defA.Equal(defB))

	_, defC := Flatten(NewMap[int]().Set("x", NewLeaf(0)))
	require.False(t, defA.Equal(defC))

	// The descriptor is independent of the leaf type.
	_, defStrings := Flatten(Map(testTree(), func(v int) string { return "" }))
	require.True(t, defA.Equal(defStrings))
}

func TestFlattenUpTo(t *testing.T) {
	tree := testTree()
	_, def := Flatten(tree)

	// A tree with the same structure but another leaf type flattens in aligned order.
	named := MapWithPath(tree, func(path string, _ int) string { return path })
	require.Equal(t, []string{"/a/bias", "/a/kernel", "/b/0", "/b/1", "/c"}, FlattenUpTo(def, named))

	// Mismatches panic naming the diverging path.
	missingKey := NewMap[string]().
		Set("a", NewMap[string]().Set("kernel", NewLeaf("x")).Set("bias", NewLeaf("y"))).
		Set("b", NewList(NewLeaf("z"), NewLeaf("w")))
	require.Panics(t, func() { FlattenUpTo(def, missingKey) })

	wrongArity := testTree().Set("b", NewList(NewLeaf(3)))
	require.Panics(t, func() { FlattenUpTo(def, wrongArity) })

	leafForContainer := testTree().Set("a", NewLeaf(0))
	require.Panics(t, func() { FlattenUpTo(def, leafForContainer) })
}
