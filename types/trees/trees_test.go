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

// testTree builds {a: {bias: 2, kernel: 1}, b: [3, 4], c: 5}.
func testTree() *Tree[int] {
	return NewMap[int]().
		Set("a", NewMap[int]().Set("kernel", NewLeaf(1)).Set("bias", NewLeaf(2))).
		Set("b", NewList(NewLeaf(3), NewLeaf(4))).
		Set("c", NewLeaf(5))
}

func TestConstruction(t *testing.T) {
	tree := testTree()
	require.Equal(t, KindMap, tree.Kind())
	require.False(t, tree.IsLeaf())
	require.Equal(t, []string{"a", "b", "c"}, tree.MapKeys())
	require.Equal(t, 3, tree.NumChildren())
	require.Equal(t, 5, tree.Get("c").Value())
	require.Nil(t, tree.Get("missing"))
	require.Equal(t, 4, tree.Get("b").At(1).Value())

	require.Panics(t, func() { tree.Value() })
	require.Panics(t, func() { tree.At(0) })
	require.Panics(t, func() { tree.Get("b").Get("x") })
	require.Panics(t, func() { tree.Get("b").At(2) })
	require.Panics(t, func() { NewMap[int]().Set("a/b", NewLeaf(0)) })
	require.Panics(t, func() { NewLeaf(0).Set("a", NewLeaf(1)) })
	require.Panics(t, func() { NewList(NewLeaf(1), nil) })
}

func TestFromMap(t *testing.T) {
	children := map[string]*Tree[int]{"x": NewLeaf(1), "y": NewLeaf(2)}
	tree := FromMap(children)
	require.Equal(t, []string{"x", "y"}, tree.MapKeys())

	// The given map is copied, not aliased.
	children["z"] = NewLeaf(3)
	require.Equal(t, 2, tree.NumChildren())
}

func TestLeavesAndPaths(t *testing.T) {
	tree := testTree()
	require.Equal(t, 5, tree.NumLeaves())

	// Map children in lexicographic key order, list children in index order.
	require.Equal(t, []int{2, 1, 3, 4, 5}, tree.Leaves())
	require.Equal(t, []string{"/a/bias", "/a/kernel", "/b/0", "/b/1", "/c"}, tree.Paths())

	var gotPaths []string
	var gotValues []int
	tree.EnumerateLeaves(func(path string, value int) {
		gotPaths = append(gotPaths, path)
		gotValues = append(gotValues, value)
	})
	require.Equal(t, tree.Paths(), gotPaths)
	require.Equal(t, tree.Leaves(), gotValues)

	// A root-level leaf has path "/".
	require.Equal(t, []string{"/"}, NewLeaf(7).Paths())
	require.Equal(t, []string{"a", "bias"}, SplitPath("/a/bias"))
	require.Empty(t, SplitPath("/"))
}

func TestByPath(t *testing.T) {
	tree := testTree()
	require.Equal(t, 1, tree.ByPath("/a/kernel"))
	require.Equal(t, 4, tree.ByPath("/b/1"))
	require.Equal(t, 5, tree.ByPath("/c"))
	require.Equal(t, 7, NewLeaf(7).ByPath("/"))

	require.Panics(t, func() { tree.ByPath("/a/missing") })
	require.Panics(t, func() { tree.ByPath("/b/7") })
	require.Panics(t, func() { tree.ByPath("/a") })
	require.Panics(t, func() { tree.ByPath("/c/deeper") })
}

func TestSetByPath(t *testing.T) {
	tree := testTree()
	updated := tree.SetByPath("/b/0", 30)
	require.Equal(t, 30, updated.ByPath("/b/0"))

	// The original is untouched, and untouched sub-trees are shared.
	require.Equal(t, 3, tree.ByPath("/b/0"))
	require.Same(t, tree.Get("a"), updated.Get("a"))

	require.Panics(t, func() { tree.SetByPath("/new", 1) })
	require.Panics(t, func() { tree.SetByPath("/b/2", 1) })
	require.Panics(t, func() { tree.SetByPath("/a", 1) })
}

func TestMap(t *testing.T) {
	tree := testTree()
	doubled := Map(tree, func(v int) int { return 2 * v })
	require.Equal(t, []int{4, 2, 6, 8, 10}, doubled.Leaves())
	require.Equal(t, tree.Paths(), doubled.Paths())

	asStrings := MapWithPath(tree, func(path string, v int) string { return path })
	require.Equal(t, tree.Paths(), asStrings.Leaves())
}

func TestMap2(t *testing.T) {
	tree := testTree()
	sums := Map2(tree, Map(tree, func(v int) int { return 10 * v }),
		func(a, b int) int { return a + b })
	require.Equal(t, []int{22, 11, 33, 44, 55}, sums.Leaves())
	require.Equal(t, tree.Paths(), sums.Paths())

	require.Panics(t, func() {
		Map2(tree, NewLeaf(1), func(a, b int) int { return a + b })
	})
}

func TestTreeEqual(t *testing.T) {
	intEq := func(a, b int) bool { return a == b }
	require.True(t, Equal(testTree(), testTree(), intEq))
	require.False(t, Equal(testTree(), testTree().SetByPath("/c", 50), intEq))
	require.False(t, Equal(testTree(), NewLeaf(1), intEq))
	require.False(t, Equal(NewMap[int]().Set("a", NewLeaf(1)), NewMap[int]().Set("b", NewLeaf(1)), intEq))
	require.False(t, Equal(NewList(NewLeaf(1)), NewList(NewLeaf(1), NewLeaf(2)), intEq))
}

func TestString(t *testing.T) {
	require.Equal(t, "{a: {bias: 2, kernel: 1}, b: [3, 4], c: 5}", testTree().String())
	require.Equal(t, "7", NewLeaf(7).String())
	require.Equal(t, "{}", NewMap[int]().String())
}
