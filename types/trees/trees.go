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

// Package trees implements the nested-container ("pytree") structures used to hold
// model parameters, gradients and per-parameter optimizer state.
//
// A Tree[T] is a composite of a closed set of container variants -- string-keyed
// maps and positional lists -- bottoming out in leaves of type T. Trees are
// treated as immutable: operations that "modify" a tree (SetByPath, Map, ...)
// build and return new trees, sharing untouched sub-trees.
//
// The structural operations are the ones the optimizer layer needs:
//
//   - Flatten(tree) returns the ordered leaf values and a TreeDef, a structural
//     descriptor capturing the tree's shape/nesting/keys.
//   - Unflatten(def, leaves) is the exact inverse, rebuilding a tree from a
//     TreeDef and a leaf sequence.
//   - FlattenUpTo(def, other) flattens another tree after validating it conforms
//     to the descriptor, guaranteeing leaf-by-leaf alignment between e.g. a
//     parameter tree and its gradient tree.
//
// Leaf ordering is deterministic: map children are visited in lexicographic key
// order, list children in index order. Every leaf is addressable by a path, the
// slash-joined component string of the keys (or decimal indices) leading to it,
// e.g. `/layer0/kernel`.
//
// Structural violations (mismatched trees, bad paths, wrong leaf counts) panic
// with an error built by the github.com/gomlx/exceptions package: they are
// programming errors, not recoverable conditions.
package trees

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/maps"
)

// Kind enumerates the variants a Tree node can take.
type Kind uint8

const (
	// KindInvalid is the zero value of Kind: a Tree must be built with one of the
	// constructors, never `&Tree{}`.
	KindInvalid Kind = iota

	// KindLeaf nodes hold one value of the tree's leaf type.
	KindLeaf

	// KindMap nodes hold named children, ordered by lexicographic key order.
	KindMap

	// KindList nodes hold positional children.
	KindList
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "Leaf"
	case KindMap:
		return "Map"
	case KindList:
		return "List"
	default:
		return fmt.Sprintf("InvalidKind(%d)", k)
	}
}

// PathSeparator is used between the components of a leaf's path. Map keys must
// not contain it.
const PathSeparator = "/"

// Tree is a nested structure of maps and lists bottoming out in leaves of type T.
// See the package documentation for the operations and their guarantees.
type Tree[T any] struct {
	kind      Kind
	value     T
	mapNodes  map[string]*Tree[T]
	listNodes []*Tree[T]
}

// NewLeaf returns a leaf node holding the given value.
func NewLeaf[T any](value T) *Tree[T] {
	return &Tree[T]{kind: KindLeaf, value: value}
}

// NewMap returns an empty map node. Fill it with Set during construction.
func NewMap[T any]() *Tree[T] {
	return &Tree[T]{kind: KindMap, mapNodes: make(map[string]*Tree[T])}
}

// FromMap returns a map node with the given children. The map is copied, not aliased.
func FromMap[T any](children map[string]*Tree[T]) *Tree[T] {
	t := NewMap[T]()
	for key, child := range children {
		t.Set(key, child)
	}
	return t
}

// NewList returns a list node with the given children.
func NewList[T any](children ...*Tree[T]) *Tree[T] {
	for ii, child := range children {
		if child == nil {
			exceptions.Panicf("trees.NewList: child #%d is nil", ii)
		}
	}
	return &Tree[T]{kind: KindList, listNodes: children}
}

// NewListOfLeaves returns a list node whose children are leaves holding the given
// values, in order.
func NewListOfLeaves[T any](values []T) *Tree[T] {
	children := make([]*Tree[T], len(values))
	for ii, value := range values {
		children[ii] = NewLeaf(value)
	}
	return NewList(children...)
}

// Set adds (or replaces) the child under the given key of a map node. It returns
// the node itself to allow chaining during construction. It panics if the node is
// not a map, or if key contains the PathSeparator.
func (t *Tree[T]) Set(key string, child *Tree[T]) *Tree[T] {
	if t.kind != KindMap {
		exceptions.Panicf("Tree.Set(%q) called on a %s node", key, t.kind)
	}
	if strings.Contains(key, PathSeparator) {
		exceptions.Panicf("Tree.Set: key %q must not contain the path separator %q", key, PathSeparator)
	}
	if child == nil {
		exceptions.Panicf("Tree.Set(%q): child is nil", key)
	}
	t.mapNodes[key] = child
	return t
}

// Kind of this node.
func (t *Tree[T]) Kind() Kind { return t.kind }

// IsLeaf returns whether this node is a leaf.
func (t *Tree[T]) IsLeaf() bool { return t.kind == KindLeaf }

// Value returns the leaf value. It panics if the node is not a leaf.
func (t *Tree[T]) Value() T {
	if t.kind != KindLeaf {
		exceptions.Panicf("Tree.Value called on a %s node", t.kind)
	}
	return t.value
}

// Get returns the child under the given key of a map node, or nil if not present.
// It panics if the node is not a map.
func (t *Tree[T]) Get(key string) *Tree[T] {
	if t.kind != KindMap {
		exceptions.Panicf("Tree.Get(%q) called on a %s node", key, t.kind)
	}
	return t.mapNodes[key]
}

// MapKeys returns the keys of a map node, sorted. It panics if the node is not a map.
func (t *Tree[T]) MapKeys() []string {
	if t.kind != KindMap {
		exceptions.Panicf("Tree.MapKeys called on a %s node", t.kind)
	}
	keys := maps.Keys(t.mapNodes)
	sort.Strings(keys)
	return keys
}

// NumChildren returns the number of direct children of a map or list node, or 0
// for a leaf.
func (t *Tree[T]) NumChildren() int {
	switch t.kind {
	case KindMap:
		return len(t.mapNodes)
	case KindList:
		return len(t.listNodes)
	default:
		return 0
	}
}

// At returns the i-th child of a list node. It panics if the node is not a list
// or the index is out-of-bounds.
func (t *Tree[T]) At(i int) *Tree[T] {
	if t.kind != KindList {
		exceptions.Panicf("Tree.At(%d) called on a %s node", i, t.kind)
	}
	if i < 0 || i >= len(t.listNodes) {
		exceptions.Panicf("Tree.At(%d) out-of-bounds for list of %d children", i, len(t.listNodes))
	}
	return t.listNodes[i]
}

// NumLeaves returns the total number of leaves in the tree.
func (t *Tree[T]) NumLeaves() int {
	count := 0
	t.enumerate(nil, func(_ []string, _ T) { count++ })
	return count
}

// Leaves returns the leaf values in the tree's deterministic order: map children
// in lexicographic key order, list children in index order.
func (t *Tree[T]) Leaves() []T {
	var leaves []T
	t.enumerate(nil, func(_ []string, value T) { leaves = append(leaves, value) })
	return leaves
}

// Paths returns the paths to every leaf, in the tree's deterministic order. A
// path is the slash-joined component string with a leading separator, e.g.
// `/layer0/kernel`; the path of a root-level leaf is `/`.
func (t *Tree[T]) Paths() []string {
	var paths []string
	t.enumerate(nil, func(components []string, _ T) { paths = append(paths, joinPath(components)) })
	return paths
}

// EnumerateLeaves calls fn for every (path, leaf value) pair, in the tree's
// deterministic order.
func (t *Tree[T]) EnumerateLeaves(fn func(path string, value T)) {
	t.enumerate(nil, func(components []string, value T) { fn(joinPath(components), value) })
}

func joinPath(components []string) string {
	return PathSeparator + strings.Join(components, PathSeparator)
}

// SplitPath breaks a path into its components. It is the inverse of the joining
// performed by Paths: SplitPath("/a/b") == ["a", "b"], SplitPath("/") == [].
func SplitPath(path string) []string {
	trimmed := strings.TrimPrefix(path, PathSeparator)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, PathSeparator)
}

func (t *Tree[T]) enumerate(components []string, fn func(components []string, value T)) {
	switch t.kind {
	case KindLeaf:
		fn(components, t.value)
	case KindMap:
		for _, key := range t.MapKeys() {
			t.mapNodes[key].enumerate(append(components, key), fn)
		}
	case KindList:
		for ii, child := range t.listNodes {
			child.enumerate(append(components, strconv.Itoa(ii)), fn)
		}
	default:
		exceptions.Panicf("trees: enumerating an invalid node (was the tree built with the constructors?)")
	}
}

// ByPath returns the leaf value at the given path. It panics if the path does not
// lead to a leaf.
func (t *Tree[T]) ByPath(path string) T {
	node := t
	for _, component := range SplitPath(path) {
		switch node.kind {
		case KindMap:
			node = node.mapNodes[component]
		case KindList:
			index, err := strconv.Atoi(component)
			if err != nil || index < 0 || index >= len(node.listNodes) {
				node = nil
			} else {
				node = node.listNodes[index]
			}
		default:
			node = nil
		}
		if node == nil {
			exceptions.Panicf("Tree.ByPath(%q): no leaf at that path", path)
		}
	}
	if node.kind != KindLeaf {
		exceptions.Panicf("Tree.ByPath(%q): path leads to a %s node, not a leaf", path, node.kind)
	}
	return node.value
}

// SetByPath returns a new tree with the leaf at the given path replaced by the
// given value. Untouched sub-trees are shared with the original. It panics if the
// path does not lead to an existing leaf: SetByPath replaces, it never creates
// structure.
func (t *Tree[T]) SetByPath(path string, value T) *Tree[T] {
	return t.setByComponents(path, SplitPath(path), value)
}

func (t *Tree[T]) setByComponents(path string, components []string, value T) *Tree[T] {
	if len(components) == 0 {
		if t.kind != KindLeaf {
			exceptions.Panicf("Tree.SetByPath(%q): path leads to a %s node, not a leaf", path, t.kind)
		}
		return NewLeaf(value)
	}
	component := components[0]
	switch t.kind {
	case KindMap:
		child := t.mapNodes[component]
		if child == nil {
			exceptions.Panicf("Tree.SetByPath(%q): no leaf at that path", path)
		}
		newNode := &Tree[T]{kind: KindMap, mapNodes: make(map[string]*Tree[T], len(t.mapNodes))}
		for key, sibling := range t.mapNodes {
			newNode.mapNodes[key] = sibling
		}
		newNode.mapNodes[component] = child.setByComponents(path, components[1:], value)
		return newNode
	case KindList:
		index, err := strconv.Atoi(component)
		if err != nil || index < 0 || index >= len(t.listNodes) {
			exceptions.Panicf("Tree.SetByPath(%q): no leaf at that path", path)
		}
		newChildren := make([]*Tree[T], len(t.listNodes))
		copy(newChildren, t.listNodes)
		newChildren[index] = t.listNodes[index].setByComponents(path, components[1:], value)
		return &Tree[T]{kind: KindList, listNodes: newChildren}
	default:
		exceptions.Panicf("Tree.SetByPath(%q): no leaf at that path", path)
	}
	return nil
}

// Map builds a new tree with the same structure, with every leaf replaced by
// fn(leaf). The leaves are visited in the tree's deterministic order.
func Map[T, S any](tree *Tree[T], fn func(value T) S) *Tree[S] {
	switch tree.kind {
	case KindLeaf:
		return NewLeaf(fn(tree.value))
	case KindMap:
		newNode := NewMap[S]()
		for _, key := range tree.MapKeys() {
			newNode.Set(key, Map(tree.mapNodes[key], fn))
		}
		return newNode
	case KindList:
		children := make([]*Tree[S], len(tree.listNodes))
		for ii, child := range tree.listNodes {
			children[ii] = Map(child, fn)
		}
		return NewList(children...)
	default:
		exceptions.Panicf("trees.Map: invalid node (was the tree built with the constructors?)")
	}
	return nil
}

// Map2 zips two isomorphic trees into a new one with the same structure, with
// every leaf pair replaced by fn(leafA, leafB). It panics if the trees' structures
// diverge.
func Map2[A, B, S any](a *Tree[A], b *Tree[B], fn func(a A, b B) S) *Tree[S] {
	leavesA, def := Flatten(a)
	leavesB := FlattenUpTo(def, b)
	leaves := make([]S, len(leavesA))
	for ii := range leaves {
		leaves[ii] = fn(leavesA[ii], leavesB[ii])
	}
	return Unflatten(def, leaves)
}

// MapWithPath is like Map, but fn also receives the path of each leaf.
func MapWithPath[T, S any](tree *Tree[T], fn func(path string, value T) S) *Tree[S] {
	return mapWithComponents(tree, nil, fn)
}

func mapWithComponents[T, S any](tree *Tree[T], components []string, fn func(path string, value T) S) *Tree[S] {
	switch tree.kind {
	case KindLeaf:
		return NewLeaf(fn(joinPath(components), tree.value))
	case KindMap:
		newNode := NewMap[S]()
		for _, key := range tree.MapKeys() {
			newNode.Set(key, mapWithComponents(tree.mapNodes[key], append(components, key), fn))
		}
		return newNode
	case KindList:
		children := make([]*Tree[S], len(tree.listNodes))
		for ii, child := range tree.listNodes {
			children[ii] = mapWithComponents(child, append(components, strconv.Itoa(ii)), fn)
		}
		return NewList(children...)
	default:
		exceptions.Panicf("trees.MapWithPath: invalid node (was the tree built with the constructors?)")
	}
	return nil
}

// Equal compares two trees structurally, using leafEq to compare leaf values.
func Equal[T any](a, b *Tree[T], leafEq func(a, b T) bool) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindLeaf:
		return leafEq(a.value, b.value)
	case KindMap:
		if len(a.mapNodes) != len(b.mapNodes) {
			return false
		}
		for key, childA := range a.mapNodes {
			childB := b.mapNodes[key]
			if childB == nil || !Equal(childA, childB, leafEq) {
				return false
			}
		}
		return true
	case KindList:
		if len(a.listNodes) != len(b.listNodes) {
			return false
		}
		for ii, childA := range a.listNodes {
			if !Equal(childA, b.listNodes[ii], leafEq) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer: maps print as `{key: child, ...}` with sorted
// keys, lists as `[child, ...]` and leaves with `%v`.
func (t *Tree[T]) String() string {
	var b strings.Builder
	t.buildString(&b)
	return b.String()
}

func (t *Tree[T]) buildString(b *strings.Builder) {
	switch t.kind {
	case KindLeaf:
		_, _ = fmt.Fprintf(b, "%v", t.value)
	case KindMap:
		b.WriteString("{")
		for ii, key := range t.MapKeys() {
			if ii > 0 {
				b.WriteString(", ")
			}
			b.WriteString(key)
			b.WriteString(": ")
			t.mapNodes[key].buildString(b)
		}
		b.WriteString("}")
	case KindList:
		b.WriteString("[")
		for ii, child := range t.listNodes {
			if ii > 0 {
				b.WriteString(", ")
			}
			child.buildString(b)
		}
		b.WriteString("]")
	default:
		b.WriteString("<invalid>")
	}
}
