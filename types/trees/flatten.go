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
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
)

// TreeDef is the structural descriptor of a Tree: its nesting, container kinds and
// map keys, without the leaf values. It is enough to rebuild a tree from a leaf
// sequence (see Unflatten), and to validate that another tree has the same
// structure (see FlattenUpTo).
//
// TreeDef is independent of the tree's leaf type, so the descriptor of a parameter
// tree can drive flattening/unflattening of gradient and optimizer-state trees.
type TreeDef struct {
	kind      Kind
	keys      []string // Sorted keys, for KindMap.
	children  []*TreeDef
	numLeaves int
}

// Flatten returns the tree's leaves in its deterministic order -- map children in
// lexicographic key order, list children in index order -- and the TreeDef
// describing its structure. A tree with empty containers is legal and yields an
// empty leaf slice; the containers are preserved in the TreeDef.
func Flatten[T any](tree *Tree[T]) ([]T, *TreeDef) {
	def := buildDef(tree)
	leaves := make([]T, 0, def.numLeaves)
	tree.enumerate(nil, func(_ []string, value T) { leaves = append(leaves, value) })
	return leaves, def
}

func buildDef[T any](tree *Tree[T]) *TreeDef {
	switch tree.kind {
	case KindLeaf:
		return &TreeDef{kind: KindLeaf, numLeaves: 1}
	case KindMap:
		keys := tree.MapKeys()
		def := &TreeDef{kind: KindMap, keys: keys, children: make([]*TreeDef, len(keys))}
		for ii, key := range keys {
			def.children[ii] = buildDef(tree.mapNodes[key])
			def.numLeaves += def.children[ii].numLeaves
		}
		return def
	case KindList:
		def := &TreeDef{kind: KindList, children: make([]*TreeDef, len(tree.listNodes))}
		for ii, child := range tree.listNodes {
			def.children[ii] = buildDef(child)
			def.numLeaves += def.children[ii].numLeaves
		}
		return def
	default:
		exceptions.Panicf("trees.Flatten: invalid node (was the tree built with the constructors?)")
	}
	return nil
}

// NumLeaves returns the number of leaves a tree with this structure holds.
func (d *TreeDef) NumLeaves() int { return d.numLeaves }

// Equal compares two descriptors: same kinds, keys and nesting.
func (d *TreeDef) Equal(other *TreeDef) bool {
	if d.kind != other.kind || len(d.children) != len(other.children) {
		return false
	}
	for ii, key := range d.keys {
		if key != other.keys[ii] {
			return false
		}
	}
	for ii, child := range d.children {
		if !child.Equal(other.children[ii]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer: leaves print as `*`, e.g. `{a: {bias: *, kernel: *}}`.
func (d *TreeDef) String() string {
	var b strings.Builder
	d.buildString(&b)
	return b.String()
}

func (d *TreeDef) buildString(b *strings.Builder) {
	switch d.kind {
	case KindLeaf:
		b.WriteString("*")
	case KindMap:
		b.WriteString("{")
		for ii, key := range d.keys {
			if ii > 0 {
				b.WriteString(", ")
			}
			b.WriteString(key)
			b.WriteString(": ")
			d.children[ii].buildString(b)
		}
		b.WriteString("}")
	case KindList:
		b.WriteString("[")
		for ii, child := range d.children {
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

// Unflatten rebuilds a tree from a descriptor and a leaf sequence, the exact
// inverse of Flatten. It panics if the number of leaves doesn't match the
// descriptor.
func Unflatten[T any](def *TreeDef, leaves []T) *Tree[T] {
	if len(leaves) != def.numLeaves {
		exceptions.Panicf("trees.Unflatten: %d leaves given, but tree structure %s requires %d",
			len(leaves), def, def.numLeaves)
	}
	pos := 0
	tree := unflattenNode(def, leaves, &pos)
	return tree
}

func unflattenNode[T any](def *TreeDef, leaves []T, pos *int) *Tree[T] {
	switch def.kind {
	case KindLeaf:
		leaf := NewLeaf(leaves[*pos])
		*pos++
		return leaf
	case KindMap:
		node := NewMap[T]()
		for ii, key := range def.keys {
			node.Set(key, unflattenNode(def.children[ii], leaves, pos))
		}
		return node
	case KindList:
		children := make([]*Tree[T], len(def.children))
		for ii, childDef := range def.children {
			children[ii] = unflattenNode(childDef, leaves, pos)
		}
		return NewList(children...)
	default:
		exceptions.Panicf("trees.Unflatten: invalid TreeDef node")
	}
	return nil
}

// FlattenUpTo flattens another tree after validating that it conforms to the
// descriptor: same container kinds, keys and arity at every level, leaves exactly
// where the descriptor has leaves. The resulting leaf sequence is therefore
// aligned position-by-position with any other tree flattened with the same
// descriptor. It panics naming the diverging path on a structural mismatch.
func FlattenUpTo[S any](def *TreeDef, tree *Tree[S]) []S {
	leaves := make([]S, 0, def.numLeaves)
	flattenUpTo(def, tree, nil, &leaves)
	return leaves
}

func flattenUpTo[S any](def *TreeDef, tree *Tree[S], components []string, leaves *[]S) {
	if def.kind == KindLeaf {
		if tree.kind != KindLeaf {
			exceptions.Panicf("trees.FlattenUpTo: structure mismatch at %q: expected a leaf, found a %s node",
				joinPath(components), tree.kind)
		}
		*leaves = append(*leaves, tree.value)
		return
	}
	if tree.kind != def.kind {
		exceptions.Panicf("trees.FlattenUpTo: structure mismatch at %q: expected a %s node, found a %s node",
			joinPath(components), def.kind, tree.kind)
	}
	switch def.kind {
	case KindMap:
		keys := tree.MapKeys()
		if len(keys) != len(def.keys) {
			exceptions.Panicf("trees.FlattenUpTo: structure mismatch at %q: expected keys %q, found keys %q",
				joinPath(components), def.keys, keys)
		}
		for ii, key := range def.keys {
			if keys[ii] != key {
				exceptions.Panicf("trees.FlattenUpTo: structure mismatch at %q: expected keys %q, found keys %q",
					joinPath(components), def.keys, keys)
			}
			flattenUpTo(def.children[ii], tree.mapNodes[key], append(components, key), leaves)
		}
	case KindList:
		if len(tree.listNodes) != len(def.children) {
			exceptions.Panicf("trees.FlattenUpTo: structure mismatch at %q: expected %d children, found %d",
				joinPath(components), len(def.children), len(tree.listNodes))
		}
		for ii, childDef := range def.children {
			flattenUpTo(childDef, tree.listNodes[ii], append(components, strconv.Itoa(ii)), leaves)
		}
	default:
		exceptions.Panicf("trees.FlattenUpTo: invalid TreeDef node at %q", joinPath(components))
	}
}
