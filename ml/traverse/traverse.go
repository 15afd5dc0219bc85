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

// Package traverse selects and updates filtered subsets of a parameter tree.
//
// A Traversal picks a deterministically ordered subset of a tree's leaves --
// ModelParamTraversal does so with a predicate over the leaf's path and value --
// and supports reading the selection (Iterate) and rebuilding the tree with the
// selection transformed, all other leaves untouched (Update).
//
// The main consumer is optim.MultiOptimizer, which uses one Traversal per
// sub-optimizer to apply distinct update rules to disjoint parameter subsets.
// Example, selecting the kernels and biases of a model:
//
//	kernels := traverse.NewModelParamTraversal(func(path string, _ *tensors.Tensor) bool {
//		return strings.Contains(path, "kernel")
//	})
//	biases := traverse.NewModelParamTraversal(func(path string, _ *tensors.Tensor) bool {
//		return strings.Contains(path, "bias")
//	})
//
// Inputs can be a raw `*trees.Tree[*tensors.Tensor]` or the legacy
// `*models.Model` wrapper, which is unwrapped on read and restored on update.
package traverse

import (
	"iter"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/treeopt/ml/models"
	"github.com/gomlx/treeopt/types/tensors"
	"github.com/gomlx/treeopt/types/trees"
)

// Traversal selects a subset of a parameter tree's leaves in a deterministic
// order, and can rebuild the tree with that subset updated.
type Traversal interface {
	// Iterate yields the selected leaf values, in sorted-path order. The sequence
	// is finite and restartable: every range over it re-reads inputs.
	Iterate(inputs any) iter.Seq[*tensors.Tensor]

	// SelectPaths returns the paths of the selected leaves, in sorted order.
	// It allows callers to capture the selection once and address the same leaves
	// later by path, without re-evaluating the selection.
	SelectPaths(inputs any) []string

	// Update returns a structure equal to inputs, with fn applied to exactly the
	// selected leaves (in sorted-path order) and every other leaf copied
	// unchanged. Empty containers survive the round-trip, and the legacy wrapper
	// type is preserved if inputs was one.
	Update(fn func(value *tensors.Tensor) *tensors.Tensor, inputs any) any
}

// FilterFn decides whether a parameter is selected, given its full path (e.g.
// `/encoder/layer0/kernel`) and its value.
//
// It must be a pure function of its arguments: the selection is evaluated anew
// on each Iterate/Update call, and an impure predicate would make repeated
// traversals disagree about which leaves they address.
type FilterFn func(path string, value *tensors.Tensor) bool

// ModelParamTraversal selects model parameters with a name filter. It implements
// Traversal. See the package documentation for an example.
type ModelParamTraversal struct {
	filterFn FilterFn
}

// NewModelParamTraversal returns a Traversal selecting the parameters whose
// (path, value) satisfy filterFn.
func NewModelParamTraversal(filterFn FilterFn) *ModelParamTraversal {
	return &ModelParamTraversal{filterFn: filterFn}
}

// paramsTree extracts the parameter tree from the accepted input forms.
func paramsTree(inputs any) *trees.Tree[*tensors.Tensor] {
	switch typed := inputs.(type) {
	case *trees.Tree[*tensors.Tensor]:
		return typed
	case *models.Model:
		return typed.Params()
	default:
		exceptions.Panicf("traverse: can only traverse a *trees.Tree[*tensors.Tensor] or a *models.Model, got %T", inputs)
	}
	return nil
}

type pathAndValue struct {
	path  string
	value *tensors.Tensor
}

// sortedLeaves flattens the tree to (path, value) pairs sorted lexicographically
// by path. Notice this is a total order over the full slash-joined path strings,
// not the tree's per-level ordering: the two can disagree when a key is a prefix
// of another.
func sortedLeaves(tree *trees.Tree[*tensors.Tensor]) []pathAndValue {
	var leaves []pathAndValue
	tree.EnumerateLeaves(func(path string, value *tensors.Tensor) {
		leaves = append(leaves, pathAndValue{path: path, value: value})
	})
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].path < leaves[j].path })
	return leaves
}

// Iterate implements Traversal.
func (t *ModelParamTraversal) Iterate(inputs any) iter.Seq[*tensors.Tensor] {
	return func(yield func(*tensors.Tensor) bool) {
		for _, leaf := range sortedLeaves(paramsTree(inputs)) {
			if !t.filterFn(leaf.path, leaf.value) {
				continue
			}
			if !yield(leaf.value) {
				return
			}
		}
	}
}

// SelectPaths implements Traversal.
func (t *ModelParamTraversal) SelectPaths(inputs any) []string {
	var paths []string
	for _, leaf := range sortedLeaves(paramsTree(inputs)) {
		if t.filterFn(leaf.path, leaf.value) {
			paths = append(paths, leaf.path)
		}
	}
	return paths
}

// Update implements Traversal.
func (t *ModelParamTraversal) Update(fn func(value *tensors.Tensor) *tensors.Tensor, inputs any) any {
	tree := paramsTree(inputs)
	updated := make(map[string]*tensors.Tensor)
	for _, leaf := range sortedLeaves(tree) {
		if t.filterFn(leaf.path, leaf.value) {
			updated[leaf.path] = fn(leaf.value)
		}
	}
	newTree := trees.MapWithPath(tree, func(path string, value *tensors.Tensor) *tensors.Tensor {
		if newValue, found := updated[path]; found {
			return newValue
		}
		return value
	})
	if model, ok := inputs.(*models.Model); ok {
		return model.ReplaceParams(newTree)
	}
	return newTree
}
