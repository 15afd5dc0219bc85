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

package optim

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/treeopt/ml/traverse"
	"github.com/gomlx/treeopt/types/tensors"
	"github.com/gomlx/treeopt/types/trees"
)

// TraversalAndDef pairs a parameter selection with the definition that updates it.
type TraversalAndDef struct {
	Traversal traverse.Traversal
	Def       Def
}

// MultiOptimizer applies separate update rules to subsets of the parameter
// tree: each (Traversal, Def) pair updates the parameters its traversal
// selects, all within one ApplyGradient step over the full tree.
//
// Example, optimizing kernels and biases with different learning rates:
//
//	kernels := traverse.NewModelParamTraversal(func(path string, _ *tensors.Tensor) bool {
//		return strings.Contains(path, "kernel")
//	})
//	biases := traverse.NewModelParamTraversal(func(path string, _ *tensors.Tensor) bool {
//		return strings.Contains(path, "bias")
//	})
//	def := optim.NewMulti(
//		optim.TraversalAndDef{Traversal: kernels, Def: optim.New(rule, HP{LearningRate: 0.01})},
//		optim.TraversalAndDef{Traversal: biases, Def: optim.New(rule, HP{LearningRate: 0.1})},
//	)
//	opt := optim.Create(def, params)
//
// The traversals' selections should be disjoint. Overlap is not rejected by
// default: overlapping writes simply land in pair-list order, later pairs
// overwriting earlier ones for any shared leaf. Enable CheckOverlap to panic on
// overlap instead.
//
// The selection of each traversal is captured once per operation, as the set of
// matched leaf paths, and updated leaves are written back by those captured
// paths -- the filter predicate is never re-evaluated against already-updated
// values.
type MultiOptimizer struct {
	pairs        []TraversalAndDef
	hyperParams  HyperParamsList
	checkOverlap bool
}

var _ Def = (*MultiOptimizer)(nil)

// NewMulti creates a MultiOptimizer from (Traversal, Def) pairs. The pair order
// is meaningful: it is the order sub-optimizers run in, and the order their
// hyperparameters and sub-states are listed in.
func NewMulti(pairs ...TraversalAndDef) *MultiOptimizer {
	if len(pairs) == 0 {
		exceptions.Panicf("optim.NewMulti requires at least one (Traversal, Def) pair")
	}
	hyperParams := make(HyperParamsList, len(pairs))
	for ii, pair := range pairs {
		if pair.Traversal == nil || pair.Def == nil {
			exceptions.Panicf("optim.NewMulti: pair #%d is incomplete", ii)
		}
		hyperParams[ii] = pair.Def.HyperParams()
	}
	return &MultiOptimizer{pairs: pairs, hyperParams: hyperParams}
}

// CheckOverlap makes the optimizer panic when two traversals select a common
// leaf, instead of silently applying the pairs' updates in order. It returns
// the receiver for chaining at construction time.
func (m *MultiOptimizer) CheckOverlap() *MultiOptimizer {
	m.checkOverlap = true
	return m
}

// selections captures each pair's selected paths over the given parameters,
// optionally validating disjointness.
func (m *MultiOptimizer) selections(params *ParamTree) [][]string {
	selected := make([][]string, len(m.pairs))
	for ii, pair := range m.pairs {
		selected[ii] = pair.Traversal.SelectPaths(params)
	}
	if m.checkOverlap {
		owner := make(map[string]int)
		for ii, paths := range selected {
			for _, path := range paths {
				if previous, found := owner[path]; found {
					exceptions.Panicf("optim.MultiOptimizer: traversals #%d and #%d both select parameter %q",
						previous, ii, path)
				}
				owner[path] = ii
			}
		}
	}
	return selected
}

// InitState implements Def: each sub-optimizer initializes its state over just
// the leaf list its traversal selects. The result is a SubStates, aligned with
// the pair list.
func (m *MultiOptimizer) InitState(params *ParamTree) State {
	selected := m.selections(params)
	subStates := make(SubStates, len(m.pairs))
	for ii := range m.pairs {
		leaves := make([]*tensors.Tensor, len(selected[ii]))
		for jj, path := range selected[ii] {
			leaves[jj] = params.ByPath(path)
		}
		subStates[ii] = m.pairs[ii].Def.InitState(trees.NewListOfLeaves(leaves))
	}
	return subStates
}

// ApplyGradient implements Def. The parameter tree accumulates updates
// pair-by-pair: each sub-optimizer reads its selected parameter and gradient
// leaves, applies its own ApplyGradient over them as a flat list, and the
// updated leaves are written back by the captured paths.
func (m *MultiOptimizer) ApplyGradient(hyperParams HyperParams, params *ParamTree, state State, grads *ParamTree) (*ParamTree, State) {
	hyperParamsList, ok := hyperParams.(HyperParamsList)
	if !ok || len(hyperParamsList) != len(m.pairs) {
		exceptions.Panicf("optim.MultiOptimizer with %d sub-optimizers given hyperparameters %T (use a position-aligned HyperParamsList)",
			len(m.pairs), hyperParams)
	}
	subStates, ok := state.(SubStates)
	if !ok || len(subStates) != len(m.pairs) {
		exceptions.Panicf("optim.MultiOptimizer with %d sub-optimizers given state %v", len(m.pairs), state)
	}

	selected := m.selections(params)
	newParams := params
	newStates := make(SubStates, len(m.pairs))
	for ii := range m.pairs {
		paths := selected[ii]
		paramLeaves := make([]*tensors.Tensor, len(paths))
		gradLeaves := make([]*tensors.Tensor, len(paths))
		for jj, path := range paths {
			paramLeaves[jj] = newParams.ByPath(path)
			gradLeaves[jj] = grads.ByPath(path)
		}
		updated, newSubState := m.pairs[ii].Def.ApplyGradient(
			hyperParamsList[ii], trees.NewListOfLeaves(paramLeaves), subStates[ii], trees.NewListOfLeaves(gradLeaves))
		updatedLeaves := updated.Leaves()
		for jj, path := range paths {
			newParams = newParams.SetByPath(path, updatedLeaves[jj])
		}
		newStates[ii] = newSubState
	}
	return newParams, newStates
}

// HyperParams implements Def: the list of each sub-optimizer's hyperparameters,
// position-aligned with the pair list.
func (m *MultiOptimizer) HyperParams() HyperParams { return m.hyperParams }

// UpdateHyperParams implements Def. Field overrides apply uniformly to every
// sub-optimizer's record; overriding a single sub-optimizer requires the
// full-list WithHyperParams override (see the example there).
func (m *MultiOptimizer) UpdateHyperParams(overrides ...Override) HyperParams {
	resolved := resolveHyperParams(m.hyperParams, overrides)
	resolvedList, ok := resolved.(HyperParamsList)
	if !ok || len(resolvedList) != len(m.pairs) {
		exceptions.Panicf("optim.MultiOptimizer with %d sub-optimizers given full hyperparameter override %T (use a position-aligned HyperParamsList)",
			len(m.pairs), resolved)
	}
	return resolvedList
}

// StateDict implements Def.
func (m *MultiOptimizer) StateDict(target *ParamTree, state State) map[string]any {
	return defStateDict(target, state)
}

// RestoreState implements Def.
func (m *MultiOptimizer) RestoreState(target *ParamTree, state State, stateDict map[string]any) (*ParamTree, State, error) {
	return defRestoreState(target, state, stateDict)
}
