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

// Package optim implements the optimizer abstraction layer over tree-structured
// parameters: how gradient updates are applied across a nested parameter tree,
// how per-parameter optimizer state is threaded through updates, how multiple
// optimizers compose over disjoint parameter subsets (MultiOptimizer) and how
// optimizer state replicates across a device axis (ReplicatedOptimizer).
//
// The update-rule math itself does not live here: a concrete optimizer is a
// Rule -- a per-leaf pair of hooks (InitParamState, ApplyParamGradient) -- and
// this package generalizes it across arbitrary nested parameter structures.
//
// An optimizer is created from a definition (Def) with Create, which bundles
// the definition, its state and the optimization target in an immutable
// Optimizer value:
//
//	rule := ...                      // implements optim.Rule
//	def := optim.New(rule, hyperParams)
//	opt := optim.Create(def, params)
//
// and updated in the training loop with ApplyGradient, which returns a new
// Optimizer (nothing is mutated in place):
//
//	grads := ...                     // gradient tree, isomorphic to params
//	opt = opt.ApplyGradient(grads)
//
// For data-parallel training, Optimizer.Replicate broadcasts state and target
// onto the local devices and averages gradients across them on every step; see
// ReplicatedOptimizer.
//
// Structural errors -- gradient or state trees that disagree with the parameter
// tree, unreplicating a non-replicated optimizer -- panic with errors built by
// the github.com/gomlx/exceptions package. Serialization schema errors are
// returned as errors (see StateDict / RestoreState).
package optim

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/treeopt/ml/serialization"
	"github.com/gomlx/treeopt/ml/traverse"
	"github.com/gomlx/treeopt/types/tensors"
	"github.com/gomlx/treeopt/types/trees"
)

// ParamTree is a nested structure of named tensors: the optimization target and
// its gradients take this form.
type ParamTree = trees.Tree[*tensors.Tensor]

// ParamState is the opaque per-parameter state owned by an update rule, e.g.
// zeroed moment accumulators. nil is a valid state for stateless rules.
type ParamState = any

// StateTree mirrors a ParamTree's structure with one ParamState per parameter.
type StateTree = trees.Tree[ParamState]

// Rule is the per-leaf contract a concrete optimizer implements: the single
// place where the numeric update math lives. Both methods must be pure
// functions of their inputs -- they are mapped independently over every leaf of
// the parameter tree, with no dependence on the leaf's position.
type Rule interface {
	// InitParamState produces the initial state for one parameter, matching the
	// parameter's shape/dtype as the rule requires.
	InitParamState(param *tensors.Tensor) ParamState

	// ApplyParamGradient applies the rule to one parameter, returning the new
	// parameter value and the new per-parameter state.
	ApplyParamGradient(step int64, hyperParams HyperParams, param *tensors.Tensor,
		state ParamState, grad *tensors.Tensor) (*tensors.Tensor, ParamState)
}

// BaseRule can be embedded by partial Rule implementations: its hooks panic
// with a "not implemented" error.
type BaseRule struct{}

// InitParamState implements Rule; it must be shadowed by the concrete rule.
func (BaseRule) InitParamState(param *tensors.Tensor) ParamState {
	exceptions.Panicf("optim.Rule.InitParamState is not implemented (param shaped %s)", param.Shape())
	return nil
}

// ApplyParamGradient implements Rule; it must be shadowed by the concrete rule.
func (BaseRule) ApplyParamGradient(step int64, hyperParams HyperParams, param *tensors.Tensor,
	state ParamState, grad *tensors.Tensor) (*tensors.Tensor, ParamState) {
	exceptions.Panicf("optim.Rule.ApplyParamGradient is not implemented (step %d, param shaped %s)", step, param.Shape())
	return nil, nil
}

// Def is the optimizer definition contract: the configuration half of an
// optimizer, carrying the hyperparameters and the gradient-application logic.
// Definitions are immutable and freely shared; all per-training-run data lives
// in the State threaded through ApplyGradient.
//
// New builds the standard single-rule definition; MultiOptimizer and
// ReplicatedOptimizer are the composite implementations.
type Def interface {
	// InitState creates the optimizer state for the given parameters, with the
	// step counter at 0.
	InitState(params *ParamTree) State

	// ApplyGradient applies one gradient step, returning the new parameters and
	// new state (step incremented by 1). params, the state's parameter states
	// and grads must be structurally compatible: same leaf count, nesting and
	// order. A mismatch panics.
	ApplyGradient(hyperParams HyperParams, params *ParamTree, state State, grads *ParamTree) (*ParamTree, State)

	// HyperParams returns the definition's default hyperparameters.
	HyperParams() HyperParams

	// UpdateHyperParams resolves the hyperparameters for one step: the
	// definition's defaults with the given overrides applied. The definition
	// itself is never changed; with no overrides it returns the defaults
	// themselves.
	UpdateHyperParams(overrides ...Override) HyperParams

	// StateDict converts a (target, state) pair to a plain nested mapping with
	// top-level keys "target" and "state"; see package ml/serialization.
	StateDict(target *ParamTree, state State) map[string]any

	// RestoreState rebuilds a (target, state) pair from a state dict. target and
	// state are read as a schema only -- their tree structure, shapes and dtypes
	// validate the state dict; their values are ignored. An incompatible state
	// dict returns an error.
	RestoreState(target *ParamTree, state State, stateDict map[string]any) (*ParamTree, State, error)
}

// New returns the definition for a single update rule applied uniformly to
// every parameter.
func New(rule Rule, hyperParams HyperParams) Def {
	return &ruleDef{rule: rule, hyperParams: hyperParams}
}

// ruleDef generalizes a per-leaf Rule across a parameter tree.
type ruleDef struct {
	rule        Rule
	hyperParams HyperParams
}

// InitState implements Def: it maps Rule.InitParamState independently over
// every leaf.
func (d *ruleDef) InitState(params *ParamTree) State {
	paramStates := trees.Map(params, func(param *tensors.Tensor) ParamState {
		return d.rule.InitParamState(param)
	})
	return &OptimizerState{Step: 0, ParamStates: paramStates}
}

// ApplyGradient implements Def. The parameter tree supplies the one structural
// descriptor against which both the state and gradient trees are flattened, so
// the three leaf sequences are aligned position-by-position.
func (d *ruleDef) ApplyGradient(hyperParams HyperParams, params *ParamTree, state State, grads *ParamTree) (*ParamTree, State) {
	optState, ok := state.(*OptimizerState)
	if !ok {
		exceptions.Panicf("optim: single-rule definition given a %T state, expected *optim.OptimizerState", state)
	}
	step := optState.Step
	paramsFlat, treeDef := trees.Flatten(params)
	statesFlat := trees.FlattenUpTo(treeDef, optState.ParamStates)
	gradsFlat := trees.FlattenUpTo(treeDef, grads)

	newParamsFlat := make([]*tensors.Tensor, len(paramsFlat))
	newStatesFlat := make([]ParamState, len(paramsFlat))
	for ii := range paramsFlat {
		newParamsFlat[ii], newStatesFlat[ii] = d.rule.ApplyParamGradient(
			step, hyperParams, paramsFlat[ii], statesFlat[ii], gradsFlat[ii])
	}

	newParams := trees.Unflatten(treeDef, newParamsFlat)
	newParamStates := trees.Unflatten(treeDef, newStatesFlat)
	return newParams, &OptimizerState{Step: step + 1, ParamStates: newParamStates}
}

// HyperParams implements Def.
func (d *ruleDef) HyperParams() HyperParams { return d.hyperParams }

// UpdateHyperParams implements Def.
func (d *ruleDef) UpdateHyperParams(overrides ...Override) HyperParams {
	return resolveHyperParams(d.hyperParams, overrides)
}

// StateDict implements Def.
func (d *ruleDef) StateDict(target *ParamTree, state State) map[string]any {
	return defStateDict(target, state)
}

// RestoreState implements Def.
func (d *ruleDef) RestoreState(target *ParamTree, state State, stateDict map[string]any) (*ParamTree, State, error) {
	return defRestoreState(target, state, stateDict)
}

// defStateDict is the state-dict layout shared by all definitions: top-level
// "target" and "state" keys.
func defStateDict(target *ParamTree, state State) map[string]any {
	return map[string]any{
		"target": serialization.ToStateDict(target),
		"state":  serialization.ToStateDict(state),
	}
}

// defRestoreState is the inverse of defStateDict, with target and state used as
// the validation schema.
func defRestoreState(target *ParamTree, state State, stateDict map[string]any) (*ParamTree, State, error) {
	targetSD, found := stateDict["target"]
	if !found {
		return nil, nil, errors.Errorf("optim: state dict is missing the %q key", "target")
	}
	stateSD, found := stateDict["state"]
	if !found {
		return nil, nil, errors.Errorf("optim: state dict is missing the %q key", "state")
	}
	restoredTarget, err := serialization.FromStateDict(target, targetSD)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "optim: restoring %q", "target")
	}
	restoredState, err := serialization.FromStateDict(state, stateSD)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "optim: restoring %q", "state")
	}
	newTarget, ok := restoredTarget.(*ParamTree)
	if !ok {
		return nil, nil, errors.Errorf("optim: restored target is a %T, expected a parameter tree", restoredTarget)
	}
	newState, ok := restoredState.(State)
	if !ok {
		return nil, nil, errors.Errorf("optim: restored state is a %T, expected an optimizer state", restoredState)
	}
	return newTarget, newState, nil
}

// Create creates a new optimizer for the given target.
//
// If a focus traversal is given, only the parameters it selects are optimized:
// the definition is wrapped in a MultiOptimizer over that single traversal
// before the state is initialized.
func Create(def Def, target *ParamTree, focus ...traverse.Traversal) *Optimizer {
	if len(focus) > 1 {
		exceptions.Panicf("optim.Create accepts at most one focus traversal, got %d", len(focus))
	}
	if len(focus) == 1 && focus[0] != nil {
		def = NewMulti(TraversalAndDef{Traversal: focus[0], Def: def})
	}
	state := def.InitState(target)
	return &Optimizer{def: def, state: state, target: target}
}
