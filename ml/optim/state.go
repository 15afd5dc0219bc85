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
	"fmt"

	"github.com/gomlx/treeopt/ml/devices"
	"github.com/gomlx/treeopt/types/tensors"
	"github.com/gomlx/treeopt/types/trees"
)

// State is the per-training-run data of an optimizer, threaded through
// ApplyGradient: the single-rule definition uses *OptimizerState, a
// MultiOptimizer uses SubStates. Like every value at this layer it is
// immutable: each step produces a new State.
type State interface {
	// replicateState broadcasts the state onto the mesh's devices; tensor-valued
	// per-parameter states gain the device axis as a stacked leading axis, other
	// state values are held once per device.
	replicateState(mesh *devices.Mesh) State

	// unreplicateState extracts the device-0 copy. It is the inverse of
	// replicateState for states that carry the mesh's device axis.
	unreplicateState(mesh *devices.Mesh) State
}

// OptimizerState pairs the global step counter with the tree of per-parameter
// states. The tree's topology always matches the parameter tree it was
// initialized from (the per-leaf state values themselves are opaque and may
// have heterogeneous internal shapes).
type OptimizerState struct {
	// Step counts the gradient applications: it starts at 0 and increases by
	// exactly 1 on every ApplyGradient.
	Step int64

	// ParamStates holds one opaque per-parameter state per parameter, in a tree
	// isomorphic to the parameter tree.
	ParamStates *StateTree
}

// String implements fmt.Stringer.
func (s *OptimizerState) String() string {
	return fmt.Sprintf("OptimizerState(step=%d, %d param states)", s.Step, s.ParamStates.NumLeaves())
}

// perDevice holds one copy per device of a per-parameter state that is not a
// plain tensor: the optimizer layer cannot give such opaque values a real
// device axis, so it tracks the per-device copies explicitly.
type perDevice struct {
	values []ParamState
}

func (s *OptimizerState) replicateState(mesh *devices.Mesh) State {
	replicated := trees.Map(s.ParamStates, func(state ParamState) ParamState {
		if tensor, ok := state.(*tensors.Tensor); ok {
			return mesh.Replicate(tensor)
		}
		values := make([]ParamState, mesh.Count())
		for ii := range values {
			values[ii] = state
		}
		return &perDevice{values: values}
	})
	return &OptimizerState{Step: s.Step, ParamStates: replicated}
}

func (s *OptimizerState) unreplicateState(mesh *devices.Mesh) State {
	unreplicated := trees.Map(s.ParamStates, func(state ParamState) ParamState {
		switch typed := state.(type) {
		case *tensors.Tensor:
			return mesh.Unreplicate(typed)
		case *perDevice:
			return typed.values[0]
		default:
			return state
		}
	})
	return &OptimizerState{Step: s.Step, ParamStates: unreplicated}
}

// SubStates is the State of a MultiOptimizer: one sub-state per (Traversal,
// Def) pair, position-aligned with the pair list. Notice it is not a tree
// mirroring the parameter tree -- each sub-state only covers the parameters its
// traversal selects.
type SubStates []State

// String implements fmt.Stringer.
func (s SubStates) String() string {
	return fmt.Sprintf("SubStates(%d sub-optimizers)", len(s))
}

func (s SubStates) replicateState(mesh *devices.Mesh) State {
	replicated := make(SubStates, len(s))
	for ii, sub := range s {
		replicated[ii] = sub.replicateState(mesh)
	}
	return replicated
}

func (s SubStates) unreplicateState(mesh *devices.Mesh) State {
	unreplicated := make(SubStates, len(s))
	for ii, sub := range s {
		unreplicated[ii] = sub.unreplicateState(mesh)
	}
	return unreplicated
}
