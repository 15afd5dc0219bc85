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
	"github.com/gomlx/treeopt/ml/devices"
)

// ReplicatedOptimizer is the data-parallel definition: it decorates a base Def
// so that every gradient leaf is averaged across the mesh's device axis (the
// sum across devices divided by the device count) before the base definition
// applies it. Every device therefore computes the identical update, and the
// replicated copies never diverge.
//
// Normally created through Optimizer.Replicate rather than directly.
type ReplicatedOptimizer struct {
	base Def
	mesh *devices.Mesh
}

// NewReplicated decorates base with gradient averaging across the mesh's
// device axis.
func NewReplicated(base Def, mesh *devices.Mesh) *ReplicatedOptimizer {
	return &ReplicatedOptimizer{base: base, mesh: mesh}
}

// Base returns the decorated definition.
func (r *ReplicatedOptimizer) Base() Def { return r.base }

// Mesh returns the device mesh the optimizer is replicated over.
func (r *ReplicatedOptimizer) Mesh() *devices.Mesh { return r.mesh }

// InitState implements Def: initialization is delegated untouched, replication
// of the state happens in Optimizer.Replicate.
func (r *ReplicatedOptimizer) InitState(params *ParamTree) State {
	return r.base.InitState(params)
}

// ApplyGradient implements Def. params, state and grads carry the device axis;
// the gradients are first reduced to their cross-device mean, then the base
// definition computes one update from the device-0 copy of params/state -- by
// construction the update every device would compute -- and the results are
// broadcast back onto the axis.
func (r *ReplicatedOptimizer) ApplyGradient(hyperParams HyperParams, params *ParamTree, state State, grads *ParamTree) (*ParamTree, State) {
	meanGrads := r.mesh.MeanAcrossTree(grads)
	baseParams := r.mesh.UnreplicateTree(params)
	baseState := state.unreplicateState(r.mesh)
	newParams, newState := r.base.ApplyGradient(hyperParams, baseParams, baseState, meanGrads)
	return r.mesh.ReplicateTree(newParams), newState.replicateState(r.mesh)
}

// HyperParams implements Def, delegating to the base definition.
func (r *ReplicatedOptimizer) HyperParams() HyperParams { return r.base.HyperParams() }

// UpdateHyperParams implements Def, delegating to the base definition.
func (r *ReplicatedOptimizer) UpdateHyperParams(overrides ...Override) HyperParams {
	return r.base.UpdateHyperParams(overrides...)
}

// StateDict implements Def: the device axis is collapsed, keeping only the
// first device's copy -- after averaging all devices are identical, so one copy
// is enough.
func (r *ReplicatedOptimizer) StateDict(target *ParamTree, state State) map[string]any {
	return r.base.StateDict(r.mesh.UnreplicateTree(target), state.unreplicateState(r.mesh))
}

// RestoreState implements Def, the inverse of its StateDict: the single-copy
// state dict is restored through the base definition and the result broadcast
// to every device of the mesh.
func (r *ReplicatedOptimizer) RestoreState(target *ParamTree, state State, stateDict map[string]any) (*ParamTree, State, error) {
	baseTarget, baseState, err := r.base.RestoreState(
		r.mesh.UnreplicateTree(target), state.unreplicateState(r.mesh), stateDict)
	if err != nil {
		return nil, nil, err
	}
	return r.mesh.ReplicateTree(baseTarget), baseState.replicateState(r.mesh), nil
}
