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
	"github.com/gomlx/treeopt/ml/devices"
)

// Optimizer bundles a definition, its current state and the current
// optimization target. It is immutable: ApplyGradient (and Replicate,
// Unreplicate, RestoreState) return a new Optimizer, the receiver is never
// changed, so sharing an Optimizer across goroutines is safe.
//
// Build one with Create. The state's parameter states always mirror the
// target's tree structure (per definition; see SubStates for the
// MultiOptimizer layout).
type Optimizer struct {
	def    Def
	state  State
	target *ParamTree
}

// Def returns the optimizer's definition (its configuration half).
func (o *Optimizer) Def() Def { return o.def }

// State returns the optimizer's current state.
func (o *Optimizer) State() State { return o.state }

// Target returns the current optimization target.
func (o *Optimizer) Target() *ParamTree { return o.target }

// ApplyGradient applies a tree of gradients to the target, returning a new
// Optimizer with the updated target and state. grads must be structurally
// compatible with the target tree.
//
// Overrides replace hyperparameter fields for this call only; see Override and
// WithHyperParams.
func (o *Optimizer) ApplyGradient(grads *ParamTree, overrides ...Override) *Optimizer {
	hyperParams := o.def.UpdateHyperParams(overrides...)
	newTarget, newState := o.def.ApplyGradient(hyperParams, o.target, o.state, grads)
	return &Optimizer{def: o.def, state: newState, target: newTarget}
}

// DefaultAxisName is the device axis name used by Replicate unless overridden
// with WithAxisName.
const DefaultAxisName = "batch"

type replicateConfig struct {
	devs     []devices.Device
	axisName string
}

// ReplicateOption configures Optimizer.Replicate.
type ReplicateOption func(*replicateConfig)

// OnDevices restricts replication to the given devices, instead of all local
// devices.
func OnDevices(devs ...devices.Device) ReplicateOption {
	return func(config *replicateConfig) { config.devs = devs }
}

// WithAxisName changes the name of the device axis gradients are averaged
// across. See DefaultAxisName.
func WithAxisName(axisName string) ReplicateOption {
	return func(config *replicateConfig) { config.axisName = axisName }
}

// Replicate broadcasts the optimizer for data-parallel training: state and
// target gain the device axis (default: all local devices), and the definition
// is wrapped in a ReplicatedOptimizer, so subsequent ApplyGradient calls expect
// per-device gradient trees and average them across the axis before updating.
func (o *Optimizer) Replicate(options ...ReplicateOption) *Optimizer {
	config := &replicateConfig{devs: devices.Local(), axisName: DefaultAxisName}
	for _, option := range options {
		option(config)
	}
	mesh := devices.NewMesh(config.axisName, config.devs)
	return &Optimizer{
		def:    NewReplicated(o.def, mesh),
		state:  o.state.replicateState(mesh),
		target: mesh.ReplicateTree(o.target),
	}
}

// Unreplicate undoes Replicate: it keeps the state and target copy associated
// with the first device and restores the wrapped definition. The result can be
// used outside the data-parallel step. It panics if the optimizer is not
// replicated.
func (o *Optimizer) Unreplicate() *Optimizer {
	replicated, ok := o.def.(*ReplicatedOptimizer)
	if !ok {
		exceptions.Panicf("optim: cannot unreplicate an optimizer that is not replicated (definition is %T)", o.def)
	}
	mesh := replicated.Mesh()
	return &Optimizer{
		def:    replicated.Base(),
		state:  o.state.unreplicateState(mesh),
		target: mesh.UnreplicateTree(o.target),
	}
}

// StateDict converts the optimizer to a plain nested mapping with top-level
// keys "target" and "state"; see package ml/serialization for the schema and
// Save/Load for the byte form.
func (o *Optimizer) StateDict() map[string]any {
	return o.def.StateDict(o.target, o.state)
}

// RestoreState rebuilds an Optimizer from a state dict, using the receiver's
// target and state as the validation schema (their tree structure, shapes and
// dtypes must match the state dict; their values are ignored).
func (o *Optimizer) RestoreState(stateDict map[string]any) (*Optimizer, error) {
	newTarget, newState, err := o.def.RestoreState(o.target, o.state, stateDict)
	if err != nil {
		return nil, err
	}
	return &Optimizer{def: o.def, state: newState, target: newTarget}, nil
}
