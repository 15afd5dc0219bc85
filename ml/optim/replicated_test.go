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
	"testing"

	"github.com/gomlx/treeopt/ml/devices"
	"github.com/gomlx/treeopt/types/tensors"
	"github.com/gomlx/treeopt/types/trees"
	"github.com/stretchr/testify/require"
)

// countingRule is an identity update whose per-parameter state counts the
// applications. The state is not a tensor, exercising the opaque-state path of
// replication.
type countingRule struct{}

func (countingRule) InitParamState(*tensors.Tensor) ParamState { return int64(0) }

func (countingRule) ApplyParamGradient(step int64, hyperParams HyperParams, param *tensors.Tensor,
	state ParamState, grad *tensors.Tensor) (*tensors.Tensor, ParamState) {
	return param, state.(int64) + 1
}

func TestReplicate(t *testing.T) {
	devices.SetLocalCount(2)
	params := testParams()
	opt := Create(New(sgdRule{}, sgdHP{LearningRate: 0.1}), params)
	replicated := opt.Replicate()

	def, ok := replicated.Def().(*ReplicatedOptimizer)
	require.True(t, ok)
	require.Equal(t, DefaultAxisName, def.Mesh().AxisName())
	require.Equal(t, 2, def.Mesh().Count())

	// Target leaves gained the device axis.
	require.Equal(t, []int{2}, replicated.Target().ByPath("/a/kernel").Shape().Dimensions)

	// Per-device gradients 2 and 4 average to 3.
	perDeviceGrads := trees.Map(params, func(*tensors.Tensor) *tensors.Tensor {
		return tensors.FromValue([]float64{2, 4})
	})
	stepped := replicated.ApplyGradient(perDeviceGrads)

	// Every device holds the same updated value: 1 - 0.1*3 = 0.7.
	updated := stepped.Target().ByPath("/a/kernel")
	require.Equal(t, []int{2}, updated.Shape().Dimensions)
	require.True(t, updated.InDelta(tensors.FromValue([]float64{0.7, 0.7}), 1e-9))

	// Unreplicating matches applying the averaged gradients to the plain optimizer.
	meanGrads := trees.Map(params, func(*tensors.Tensor) *tensors.Tensor {
		return tensors.FromScalar(3.0)
	})
	plain := opt.ApplyGradient(meanGrads)
	unreplicated := stepped.Unreplicate()
	require.True(t, trees.Equal(plain.Target(), unreplicated.Target(), (*tensors.Tensor).Equal))
	require.Equal(t, int64(1), unreplicated.State().(*OptimizerState).Step)
}

func TestReplicateOptions(t *testing.T) {
	devices.SetLocalCount(4)
	devs := devices.Local()[:3]
	opt := Create(New(sgdRule{}, sgdHP{LearningRate: 0.1}), testParams())
	replicated := opt.Replicate(OnDevices(devs...), WithAxisName("data"))

	def := replicated.Def().(*ReplicatedOptimizer)
	require.Equal(t, "data", def.Mesh().AxisName())
	require.Equal(t, 3, def.Mesh().Count())
	require.Equal(t, []int{3}, replicated.Target().ByPath("/a/kernel").Shape().Dimensions)
}

func TestUnreplicateRoundTrip(t *testing.T) {
	devices.SetLocalCount(2)
	opt := Create(New(momentumRule{}, momentumHP{LearningRate: 0.1, Momentum: 0.9}), testParams())
	roundTripped := opt.Replicate().Unreplicate()

	require.Same(t, opt.Def(), roundTripped.Def())
	require.True(t, trees.Equal(opt.Target(), roundTripped.Target(), (*tensors.Tensor).Equal))
	require.True(t, trees.Equal(
		opt.State().(*OptimizerState).ParamStates,
		roundTripped.State().(*OptimizerState).ParamStates,
		func(a, b ParamState) bool { return a.(*tensors.Tensor).Equal(b.(*tensors.Tensor)) }))
}

func TestUnreplicatePanics(t *testing.T) {
	opt := Create(New(sgdRule{}, sgdHP{LearningRate: 0.1}), testParams())
	require.Panics(t, func() { opt.Unreplicate() })
}

func TestReplicatedOpaqueState(t *testing.T) {
	devices.SetLocalCount(2)
	params := testParams()
	opt := Create(New(countingRule{}, sgdHP{}), params)
	replicated := opt.Replicate()

	grads := trees.Map(params, func(*tensors.Tensor) *tensors.Tensor {
		return tensors.FromValue([]float64{0, 0})
	})
	stepped := replicated.ApplyGradient(grads).Unreplicate()

	// The identity update kept the parameters, the opaque counters advanced.
	require.True(t, trees.Equal(params, stepped.Target(), (*tensors.Tensor).Equal))
	state := stepped.State().(*OptimizerState)
	require.Equal(t, int64(1), state.Step)
	for _, count := range state.ParamStates.Leaves() {
		require.Equal(t, int64(1), count.(int64))
	}
}

func TestReplicatedStateDict(t *testing.T) {
	devices.SetLocalCount(2)
	params := testParams()
	opt := Create(New(momentumRule{}, momentumHP{LearningRate: 0.1, Momentum: 0.9}), params)
	replicated := opt.Replicate()

	// The device axis collapses in the state dict: replicated and plain agree.
	require.Equal(t, opt.StateDict(), replicated.StateDict())

	perDeviceGrads := trees.Map(params, func(*tensors.Tensor) *tensors.Tensor {
		return tensors.FromValue([]float64{2, 4})
	})
	trained := replicated.ApplyGradient(perDeviceGrads)

	restored, err := replicated.RestoreState(trained.StateDict())
	require.NoError(t, err)
	require.True(t, trees.Equal(trained.Target(), restored.Target(), (*tensors.Tensor).Equal))
	require.True(t, trees.Equal(
		trained.Unreplicate().Target(),
		restored.Unreplicate().Target(),
		(*tensors.Tensor).Equal))
}
