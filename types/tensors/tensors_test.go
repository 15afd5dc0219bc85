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

package tensors

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/treeopt/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.Equal(t, 2, tensor.Rank())
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, []float32{0, 0, 0, 0, 0, 0}, CopyFlatData[float32](tensor))
	require.Panics(t, func() { FromShape(shapes.Invalid()) })
}

func TestFromScalarAndDimensions(t *testing.T) {
	scalar := FromScalar(int64(7))
	require.True(t, scalar.IsScalar())
	require.Equal(t, int64(7), ToScalar[int64](scalar))

	filled := FromScalarAndDimensions(float32(0.5), 3, 2)
	require.True(t, filled.Shape().Equal(shapes.Make(dtypes.Float32, 3, 2)))
	for _, v := range CopyFlatData[float32](filled) {
		require.Equal(t, float32(0.5), v)
	}
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	data := []int32{1, 2, 3, 4, 5, 6}
	tensor := FromFlatDataAndDimensions(data, 2, 3)
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Int32, 2, 3)))
	require.Equal(t, data, CopyFlatData[int32](tensor))

	// The data must have been copied, not aliased.
	data[0] = 100
	require.Equal(t, int32(1), CopyFlatData[int32](tensor)[0])

	require.Panics(t, func() { FromFlatDataAndDimensions([]int32{1, 2, 3}, 2, 3) })
}

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float64{{1, 2, 3}, {4, 5, 6}})
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float64, 2, 3)))
	require.Equal(t, []float64{1, 2, 3, 4, 5, 6}, CopyFlatData[float64](tensor))

	// A tensor passes through FromAnyValue unchanged.
	require.Same(t, tensor, FromAnyValue(tensor))

	// Irregular multidimensional slices are rejected.
	require.Panics(t, func() { FromValue([][]float64{{1, 2}, {3}}) })
	require.Panics(t, func() { FromValue([]float64{}) })
}

func TestAccess(t *testing.T) {
	tensor := FromValue([]float32{1, 2, 3})
	ConstFlatData(tensor, func(flat []float32) {
		require.Equal(t, []float32{1, 2, 3}, flat)
	})
	MutableFlatData(tensor, func(flat []float32) {
		flat[1] = 20
	})
	require.Equal(t, []float32{1, 20, 3}, CopyFlatData[float32](tensor))

	// Generic accessors require the matching dtype.
	require.Panics(t, func() { ConstFlatData(tensor, func(flat []float64) {}) })
	require.Panics(t, func() { _ = ToScalar[float32](tensor) })
}

func TestCloneAndEqual(t *testing.T) {
	tensor := FromValue([][]int64{{1, 2}, {3, 4}})
	clone := tensor.Clone()
	require.True(t, tensor.Equal(clone))
	MutableFlatData(clone, func(flat []int64) { flat[0] = -1 })
	require.False(t, tensor.Equal(clone))
	require.False(t, tensor.Equal(FromValue([]int64{1, 2, 3, 4})))
	require.False(t, tensor.Equal(FromValue([][]int32{{1, 2}, {3, 4}})))
}

func TestInDelta(t *testing.T) {
	a := FromValue([]float32{1, 2, 3})
	b := FromValue([]float32{1.001, 1.999, 3})
	assert.True(t, a.InDelta(b, 0.01))
	assert.False(t, a.InDelta(b, 0.0001))
	assert.False(t, a.InDelta(FromValue([]float32{1, 2}), 1))
}

func TestFlatFloat64s(t *testing.T) {
	require.Equal(t, []float64{1, 2, 3}, FromValue([]int32{1, 2, 3}).FlatFloat64s())
	require.Equal(t, []float64{1.5, -2}, FromValue([]float64{1.5, -2}).FlatFloat64s())

	f16 := FromFlatDataAndDimensions([]float16.Float16{
		float16.Fromfloat32(0.5), float16.Fromfloat32(-1.5)}, 2)
	require.Equal(t, []float64{0.5, -1.5}, f16.FlatFloat64s())

	bf16 := FromFlatDataAndDimensions([]bfloat16.BFloat16{
		bfloat16.FromFloat32(2), bfloat16.FromFloat32(-4)}, 2)
	require.Equal(t, []float64{2, -4}, bf16.FlatFloat64s())

	require.Panics(t, func() { FromValue([]bool{true}).FlatFloat64s() })
}

func TestFromFlatFloat64sAndShape(t *testing.T) {
	for _, dtype := range []dtypes.DType{
		dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.BFloat16,
		dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64} {
		shape := shapes.Make(dtype, 2, 2)
		tensor := FromFlatFloat64sAndShape([]float64{1, 2, 3, 4}, shape)
		require.True(t, tensor.Shape().Equal(shape))
		require.Equal(t, []float64{1, 2, 3, 4}, tensor.FlatFloat64s())
	}
	require.Panics(t, func() {
		FromFlatFloat64sAndShape([]float64{1, 2, 3}, shapes.Make(dtypes.Float32, 2, 2))
	})
}

func TestStackAndSliceAxis0(t *testing.T) {
	a := FromValue([]float32{1, 2, 3})
	b := FromValue([]float32{4, 5, 6})
	stacked := Stack([]*Tensor{a, b})
	require.True(t, stacked.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, CopyFlatData[float32](stacked))

	require.True(t, a.Equal(stacked.SliceAxis0(0)))
	require.True(t, b.Equal(stacked.SliceAxis0(1)))
	require.Panics(t, func() { stacked.SliceAxis0(2) })
	require.Panics(t, func() { Stack([]*Tensor{a, FromValue([]float32{1, 2})}) })
	require.Panics(t, func() { Stack(nil) })

	// Stacking scalars yields a vector, slicing it back yields scalars.
	scalars := Stack([]*Tensor{FromScalar(1.0), FromScalar(2.0)})
	require.True(t, scalars.Shape().Equal(shapes.Make(dtypes.Float64, 2)))
	require.Equal(t, 1.0, ToScalar[float64](scalars.SliceAxis0(0)))
	require.Panics(t, func() { FromScalar(1.0).SliceAxis0(0) })
}

func TestSumAndMeanAxis0(t *testing.T) {
	stacked := FromValue([][]float32{{1, 2, 3}, {3, 4, 5}})
	sum := stacked.SumAxis0()
	require.True(t, sum.Shape().Equal(shapes.Make(dtypes.Float32, 3)))
	require.Equal(t, []float32{4, 6, 8}, CopyFlatData[float32](sum))

	mean := stacked.MeanAxis0()
	require.Equal(t, []float32{2, 3, 4}, CopyFlatData[float32](mean))
}

func TestAddAndScale(t *testing.T) {
	a := FromValue([]float32{1, 2, 3})
	b := FromValue([]float32{10, 20, 30})
	sum := Add(a, b)
	require.True(t, sum.Shape().Equal(a.Shape()))
	require.Equal(t, []float32{11, 22, 33}, CopyFlatData[float32](sum))

	// Operands are left untouched.
	require.Equal(t, []float32{1, 2, 3}, CopyFlatData[float32](a))
	require.Equal(t, []float32{10, 20, 30}, CopyFlatData[float32](b))

	scaled := a.Scale(0.5)
	require.Equal(t, []float32{0.5, 1, 1.5}, CopyFlatData[float32](scaled))
	require.Equal(t, dtypes.Float32, scaled.DType())

	// A gradient-descent style composition: param - 0.1*grad.
	require.True(t, FromScalar(0.7).InDelta(Add(FromScalar(1.0), FromScalar(3.0).Scale(-0.1)), 1e-9))

	// Both shape and DType must match.
	require.Panics(t, func() { Add(a, FromValue([]float32{1, 2})) })
	require.Panics(t, func() { Add(a, FromValue([]float64{1, 2, 3})) })
}

func TestGobRoundTrip(t *testing.T) {
	tensor := FromValue([][]float64{{1.5, -2}, {3.25, 0}})
	buf := &bytes.Buffer{}
	require.NoError(t, gob.NewEncoder(buf).Encode(tensor))

	var restored *Tensor
	require.NoError(t, gob.NewDecoder(buf).Decode(&restored))
	require.True(t, tensor.Equal(restored))
}
