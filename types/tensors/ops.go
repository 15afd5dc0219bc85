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

// This file implements the small set of array operations needed by the optimizer
// layer: widening/narrowing conversion to float64, stacking/slicing along a
// leading (device) axis and sum/mean reductions over that axis.

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/treeopt/types/shapes"
	"github.com/x448/float16"
)

// FlatFloat64s returns a copy of the flat data widened to float64 values, whatever
// the tensor's (non-complex, numeric) DType. It panics for Bool and complex dtypes.
func (t *Tensor) FlatFloat64s() []float64 {
	t.AssertValid()
	out := make([]float64, t.Size())
	switch flat := t.flat.(type) {
	case []float64:
		copy(out, flat)
	case []float32:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []float16.Float16:
		for ii, v := range flat {
			out[ii] = float64(v.Float32())
		}
	case []bfloat16.BFloat16:
		for ii, v := range flat {
			out[ii] = float64(v.Float32())
		}
	case []int8:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []int16:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []int32:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []int64:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []uint8:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []uint16:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []uint32:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []uint64:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	default:
		exceptions.Panicf("Tensor.FlatFloat64s does not support dtype %s", t.shape.DType)
	}
	return out
}

// FromFlatFloat64sAndShape creates a tensor of the given shape (any numeric,
// non-complex DType), narrowing the given float64 values to the shape's DType.
// It is the inverse of Tensor.FlatFloat64s.
func FromFlatFloat64sAndShape(flat []float64, shape shapes.Shape) *Tensor {
	if len(flat) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatFloat64sAndShape: %d values given for shape %s (size %d)",
			len(flat), shape, shape.Size())
	}
	t := newTensor(shape)
	switch shape.DType {
	case dtypes.Float64:
		data := make([]float64, len(flat))
		copy(data, flat)
		t.flat = data
	case dtypes.Float32:
		data := make([]float32, len(flat))
		for ii, v := range flat {
			data[ii] = float32(v)
		}
		t.flat = data
	case dtypes.Float16:
		data := make([]float16.Float16, len(flat))
		for ii, v := range flat {
			data[ii] = float16.Fromfloat32(float32(v))
		}
		t.flat = data
	case dtypes.BFloat16:
		data := make([]bfloat16.BFloat16, len(flat))
		for ii, v := range flat {
			data[ii] = bfloat16.FromFloat32(float32(v))
		}
		t.flat = data
	case dtypes.Int8:
		t.flat = narrowInts[int8](flat)
	case dtypes.Int16:
		t.flat = narrowInts[int16](flat)
	case dtypes.Int32:
		t.flat = narrowInts[int32](flat)
	case dtypes.Int64:
		t.flat = narrowInts[int64](flat)
	case dtypes.Uint8:
		t.flat = narrowInts[uint8](flat)
	case dtypes.Uint16:
		t.flat = narrowInts[uint16](flat)
	case dtypes.Uint32:
		t.flat = narrowInts[uint32](flat)
	case dtypes.Uint64:
		t.flat = narrowInts[uint64](flat)
	default:
		exceptions.Panicf("tensors.FromFlatFloat64sAndShape does not support dtype %s", shape.DType)
	}
	return t
}

func narrowInts[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64](flat []float64) []T {
	data := make([]T, len(flat))
	for ii, v := range flat {
		data[ii] = T(v)
	}
	return data
}

// Add returns the element-wise sum of two tensors with identical shapes
// (including DType). The arithmetic is carried in float64 and narrowed back to
// the tensors' DType.
func Add(a, b *Tensor) *Tensor {
	a.AssertValid()
	b.AssertValid()
	if !a.shape.Equal(b.shape) {
		exceptions.Panicf("tensors.Add: tensors shaped %s and %s are incompatible", a.shape, b.shape)
	}
	flat := a.FlatFloat64s()
	for ii, v := range b.FlatFloat64s() {
		flat[ii] += v
	}
	return FromFlatFloat64sAndShape(flat, a.shape)
}

// Scale returns a new tensor with every element multiplied by the given factor.
// See Add for the arithmetic details.
func (t *Tensor) Scale(factor float64) *Tensor {
	flat := t.FlatFloat64s()
	for ii := range flat {
		flat[ii] *= factor
	}
	return FromFlatFloat64sAndShape(flat, t.shape)
}

// Stack creates a new tensor with one extra leading axis, whose dimension is
// len(parts). All parts must have identical shapes (including DType).
//
// It is used by package ml/devices to materialize the per-device axis of
// replicated values.
func Stack(parts []*Tensor) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("tensors.Stack requires at least one tensor")
	}
	shape := parts[0].Shape()
	for ii, part := range parts {
		part.AssertValid()
		if !part.Shape().Equal(shape) {
			exceptions.Panicf("tensors.Stack: part #%d shaped %s, but part #0 shaped %s", ii, part.Shape(), shape)
		}
	}
	newShape := shapes.Make(shape.DType, append([]int{len(parts)}, shape.Dimensions...)...)
	stacked := newTensor(newShape)
	partSize := shape.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), newShape.Size(), newShape.Size())
	for ii, part := range parts {
		reflect.Copy(flatV.Slice(ii*partSize, (ii+1)*partSize), reflect.ValueOf(part.flat))
	}
	stacked.flat = flatV.Interface()
	return stacked
}

// SliceAxis0 returns the sub-tensor at the given index of the leading axis:
// the result drops that axis, so a tensor shaped `[4 2 3]` yields slices
// shaped `[2 3]`. The data is copied.
func (t *Tensor) SliceAxis0(index int) *Tensor {
	t.AssertValid()
	if t.Rank() == 0 {
		exceptions.Panicf("Tensor.SliceAxis0 called on scalar tensor %s", t.shape)
	}
	dim0 := t.shape.Dimensions[0]
	if index < 0 || index >= dim0 {
		exceptions.Panicf("Tensor.SliceAxis0(%d) out-of-bounds for shape %s", index, t.shape)
	}
	subShape := shapes.Make(t.shape.DType, t.shape.Dimensions[1:]...)
	sub := newTensor(subShape)
	subSize := subShape.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(subShape.DType.GoType()), subSize, subSize)
	reflect.Copy(flatV, reflect.ValueOf(t.flat).Slice(index*subSize, (index+1)*subSize))
	sub.flat = flatV.Interface()
	return sub
}

// SumAxis0 sums the tensor across its leading axis, dropping it: a tensor shaped
// `[4 2 3]` reduces to shape `[2 3]`. The arithmetic is carried in float64 and
// narrowed back to the tensor's DType.
func (t *Tensor) SumAxis0() *Tensor {
	t.AssertValid()
	if t.Rank() == 0 {
		exceptions.Panicf("Tensor.SumAxis0 called on scalar tensor %s", t.shape)
	}
	dim0 := t.shape.Dimensions[0]
	subShape := shapes.Make(t.shape.DType, t.shape.Dimensions[1:]...)
	subSize := subShape.Size()
	flat := t.FlatFloat64s()
	sum := make([]float64, subSize)
	for ii := 0; ii < dim0; ii++ {
		for jj := 0; jj < subSize; jj++ {
			sum[jj] += flat[ii*subSize+jj]
		}
	}
	return FromFlatFloat64sAndShape(sum, subShape)
}

// MeanAxis0 averages the tensor across its leading axis, dropping it.
// See SumAxis0 for the arithmetic details.
func (t *Tensor) MeanAxis0() *Tensor {
	t.AssertValid()
	if t.Rank() == 0 {
		exceptions.Panicf("Tensor.MeanAxis0 called on scalar tensor %s", t.shape)
	}
	dim0 := t.shape.Dimensions[0]
	subShape := shapes.Make(t.shape.DType, t.shape.Dimensions[1:]...)
	subSize := subShape.Size()
	flat := t.FlatFloat64s()
	mean := make([]float64, subSize)
	for ii := 0; ii < dim0; ii++ {
		for jj := 0; jj < subSize; jj++ {
			mean[jj] += flat[ii*subSize+jj]
		}
	}
	for jj := range mean {
		mean[jj] /= float64(dim0)
	}
	return FromFlatFloat64sAndShape(mean, subShape)
}
