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

// Package tensors implements Tensor, a representation of a multi-dimensional array.
//
// Tensors are the leaf values of the parameter trees manipulated by the optimizer
// layer (see packages types/trees and ml/optim). They are defined by their shape
// (a data type and its axes' dimensions) and their flat contents, stored locally
// as a Go slice of the Go type corresponding to the DType.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//   - FromScalar[T](value T): creates a scalar tensor with the given value.
//   - FromScalarAndDimensions[T](value T, dimensions ...int): creates a tensor with the
//     given dimensions, filled with the scalar value given.
//   - FromFlatDataAndDimensions[T](data []T, dimensions ...int): creates a tensor with the
//     given dimensions, and sets the flattened values with the given data.
//   - FromValue / FromAnyValue: convert arbitrary (regular) multidimensional Go
//     slices, e.g. `FromValue([][]float32{{1, 2}, {3, 5}, {7, 11}})`.
//
// Float16 support uses the github.com/x448/float16 implementation, and bfloat16
// uses github.com/gomlx/gopjrt/dtypes/bfloat16.
//
// Tensors are treated as immutable by the optimizer layer: updates always build
// new tensors (see Clone and MutableFlatData). They are not safe for concurrent
// mutation.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/treeopt/types/shapes"
	"github.com/pkg/errors"
)

// Tensor is a multi-dimensional array of one of the supported DTypes.
//
// The zero value of a Tensor is not valid: use one of the From* constructors.
type Tensor struct {
	shape shapes.Shape
	flat  any // Slice of the Go type for the dtype of the given shape.
}

func newTensor(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	return &Tensor{shape: shape}
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) (t *Tensor) {
	t = newTensor(shape)
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), t.Size(), t.Size())
	t.flat = flatV.Interface()
	return
}

// FromScalar returns a scalar (rank-0) Tensor with the given value.
func FromScalar[T dtypes.Supported](value T) (t *Tensor) {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a Tensor with the given dimensions, filled with the
// scalar value given. `T` must be one of the supported types.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) (t *Tensor) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	t = newTensor(shape)
	flat := make([]T, t.Size())
	for ii := range flat {
		flat[ii] = value
	}
	t.flat = flat
	return
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions, and sets the
// flattened values with the given data. The data slice is copied, not aliased.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) (t *Tensor) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	t = newTensor(shape)
	if len(data) != t.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(%s): data has %d values, shape requires %d",
			shape, len(data), t.Size())
	}
	flat := make([]T, len(data))
	copy(flat, data)
	t.flat = flat
	return
}

// FromValue converts a scalar or a (regular) multidimensional slice into a Tensor.
// Slices of rank > 1 must be regular, that is all the sub-slices must have the same shape.
func FromValue[S any](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue. The exception is if `value` is
// already a Tensor, in which case it is a no-op and returns the tensor itself.
func FromAnyValue(value any) (t *Tensor) {
	if tt, ok := value.(*Tensor); ok {
		return tt
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.WithMessagef(err, "tensors.FromAnyValue(%T)", value))
	}
	t = FromShape(shape)
	flatV := reflect.ValueOf(t.flat)
	pos := 0
	copyToFlatRecursively(flatV, reflect.ValueOf(value), &pos)
	return
}

func copyToFlatRecursively(flatV, valueV reflect.Value, pos *int) {
	if valueV.Kind() != reflect.Slice {
		flatV.Index(*pos).Set(valueV)
		*pos++
		return
	}
	for ii := 0; ii < valueV.Len(); ii++ {
		copyToFlatRecursively(flatV, valueV.Index(ii), pos)
	}
}

func shapeForValue(value any) (shape shapes.Shape, err error) {
	valueT := reflect.TypeOf(value)
	for valueT.Kind() == reflect.Slice {
		v := reflect.ValueOf(value)
		if v.Len() == 0 {
			err = errors.Errorf("cannot infer shape from empty slice %T", value)
			return
		}
		shape.Dimensions = append(shape.Dimensions, v.Len())
		value = v.Index(0).Interface()
		valueT = valueT.Elem()
	}
	shape.DType = dtypes.FromGoType(valueT)
	if shape.DType == dtypes.InvalidDType {
		err = errors.Errorf("cannot convert type %s to a tensor DType", valueT)
		return
	}
	// Check that the multidimensional slice is regular.
	err = checkRegular(reflect.ValueOf(value), shape.Dimensions[1:])
	return
}

func checkRegular(v reflect.Value, dimensions []int) error {
	if len(dimensions) == 0 {
		return nil
	}
	if v.Len() != dimensions[0] {
		return errors.Errorf("irregular multidimensional slice: expected dimension %d, got %d", dimensions[0], v.Len())
	}
	for ii := 0; ii < v.Len(); ii++ {
		if err := checkRegular(v.Index(ii), dimensions[1:]); err != nil {
			return err
		}
	}
	return nil
}

// Shape of the Tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the Tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the Tensor's shape. Scalar values have rank 0.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the Tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements stored in the Tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the Tensor data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// AssertValid panics if the tensor is in an invalid state: nil or without data.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensors.Tensor is nil")
	}
	if t.flat == nil {
		exceptions.Panicf("tensors.Tensor has no data (was it created with one of the From* constructors?)")
	}
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type
// corresponding to the DType. Even scalar values have a flattened data representation
// of one element.
//
// The slice is owned by the Tensor and must not be changed -- see MutableFlatData.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.AssertValid()
	accessFn(t.flat)
}

// ConstFlatData calls accessFn with the flattened data as a slice of T.
// It is the generics version of Tensor.ConstFlatData, and panics if T does not
// match the Tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	t.AssertValid()
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("tensors.ConstFlatData[%T] is incompatible with tensor's dtype %s", v, t.shape.DType)
	}
	accessFn(t.flat.([]T))
}

// MutableFlatData calls accessFn with the flattened data as a slice of the Go type
// corresponding to the DType. The contents may be changed inside accessFn.
//
// Mutation is meant for tensors being built (usually a Clone of an input);
// tensors already handed to the optimizer layer are treated as immutable.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.AssertValid()
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flattened data as a slice of T, which may
// be mutated. It is the generics version of Tensor.MutableFlatData, and panics if T
// does not match the Tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	t.AssertValid()
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("tensors.MutableFlatData[%T] is incompatible with tensor's dtype %s", v, t.shape.DType)
	}
	accessFn(t.flat.([]T))
}

// ToScalar returns the value of a scalar (or one-element) Tensor.
// It panics if T doesn't match the tensor's DType.
func ToScalar[T dtypes.Supported](t *Tensor) (value T) {
	t.AssertValid()
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		exceptions.Panicf("tensors.ToScalar[%T] is incompatible with tensor's dtype %s", value, t.shape.DType)
	}
	if t.Size() != 1 {
		exceptions.Panicf("tensors.ToScalar called on tensor shaped %s, expected exactly one element", t.shape)
	}
	return t.flat.([]T)[0]
}

// CopyFlatData returns a copy of the flat data of the Tensor as a slice of T.
// It panics if T doesn't match the tensor's DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) (flat []T) {
	ConstFlatData(t, func(original []T) {
		flat = make([]T, len(original))
		copy(flat, original)
	})
	return
}

// Clone returns a deep copy of the Tensor.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	clone := newTensor(t.shape.Clone())
	flatV := reflect.ValueOf(t.flat)
	cloneFlatV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(cloneFlatV, flatV)
	clone.flat = cloneFlatV.Interface()
	return clone
}

// Equal checks weather t == otherTensor, comparing shape (including DType) and values.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	flatV := reflect.ValueOf(t.flat)
	otherFlatV := reflect.ValueOf(otherTensor.flat)
	for ii := 0; ii < flatV.Len(); ii++ {
		if !flatV.Index(ii).Equal(otherFlatV.Index(ii)) {
			return false
		}
	}
	return true
}

// InDelta checks whether the shapes are identical and every value of t is within
// delta of the corresponding value in otherTensor. It requires a float dtype.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	flat := t.FlatFloat64s()
	otherFlat := otherTensor.FlatFloat64s()
	for ii, v := range flat {
		diff := v - otherFlat[ii]
		if diff < -delta || diff > delta {
			return false
		}
	}
	return true
}

// String returns an informative description of the tensor: its shape and the
// memory used, e.g. `Tensor(Float32)[2 3]: 24 B`.
func (t *Tensor) String() string {
	if t == nil || t.flat == nil {
		return "Tensor(<invalid>)"
	}
	return fmt.Sprintf("Tensor%s: %s", t.shape, humanize.Bytes(uint64(t.Memory())))
}
