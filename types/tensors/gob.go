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
	"reflect"
	"unsafe"

	"github.com/gomlx/treeopt/types/shapes"
	"github.com/pkg/errors"
)

// ConstBytes calls accessFn with the data of the tensor reinterpreted as raw bytes
// (host endianness). The bytes are owned by the Tensor and must not be changed.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	t.AssertValid()
	flatV := reflect.ValueOf(t.flat)
	data := unsafe.Slice((*byte)(flatV.UnsafePointer()), int(t.Memory()))
	accessFn(data)
}

// MutableBytes calls accessFn with the data of the tensor reinterpreted as raw bytes
// (host endianness), which may be mutated within accessFn.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	t.AssertValid()
	flatV := reflect.ValueOf(t.flat)
	data := unsafe.Slice((*byte)(flatV.UnsafePointer()), int(t.Memory()))
	accessFn(data)
}

// GobEncode implements gob.GobEncoder: it serializes the shape followed by the
// raw data bytes. This is what allows tensors to be nested in the plain state
// dicts saved by package ml/serialization.
func (t *Tensor) GobEncode() (data []byte, err error) {
	t.AssertValid()
	var buf bytes.Buffer
	encoder := gob.NewEncoder(&buf)
	err = t.shape.GobSerialize(encoder)
	if err != nil {
		return
	}
	t.ConstBytes(func(raw []byte) {
		err = encoder.Encode(raw)
	})
	if err != nil {
		err = errors.Wrapf(err, "failed to serialize Tensor %s data", t.shape)
		return
	}
	data = buf.Bytes()
	return
}

// GobDecode implements gob.GobDecoder. See GobEncode.
func (t *Tensor) GobDecode(data []byte) (err error) {
	decoder := gob.NewDecoder(bytes.NewReader(data))
	var shape shapes.Shape
	shape, err = shapes.GobDeserialize(decoder)
	if err != nil {
		return
	}
	var raw []byte
	err = decoder.Decode(&raw)
	if err != nil {
		return errors.Wrapf(err, "failed to deserialize Tensor %s data", shape)
	}
	if len(raw) != int(shape.Memory()) {
		return errors.Errorf("deserializing Tensor %s: got %d data bytes, shape requires %d",
			shape, len(raw), shape.Memory())
	}
	decoded := FromShape(shape)
	decoded.MutableBytes(func(dst []byte) {
		copy(dst, raw)
	})
	*t = *decoded
	return
}
