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

// Package serialization converts optimizer values to and from "state dicts":
// nested plain `map[string]any` mappings with tensor (or plain scalar) leaves,
// suitable for checkpointing.
//
// Conversion is driven by an explicit registry from concrete type to a
// serializer/deserializer pair, populated at startup: this package registers
// handlers for the tree types, and ml/optim registers its state records in its
// own init. Unregistered values pass through unchanged.
//
// Restoring is schema-checked: FromStateDict receives a template value whose
// structure, shapes and dtypes describe what the state dict must contain -- the
// template's actual values are never used. A state dict that disagrees with the
// template's structure fails with a descriptive error.
//
// Lists are represented in state dicts as maps keyed by the decimal index
// ("0", "1", ...), so the persisted form bottoms out in string-keyed mappings
// only.
package serialization

import (
	"reflect"
	"strconv"
	"sync"

	"github.com/gomlx/treeopt/types/tensors"
	"github.com/gomlx/treeopt/types/trees"
	"github.com/pkg/errors"
)

// ToStateDictFn converts a value of a registered type to its state-dict form.
type ToStateDictFn func(value any) any

// FromStateDictFn rebuilds a value of a registered type from its state-dict
// form, using template (a value of the same type) as the schema.
type FromStateDictFn func(template any, stateDict any) (any, error)

type handler struct {
	to   ToStateDictFn
	from FromStateDictFn
}

var (
	muRegistry sync.Mutex
	registry   = make(map[reflect.Type]handler)
)

// Register associates a serializer/deserializer pair with a concrete type.
// Meant to be called from package init functions; registering the same type
// twice replaces the previous pair.
func Register(typ reflect.Type, to ToStateDictFn, from FromStateDictFn) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[typ] = handler{to: to, from: from}
}

func lookup(typ reflect.Type) (handler, bool) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	h, found := registry[typ]
	return h, found
}

// ToStateDict converts a value to its state-dict form: registered types through
// their registered serializer, maps and slices recursively, anything else --
// including tensors and plain scalars -- passes through unchanged.
func ToStateDict(value any) any {
	if value == nil {
		return nil
	}
	if h, found := lookup(reflect.TypeOf(value)); found {
		return h.to(value)
	}
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, element := range typed {
			out[key] = ToStateDict(element)
		}
		return out
	case []any:
		out := make(map[string]any, len(typed))
		for ii, element := range typed {
			out[strconv.Itoa(ii)] = ToStateDict(element)
		}
		return out
	default:
		return value
	}
}

// FromStateDict rebuilds a value from its state-dict form. template must be a
// value of the target type: only its structure, shapes and dtypes are read,
// never its values. It returns an error if stateDict's structure is not
// compatible with the template.
func FromStateDict(template any, stateDict any) (any, error) {
	if template == nil {
		return stateDict, nil
	}
	if h, found := lookup(reflect.TypeOf(template)); found {
		return h.from(template, stateDict)
	}
	switch typedTemplate := template.(type) {
	case map[string]any:
		sd, ok := stateDict.(map[string]any)
		if !ok {
			return nil, errors.Errorf("serialization: expected a mapping, got %T", stateDict)
		}
		if len(sd) != len(typedTemplate) {
			return nil, errors.Errorf("serialization: expected a mapping with %d entries, got %d",
				len(typedTemplate), len(sd))
		}
		out := make(map[string]any, len(typedTemplate))
		for key, elementTemplate := range typedTemplate {
			element, found := sd[key]
			if !found {
				return nil, errors.Errorf("serialization: missing key %q in state dict", key)
			}
			restored, err := FromStateDict(elementTemplate, element)
			if err != nil {
				return nil, errors.WithMessagef(err, "at key %q", key)
			}
			out[key] = restored
		}
		return out, nil
	case *tensors.Tensor:
		restoredTensor, ok := stateDict.(*tensors.Tensor)
		if !ok {
			return nil, errors.Errorf("serialization: expected a tensor shaped %s, got %T",
				typedTemplate.Shape(), stateDict)
		}
		if !restoredTensor.Shape().Equal(typedTemplate.Shape()) {
			return nil, errors.Errorf("serialization: expected a tensor shaped %s, got one shaped %s",
				typedTemplate.Shape(), restoredTensor.Shape())
		}
		return restoredTensor, nil
	default:
		if stateDict == nil {
			return nil, errors.Errorf("serialization: expected a %T, got nil", template)
		}
		if reflect.TypeOf(stateDict) != reflect.TypeOf(template) {
			return nil, errors.Errorf("serialization: expected a %T, got %T", template, stateDict)
		}
		return stateDict, nil
	}
}

// Handlers for the tree instantiations the optimizer layer uses: parameter /
// gradient trees (tensor leaves) and per-parameter state trees (opaque leaves).
func init() {
	registerTree[*tensors.Tensor]()
	registerTree[any]()
}

func registerTree[T any]() {
	Register(reflect.TypeFor[*trees.Tree[T]](),
		func(value any) any {
			return treeToStateDict(value.(*trees.Tree[T]))
		},
		func(template any, stateDict any) (any, error) {
			return treeFromStateDict(template.(*trees.Tree[T]), stateDict)
		})
}

func treeToStateDict[T any](tree *trees.Tree[T]) any {
	switch tree.Kind() {
	case trees.KindLeaf:
		return ToStateDict(tree.Value())
	case trees.KindMap:
		out := make(map[string]any, tree.NumChildren())
		for _, key := range tree.MapKeys() {
			out[key] = treeToStateDict(tree.Get(key))
		}
		return out
	default: // trees.KindList
		out := make(map[string]any, tree.NumChildren())
		for ii := 0; ii < tree.NumChildren(); ii++ {
			out[strconv.Itoa(ii)] = treeToStateDict(tree.At(ii))
		}
		return out
	}
}

func treeFromStateDict[T any](template *trees.Tree[T], stateDict any) (*trees.Tree[T], error) {
	switch template.Kind() {
	case trees.KindLeaf:
		restored, err := FromStateDict(template.Value(), stateDict)
		if err != nil {
			return nil, err
		}
		if restored == nil {
			// Stateless leaves serialize as nil and restore as the leaf type's zero.
			var zero T
			return trees.NewLeaf(zero), nil
		}
		leaf, ok := restored.(T)
		if !ok {
			return nil, errors.Errorf("serialization: restored leaf is a %T, incompatible with the tree's leaf type", restored)
		}
		return trees.NewLeaf(leaf), nil
	case trees.KindMap:
		sd, ok := stateDict.(map[string]any)
		if !ok {
			return nil, errors.Errorf("serialization: expected a mapping, got %T", stateDict)
		}
		if len(sd) != template.NumChildren() {
			return nil, errors.Errorf("serialization: expected a mapping with %d entries, got %d",
				template.NumChildren(), len(sd))
		}
		node := trees.NewMap[T]()
		for _, key := range template.MapKeys() {
			element, found := sd[key]
			if !found {
				return nil, errors.Errorf("serialization: missing key %q in state dict", key)
			}
			child, err := treeFromStateDict(template.Get(key), element)
			if err != nil {
				return nil, errors.WithMessagef(err, "at key %q", key)
			}
			node.Set(key, child)
		}
		return node, nil
	default: // trees.KindList
		sd, ok := stateDict.(map[string]any)
		if !ok {
			return nil, errors.Errorf("serialization: expected an index-keyed mapping, got %T", stateDict)
		}
		if len(sd) != template.NumChildren() {
			return nil, errors.Errorf("serialization: expected %d indexed entries, got %d",
				template.NumChildren(), len(sd))
		}
		children := make([]*trees.Tree[T], template.NumChildren())
		for ii := range children {
			element, found := sd[strconv.Itoa(ii)]
			if !found {
				return nil, errors.Errorf("serialization: missing index %q in state dict", strconv.Itoa(ii))
			}
			child, err := treeFromStateDict(template.At(ii), element)
			if err != nil {
				return nil, errors.WithMessagef(err, "at index %d", ii)
			}
			children[ii] = child
		}
		return trees.NewList(children...), nil
	}
}
