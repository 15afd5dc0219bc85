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

// Package models holds the legacy Model wrapper around a parameter tree.
//
// Older model code passes its parameters wrapped in a Model value instead of the
// raw trees.Tree. The traversal layer (ml/traverse) accepts either form and
// preserves the wrapper on update, so optimizers keep working with both calling
// conventions. New code should pass parameter trees directly.
package models

import (
	"github.com/gomlx/treeopt/types/tensors"
	"github.com/gomlx/treeopt/types/trees"
)

// Model wraps a parameter tree. It is immutable: ReplaceParams returns a new
// Model, the original is never changed.
type Model struct {
	params *trees.Tree[*tensors.Tensor]
}

// New returns a Model wrapping the given parameter tree.
func New(params *trees.Tree[*tensors.Tensor]) *Model {
	return &Model{params: params}
}

// Params returns the wrapped parameter tree.
func (m *Model) Params() *trees.Tree[*tensors.Tensor] {
	return m.params
}

// ReplaceParams returns a new Model wrapping the given parameter tree.
func (m *Model) ReplaceParams(params *trees.Tree[*tensors.Tensor]) *Model {
	return &Model{params: params}
}
