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

package serialization

import (
	"encoding/gob"
	"io"

	"github.com/gomlx/treeopt/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Concrete types that may appear as interface values inside a state dict.
func init() {
	gob.Register(map[string]any{})
	gob.Register(&tensors.Tensor{})
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(float32(0))
}

// Save writes a state dict (see ToStateDict) to the writer in binary (gob)
// format. Per-parameter state types a consumer nests in the state dict must be
// gob-registered by the consumer.
func Save(writer io.Writer, stateDict any) error {
	encoder := gob.NewEncoder(writer)
	if err := encoder.Encode(&stateDict); err != nil {
		return errors.Wrapf(err, "serialization: failed to save state dict")
	}
	klog.V(1).Info("serialization: state dict saved")
	return nil
}

// Load reads a state dict previously written with Save. Pass the result to
// FromStateDict (with the proper template) to rebuild the typed values.
func Load(reader io.Reader) (any, error) {
	decoder := gob.NewDecoder(reader)
	var stateDict any
	if err := decoder.Decode(&stateDict); err != nil {
		return nil, errors.Wrapf(err, "serialization: failed to load state dict")
	}
	klog.V(1).Info("serialization: state dict loaded")
	return stateDict, nil
}
