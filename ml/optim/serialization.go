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
	"reflect"
	"strconv"

	"github.com/gomlx/treeopt/ml/serialization"
	"github.com/pkg/errors"
)

// State-dict handlers for the state records of this package: *OptimizerState
// serializes as {"step", "param_states"}, SubStates as an index-keyed mapping
// of its sub-states.
func init() {
	serialization.Register(reflect.TypeFor[*OptimizerState](),
		optimizerStateToStateDict, optimizerStateFromStateDict)
	serialization.Register(reflect.TypeFor[SubStates](),
		subStatesToStateDict, subStatesFromStateDict)
}

func optimizerStateToStateDict(value any) any {
	state := value.(*OptimizerState)
	return map[string]any{
		"step":         state.Step,
		"param_states": serialization.ToStateDict(state.ParamStates),
	}
}

func optimizerStateFromStateDict(template any, stateDict any) (any, error) {
	templateState := template.(*OptimizerState)
	sd, ok := stateDict.(map[string]any)
	if !ok {
		return nil, errors.Errorf("optim: expected a mapping for an optimizer state, got %T", stateDict)
	}
	stepValue, found := sd["step"]
	if !found {
		return nil, errors.Errorf("optim: missing key %q in optimizer state dict", "step")
	}
	step, ok := stepValue.(int64)
	if !ok {
		return nil, errors.Errorf("optim: step must be an int64, got %T", stepValue)
	}
	paramStatesValue, found := sd["param_states"]
	if !found {
		return nil, errors.Errorf("optim: missing key %q in optimizer state dict", "param_states")
	}
	restored, err := serialization.FromStateDict(templateState.ParamStates, paramStatesValue)
	if err != nil {
		return nil, errors.WithMessage(err, "at key \"param_states\"")
	}
	paramStates, ok := restored.(*StateTree)
	if !ok {
		return nil, errors.Errorf("optim: restored param states are a %T, expected a state tree", restored)
	}
	return &OptimizerState{Step: step, ParamStates: paramStates}, nil
}

func subStatesToStateDict(value any) any {
	subStates := value.(SubStates)
	out := make(map[string]any, len(subStates))
	for ii, sub := range subStates {
		out[strconv.Itoa(ii)] = serialization.ToStateDict(sub)
	}
	return out
}

func subStatesFromStateDict(template any, stateDict any) (any, error) {
	templateStates := template.(SubStates)
	sd, ok := stateDict.(map[string]any)
	if !ok {
		return nil, errors.Errorf("optim: expected an index-keyed mapping of sub-states, got %T", stateDict)
	}
	if len(sd) != len(templateStates) {
		return nil, errors.Errorf("optim: expected %d sub-states, got %d", len(templateStates), len(sd))
	}
	restored := make(SubStates, len(templateStates))
	for ii := range templateStates {
		element, found := sd[strconv.Itoa(ii)]
		if !found {
			return nil, errors.Errorf("optim: missing sub-state %d in state dict", ii)
		}
		restoredSub, err := serialization.FromStateDict(templateStates[ii], element)
		if err != nil {
			return nil, errors.WithMessagef(err, "at sub-state %d", ii)
		}
		sub, ok := restoredSub.(State)
		if !ok {
			return nil, errors.Errorf("optim: restored sub-state %d is a %T, not an optimizer state", ii, restoredSub)
		}
		restored[ii] = sub
	}
	return restored, nil
}
