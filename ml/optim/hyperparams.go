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

	"github.com/gomlx/exceptions"
)

// HyperParams is the immutable record of named values controlling an update
// rule's behavior (learning rate, momentum decay, ...), owned by an optimizer
// definition. The concrete record type varies per update rule; typically it is
// a plain struct whose Replace is implemented with ReplaceFields.
//
// Replace returns a fresh record with the named fields replaced; the receiver
// is never mutated.
type HyperParams interface {
	Replace(overrides map[string]any) HyperParams
}

// HyperParamsList is the HyperParams of a MultiOptimizer: one record per
// sub-optimizer, position-aligned with its (Traversal, Def) pairs. Replace
// applies the same overrides uniformly to every record.
type HyperParamsList []HyperParams

// Replace implements HyperParams.
func (l HyperParamsList) Replace(overrides map[string]any) HyperParams {
	newList := make(HyperParamsList, len(l))
	for ii, hp := range l {
		newList[ii] = hp.Replace(overrides)
	}
	return newList
}

// ReplaceFields implements HyperParams.Replace for plain struct records: it
// returns a copy of the record with the named exported fields replaced. It
// panics on an unknown field name or an incompatible value type.
func ReplaceFields[H HyperParams](record H, overrides map[string]any) H {
	recordV := reflect.ValueOf(record)
	if recordV.Kind() != reflect.Struct {
		exceptions.Panicf("optim.ReplaceFields: %T is not a struct record", record)
	}
	newRecordV := reflect.New(recordV.Type()).Elem()
	newRecordV.Set(recordV)
	for name, value := range overrides {
		fieldV := newRecordV.FieldByName(name)
		if !fieldV.IsValid() {
			exceptions.Panicf("optim.ReplaceFields: %T has no hyperparameter field %q", record, name)
		}
		valueV := reflect.ValueOf(value)
		if !valueV.Type().ConvertibleTo(fieldV.Type()) {
			exceptions.Panicf("optim.ReplaceFields: cannot set field %q of %T with a %T value", name, record, value)
		}
		fieldV.Set(valueV.Convert(fieldV.Type()))
	}
	return newRecordV.Interface().(H)
}

// hyperParamsOverrideName is the reserved override name used by WithHyperParams
// to replace the whole record, like a normal field override replaces one field.
const hyperParamsOverrideName = "hyper_params"

// Override names one hyperparameter field to replace for the duration of a
// single ApplyGradient call. The definition's own record is never changed.
type Override struct {
	Name  string
	Value any
}

// WithHyperParams overrides the full hyperparameter record for a single
// ApplyGradient call, instead of individual fields. For a MultiOptimizer pass a
// HyperParamsList; this is the only way to override a single sub-optimizer's
// record, e.g.:
//
//	newOpt := opt.ApplyGradient(grads, optim.WithHyperParams(optim.HyperParamsList{
//		hp0.Replace(map[string]any{"LearningRate": 0.2}),
//		hp1,
//	}))
func WithHyperParams(hyperParams HyperParams) Override {
	return Override{Name: hyperParamsOverrideName, Value: hyperParams}
}

// resolveHyperParams implements the shared UpdateHyperParams semantics: start
// from base (or the record given with WithHyperParams) and apply the remaining
// field overrides, if any. With no overrides it returns base itself.
func resolveHyperParams(base HyperParams, overrides []Override) HyperParams {
	hp := base
	var fields map[string]any
	for _, override := range overrides {
		if override.Name == hyperParamsOverrideName {
			var ok bool
			hp, ok = override.Value.(HyperParams)
			if !ok {
				exceptions.Panicf("optim.WithHyperParams given a %T, which does not implement HyperParams", override.Value)
			}
			continue
		}
		if fields == nil {
			fields = make(map[string]any)
		}
		fields[override.Name] = override.Value
	}
	if len(fields) > 0 {
		hp = hp.Replace(fields)
	}
	return hp
}
