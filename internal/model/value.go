/*
Copyright 2025 DSA-110 Continuum Imaging.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package model defines the data model of spec.md §3: the small
// tagged-variant value type used by stage contexts, and the durable
// records owned by the state repositories.
package model

import (
	"encoding/json"
	"fmt"
)

// Kind enumerates the tags of the small variant type carried by Context
// inputs/outputs/metadata maps (spec.md §4.4).
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindPath   Kind = "path"
	KindList   Kind = "list"
	KindMap    Kind = "map"
)

// Value is the small tagged-variant type of spec.md §4.4: string, int,
// float, bool, path, list, or map. It round-trips through JSON so that
// Context serialisation (spec.md §8, "serialising a Context and re-loading
// it yields an equal context") is straightforward.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	list []Value
	m    map[string]Value
}

func String(v string) Value { return Value{kind: KindString, s: v} }
func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }
func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func Path(v string) Value   { return Value{kind: KindPath, s: v} }
func List(v []Value) Value  { return Value{kind: KindList, list: append([]Value(nil), v...)} }
func Map(v map[string]Value) Value {
	cp := make(map[string]Value, len(v))
	for k, vv := range v {
		cp[k] = vv
	}
	return Value{kind: KindMap, m: cp}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsString() (string, bool) {
	if v.kind != KindString && v.kind != KindPath {
		return "", false
	}
	return v.s, true
}

func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.f, true
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// Equal reports whether two values carry the same tag and payload, used by
// the Context round-trip law of spec.md §8.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString, KindPath:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, vv := range v.m {
			ov, ok := o.m[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

type wireValue struct {
	Kind Kind              `json:"kind"`
	S    string            `json:"s,omitempty"`
	I    int64             `json:"i,omitempty"`
	F    float64           `json:"f,omitempty"`
	B    bool              `json:"b,omitempty"`
	List []wireValue       `json:"list,omitempty"`
	M    map[string]wireValue `json:"m,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toWire())
}

func (v Value) toWire() wireValue {
	w := wireValue{Kind: v.kind, S: v.s, I: v.i, F: v.f, B: v.b}
	if v.kind == KindList {
		w.List = make([]wireValue, len(v.list))
		for i, e := range v.list {
			w.List[i] = e.toWire()
		}
	}
	if v.kind == KindMap {
		w.M = make(map[string]wireValue, len(v.m))
		for k, e := range v.m {
			w.M[k] = e.toWire()
		}
	}
	return w
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = w.fromWire()
	return nil
}

func (w wireValue) fromWire() Value {
	v := Value{kind: w.Kind, s: w.S, i: w.I, f: w.F, b: w.B}
	if w.Kind == KindList {
		v.list = make([]Value, len(w.List))
		for i, e := range w.List {
			v.list[i] = e.fromWire()
		}
	}
	if w.Kind == KindMap {
		v.m = make(map[string]Value, len(w.M))
		for k, e := range w.M {
			v.m[k] = e.fromWire()
		}
	}
	return v
}

func (v Value) String() string {
	switch v.kind {
	case KindString, KindPath:
		return v.s
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	default:
		return fmt.Sprintf("%v", v.kind)
	}
}

// ValueMap is a string-keyed map of Values, used for Context
// inputs/outputs/metadata.
type ValueMap map[string]Value

// Clone returns a shallow copy of m that shares no backing map with the
// original, so that With* constructors never mutate their receiver.
func (m ValueMap) Clone() ValueMap {
	cp := make(ValueMap, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Equal reports whether two ValueMaps carry the same keys and values.
func (m ValueMap) Equal(o ValueMap) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
