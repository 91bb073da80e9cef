// Package value models the typed values a run produces: primitives, file and
// directory references, arrays, and objects.
//
// Two JSON views exist. Value's own MarshalJSON is the typed encoding used
// wherever the type must survive a round trip (cache entries). Plain returns
// the untyped view stored on the run row and served to clients, where a file
// is just its path.
package value

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind is the type tag of a Value.
type Kind string

const (
	KindNull      Kind = "Null"
	KindString    Kind = "String"
	KindInt       Kind = "Int"
	KindFloat     Kind = "Float"
	KindBoolean   Kind = "Boolean"
	KindFile      Kind = "File"
	KindDirectory Kind = "Directory"
	KindArray     Kind = "Array"
	KindObject    Kind = "Object"
)

// Value is a tagged union. Only the field matching Kind is meaningful.
type Value struct {
	Kind   Kind
	Str    string // String, File, Directory
	Int    int64
	Float  float64
	Bool   bool
	Items  []Value
	Fields Object
}

// Object maps names to values. Run outputs are an Object.
type Object map[string]Value

func Null() Value                 { return Value{Kind: KindNull} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value           { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value       { return Value{Kind: KindFloat, Float: f} }
func Bool(b bool) Value           { return Value{Kind: KindBoolean, Bool: b} }
func File(path string) Value      { return Value{Kind: KindFile, Str: path} }
func Directory(path string) Value { return Value{Kind: KindDirectory, Str: path} }
func Array(items ...Value) Value  { return Value{Kind: KindArray, Items: items} }
func Struct(fields Object) Value  { return Value{Kind: KindObject, Fields: fields} }

// IsPath reports whether v references a file or directory.
func (v Value) IsPath() bool {
	return v.Kind == KindFile || v.Kind == KindDirectory
}

// Plain returns the untyped JSON view of v.
func (v Value) Plain() any {
	switch v.Kind {
	case KindString, KindFile, KindDirectory:
		return v.Str
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBoolean:
		return v.Bool
	case KindArray:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = item.Plain()
		}
		return out
	case KindObject:
		return v.Fields.Plain()
	default:
		return nil
	}
}

// Plain returns the untyped JSON view of o.
func (o Object) Plain() map[string]any {
	out := make(map[string]any, len(o))
	for k, v := range o {
		out[k] = v.Plain()
	}
	return out
}

// Keys returns o's keys in sorted order.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Paths returns every File and Directory value reachable from o, in a
// deterministic order (sorted keys, array order).
func (o Object) Paths() []Value {
	var out []Value
	for _, k := range o.Keys() {
		out = appendPaths(out, o[k])
	}
	return out
}

func appendPaths(out []Value, v Value) []Value {
	switch v.Kind {
	case KindFile, KindDirectory:
		return append(out, v)
	case KindArray:
		for _, item := range v.Items {
			out = appendPaths(out, item)
		}
	case KindObject:
		for _, k := range v.Fields.Keys() {
			out = appendPaths(out, v.Fields[k])
		}
	}
	return out
}

// Map returns a copy of v with fn applied to every File and Directory value.
func (v Value) Map(fn func(Value) Value) Value {
	switch v.Kind {
	case KindFile, KindDirectory:
		return fn(v)
	case KindArray:
		items := make([]Value, len(v.Items))
		for i, item := range v.Items {
			items[i] = item.Map(fn)
		}
		return Array(items...)
	case KindObject:
		return Struct(v.Fields.Map(fn))
	default:
		return v
	}
}

// Map returns a copy of o with fn applied to every File and Directory value.
func (o Object) Map(fn func(Value) Value) Object {
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = v.Map(fn)
	}
	return out
}

type typedJSON struct {
	Type   Kind            `json:"type"`
	Value  json.RawMessage `json:"value,omitempty"`
	Items  []Value         `json:"items,omitempty"`
	Fields Object          `json:"fields,omitempty"`
}

// MarshalJSON implements the typed encoding.
func (v Value) MarshalJSON() ([]byte, error) {
	t := typedJSON{Type: v.Kind}
	var scalar any
	switch v.Kind {
	case KindNull, "":
		t.Type = KindNull
	case KindString, KindFile, KindDirectory:
		scalar = v.Str
	case KindInt:
		scalar = v.Int
	case KindFloat:
		scalar = v.Float
	case KindBoolean:
		scalar = v.Bool
	case KindArray:
		t.Items = v.Items
		if t.Items == nil {
			t.Items = []Value{}
		}
	case KindObject:
		t.Fields = v.Fields
		if t.Fields == nil {
			t.Fields = Object{}
		}
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.Kind)
	}
	if scalar != nil {
		raw, err := json.Marshal(scalar)
		if err != nil {
			return nil, err
		}
		t.Value = raw
	}
	return json.Marshal(t)
}

// UnmarshalJSON implements the typed encoding.
func (v *Value) UnmarshalJSON(b []byte) error {
	var t typedJSON
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	out := Value{Kind: t.Type}
	var err error
	switch t.Type {
	case KindNull:
	case KindString, KindFile, KindDirectory:
		err = json.Unmarshal(t.Value, &out.Str)
	case KindInt:
		err = json.Unmarshal(t.Value, &out.Int)
	case KindFloat:
		err = json.Unmarshal(t.Value, &out.Float)
	case KindBoolean:
		err = json.Unmarshal(t.Value, &out.Bool)
	case KindArray:
		out.Items = t.Items
	case KindObject:
		out.Fields = t.Fields
	default:
		return fmt.Errorf("unknown value kind %q", t.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s value: %w", t.Type, err)
	}
	*v = out
	return nil
}
