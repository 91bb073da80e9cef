package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/goflume/pkg/value"
)

// Type is a declared input or output type.
type Type struct {
	Kind value.Kind

	// Elem is set for arrays.
	Elem *Type
}

func (t Type) String() string {
	if t.Kind == value.KindArray && t.Elem != nil {
		return "Array[" + t.Elem.String() + "]"
	}
	return string(t.Kind)
}

// IsPath reports whether values of t reference files or directories.
func (t Type) IsPath() bool {
	if t.Kind == value.KindArray && t.Elem != nil {
		return t.Elem.IsPath()
	}
	return t.Kind == value.KindFile || t.Kind == value.KindDirectory
}

// ParseType parses "String", "Int", "Float", "Boolean", "File",
// "Directory" or "Array[T]" for a non-array T.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if inner, ok := strings.CutPrefix(s, "Array["); ok && strings.HasSuffix(inner, "]") {
		elem, err := ParseType(strings.TrimSuffix(inner, "]"))
		if err != nil {
			return Type{}, err
		}
		if elem.Kind == value.KindArray {
			return Type{}, fmt.Errorf("nested arrays are not supported: %q", s)
		}
		return Type{Kind: value.KindArray, Elem: &elem}, nil
	}
	switch k := value.Kind(s); k {
	case value.KindString, value.KindInt, value.KindFloat, value.KindBoolean,
		value.KindFile, value.KindDirectory:
		return Type{Kind: k}, nil
	}
	return Type{}, fmt.Errorf("unknown type %q", s)
}

// Coerce converts a decoded JSON/YAML value (or a command-line string) to
// a typed value. Strings are parsed for numeric and boolean types.
func Coerce(t Type, raw any) (value.Value, error) {
	if t.Kind == value.KindArray {
		items, ok := raw.([]any)
		if !ok {
			return value.Value{}, fmt.Errorf("expected array for %s, got %T", t, raw)
		}
		out := make([]value.Value, len(items))
		for i, item := range items {
			v, err := Coerce(*t.Elem, item)
			if err != nil {
				return value.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = v
		}
		return value.Array(out...), nil
	}

	switch t.Kind {
	case value.KindString:
		if s, ok := raw.(string); ok {
			return value.String(s), nil
		}
	case value.KindFile, value.KindDirectory:
		s, ok := raw.(string)
		if !ok || strings.TrimSpace(s) == "" {
			break
		}
		if t.Kind == value.KindFile {
			return value.File(s), nil
		}
		return value.Directory(s), nil
	case value.KindInt:
		switch n := raw.(type) {
		case int:
			return value.Int(int64(n)), nil
		case int64:
			return value.Int(n), nil
		case float64:
			if n == float64(int64(n)) {
				return value.Int(int64(n)), nil
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return value.Int(i), nil
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
				return value.Int(i), nil
			}
		}
	case value.KindFloat:
		switch n := raw.(type) {
		case int:
			return value.Float(float64(n)), nil
		case int64:
			return value.Float(float64(n)), nil
		case float64:
			return value.Float(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return value.Float(f), nil
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return value.Float(f), nil
			}
		}
	case value.KindBoolean:
		switch b := raw.(type) {
		case bool:
			return value.Bool(b), nil
		case string:
			if v, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return value.Bool(v), nil
			}
		}
	}
	return value.Value{}, fmt.Errorf("cannot use %v (%T) as %s", raw, raw, t)
}

// BindInputs checks raw against the declared inputs and returns the typed
// input object. Unknown names are rejected; missing inputs take their
// default, are omitted when optional, and are an error otherwise.
func (d *Document) BindInputs(raw map[string]any) (value.Object, error) {
	declared := make(map[string]Input, len(d.Inputs))
	for _, in := range d.Inputs {
		declared[in.Name] = in
	}
	var errs ValidationErrors
	for _, name := range sortedKeys(raw) {
		if _, ok := declared[name]; !ok {
			errs = append(errs, ValidationError{Path: "/" + name, Message: "unknown input"})
		}
	}

	out := value.Object{}
	for _, in := range d.Inputs {
		typ, err := ParseType(in.Type)
		if err != nil {
			errs = append(errs, ValidationError{Path: "/" + in.Name, Message: err.Error()})
			continue
		}
		v, ok := raw[in.Name]
		if !ok || v == nil {
			switch {
			case in.Default != nil:
				v = in.Default
			case in.Optional:
				continue
			default:
				errs = append(errs, ValidationError{Path: "/" + in.Name, Message: "required input is missing"})
				continue
			}
		}
		typed, err := Coerce(typ, v)
		if err != nil {
			errs = append(errs, ValidationError{Path: "/" + in.Name, Message: err.Error()})
			continue
		}
		out[in.Name] = typed
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// CanonicalJSON encodes inputs with sorted keys; equal inputs always
// produce equal bytes.
func CanonicalJSON(inputs value.Object) ([]byte, error) {
	return json.Marshal(inputs.Plain())
}
