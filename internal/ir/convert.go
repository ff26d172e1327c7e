package ir

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

var (
	irValueType         = reflect.TypeOf((*IRValue)(nil)).Elem()
	jsonMarshalerType   = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	jsonUnmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()
	textMarshalerType   = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// FromGo converts an arbitrary Go value into the IR value model.
//
// Supported: strings, booleans, signed and unsigned integers (within int64
// range), slices and arrays, string-keyed maps, structs whose fields are
// all exported (named by their json tag when present) and IRValue
// implementations. Interface values are converted by their dynamic type.
// A struct with unexported fields is an error rather than a partial
// encoding, so distinct values never share a content hash.
func FromGo(v any) (IRValue, error) {
	if v == nil {
		return nil, fmt.Errorf("null is forbidden in IR")
	}
	return fromValue(reflect.ValueOf(v))
}

func fromValue(rv reflect.Value) (IRValue, error) {
	if rv.Kind() != reflect.Interface && rv.Type().Implements(irValueType) {
		return rv.Interface().(IRValue), nil
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil, fmt.Errorf("null is forbidden in IR")
		}
		return fromValue(rv.Elem())
	case reflect.String:
		return IRString(rv.String()), nil
	case reflect.Bool:
		return IRBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return IRInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", u)
		}
		return IRInt(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return nil, fmt.Errorf("floats are forbidden in IR: %v", rv.Float())
	case reflect.Slice, reflect.Array:
		arr := make(IRArray, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, err := fromValue(rv.Index(i))
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = elem
		}
		return arr, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map key must be a string, got %s", rv.Type().Key())
		}
		obj := make(IRObject, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			elem, err := fromValue(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = elem
		}
		return obj, nil
	case reflect.Struct:
		obj := make(IRObject)
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			name, skip, err := fieldName(t.Field(i))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", t, err)
			}
			if skip {
				continue
			}
			elem, err := fromValue(rv.Field(i))
			if err != nil {
				return nil, fmt.Errorf(".%s: %w", name, err)
			}
			obj[name] = elem
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %s", rv.Type())
	}
}

// Representable reports whether every value of typ can be encoded as
// canonical JSON and decoded back into an equal value of typ.
//
// Rejected besides floats and pointers: structs with unexported or untagged
// embedded fields, types with their own JSON or text encoding, and uint,
// uint64 and uintptr, whose values may not fit an int64.
func Representable(typ reflect.Type) error {
	if typ == irValueType {
		return nil
	}
	return representable(typ, map[reflect.Type]bool{})
}

func representable(typ reflect.Type, seen map[reflect.Type]bool) error {
	if seen[typ] {
		return nil
	}
	seen[typ] = true

	if typ.Kind() != reflect.Interface && typ.Implements(irValueType) {
		return nil
	}
	if customEncoding(typ) {
		return fmt.Errorf("%s has its own JSON or text encoding", typ)
	}

	switch typ.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return nil
	case reflect.Uint, reflect.Uint64:
		return fmt.Errorf("%s values may overflow int64", typ)
	case reflect.Slice, reflect.Array:
		if err := representable(typ.Elem(), seen); err != nil {
			return fmt.Errorf("%s: %w", typ, err)
		}
		return nil
	case reflect.Map:
		if typ.Key().Kind() != reflect.String {
			return fmt.Errorf("%s: map key must be a string", typ)
		}
		if err := representable(typ.Key(), seen); err != nil {
			return fmt.Errorf("%s: %w", typ, err)
		}
		if err := representable(typ.Elem(), seen); err != nil {
			return fmt.Errorf("%s: %w", typ, err)
		}
		return nil
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			_, skip, err := fieldName(f)
			if err != nil {
				return fmt.Errorf("%s: %w", typ, err)
			}
			if skip {
				continue
			}
			if err := representable(f.Type, seen); err != nil {
				return fmt.Errorf("%s.%s: %w", typ, f.Name, err)
			}
		}
		return nil
	case reflect.Float32, reflect.Float64:
		return fmt.Errorf("floats are forbidden in IR")
	default:
		return fmt.Errorf("unsupported kind %s", typ.Kind())
	}
}

// customEncoding reports whether encoding/json would bypass the field-wise
// encoding for typ, on either side of a round trip.
func customEncoding(typ reflect.Type) bool {
	if typ.Kind() == reflect.Interface {
		return false
	}
	ptr := reflect.PointerTo(typ)
	return typ.Implements(jsonMarshalerType) || ptr.Implements(jsonMarshalerType) ||
		ptr.Implements(jsonUnmarshalerType) ||
		typ.Implements(textMarshalerType) || ptr.Implements(textMarshalerType) ||
		ptr.Implements(textUnmarshalerType)
}

// Decode parses canonical JSON produced by MarshalCanonical into a new value
// of typ.
func Decode(data []byte, typ reflect.Type) (any, error) {
	if typ == irValueType {
		return UnmarshalIRValue(data)
	}
	ptr := reflect.New(typ)
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	return ptr.Elem().Interface(), nil
}

// fieldName returns the canonical key of a struct field. Fields tagged
// json:"-" are skipped. Unexported fields would be lost, and an embedded
// field without a json name is flattened by encoding/json, so both fail.
func fieldName(f reflect.StructField) (name string, skip bool, err error) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", true, nil
	}
	if !f.IsExported() {
		return "", false, fmt.Errorf("unexported field %s", f.Name)
	}
	name, _, _ = strings.Cut(tag, ",")
	if name == "" {
		if f.Anonymous {
			return "", false, fmt.Errorf("embedded field %s needs a json name", f.Name)
		}
		name = f.Name
	}
	return name, false, nil
}
