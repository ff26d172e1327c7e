package serial

import (
	"encoding"
	"fmt"
	"io"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"
)

// FormatYAML is the data format of the YAML serializer.
const FormatYAML = "yaml"

// YAML serializes with gopkg.in/yaml.v3. It covers floats, pointers and
// interface-typed values that canonical JSON rejects.
type YAML struct{}

// NewYAML creates the YAML serializer.
func NewYAML() *YAML { return &YAML{} }

func (*YAML) Format() string  { return FormatYAML }
func (*YAML) Available() bool { return true }
func (*YAML) Stable() bool    { return true }

var (
	timeType            = reflect.TypeOf(time.Time{})
	textMarshalerType   = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
	yamlMarshalerType   = reflect.TypeOf((*yaml.Marshaler)(nil)).Elem()
	yamlUnmarshalerType = reflect.TypeOf((*yaml.Unmarshaler)(nil)).Elem()
)

// Supports rejects structs whose unexported fields yaml.v3 would skip,
// unless the type encodes itself as a timestamp, as text or through
// yaml.Marshaler.
func (*YAML) Supports(typ reflect.Type) bool {
	return !unsupportedKind(typ, map[reflect.Type]bool{}) &&
		!hasComplex(typ, map[reflect.Type]bool{}) &&
		!dropsState(typ, yamlEncodesItself, map[reflect.Type]bool{})
}

func hasComplex(typ reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[typ] {
		return false
	}
	seen[typ] = true
	switch typ.Kind() {
	case reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return hasComplex(typ.Elem(), seen)
	case reflect.Map:
		return hasComplex(typ.Key(), seen) || hasComplex(typ.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			if f := typ.Field(i); f.IsExported() && hasComplex(f.Type, seen) {
				return true
			}
		}
	}
	return false
}

func yamlEncodesItself(typ reflect.Type) bool {
	return typ == timeType ||
		pairedMethods(typ, textMarshalerType, textUnmarshalerType) ||
		pairedMethods(typ, yamlMarshalerType, yamlUnmarshalerType)
}

func (*YAML) Serialize(v any, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("yaml: %w", err)
	}
	return enc.Close()
}

func (*YAML) Deserialize(r io.Reader, typ reflect.Type) (any, error) {
	ptr := reflect.New(typ)
	if err := yaml.NewDecoder(r).Decode(ptr.Interface()); err != nil {
		return nil, fmt.Errorf("yaml: decode %s: %w", typ, err)
	}
	return ptr.Elem().Interface(), nil
}

func (*YAML) Schema(typ reflect.Type) (Schema, error) {
	return goTypeSchema(FormatYAML, typ), nil
}

// GenericType is the type used to decode data whose Go type is unknown.
func (*YAML) GenericType() reflect.Type {
	return reflect.TypeOf((*any)(nil)).Elem()
}
