package whiteboard

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lazyflow/internal/errs"
)

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// FieldSpec declares one whiteboard field.
type FieldSpec struct {
	Name       string
	Type       reflect.Type
	Default    any
	HasDefault bool
}

// Schema declares the fields of a whiteboard type.
type Schema struct {
	Namespace string
	Name      string
	Fields    []FieldSpec
}

// Field returns the definition of a named field.
func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// FieldNames returns field names in declaration order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// NewSchema validates field names and defaults.
func NewSchema(namespace, name string, fields ...FieldSpec) (Schema, error) {
	if !nameRe.MatchString(name) {
		return Schema{}, fmt.Errorf("invalid whiteboard name %q", name)
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !nameRe.MatchString(f.Name) {
			return Schema{}, errs.NewWhiteboardField(name, f.Name, "invalid field name")
		}
		if seen[f.Name] {
			return Schema{}, errs.NewWhiteboardField(name, f.Name, "declared twice")
		}
		seen[f.Name] = true
		if f.Type == nil {
			return Schema{}, errs.NewWhiteboardField(name, f.Name, "no type")
		}
		if f.HasDefault {
			dt := reflect.TypeOf(f.Default)
			if dt == nil || !dt.AssignableTo(f.Type) {
				return Schema{}, errs.New(errs.CodeType, "default of type %v is not assignable to %s", dt, f.Type).
					With("whiteboard", name).
					With("field", f.Name)
			}
		}
	}
	return Schema{Namespace: namespace, Name: name, Fields: fields}, nil
}

// SchemaOf derives a schema from the exported fields of struct T.
//
// The field name is taken from the `wb` tag, falling back to the Go field
// name. A `default` tag holds the default value as YAML:
//
//	type Metrics struct {
//		Loss  float64 `wb:"loss"`
//		Steps int     `wb:"steps" default:"100"`
//	}
func SchemaOf[T any](namespace string) (Schema, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return Schema{}, fmt.Errorf("whiteboard schema: %s is not a struct", t)
	}
	var fields []FieldSpec
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Tag.Get("wb")
		if name == "-" {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		f := FieldSpec{Name: name, Type: sf.Type}
		if raw, ok := sf.Tag.Lookup("default"); ok {
			ptr := reflect.New(sf.Type)
			if err := yaml.Unmarshal([]byte(raw), ptr.Interface()); err != nil {
				return Schema{}, fmt.Errorf("whiteboard schema %s: default of %s: %w", t.Name(), name, err)
			}
			f.Default = ptr.Elem().Interface()
			f.HasDefault = true
		}
		fields = append(fields, f)
	}
	return NewSchema(namespace, t.Name(), fields...)
}

func (s Schema) String() string {
	if s.Namespace == "" {
		return s.Name
	}
	return strings.Join([]string{s.Namespace, s.Name}, ".")
}
