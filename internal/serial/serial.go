// Package serial provides the serializer registry: the mapping from Go types
// to byte formats used for entries and whiteboard fields.
//
// Serializers are consulted in registration order; the first one that
// supports a type and is available wins. Stability gates whiteboard use:
// only formats readable from other processes without the Go type are
// stable.
package serial

import (
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/roach88/lazyflow/internal/errs"
)

// Schema describes how an entry's bytes were produced.
type Schema struct {
	DataFormat    string            `json:"data_format" yaml:"data_format"`
	SchemaFormat  string            `json:"schema_format" yaml:"schema_format"`
	SchemaContent string            `json:"schema_content" yaml:"schema_content"`
	Meta          map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Serializer converts values of supported types to and from bytes.
type Serializer interface {
	// Format is the data format name recorded in schemas.
	Format() string

	// Supports reports whether values of typ can round-trip.
	Supports(typ reflect.Type) bool

	// Available reports whether the serializer can be used in this process.
	Available() bool

	// Stable reports whether the format is portable across processes.
	Stable() bool

	Serialize(v any, w io.Writer) error
	Deserialize(r io.Reader, typ reflect.Type) (any, error)
	Schema(typ reflect.Type) (Schema, error)
}

// SchemaFormatGoType marks schema content holding a Go type name.
const SchemaFormatGoType = "go-type"

// Registry finds serializers by type or by data format.
type Registry struct {
	mu          sync.RWMutex
	serializers []Serializer
	types       map[string]reflect.Type
}

// NewRegistry creates a registry consulting serializers in order.
func NewRegistry(serializers ...Serializer) *Registry {
	return &Registry{
		serializers: serializers,
		types:       make(map[string]reflect.Type),
	}
}

// Default returns a registry with canonical JSON, YAML and gob, in that
// order of preference.
func Default() *Registry {
	return NewRegistry(NewCanonicalJSON(), NewYAML(), NewGob())
}

// Register appends a serializer with the lowest priority.
func (r *Registry) Register(s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers = append(r.serializers, s)
}

// FindForType returns the first available serializer supporting typ.
// Fails with UnsupportedType when none does.
func (r *Registry) FindForType(typ reflect.Type) (Serializer, error) {
	if typ == nil {
		return nil, errs.NewUnsupportedType("<nil>", "untyped nil value")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	unavailable := ""
	for _, s := range r.serializers {
		if !s.Supports(typ) {
			continue
		}
		if !s.Available() {
			unavailable = s.Format()
			continue
		}
		return s, nil
	}
	if unavailable != "" {
		return nil, errs.NewUnsupportedType(typ.String(), fmt.Sprintf("serializer %q is not available", unavailable))
	}
	return nil, errs.NewUnsupportedType(typ.String(), "no serializer supports it")
}

// FindByFormat returns the serializer registered for a data format.
func (r *Registry) FindByFormat(format string) (Serializer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.serializers {
		if s.Format() == format {
			return s, nil
		}
	}
	return nil, errs.New(errs.CodeNotFound, "no serializer for data format %q", format)
}

// RegisterType makes typ resolvable from schemas naming it, so readers in
// another process can decode into the original type.
func (r *Registry) RegisterType(typ reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[typ.String()] = typ
}

// ResolveType maps a schema back to a Go type. Unregistered types resolve to
// the serializer's generic representation when it has one.
func (r *Registry) ResolveType(schema Schema) (reflect.Type, error) {
	if schema.SchemaFormat == SchemaFormatGoType {
		r.mu.RLock()
		typ, ok := r.types[schema.SchemaContent]
		r.mu.RUnlock()
		if ok {
			return typ, nil
		}
		if typ, ok := builtinTypes[schema.SchemaContent]; ok {
			return typ, nil
		}
	}
	s, err := r.FindByFormat(schema.DataFormat)
	if err != nil {
		return nil, err
	}
	if g, ok := s.(interface{ GenericType() reflect.Type }); ok {
		return g.GenericType(), nil
	}
	return nil, errs.New(errs.CodeUnsupportedType, "cannot resolve type %q for format %q", schema.SchemaContent, schema.DataFormat)
}

var builtinTypes = map[string]reflect.Type{}

func init() {
	for _, v := range []any{"", 0, int8(0), int16(0), int32(0), int64(0), uint(0), uint8(0), uint16(0),
		uint32(0), uint64(0), float32(0), float64(0), false, []string{}, []int{}, []int64{}, []float64{},
		[]byte{}, map[string]string{}, map[string]int{}, map[string]any{}, []any{}} {
		t := reflect.TypeOf(v)
		builtinTypes[t.String()] = t
	}
}

func goTypeSchema(format string, typ reflect.Type) Schema {
	meta := map[string]string{}
	if typ.PkgPath() != "" {
		meta["pkg"] = typ.PkgPath()
	}
	return Schema{
		DataFormat:    format,
		SchemaFormat:  SchemaFormatGoType,
		SchemaContent: typ.String(),
		Meta:          meta,
	}
}

// unsupportedKind reports kinds no serializer can handle, searching through
// composite types.
func unsupportedKind(typ reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[typ] {
		return false
	}
	seen[typ] = true
	switch typ.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Uintptr, reflect.Invalid:
		return true
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return unsupportedKind(typ.Elem(), seen)
	case reflect.Map:
		return unsupportedKind(typ.Key(), seen) || unsupportedKind(typ.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			if f.IsExported() && unsupportedKind(f.Type, seen) {
				return true
			}
		}
	}
	return false
}

// dropsState reports whether some struct reachable from typ has unexported
// fields that the encoder would skip. Types accepted by custom encode
// themselves and are not searched.
func dropsState(typ reflect.Type, custom func(reflect.Type) bool, seen map[reflect.Type]bool) bool {
	if seen[typ] {
		return false
	}
	seen[typ] = true
	if typ.Kind() != reflect.Interface && custom(typ) {
		return false
	}
	switch typ.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return dropsState(typ.Elem(), custom, seen)
	case reflect.Map:
		return dropsState(typ.Key(), custom, seen) || dropsState(typ.Elem(), custom, seen)
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			if !f.IsExported() || dropsState(f.Type, custom, seen) {
				return true
			}
		}
	}
	return false
}

// pairedMethods reports whether typ encodes with enc and *typ decodes with
// dec.
func pairedMethods(typ, enc, dec reflect.Type) bool {
	return typ.Implements(enc) && reflect.PointerTo(typ).Implements(dec)
}
