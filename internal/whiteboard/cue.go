package whiteboard

import (
	"fmt"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError reports a problem in a CUE whiteboard declaration.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileSchema builds a schema from a CUE definition. Defaults use CUE
// default markers:
//
//	#Metrics: {
//		loss:  number
//		steps: int | *100
//		tags:  [...string]
//	}
//
// definition is the path of the struct, e.g. "#Metrics". The whiteboard
// name is the path's last label without the leading '#'.
func CompileSchema(namespace, src, definition string) (Schema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src, cue.Filename(namespace+".cue"))
	if err := root.Err(); err != nil {
		return Schema{}, formatCUEError(err)
	}
	v := root.LookupPath(cue.ParsePath(definition))
	if !v.Exists() {
		return Schema{}, &CompileError{Field: definition, Message: "definition not found"}
	}
	if v.IncompleteKind() != cue.StructKind {
		return Schema{}, &CompileError{Field: definition, Message: "must be a struct", Pos: v.Pos()}
	}

	iter, err := v.Fields(cue.Optional(true))
	if err != nil {
		return Schema{}, formatCUEError(err)
	}
	var fields []FieldSpec
	for iter.Next() {
		name := iter.Label()
		fv := iter.Value()
		typ, err := goType(fv)
		if err != nil {
			return Schema{}, err
		}
		f := FieldSpec{Name: name, Type: typ}
		if dv, ok := fv.Default(); ok && dv.IsConcrete() {
			ptr := reflect.New(typ)
			if err := dv.Decode(ptr.Interface()); err != nil {
				return Schema{}, formatCUEError(err)
			}
			f.Default = ptr.Elem().Interface()
			f.HasDefault = true
		}
		fields = append(fields, f)
	}

	name := definition
	if sels := cue.ParsePath(definition).Selectors(); len(sels) > 0 {
		name = sels[len(sels)-1].String()
	}
	return NewSchema(namespace, strings.TrimPrefix(name, "#"), fields...)
}

var (
	stringType = reflect.TypeOf("")
	intType    = reflect.TypeOf(0)
	floatType  = reflect.TypeOf(0.0)
	boolType   = reflect.TypeOf(false)
	bytesType  = reflect.TypeOf([]byte(nil))
	objectType = reflect.TypeOf(map[string]any(nil))
)

// goType maps a CUE field constraint to the Go type its values decode into.
func goType(v cue.Value) (reflect.Type, error) {
	switch k := v.IncompleteKind(); k {
	case cue.StringKind:
		return stringType, nil
	case cue.IntKind:
		return intType, nil
	case cue.FloatKind, cue.NumberKind:
		return floatType, nil
	case cue.BoolKind:
		return boolType, nil
	case cue.BytesKind:
		return bytesType, nil
	case cue.StructKind:
		return objectType, nil
	case cue.ListKind:
		elem := v.LookupPath(cue.MakePath(cue.AnyIndex))
		if !elem.Exists() {
			return reflect.TypeOf([]any(nil)), nil
		}
		et, err := goType(elem)
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(et), nil
	default:
		return nil, &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", k),
			Pos:     v.Pos(),
		}
	}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	all := errors.Errors(err)
	if len(all) == 0 {
		return &CompileError{Field: "cue", Message: err.Error()}
	}
	first := all[0]
	ce := &CompileError{Field: "cue", Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
