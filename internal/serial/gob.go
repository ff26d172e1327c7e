package serial

import (
	"encoding"
	"encoding/gob"
	"fmt"
	"io"
	"reflect"
)

// FormatGob is the data format of the gob serializer.
const FormatGob = "gob"

// Gob is the fallback serializer. Its output can only be decoded into the
// original Go type, so it is not stable and cannot back whiteboard fields.
//
// Gob writes maps in iteration order, so a value containing a map encodes
// to different bytes from run to run. Such values still round-trip, but
// each put lands on a new content address and cached calls taking them
// miss. Map types that YAML can hold never reach gob.
type Gob struct{}

// NewGob creates the gob serializer.
func NewGob() *Gob { return &Gob{} }

func (*Gob) Format() string  { return FormatGob }
func (*Gob) Available() bool { return true }
func (*Gob) Stable() bool    { return false }

var (
	gobEncoderType        = reflect.TypeOf((*gob.GobEncoder)(nil)).Elem()
	gobDecoderType        = reflect.TypeOf((*gob.GobDecoder)(nil)).Elem()
	binaryMarshalerType   = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
	binaryUnmarshalerType = reflect.TypeOf((*encoding.BinaryUnmarshaler)(nil)).Elem()
)

func (*Gob) Supports(typ reflect.Type) bool {
	return !unsupportedKind(typ, map[reflect.Type]bool{}) &&
		!dropsState(typ, gobEncodesItself, map[reflect.Type]bool{})
}

func gobEncodesItself(typ reflect.Type) bool {
	return pairedMethods(typ, gobEncoderType, gobDecoderType) ||
		pairedMethods(typ, binaryMarshalerType, binaryUnmarshalerType)
}

func (*Gob) Serialize(v any, w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("gob: %w", err)
	}
	return nil
}

func (*Gob) Deserialize(r io.Reader, typ reflect.Type) (any, error) {
	ptr := reflect.New(typ)
	if err := gob.NewDecoder(r).DecodeValue(ptr); err != nil {
		return nil, fmt.Errorf("gob: decode %s: %w", typ, err)
	}
	return ptr.Elem().Interface(), nil
}

func (*Gob) Schema(typ reflect.Type) (Schema, error) {
	return goTypeSchema(FormatGob, typ), nil
}
