package serial

import (
	"fmt"
	"io"
	"reflect"

	"github.com/roach88/lazyflow/internal/ir"
)

// FormatCanonicalJSON is the data format of the canonical JSON serializer.
const FormatCanonicalJSON = "canonical-json"

// CanonicalJSON serializes through ir.MarshalCanonical. Equal values always
// produce identical bytes, so content hashes of its output are stable.
// Floats and pointers are not supported.
type CanonicalJSON struct{}

// NewCanonicalJSON creates the canonical JSON serializer.
func NewCanonicalJSON() *CanonicalJSON { return &CanonicalJSON{} }

func (*CanonicalJSON) Format() string  { return FormatCanonicalJSON }
func (*CanonicalJSON) Available() bool { return true }
func (*CanonicalJSON) Stable() bool    { return true }

func (*CanonicalJSON) Supports(typ reflect.Type) bool {
	return ir.Representable(typ) == nil
}

func (*CanonicalJSON) Serialize(v any, w io.Writer) error {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Errorf("canonical-json: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func (*CanonicalJSON) Deserialize(r io.Reader, typ reflect.Type) (any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("canonical-json: %w", err)
	}
	return ir.Decode(data, typ)
}

func (*CanonicalJSON) Schema(typ reflect.Type) (Schema, error) {
	return goTypeSchema(FormatCanonicalJSON, typ), nil
}

// GenericType is the type used to decode data whose Go type is unknown.
func (*CanonicalJSON) GenericType() reflect.Type {
	return reflect.TypeOf((*ir.IRValue)(nil)).Elem()
}
