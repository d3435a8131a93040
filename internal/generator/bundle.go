package generator

import (
	"errors"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalidBundle is returned when a bundle file cannot be decoded.
var ErrInvalidBundle = errors.New("invalid generator bundle")

// Bundle is a decoded GeneratorBundle: the generator it was trained for plus
// the checkpoint blobs.
type Bundle struct {
	GeneratorID string
	Description string
	Checkpoint  [][]byte
	MetaGraph   []byte
}

// ReadBundle reads and decodes the bundle at path.
func ReadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}
	return DecodeBundle(data)
}

// DecodeBundle parses the protobuf wire encoding of a GeneratorBundle.
// Unknown fields are skipped.
func DecodeBundle(data []byte) (*Bundle, error) {
	b := &Bundle{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if typ != protowire.BytesType {
					return nil
				}
				switch num {
				case 1:
					b.GeneratorID = string(v)
				case 2:
					b.Description = string(v)
				}
				return nil
			})
		case num == 2 && typ == protowire.BytesType:
			b.Checkpoint = append(b.Checkpoint, append([]byte(nil), v...))
		case num == 3 && typ == protowire.BytesType:
			b.MetaGraph = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if b.GeneratorID == "" {
		return nil, fmt.Errorf("%w: missing generator id", ErrInvalidBundle)
	}
	return b, nil
}

// walkFields calls fn for each field in a message. v holds the payload of
// length-delimited fields and is nil otherwise.
func walkFields(data []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidBundle, protowire.ParseError(n))
		}
		data = data[n:]

		var v []byte
		if typ == protowire.BytesType {
			var m int
			v, m = protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidBundle, protowire.ParseError(m))
			}
			n = m
		} else {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidBundle, protowire.ParseError(n))
			}
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
