package product

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// ErrMalformedAttributes is returned when a stored SKU attribute string is
// not a flat JSON object of string values.
var ErrMalformedAttributes = errors.New("malformed sku attributes")

// ParseAttributes decodes a stored SKU attribute string into key/value pairs.
// The input must be a single flat JSON object with string values, e.g.
// {"color":"red","size":"XL"}. Anything else (arrays, nested objects,
// numbers, trailing garbage) is rejected. Attribute strings are data, never
// code; they must not be handed to any kind of expression evaluator.
func ParseAttributes(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}

	d := jx.DecodeStr(raw)
	if d.Next() != jx.Object {
		return nil, ErrMalformedAttributes
	}

	attrs := make(map[string]string)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if d.Next() != jx.String {
			return ErrMalformedAttributes
		}
		val, err := d.Str()
		if err != nil {
			return errors.Wrap(err, "decode value")
		}
		attrs[key] = val
		return nil
	}); err != nil {
		if errors.Is(err, ErrMalformedAttributes) {
			return nil, ErrMalformedAttributes
		}
		return nil, errors.Wrap(ErrMalformedAttributes, err.Error())
	}

	// Reject trailing content after the object.
	if d.Next() != jx.Invalid {
		return nil, ErrMalformedAttributes
	}

	return attrs, nil
}
