package fieldaudit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// ValueEncoder normalizes audited field values into JSON-compatible form
// before they are stored in a delta or compared for equality. Audited fields
// may hold any scalar type the storage schema supports (dates, decimals,
// binary blobs), so plain default encoding is not enough.
type ValueEncoder interface {
	Encode(value any) (any, error)
}

// DefaultEncoder is the encoder used unless Config.Encoder overrides it.
// It normalizes times to RFC 3339 in UTC, unwraps driver.Valuer types, and
// round-trips everything non-primitive through encoding/json (which covers
// decimal types that implement json.Marshaler).
type DefaultEncoder struct{}

// Encode implements ValueEncoder.
func (DefaultEncoder) Encode(value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return v.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return string(v), nil
	case json.Number:
		return v, nil
	case driver.Valuer:
		raw, err := v.Value()
		if err != nil {
			return nil, Wrap(ErrEncodeValue, err)
		}
		return DefaultEncoder{}.Encode(raw)
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	}

	// Anything else (structs, maps, slices, custom numeric types) goes
	// through a JSON round-trip so the stored value matches what an
	// external reader of the delta column would see.
	data, err := json.Marshal(value)
	if err != nil {
		return nil, Wrap(ErrEncodeValue, fmt.Errorf("value of type %T: %w", value, err))
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, Wrap(ErrEncodeValue, err)
	}
	return out, nil
}

// encodeValues normalizes every value of a field map with enc.
func encodeValues(enc ValueEncoder, values map[string]any) (map[string]any, error) {
	if values == nil {
		return nil, nil
	}
	out := make(map[string]any, len(values))
	for name, value := range values {
		encoded, err := enc.Encode(value)
		if err != nil {
			return nil, err
		}
		out[name] = encoded
	}
	return out, nil
}

// encodeList normalizes a list of values (association member keys) with enc.
func encodeList(enc ValueEncoder, values []any) ([]any, error) {
	if values == nil {
		return nil, nil
	}
	out := make([]any, len(values))
	for i, value := range values {
		encoded, err := enc.Encode(value)
		if err != nil {
			return nil, err
		}
		out[i] = encoded
	}
	return out, nil
}

// encodePK normalizes a primary key into the string form stored on the
// object_pk column. The JSON encoding keeps string and numeric keys
// distinguishable for external readers.
func encodePK(enc ValueEncoder, pk any) (string, error) {
	if pk == nil {
		return "", nil
	}
	encoded, err := enc.Encode(pk)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return "", Wrap(ErrEncodeValue, err)
	}
	return string(data), nil
}
