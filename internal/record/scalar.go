package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ScalarKind identifies the dynamic type held by a Scalar.
type ScalarKind uint8

const (
	// ScalarString holds a string value.
	ScalarString ScalarKind = iota + 1

	// ScalarNumber holds a float64 value.
	ScalarNumber

	// ScalarBool holds a boolean value.
	ScalarBool
)

// Scalar is a context value. Only strings, numbers and booleans are allowed;
// the zero Scalar is invalid and rejected by Validate.
type Scalar struct {
	kind ScalarKind
	str  string
	num  float64
	b    bool
}

// String returns a string scalar.
func String(s string) Scalar { return Scalar{kind: ScalarString, str: s} }

// Number returns a numeric scalar.
func Number(f float64) Scalar { return Scalar{kind: ScalarNumber, num: f} }

// Bool returns a boolean scalar.
func Bool(b bool) Scalar { return Scalar{kind: ScalarBool, b: b} }

// Kind reports the scalar's dynamic type.
func (s Scalar) Kind() ScalarKind { return s.kind }

// IsValid reports whether the scalar holds a value.
func (s Scalar) IsValid() bool {
	return s.kind == ScalarString || s.kind == ScalarNumber || s.kind == ScalarBool
}

// StringValue returns the string value and whether the scalar is a string.
func (s Scalar) StringValue() (string, bool) { return s.str, s.kind == ScalarString }

// NumberValue returns the numeric value and whether the scalar is a number.
func (s Scalar) NumberValue() (float64, bool) { return s.num, s.kind == ScalarNumber }

// BoolValue returns the boolean value and whether the scalar is a boolean.
func (s Scalar) BoolValue() (bool, bool) { return s.b, s.kind == ScalarBool }

// Equal reports whether two scalars have the same kind and value.
func (s Scalar) Equal(o Scalar) bool {
	if s.kind != o.kind {
		return false
	}
	switch s.kind {
	case ScalarString:
		return s.str == o.str
	case ScalarNumber:
		return s.num == o.num
	case ScalarBool:
		return s.b == o.b
	}
	return true
}

// String renders the value the way index keys and signatures expect it:
// strings verbatim, numbers in shortest form, booleans as true/false.
func (s Scalar) String() string {
	switch s.kind {
	case ScalarString:
		return s.str
	case ScalarNumber:
		return strconv.FormatFloat(s.num, 'g', -1, 64)
	case ScalarBool:
		return strconv.FormatBool(s.b)
	}
	return ""
}

// MarshalJSON implements json.Marshaler.
func (s Scalar) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case ScalarString:
		return json.Marshal(s.str)
	case ScalarNumber:
		return json.Marshal(s.num)
	case ScalarBool:
		return json.Marshal(s.b)
	}
	return nil, ErrNonScalar
}

// UnmarshalJSON implements json.Unmarshaler. Objects, arrays and null are rejected.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrNonScalar
	}
	switch data[0] {
	case '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = String(v)
	case 't', 'f':
		var v bool
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = Bool(v)
	case '{', '[', 'n':
		return fmt.Errorf("%w: got %s", ErrNonScalar, truncate(data, 32))
	default:
		var v float64
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = Number(v)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
