package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// naText is the wire form of an unavailable value.
const naText = "NA"

type valueKind uint8

const (
	kindNA valueKind = iota
	kindNumber
	kindBool
)

// Value is a time series sample value: a number, a boolean, or NA when
// nothing is recorded at the requested moment.
type Value struct {
	kind valueKind
	num  float64
	flag bool
}

// NA is the "unavailable" sentinel returned by lookups that find nothing.
var NA = Value{}

// Number wraps a numeric sample value.
func Number(f float64) Value {
	return Value{kind: kindNumber, num: f}
}

// Bool wraps a boolean sample value.
func Bool(b bool) Value {
	return Value{kind: kindBool, flag: b}
}

// IsNA reports whether v is the unavailable sentinel.
func (v Value) IsNA() bool {
	return v.kind == kindNA
}

// Float returns the numeric reading of v. Booleans read as 1 or 0; NA
// reports ok == false.
func (v Value) Float() (f float64, ok bool) {
	switch v.kind {
	case kindNumber:
		return v.num, true
	case kindBool:
		if v.flag {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Truthy reports whether v is a boolean true. Numbers and NA are never
// true-like.
func (v Value) Truthy() bool {
	return v.kind == kindBool && v.flag
}

// String renders v the way it is shown in tooltips.
func (v Value) String() string {
	switch v.kind {
	case kindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.flag)
	default:
		return naText
	}
}

// MarshalJSON encodes NA as the string "NA".
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindNumber:
		return json.Marshal(v.num)
	case kindBool:
		return json.Marshal(v.flag)
	default:
		return json.Marshal(naText)
	}
}

// UnmarshalJSON accepts numbers, booleans, null, "NA", and the strings
// "true"/"false".
func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*v = NA
		return nil
	case bytes.Equal(b, []byte("true")):
		*v = Bool(true)
		return nil
	case bytes.Equal(b, []byte("false")):
		*v = Bool(false)
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch s {
		case "true":
			*v = Bool(true)
		case "false":
			*v = Bool(false)
		case naText, "":
			*v = NA
		default:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid sample value %q", s)
			}
			*v = Number(f)
		}
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("invalid sample value %s: %w", b, err)
	}
	*v = Number(f)
	return nil
}
