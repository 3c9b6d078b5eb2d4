// Package variables implements the tagged variable values attached to
// process instances. A value carries a type tag and is validated on
// construction, so an unknown tag or a payload that does not match its
// tag never reaches storage.
package variables

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Type is a variable type tag
type Type string

const (
	TypeInteger Type = "integer"
	TypeFloat   Type = "float"
	TypeBoolean Type = "boolean"
	TypeString  Type = "string"
	TypeJSON    Type = "json"
	TypeDate    Type = "date"
)

// validTypes is the allowed tag set
var validTypes = map[Type]bool{
	TypeInteger: true,
	TypeFloat:   true,
	TypeBoolean: true,
	TypeString:  true,
	TypeJSON:    true,
	TypeDate:    true,
}

// ErrInvalidVariable is returned for unknown tags or tag/value mismatches
type ErrInvalidVariable struct {
	Name   string
	Reason string
}

func (e *ErrInvalidVariable) Error() string {
	return fmt.Sprintf("invalid variable %q: %s", e.Name, e.Reason)
}

// Value is a tagged variable value
type Value struct {
	Type    Type  `json:"type"`
	Integer int64 `json:"-"`
	Float   float64
	Boolean bool
	String  string
	JSON    json.RawMessage
	Date    time.Time
}

// NewInteger creates an integer value
func NewInteger(v int64) Value { return Value{Type: TypeInteger, Integer: v} }

// NewFloat creates a float value
func NewFloat(v float64) Value { return Value{Type: TypeFloat, Float: v} }

// NewBoolean creates a boolean value
func NewBoolean(v bool) Value { return Value{Type: TypeBoolean, Boolean: v} }

// NewString creates a string value
func NewString(v string) Value { return Value{Type: TypeString, String: v} }

// NewJSON creates a json value
func NewJSON(v json.RawMessage) Value { return Value{Type: TypeJSON, JSON: v} }

// NewDate creates a date value
func NewDate(v time.Time) Value { return Value{Type: TypeDate, Date: v} }

// FromTagged builds a Value from an untrusted {type, value} pair, as
// carried in bus payloads and API requests.
func FromTagged(name string, typeTag string, raw interface{}) (Value, error) {
	t := Type(typeTag)
	if !validTypes[t] {
		return Value{}, &ErrInvalidVariable{Name: name, Reason: fmt.Sprintf("unknown type tag %q", typeTag)}
	}

	mismatch := func() (Value, error) {
		return Value{}, &ErrInvalidVariable{
			Name:   name,
			Reason: fmt.Sprintf("value %v does not match type %s", raw, t),
		}
	}

	switch t {
	case TypeInteger:
		switch v := raw.(type) {
		case int:
			return NewInteger(int64(v)), nil
		case int64:
			return NewInteger(v), nil
		case float64:
			// JSON numbers decode as float64; accept only whole values
			if v != math.Trunc(v) {
				return mismatch()
			}
			return NewInteger(int64(v)), nil
		default:
			return mismatch()
		}
	case TypeFloat:
		switch v := raw.(type) {
		case float64:
			return NewFloat(v), nil
		case int:
			return NewFloat(float64(v)), nil
		case int64:
			return NewFloat(float64(v)), nil
		default:
			return mismatch()
		}
	case TypeBoolean:
		if v, ok := raw.(bool); ok {
			return NewBoolean(v), nil
		}
		return mismatch()
	case TypeString:
		if v, ok := raw.(string); ok {
			return NewString(v), nil
		}
		return mismatch()
	case TypeJSON:
		data, err := json.Marshal(raw)
		if err != nil {
			return mismatch()
		}
		return NewJSON(data), nil
	case TypeDate:
		if v, ok := raw.(string); ok {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return mismatch()
			}
			return NewDate(parsed), nil
		}
		if v, ok := raw.(time.Time); ok {
			return NewDate(v), nil
		}
		return mismatch()
	}
	return mismatch()
}

// Native returns the untyped Go value, used when handing variables to
// task plugins and condition evaluation.
func (v Value) Native() interface{} {
	switch v.Type {
	case TypeInteger:
		return v.Integer
	case TypeFloat:
		return v.Float
	case TypeBoolean:
		return v.Boolean
	case TypeString:
		return v.String
	case TypeJSON:
		var out interface{}
		if err := json.Unmarshal(v.JSON, &out); err != nil {
			return nil
		}
		return out
	case TypeDate:
		return v.Date
	}
	return nil
}

// wire is the persisted JSON shape
type wire struct {
	Type  Type        `json:"type"`
	Value interface{} `json:"value"`
}

// MarshalJSON encodes as {"type": ..., "value": ...}
func (v Value) MarshalJSON() ([]byte, error) {
	w := wire{Type: v.Type}
	switch v.Type {
	case TypeInteger:
		w.Value = v.Integer
	case TypeFloat:
		w.Value = v.Float
	case TypeBoolean:
		w.Value = v.Boolean
	case TypeString:
		w.Value = v.String
	case TypeJSON:
		w.Value = v.JSON
	case TypeDate:
		w.Value = v.Date.Format(time.RFC3339Nano)
	default:
		return nil, fmt.Errorf("cannot marshal variable with unknown type %q", v.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the persisted shape back into a tagged value
func (v *Value) UnmarshalJSON(data []byte) error {
	var w struct {
		Type  Type            `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !validTypes[w.Type] {
		return &ErrInvalidVariable{Reason: fmt.Sprintf("unknown type tag %q", w.Type)}
	}

	v.Type = w.Type
	switch w.Type {
	case TypeInteger:
		return json.Unmarshal(w.Value, &v.Integer)
	case TypeFloat:
		return json.Unmarshal(w.Value, &v.Float)
	case TypeBoolean:
		return json.Unmarshal(w.Value, &v.Boolean)
	case TypeString:
		return json.Unmarshal(w.Value, &v.String)
	case TypeJSON:
		v.JSON = append(json.RawMessage(nil), w.Value...)
		return nil
	case TypeDate:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		v.Date = parsed
		return nil
	}
	return nil
}
