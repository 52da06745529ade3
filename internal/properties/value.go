package properties

import (
	"strconv"
	"strings"
)

// Kind is the scalar type carried by a Value.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindEnum:
		return "enum"
	default:
		return "string"
	}
}

// Value is a typed scalar from a server configuration. The native file only
// knows text, so every Value keeps its textual form and equality is textual.
type Value struct {
	kind Kind
	text string
}

func String(s string) Value { return Value{kind: KindString, text: s} }
func Enum(s string) Value   { return Value{kind: KindEnum, text: s} }
func Int(n int64) Value     { return Value{kind: KindInt, text: strconv.FormatInt(n, 10)} }
func Bool(b bool) Value     { return Value{kind: KindBool, text: strconv.FormatBool(b)} }

// Parse infers the kind of a raw value: integers and true/false are typed,
// everything else stays a string.
func Parse(raw string) Value {
	if _, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && raw != "" {
		return Value{kind: KindInt, text: raw}
	}
	switch raw {
	case "true", "false":
		return Value{kind: KindBool, text: raw}
	}
	return Value{kind: KindString, text: raw}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) String() string { return v.text }

// Int returns the value as an integer when it parses as one.
func (v Value) Int() (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(v.text), 10, 64)
	return n, err == nil
}

// Bool returns the value as a boolean when it parses as one.
func (v Value) Bool() (bool, bool) {
	b, err := strconv.ParseBool(v.text)
	return b, err == nil
}

// Equal compares the textual forms.
func (v Value) Equal(o Value) bool { return v.text == o.text }
