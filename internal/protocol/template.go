package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolution selects one of the two numeric scaling rules for a logical
// field (spec.md §3, §4.E).
type Resolution int

const (
	// LowResolution selects the coarser scaling rule for a field.
	LowResolution Resolution = iota
	// HighResolution selects the finer scaling rule for a field.
	HighResolution
)

func (r Resolution) String() string {
	if r == HighResolution {
		return "H"
	}
	return "L"
}

// Field is a single payload template field descriptor (spec.md §3).
// ArrayIndex is meaningful only for field types that allow multiple values;
// it is ignored for scalar kinds.
type Field struct {
	Type       FieldType
	Resolution Resolution
	ArrayIndex int
	ByteLength int
}

// Encode serializes f as the pipe-delimited textual wire form
// "<H|L>|<typeHex>|<index>|<length>" used for template persistence
// (spec.md §4.C, §6).
func (f Field) Encode() string {
	return fmt.Sprintf("%s|%X|%d|%d", f.Resolution, f.Type, f.ArrayIndex, f.ByteLength)
}

// ParseField parses the textual wire form produced by Field.Encode.
func ParseField(s string) (Field, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return Field{}, fmt.Errorf("protocol: parse field %q: want 4 pipe-delimited parts, got %d", s, len(parts))
	}

	var res Resolution
	switch strings.ToUpper(parts[0]) {
	case "H":
		res = HighResolution
	case "L":
		res = LowResolution
	default:
		return Field{}, fmt.Errorf("protocol: parse field %q: resolution must be H or L, got %q", s, parts[0])
	}

	typ, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return Field{}, fmt.Errorf("protocol: parse field %q: type: %w", s, err)
	}
	idx, err := strconv.Atoi(parts[2])
	if err != nil {
		return Field{}, fmt.Errorf("protocol: parse field %q: index: %w", s, err)
	}
	length, err := strconv.Atoi(parts[3])
	if err != nil {
		return Field{}, fmt.Errorf("protocol: parse field %q: length: %w", s, err)
	}

	return Field{
		Type:       FieldType(typ),
		Resolution: res,
		ArrayIndex: idx,
		ByteLength: length,
	}, nil
}

// Template is a client-negotiated, ordered schema describing how raw event
// bytes map to named, typed fields for one custom packet type (spec.md §3,
// §4.C).
type Template struct {
	CustomType byte
	Fields     []Field
	RepeatLast bool
}

// NewTemplate constructs a Template from its components.
func NewTemplate(customType byte, fields []Field, repeatLast bool) Template {
	return Template{CustomType: customType, Fields: append([]Field(nil), fields...), RepeatLast: repeatLast}
}

// FieldAt returns the descriptor for decode position n and whether one was
// available. For n < len(Fields) it returns Fields[n]. For n >=
// len(Fields), it returns Fields[len(Fields)-1] when RepeatLast is true and
// the template is non-empty; otherwise it returns the zero Field and false
// (spec.md §4.C, §8 "Template lookup").
func (t Template) FieldAt(n int) (Field, bool) {
	if n >= 0 && n < len(t.Fields) {
		return t.Fields[n], true
	}
	if t.RepeatLast && len(t.Fields) > 0 {
		return t.Fields[len(t.Fields)-1], true
	}
	return Field{}, false
}

// EncodeFields serializes the template's field list (not CustomType or
// RepeatLast, which are persisted out of band per spec.md §6) as a
// newline-joined list of Field.Encode() entries.
func (t Template) EncodeFields() string {
	parts := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		parts[i] = f.Encode()
	}
	return strings.Join(parts, "\n")
}

// ParseFields parses the newline-joined field list produced by
// Template.EncodeFields.
func ParseFields(s string) ([]Field, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	lines := strings.Split(s, "\n")
	fields := make([]Field, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		f, err := ParseField(line)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}
