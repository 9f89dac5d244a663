package types

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FieldKind identifies the runtime type of a Field
type FieldKind string

const (
	FieldNull      FieldKind = "null"
	FieldInt       FieldKind = "int"
	FieldFloat     FieldKind = "float"
	FieldDecimal   FieldKind = "decimal"
	FieldString    FieldKind = "string"
	FieldBinary    FieldKind = "binary"
	FieldTimestamp FieldKind = "timestamp"
	FieldDate      FieldKind = "date"
	FieldDuration  FieldKind = "duration"
	FieldPoint     FieldKind = "point"
	FieldJSON      FieldKind = "json"
	FieldBoolean   FieldKind = "boolean"
)

const dateLayout = "2006-01-02"

// Point is a two-dimensional geo point
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Field is one typed value inside a Record. Exactly one of the value
// members is meaningful, selected by Kind.
type Field struct {
	Kind     FieldKind
	Int      int64
	Float    float64
	Decimal  decimal.Decimal
	Str      string
	Bin      []byte
	Time     time.Time // timestamp and date
	Duration time.Duration
	Point    Point
	JSON     json.RawMessage
	Bool     bool
}

// Constructors for the common kinds

func NullField() Field                    { return Field{Kind: FieldNull} }
func IntField(v int64) Field              { return Field{Kind: FieldInt, Int: v} }
func FloatField(v float64) Field          { return Field{Kind: FieldFloat, Float: v} }
func DecimalField(v decimal.Decimal) Field { return Field{Kind: FieldDecimal, Decimal: v} }
func StringField(v string) Field          { return Field{Kind: FieldString, Str: v} }
func BinaryField(v []byte) Field          { return Field{Kind: FieldBinary, Bin: v} }
func TimestampField(v time.Time) Field    { return Field{Kind: FieldTimestamp, Time: v} }
func DateField(v time.Time) Field         { return Field{Kind: FieldDate, Time: v} }
func DurationField(v time.Duration) Field { return Field{Kind: FieldDuration, Duration: v} }
func PointField(x, y float64) Field       { return Field{Kind: FieldPoint, Point: Point{X: x, Y: y}} }
func JSONField(v json.RawMessage) Field   { return Field{Kind: FieldJSON, JSON: v} }
func BoolField(v bool) Field              { return Field{Kind: FieldBoolean, Bool: v} }

// IsNull reports whether the field holds no value
func (f Field) IsNull() bool {
	return f.Kind == FieldNull || f.Kind == ""
}

// String renders the field value for logs and CLI output
func (f Field) String() string {
	switch f.Kind {
	case FieldNull, "":
		return "NULL"
	case FieldInt:
		return strconv.FormatInt(f.Int, 10)
	case FieldFloat:
		return strconv.FormatFloat(f.Float, 'g', -1, 64)
	case FieldDecimal:
		return f.Decimal.String()
	case FieldString:
		return f.Str
	case FieldBinary:
		return base64.StdEncoding.EncodeToString(f.Bin)
	case FieldTimestamp:
		return f.Time.Format(time.RFC3339Nano)
	case FieldDate:
		return f.Time.Format(dateLayout)
	case FieldDuration:
		return f.Duration.String()
	case FieldPoint:
		return fmt.Sprintf("(%g,%g)", f.Point.X, f.Point.Y)
	case FieldJSON:
		return string(f.JSON)
	case FieldBoolean:
		return strconv.FormatBool(f.Bool)
	}
	return string(f.Kind)
}

// AppendBinary appends a canonical, self-delimiting encoding of the field.
// Equal fields always produce equal bytes; the encoding is the basis for
// record hashing and primary-key construction.
func (f Field) AppendBinary(b []byte) []byte {
	kind := f.Kind
	if kind == "" {
		kind = FieldNull
	}
	b = append(b, byte(kindTag(kind)))
	switch kind {
	case FieldNull:
	case FieldInt:
		b = binary.BigEndian.AppendUint64(b, uint64(f.Int))
	case FieldFloat:
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(f.Float))
	case FieldDecimal:
		b = appendLenPrefixed(b, []byte(f.Decimal.String()))
	case FieldString:
		b = appendLenPrefixed(b, []byte(f.Str))
	case FieldBinary:
		b = appendLenPrefixed(b, f.Bin)
	case FieldTimestamp:
		b = binary.BigEndian.AppendUint64(b, uint64(f.Time.UnixNano()))
	case FieldDate:
		b = appendLenPrefixed(b, []byte(f.Time.Format(dateLayout)))
	case FieldDuration:
		b = binary.BigEndian.AppendUint64(b, uint64(f.Duration))
	case FieldPoint:
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(f.Point.X))
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(f.Point.Y))
	case FieldJSON:
		b = appendLenPrefixed(b, f.JSON)
	case FieldBoolean:
		if f.Bool {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	return b
}

func appendLenPrefixed(b, v []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func kindTag(k FieldKind) int {
	switch k {
	case FieldNull:
		return 0
	case FieldInt:
		return 1
	case FieldFloat:
		return 2
	case FieldDecimal:
		return 3
	case FieldString:
		return 4
	case FieldBinary:
		return 5
	case FieldTimestamp:
		return 6
	case FieldDate:
		return 7
	case FieldDuration:
		return 8
	case FieldPoint:
		return 9
	case FieldJSON:
		return 10
	case FieldBoolean:
		return 11
	}
	return 0
}

// Equal reports whether two fields hold the same kind and value
func (f Field) Equal(other Field) bool {
	return string(f.AppendBinary(nil)) == string(other.AppendBinary(nil))
}

// Compare orders two fields. Nulls sort first, then by kind tag, then by
// value. Comparable kinds (numbers, strings, times) order naturally; the
// remaining kinds fall back to their canonical encoding.
func Compare(a, b Field) int {
	ak, bk := kindTag(a.Kind), kindTag(b.Kind)
	if a.IsNull() || b.IsNull() {
		switch {
		case a.IsNull() && b.IsNull():
			return 0
		case a.IsNull():
			return -1
		default:
			return 1
		}
	}
	// numeric kinds compare across int/float/decimal
	if isNumeric(a.Kind) && isNumeric(b.Kind) {
		return a.asDecimal().Cmp(b.asDecimal())
	}
	if ak != bk {
		if ak < bk {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case FieldString:
		return strings.Compare(a.Str, b.Str)
	case FieldTimestamp, FieldDate:
		switch {
		case a.Time.Before(b.Time):
			return -1
		case a.Time.After(b.Time):
			return 1
		}
		return 0
	case FieldDuration:
		switch {
		case a.Duration < b.Duration:
			return -1
		case a.Duration > b.Duration:
			return 1
		}
		return 0
	case FieldBoolean:
		switch {
		case !a.Bool && b.Bool:
			return -1
		case a.Bool && !b.Bool:
			return 1
		}
		return 0
	}
	return strings.Compare(string(a.AppendBinary(nil)), string(b.AppendBinary(nil)))
}

func isNumeric(k FieldKind) bool {
	return k == FieldInt || k == FieldFloat || k == FieldDecimal
}

func (f Field) asDecimal() decimal.Decimal {
	switch f.Kind {
	case FieldInt:
		return decimal.NewFromInt(f.Int)
	case FieldFloat:
		return decimal.NewFromFloat(f.Float)
	default:
		return f.Decimal
	}
}

type fieldJSON struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes the field as a {"t": kind, "v": value} pair. Int and
// decimal values travel as strings so 64-bit precision survives JSON.
func (f Field) MarshalJSON() ([]byte, error) {
	kind := f.Kind
	if kind == "" {
		kind = FieldNull
	}
	var v any
	switch kind {
	case FieldNull:
		return json.Marshal(fieldJSON{T: string(FieldNull)})
	case FieldInt:
		v = strconv.FormatInt(f.Int, 10)
	case FieldFloat:
		v = f.Float
	case FieldDecimal:
		v = f.Decimal.String()
	case FieldString:
		v = f.Str
	case FieldBinary:
		v = base64.StdEncoding.EncodeToString(f.Bin)
	case FieldTimestamp:
		v = f.Time.Format(time.RFC3339Nano)
	case FieldDate:
		v = f.Time.Format(dateLayout)
	case FieldDuration:
		v = strconv.FormatInt(int64(f.Duration), 10)
	case FieldPoint:
		v = f.Point
	case FieldJSON:
		raw, _ := json.Marshal(f.JSON)
		return json.Marshal(fieldJSON{T: string(kind), V: raw})
	case FieldBoolean:
		v = f.Bool
	default:
		return nil, fmt.Errorf("unknown field kind: %s", kind)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fieldJSON{T: string(kind), V: raw})
}

// UnmarshalJSON decodes the tagged representation produced by MarshalJSON
func (f *Field) UnmarshalJSON(data []byte) error {
	var fj fieldJSON
	if err := json.Unmarshal(data, &fj); err != nil {
		return err
	}
	kind := FieldKind(fj.T)
	*f = Field{Kind: kind}
	switch kind {
	case FieldNull:
		return nil
	case FieldInt:
		var s string
		if err := json.Unmarshal(fj.V, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid int field: %w", err)
		}
		f.Int = n
	case FieldFloat:
		return json.Unmarshal(fj.V, &f.Float)
	case FieldDecimal:
		var s string
		if err := json.Unmarshal(fj.V, &s); err != nil {
			return err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("invalid decimal field: %w", err)
		}
		f.Decimal = d
	case FieldString:
		return json.Unmarshal(fj.V, &f.Str)
	case FieldBinary:
		var s string
		if err := json.Unmarshal(fj.V, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid binary field: %w", err)
		}
		f.Bin = raw
	case FieldTimestamp:
		var s string
		if err := json.Unmarshal(fj.V, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp field: %w", err)
		}
		f.Time = t
	case FieldDate:
		var s string
		if err := json.Unmarshal(fj.V, &s); err != nil {
			return err
		}
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return fmt.Errorf("invalid date field: %w", err)
		}
		f.Time = t
	case FieldDuration:
		var s string
		if err := json.Unmarshal(fj.V, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid duration field: %w", err)
		}
		f.Duration = time.Duration(n)
	case FieldPoint:
		return json.Unmarshal(fj.V, &f.Point)
	case FieldJSON:
		return json.Unmarshal(fj.V, &f.JSON)
	case FieldBoolean:
		return json.Unmarshal(fj.V, &f.Bool)
	default:
		return fmt.Errorf("unknown field kind: %s", fj.T)
	}
	return nil
}
