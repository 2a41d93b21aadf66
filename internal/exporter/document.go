package exporter

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fastjson"
)

// TimestampMode selects how the time field of a document is encoded.
type TimestampMode string

const (
	TimestampLocal TimestampMode = "local"
	TimestampUTC   TimestampMode = "utc"
)

const (
	FieldType = "type"
	FieldTime = "time"
)

// LocalTimeLayout is the encoding of the time field in local mode.
// Second precision with the zone offset, so time.Parse gives the same instant back.
const LocalTimeLayout = time.RFC3339

// ParseTimestampMode accepts "", "local" and "utc".
func ParseTimestampMode(s string) (TimestampMode, error) {
	switch TimestampMode(s) {
	case "", TimestampLocal:
		return TimestampLocal, nil
	case TimestampUTC:
		return TimestampUTC, nil
	}
	return "", fmt.Errorf("timestamp mode %q is unsupported", s)
}

type Field struct {
	Key   string
	Value any
}

// Document is one metric sample as stored in the database.
// Field order follows the columns of the sample, then type and time.
type Document struct {
	fields []Field
	index  map[string]int
	// at is the sample time behind the time field, kept for backends with
	// a native date-time type
	at   time.Time
	mode TimestampMode
}

// NewDocument pairs columns[i] with points[i]. A repeated column keeps its
// first position and takes the last value.
func NewDocument(name string, columns []string, points []any, mode TimestampMode, now time.Time) (*Document, error) {
	if len(columns) != len(points) {
		return nil, fmt.Errorf("columns and points length mismatch plugin=%s columns=%d points=%d",
			name, len(columns), len(points))
	}
	d := &Document{
		fields: make([]Field, 0, len(columns)+2),
		index:  make(map[string]int, len(columns)+2),
	}
	for i, column := range columns {
		v, err := normalizeValue(points[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", column, err)
		}
		d.set(column, v)
	}
	d.set(FieldType, name)
	switch mode {
	case TimestampUTC:
		d.mode = TimestampUTC
		d.at = now.Round(time.Second)
		d.set(FieldTime, d.at.Unix())
	default:
		d.mode = TimestampLocal
		d.at = now.Local().Truncate(time.Second)
		d.set(FieldTime, d.at.Format(LocalTimeLayout))
	}
	return d, nil
}

// LocalTime returns the instant of the time field and true when the document
// was built in local mode. UTC mode documents carry epoch seconds instead.
func (d *Document) LocalTime() (time.Time, bool) {
	return d.at, d.mode == TimestampLocal
}

func (d *Document) set(key string, value any) {
	if i, ok := d.index[key]; ok {
		d.fields[i].Value = value
		return
	}
	d.index[key] = len(d.fields)
	d.fields = append(d.fields, Field{Key: key, Value: value})
}

func (d *Document) Get(key string) (any, bool) {
	i, ok := d.index[key]
	if !ok {
		return nil, false
	}
	return d.fields[i].Value, true
}

// Fields returns the fields in document order.
func (d *Document) Fields() []Field {
	return d.fields
}

func (d *Document) Len() int {
	return len(d.fields)
}

func (d *Document) MarshalJSON() ([]byte, error) {
	var a fastjson.Arena
	o := a.NewObject()
	for _, f := range d.fields {
		o.Set(f.Key, arenaValue(&a, f.Value))
	}
	return o.MarshalTo(nil), nil
}

func arenaValue(a *fastjson.Arena, v any) *fastjson.Value {
	switch v := v.(type) {
	case nil:
		return a.NewNull()
	case bool:
		if v {
			return a.NewTrue()
		}
		return a.NewFalse()
	case int64:
		return a.NewNumberString(strconv.FormatInt(v, 10))
	case uint64:
		return a.NewNumberString(strconv.FormatUint(v, 10))
	case float64:
		return a.NewNumberFloat64(v)
	case string:
		return a.NewString(v)
	}
	// normalizeValue guarantees one of the above
	return a.NewNull()
}

// normalizeValue maps the scalar kinds a sample may carry onto
// nil, bool, int64, uint64, float64 and string.
func normalizeValue(v any) (any, error) {
	switch v := v.(type) {
	case nil, bool, string, int64, uint64:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case float32:
		return checkFloat(float64(v))
	case float64:
		return checkFloat(v)
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("value %v cannot be stored", f)
	}
	return f, nil
}
