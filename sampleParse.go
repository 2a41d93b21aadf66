package couchreport

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/valyala/fastjson"
)

// Sample is one metric sample of a plugin: columns[i] names points[i].
type Sample struct {
	Name    string
	Columns []string
	Points  []any
}

var (
	errNoName         = errors.New("sample has no name")
	errLengthMismatch = errors.New("sample columns and points length mismatch")
)

// ParseSample
// format json, ltsv
func ParseSample(buf []byte, format string) (*Sample, error) {
	buf = bytes.TrimRight(buf, "\r\n")
	switch format {
	case SampleFormatJSON:
		return parseSampleJSON(buf)
	case SampleFormatLTSV:
		return parseSampleLTSV(buf)
	}
	return nil, fmt.Errorf("sample format %s is unsupported", format)
}

// {"name":"cpu","columns":["user","system"],"points":[12.5,3]}
func parseSampleJSON(buf []byte) (*Sample, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(buf)
	if err != nil {
		return nil, err
	}

	name := string(v.GetStringBytes("name"))
	if name == "" {
		return nil, errNoName
	}
	columns := v.GetArray("columns")
	points := v.GetArray("points")
	if len(columns) != len(points) {
		return nil, fmt.Errorf("%w plugin=%s", errLengthMismatch, name)
	}

	s := &Sample{
		Name:    name,
		Columns: make([]string, 0, len(columns)),
		Points:  make([]any, 0, len(points)),
	}
	for i, c := range columns {
		column, err := c.StringBytes()
		if err != nil {
			return nil, fmt.Errorf("column %d of plugin=%s: %w", i, name, err)
		}
		point, err := jsonPoint(points[i])
		if err != nil {
			return nil, fmt.Errorf("point %s of plugin=%s: %w", column, name, err)
		}
		s.Columns = append(s.Columns, string(column))
		s.Points = append(s.Points, point)
	}
	return s, nil
}

func jsonPoint(v *fastjson.Value) (any, error) {
	switch v.Type() {
	case fastjson.TypeNull:
		return nil, nil
	case fastjson.TypeTrue:
		return true, nil
	case fastjson.TypeFalse:
		return false, nil
	case fastjson.TypeString:
		return string(v.GetStringBytes()), nil
	case fastjson.TypeNumber:
		return parseNumber(v.String())
	}
	return nil, fmt.Errorf("unsupported value type %s", v.Type())
}

// name:cpu<TAB>user:12.5<TAB>system:3
func parseSampleLTSV(buf []byte) (*Sample, error) {
	s := &Sample{}
	for _, f := range ParseLTSV(buf) {
		if f.Label == "name" {
			s.Name = f.Value
			continue
		}
		s.Columns = append(s.Columns, f.Label)
		s.Points = append(s.Points, ltsvPoint(f.Value))
	}
	if s.Name == "" {
		return nil, errNoName
	}
	return s, nil
}

func ltsvPoint(value string) any {
	if n, err := parseNumber(value); err == nil {
		return n
	}
	return value
}

// parseNumber returns int64 for integral text and float64 otherwise.
func parseNumber(s string) (any, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%s is not a finite number", s)
	}
	return f, nil
}
