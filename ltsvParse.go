package couchreport

import (
	"bytes"
)

type LTSVField struct {
	Label string
	Value string
}

// ParseLTSV is simple ltsv parser. Fields keep their order in the line,
// entries without a label separator are skipped.
func ParseLTSV(data []byte) []LTSVField {
	list := bytes.Split(data, []byte("\t"))
	ret := make([]LTSVField, 0, len(list))
	for _, b := range list {
		s := bytes.SplitN(b, []byte(":"), 2)
		if len(s) < 2 || len(s[0]) == 0 {
			continue
		}
		ret = append(ret, LTSVField{Label: string(s[0]), Value: string(s[1])})
	}
	return ret
}
