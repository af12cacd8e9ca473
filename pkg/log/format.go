package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// JSONFormatter renders entries as single-line JSON objects. Field order is
// ts, level, msg, then fields in bind order.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"ts":`)
	writeJSONString(&buf, entry.Timestamp.Format(time.RFC3339Nano))
	buf.WriteString(`,"level":`)
	writeJSONString(&buf, entry.Level.String())
	buf.WriteString(`,"msg":`)
	writeJSONString(&buf, entry.Message)
	for _, fld := range entry.Fields {
		buf.WriteByte(',')
		writeJSONString(&buf, fld.Key)
		buf.WriteByte(':')
		v, err := json.Marshal(fld.Value)
		if err != nil {
			writeJSONString(&buf, fmt.Sprintf("%v", fld.Value))
		} else {
			buf.Write(v)
		}
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	v, _ := json.Marshal(s)
	buf.Write(v)
}

// TextFormatter renders entries as "ts LEVEL msg k=v k=v", for consoles.
type TextFormatter struct{}

func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	buf.WriteByte(' ')
	fmt.Fprintf(&buf, "%-5s", entry.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(entry.Message)
	for _, fld := range entry.Fields {
		fmt.Fprintf(&buf, " %s=%v", fld.Key, fld.Value)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
