package render

import (
	"io"

	"github.com/danmuck/emtrace/internal/decode"
	"github.com/goccy/go-json"
)

// Record is the JSON form of a decoded line.
type Record struct {
	Offset int64      `json:"offset"`
	Ref    uint64     `json:"ref"`
	File   string     `json:"file,omitempty"`
	Line   uint64     `json:"line,omitempty"`
	Format string     `json:"format,omitempty"`
	Text   string     `json:"text"`
	Args   []Argument `json:"args,omitempty"`
	Error  string     `json:"error,omitempty"`
}

type Argument struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// JSONWriter writes one JSON object per record.
type JSONWriter struct {
	enc *json.Encoder
}

func NewJSONWriter(w io.Writer) *JSONWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONWriter{enc: enc}
}

func NewRecord(line decode.Line) Record {
	rec := Record{Offset: line.Offset, Ref: line.Ref, Text: line.Text}
	if line.Info != nil {
		rec.File = line.Info.File
		rec.Line = line.Info.Line
		rec.Format = line.Info.Format
	}
	for _, a := range line.Args {
		rec.Args = append(rec.Args, Argument{Type: a.TypeName, Value: a.Interface()})
	}
	return rec
}

func (jw *JSONWriter) WriteLine(line decode.Line) error {
	return jw.enc.Encode(NewRecord(line))
}

// WriteError records a decode failure in the output stream.
func (jw *JSONWriter) WriteError(line decode.Line, err error) error {
	rec := NewRecord(line)
	rec.Error = err.Error()
	return jw.enc.Encode(rec)
}
