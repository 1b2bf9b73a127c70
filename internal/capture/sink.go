package capture

import (
	"bufio"
	"errors"
	"fmt"
	"os"
)

// FileSink is a buffered, optionally compressed trace sink. Writes must
// be serialized by the caller; a trace.Tracer does that through its
// bracket.
type FileSink struct {
	f  *os.File
	cw FlushWriteCloser
	bw *bufio.Writer
}

func CreateFileSink(path string, c Compression) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create sink %s: %w", path, err)
	}
	cw, err := NewCompressWriter(f, c)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileSink{f: f, cw: cw, bw: bufio.NewWriterSize(cw, 64<<10)}, nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	return s.bw.Write(p)
}

// Flush pushes buffered bytes through the compressor to the file.
func (s *FileSink) Flush() error {
	if err := s.bw.Flush(); err != nil {
		return err
	}
	return s.cw.Flush()
}

func (s *FileSink) Close() error {
	return errors.Join(s.bw.Flush(), s.cw.Close(), s.f.Close())
}
