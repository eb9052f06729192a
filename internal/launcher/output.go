package launcher

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// lineSink serializes whole lines from many ranks onto one writer.
type lineSink struct {
	mu      sync.Mutex
	w       io.Writer
	capture bool
	lines   []string
}

func (s *lineSink) emit(prefix string, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		if prefix != "" {
			io.WriteString(s.w, prefix)
		}
		s.w.Write(line)
		if len(line) == 0 || line[len(line)-1] != '\n' {
			io.WriteString(s.w, "\n")
		}
	}
	if s.capture {
		s.lines = append(s.lines, string(bytes.TrimRight(line, "\r\n")))
	}
}

func (s *lineSink) captured() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// lineWriter buffers one rank's output and hands complete lines to a sink.
type lineWriter struct {
	sink   *lineSink
	prefix string
	buf    []byte
}

func newLineWriter(sink *lineSink, prefix string) *lineWriter {
	return &lineWriter{sink: sink, prefix: prefix}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.sink.emit(w.prefix, w.buf[:i+1])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.sink.emit(w.prefix, w.buf)
		w.buf = nil
	}
}

func rankPrefix(rank int) string {
	return fmt.Sprintf("[rank %d] ", rank)
}
