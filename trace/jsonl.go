// Package trace writes execution traces as JSON Lines.
package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
)

var ErrWriterClosed = errors.New("trace writer is closed")

// Writer encodes one Record per line. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	enc    *json.Encoder
	buf    *bufio.Writer
	closer io.Closer // set only when the writer owns the file
	closed bool
}

func newWriter(w io.Writer, size int, closer io.Closer) *Writer {
	buf := bufio.NewWriterSize(w, size)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc, buf: buf, closer: closer}
}

// NewWriter traces to w. Close flushes but does not close w.
func NewWriter(w io.Writer) *Writer { return newWriter(w, 64*1024, nil) }

// Create truncates path and traces into it. Close closes the file.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return newWriter(f, 64*1024, f), nil
}

// Stdout traces with a small buffer so output shows up promptly.
func Stdout() *Writer { return newWriter(os.Stdout, 4*1024, nil) }

func (w *Writer) Write(r *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.enc.Encode(r)
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.buf.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
