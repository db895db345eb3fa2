package mux

import (
	"encoding/json"
	"io"
	"sync"
)

// LineWriter serializes JSON values onto the engine stdin, one per line.
// The mutex covers the whole write so concurrent senders never interleave
// partial lines. No acknowledgement is awaited.
type LineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

func (lw *LineWriter) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err = lw.w.Write(data)
	return err
}
