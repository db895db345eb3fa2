package mux

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"jsonrpc-relay/daemon/internal/platform/logging"
	"jsonrpc-relay/daemon/internal/platform/metrics"
	"jsonrpc-relay/daemon/internal/protocol"
)

// DefaultMaxFrameBytes bounds one engine stdout line.
const DefaultMaxFrameBytes = 8 << 20

var errFrameTooLong = errors.New("engine frame exceeds line limit")

// ReadFrames consumes the engine stdout until EOF, reassembling
// newline-delimited frames and dispatching each through the router. It is
// the single sequential consumer of the stream; dispatch never blocks it.
//
// A line that does not parse, parses without a usable numeric id, or exceeds
// the frame limit, is counted and logged, then dropped; the remaining stream
// is unaffected. If that line was the only response some caller would ever
// get, that caller never resolves.
func (b *Bridge) ReadFrames(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := b.readLine(br)
		if err == io.EOF {
			return nil
		}
		if err == errFrameTooLong {
			metrics.RecordFrame(metrics.FrameMalformed)
			b.log.Warn().Int("limit", b.maxFrame).Msg("oversized engine frame dropped")
			continue
		}
		if err != nil {
			return err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		frame, ok, perr := protocol.ParseFrame(line)
		if perr != nil {
			metrics.RecordFrame(metrics.FrameMalformed)
			b.log.Warn().Err(perr).Str("line", logging.Snippet(line)).Msg("malformed engine frame dropped")
			continue
		}
		if !ok {
			metrics.RecordFrame(metrics.FrameMalformed)
			b.log.Warn().Str("line", logging.Snippet(line)).Msg("engine frame without numeric id dropped")
			continue
		}
		b.router.Dispatch(frame)
	}
}

// readLine returns the next line without its newline. A line longer than
// maxFrame is discarded up to its terminating newline and reported as
// errFrameTooLong so the caller can resume with the one after it. A trailing
// unterminated line is returned as a line of its own.
func (b *Bridge) readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	dropping := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !dropping {
			line = append(line, chunk...)
			if len(line) > b.maxFrame+1 {
				line = nil
				dropping = true
			}
		}
		switch err {
		case nil:
			if dropping {
				return nil, errFrameTooLong
			}
			return bytes.TrimSuffix(line, []byte("\n")), nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if dropping {
				return nil, errFrameTooLong
			}
			if len(line) == 0 {
				return nil, io.EOF
			}
			return line, nil
		default:
			return nil, err
		}
	}
}
